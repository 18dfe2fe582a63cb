package container

import (
	"time"

	"github.com/tallyops/tally/config"
	"github.com/tallyops/tally/pkg/api/handlers"
	"github.com/tallyops/tally/pkg/billing"
	"github.com/tallyops/tally/pkg/cache"
	"github.com/tallyops/tally/pkg/database"
	"github.com/tallyops/tally/pkg/dunning"
	"github.com/tallyops/tally/pkg/email"
	"github.com/tallyops/tally/pkg/logger"
	"github.com/tallyops/tally/pkg/metrics"
	"github.com/tallyops/tally/pkg/organization"
	"github.com/tallyops/tally/pkg/reconcile"
	"github.com/tallyops/tally/pkg/seatsync"
	"github.com/tallyops/tally/pkg/tenancy"
)

// Container holds all application dependencies
type Container struct {
	Config  *config.Config
	Logger  logger.Logger
	Metrics *metrics.Metrics

	// Infrastructure
	DB    *database.Client
	Cache *cache.Client

	// Core services
	Guard               *tenancy.Guard
	Provider            billing.Provider
	Store               *billing.Store
	Pipeline            *billing.Pipeline
	EmailService        *email.Service
	Dunning             *dunning.Orchestrator
	SeatSync            *seatsync.Service
	Reconcile           *reconcile.Engine
	OrganizationService *organization.Service

	// Handlers
	BillingHandler      *handlers.BillingHandler
	OrganizationHandler *handlers.OrganizationHandler
	AdminHandler        *handlers.AdminHandler
}

// New creates and initializes all application dependencies
func New(cfg *config.Config) (*Container, error) {
	c := &Container{
		Config:  cfg,
		Logger:  logger.New(cfg.LogLevel),
		Metrics: metrics.New(),
	}

	if err := c.initInfrastructure(); err != nil {
		return nil, err
	}

	c.initServices()
	c.initHandlers()

	c.Logger.Info("Container initialized successfully",
		"environment", cfg.APIEnvironment,
		"database", "connected",
		"cache", "connected")

	return c, nil
}

// initInfrastructure initializes database and cache connections
func (c *Container) initInfrastructure() error {
	var err error

	c.DB, err = database.NewClient(c.Config.DatabaseURL)
	if err != nil {
		c.Logger.Error("Failed to connect to database", "error", err)
		return err
	}

	c.Cache, err = cache.NewClient(c.Config.RedisURL)
	if err != nil {
		c.Logger.Error("Failed to connect to cache", "error", err)
		return err
	}

	c.Logger.Info("Infrastructure initialized",
		"database", "connected",
		"cache", "connected")

	return nil
}

// initServices wires the billing core. The Stripe client is constructed once
// here and injected everywhere; no package-level provider state.
func (c *Container) initServices() {
	db := c.DB.Gorm

	c.Guard = tenancy.NewGuard(db)
	c.Provider = billing.NewStripeProvider(c.Config.StripeSecretKey)
	c.Store = billing.NewStore(db, c.Logger)

	c.EmailService = email.NewService(
		c.Config.SendGridAPIKey,
		c.Config.EmailFrom,
		c.Config.EmailFromName,
	)

	c.Dunning = dunning.NewOrchestrator(
		c.Store,
		c.EmailService,
		c.Cache,
		dunning.Config{
			MaxNotifications: c.Config.DunningMaxNotifications,
			FirstInterval:    time.Duration(c.Config.DunningFirstInterval) * time.Hour,
			GracePeriod:      time.Duration(c.Config.DunningGracePeriod) * 24 * time.Hour,
		},
		c.Logger,
		c.Metrics,
	)

	c.Pipeline = billing.NewPipeline(
		c.Store,
		c.Dunning,
		c.Config.StripeWebhookSecret,
		c.Logger,
		c.Metrics,
	)

	c.SeatSync = seatsync.NewService(
		c.Store,
		c.Provider,
		c.Guard,
		c.Cache,
		seatsync.Config{
			MinInterval: time.Duration(c.Config.SeatSyncMinInterval) * time.Second,
			MaxAttempts: c.Config.SeatSyncMaxAttempts,
			CallTimeout: time.Duration(c.Config.ProviderCallTimeout) * time.Second,
			LockTTL:     time.Duration(c.Config.OrgLockTTL) * time.Second,
		},
		c.Logger,
		c.Metrics,
	)

	c.Reconcile = reconcile.NewEngine(
		c.Store,
		c.Provider,
		c.Cache,
		reconcile.Config{
			LockTTL:     time.Duration(c.Config.OrgLockTTL) * time.Second,
			CallTimeout: time.Duration(c.Config.ProviderCallTimeout) * time.Second,
		},
		c.Logger,
		c.Metrics,
	)

	c.OrganizationService = organization.NewService(db, c.Guard, c.SeatSync)

	c.Logger.Info("Services initialized",
		"billing_store", "ready",
		"webhook_pipeline", "ready",
		"seat_sync", "ready",
		"reconcile_engine", "ready",
		"dunning", "ready")
}

// initHandlers initializes all HTTP handlers
func (c *Container) initHandlers() {
	c.BillingHandler = handlers.NewBillingHandler(c.Pipeline, c.Store, c.Guard)
	c.OrganizationHandler = handlers.NewOrganizationHandler(c.OrganizationService, c.Guard)
	c.AdminHandler = handlers.NewAdminHandler(c.Reconcile)

	c.Logger.Info("Handlers initialized")
}

// Close closes all resources (database, cache connections)
func (c *Container) Close() error {
	c.Logger.Info("Shutting down container...")

	if err := c.DB.Close(); err != nil {
		c.Logger.Error("Failed to close database", "error", err)
		return err
	}

	if err := c.Cache.Close(); err != nil {
		c.Logger.Error("Failed to close cache", "error", err)
		return err
	}

	c.Logger.Info("Container shutdown complete")
	return nil
}
