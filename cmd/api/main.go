package main

// @title Tally API
// @version 1.0
// @description Multi-tenant billing synchronization core: webhook ingestion, seat sync, reconciliation, dunning.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey GatewayAuth
// @in header
// @name X-User-ID
// @description User id injected by the authenticating edge gateway.

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tallyops/tally/config"
	custommw "github.com/tallyops/tally/pkg/api/middleware"
	"github.com/tallyops/tally/pkg/container"
	"github.com/tallyops/tally/pkg/jobs"
	custommiddleware "github.com/tallyops/tally/pkg/middleware"
)

func main() {
	// Load configuration
	cfg := config.Load()
	log.Printf("🔧 Configuration loaded (environment: %s)", cfg.APIEnvironment)

	// Initialize Sentry for error tracking
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			TracesSampleRate: 1.0, // Capture 100% of transactions in development, adjust in production
			AttachStacktrace: true,
		})
		if err != nil {
			log.Printf("⚠️  Failed to initialize Sentry: %v", err)
		} else {
			log.Printf("✅ Sentry initialized (environment: %s)", cfg.SentryEnvironment)
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Printf("ℹ️  Sentry disabled (no DSN configured)")
	}

	// Initialize all dependencies
	ctn, err := container.New(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize container: %v", err)
	}
	defer ctn.Close()

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true

	// Rate limiters: a wide global bucket plus a webhook-specific one sized
	// for provider retry bursts.
	globalRateLimiter := custommiddleware.NewRateLimiter(custommiddleware.RateLimiterConfig{
		RequestsPerSecond: float64(cfg.RateLimitRequestsPerMinute) / 60,
		Burst:             cfg.RateLimitBurst,
	})
	webhookRateLimiter := custommiddleware.NewRateLimiter(custommiddleware.DefaultRateLimiterConfig())

	// Global middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[%s] %s - Status: %d", c.Request().Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	// Sentry error tracking middleware (if configured)
	if cfg.SentryDSN != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic: true, // Repanic after capturing to let the Recover middleware handle it
		}))
	}

	// Prometheus metrics middleware
	e.Use(ctn.Metrics.Middleware())

	// CORS with restricted origins
	e.Use(middleware.CORSWithConfig(custommiddleware.CORSConfig()))

	e.Use(middleware.Gzip())
	e.Use(custommiddleware.SecurityHeaders(custommiddleware.SecurityHeadersConfig{}))
	e.Use(globalRateLimiter.Middleware())

	// Service info (public)
	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"name":        "Tally API",
			"version":     "0.1.0",
			"status":      "running",
			"environment": cfg.APIEnvironment,
			"timestamp":   time.Now().Unix(),
		})
	})

	// Health check (public)
	e.GET("/health", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		if err := ctn.DB.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":   "unhealthy",
				"database": "down",
			})
		}

		if err := ctn.Cache.Redis.Ping(ctx).Err(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"cache":  "down",
			})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"status":   "healthy",
			"database": "up",
			"cache":    "up",
		})
	})

	// Prometheus metrics endpoint (public)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API v1 routes
	v1 := e.Group("/api/v1")

	// Stripe webhook: authenticated by signature, not by principal
	v1.POST("/billing/webhook", ctn.BillingHandler.HandleStripeWebhook, webhookRateLimiter.Middleware())

	// Everything else requires a gateway-authenticated principal
	authed := v1.Group("", custommw.Principal())

	authed.POST("/organizations", ctn.OrganizationHandler.CreateOrganization)
	authed.GET("/organizations/:org_id", ctn.OrganizationHandler.GetOrganization)
	authed.GET("/organizations/:org_id/billing", ctn.BillingHandler.GetBillingSummary)
	authed.GET("/organizations/:org_id/members", ctn.OrganizationHandler.ListMembers)
	authed.POST("/organizations/:org_id/members", ctn.OrganizationHandler.InviteMember)
	authed.POST("/organizations/:org_id/members/accept", ctn.OrganizationHandler.AcceptInvitation)
	authed.DELETE("/organizations/:org_id/members/:user_id", ctn.OrganizationHandler.RemoveMember)

	// Admin actions; gateway enforces the staff ACL for /admin/*
	authed.POST("/admin/reconcile/:org_id", ctn.AdminHandler.ReconcileOrganization)

	// Scheduled sweeps
	cronManager := jobs.NewCronManager(ctn.Reconcile, ctn.Dunning, nil)
	if err := cronManager.SetupJobs(); err != nil {
		log.Fatalf("❌ Failed to set up cron jobs: %v", err)
	}
	cronManager.Start()

	// Start server
	address := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	log.Printf("🚀 Tally API starting on %s", address)
	log.Printf("📝 Log level: %s", cfg.LogLevel)
	log.Printf("🛡️  Rate limiting: %d req/min (burst: %d)", cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)
	log.Printf("⏰ Cron jobs: reconciliation every 6h, dunning hourly")

	// Graceful shutdown
	go func() {
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	// Stop cron jobs
	cronManager.Stop()
	log.Println("✅ Cron jobs stopped")

	// Gracefully shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.Fatalf("❌ Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server gracefully stopped")
}
