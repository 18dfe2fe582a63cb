package jobs

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tallyops/tally/pkg/dunning"
	"github.com/tallyops/tally/pkg/reconcile"
)

// CronManager manages scheduled jobs
type CronManager struct {
	cron      *cron.Cron
	reconcile *reconcile.Engine
	dunning   *dunning.Orchestrator
	logger    *log.Logger
}

// NewCronManager creates a new cron manager
func NewCronManager(engine *reconcile.Engine, orchestrator *dunning.Orchestrator, logger *log.Logger) *CronManager {
	if logger == nil {
		logger = log.Default()
	}

	return &CronManager{
		cron:      cron.New(),
		reconcile: engine,
		dunning:   orchestrator,
		logger:    logger,
	}
}

// SetupJobs configures all scheduled jobs
func (cm *CronManager) SetupJobs() error {
	cm.logger.Println("Setting up cron jobs...")

	// Every 6 hours: reconcile local billing state against the provider
	_, err := cm.cron.AddFunc("0 */6 * * *", func() {
		cm.logger.Println("🕐 Running reconciliation sweep...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		if err := cm.reconcile.Sweep(ctx); err != nil {
			cm.logger.Printf("⚠️ Reconciliation sweep completed with errors: %v", err)
			return
		}
		cm.logger.Println("✅ Reconciliation sweep completed")
	})
	if err != nil {
		return err
	}

	// Hourly: advance dunning for organizations with open billing issues
	_, err = cm.cron.AddFunc("15 * * * *", func() {
		cm.logger.Println("🕐 Running dunning sweep...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if err := cm.dunning.Sweep(ctx); err != nil {
			cm.logger.Printf("⚠️ Dunning sweep completed with errors: %v", err)
			return
		}
		cm.logger.Println("✅ Dunning sweep completed")
	})
	if err != nil {
		return err
	}

	cm.logger.Println("✅ Cron jobs configured successfully")
	cm.logger.Println("  - Every 6 hours: reconciliation sweep")
	cm.logger.Println("  - Hourly at :15: dunning sweep")

	return nil
}

// Start starts the cron scheduler
func (cm *CronManager) Start() {
	cm.logger.Println("🚀 Starting cron scheduler...")
	cm.cron.Start()
}

// Stop stops the cron scheduler and waits for running jobs
func (cm *CronManager) Stop() {
	cm.logger.Println("🛑 Stopping cron scheduler...")
	ctx := cm.cron.Stop()
	<-ctx.Done()
}
