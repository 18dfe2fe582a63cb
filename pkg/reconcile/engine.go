package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tallyops/tally/pkg/billing"
	"github.com/tallyops/tally/pkg/cache"
	"github.com/tallyops/tally/pkg/logger"
	"github.com/tallyops/tally/pkg/metrics"
	"github.com/tallyops/tally/pkg/models"
	"gorm.io/gorm"
)

// Reconciliation outcomes
const (
	StatusOK            = "ok"
	StatusDiscrepancies = "discrepancies_found"
	StatusDeferred      = "deferred"
	StatusError         = "error"
)

// Result is the report for one organization's reconciliation pass
type Result struct {
	Status        string
	Discrepancies []string
}

// Config tunes the engine
type Config struct {
	LockTTL     time.Duration
	CallTimeout time.Duration
}

// Engine compares local billing state against the provider's view and
// self-heals through the billing ledger. The provider is the source of
// truth for status and quantity; corrections never mutate organization
// fields directly.
type Engine struct {
	db       *gorm.DB
	store    *billing.Store
	provider billing.Provider
	locks    *cache.Client
	cfg      Config
	log      logger.Logger
	metrics  *metrics.Metrics
}

// NewEngine creates a reconciliation engine
func NewEngine(store *billing.Store, provider billing.Provider, locks *cache.Client, cfg Config, log logger.Logger, m *metrics.Metrics) *Engine {
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	return &Engine{
		db:       store.DB(),
		store:    store,
		provider: provider,
		locks:    locks,
		cfg:      cfg,
		log:      log,
		metrics:  m,
	}
}

// ReconcileOrganization runs one pass for a single organization. When a seat
// synchronization call is in flight (the per-organization advisory lock is
// held) the pass is deferred rather than racing the write.
func (e *Engine) ReconcileOrganization(ctx context.Context, orgID uint) (*Result, error) {
	held, err := e.locks.OrgLockHeld(ctx, orgID)
	if err != nil {
		return &Result{Status: StatusError}, err
	}
	if held {
		e.count(StatusDeferred)
		return &Result{Status: StatusDeferred}, nil
	}

	var org models.Organization
	if err := e.db.WithContext(ctx).First(&org, orgID).Error; err != nil {
		e.count(StatusError)
		return &Result{Status: StatusError}, fmt.Errorf("failed to load organization %d: %w", orgID, err)
	}

	if org.StripeSubscriptionID == nil {
		// Billable features with no subscription reference at all
		if org.Plan != models.PlanNone && !org.FeaturesSuspended {
			e.count(StatusDiscrepancies)
			e.log.Warn("organization has billable plan but no subscription reference",
				"organization", org.ID, "plan", org.Plan)
			return &Result{
				Status:        StatusDiscrepancies,
				Discrepancies: []string{"missing: billable plan without subscription reference"},
			}, nil
		}
		e.count(StatusOK)
		return &Result{Status: StatusOK}, nil
	}

	// Provider fetch happens outside the advisory lock
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	remote, err := e.provider.Subscription(callCtx, *org.StripeSubscriptionID)
	cancel()

	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return e.healOrphaned(ctx, &org)
		}
		e.count(StatusError)
		return &Result{Status: StatusError}, fmt.Errorf("provider fetch for organization %d: %w", orgID, err)
	}

	return e.compare(ctx, &org, remote)
}

// healOrphaned handles a local subscription reference the provider no longer
// knows: remote wins, the subscription is treated as gone.
func (e *Engine) healOrphaned(ctx context.Context, org *models.Organization) (*Result, error) {
	discrepancy := "orphaned: local subscription reference unknown to provider"

	ev := billing.Event{
		ExternalID:     "reconcile_" + uuid.NewString(),
		Kind:           billing.KindReconciliationCorrection,
		OrganizationID: org.ID,
		SubscriptionID: *org.StripeSubscriptionID,
		Status:         models.StatusCanceled,
		OccurredAt:     time.Now().UTC(),
	}
	if err := e.applyCorrection(ctx, org.ID, ev); err != nil {
		e.count(StatusError)
		return &Result{Status: StatusError, Discrepancies: []string{discrepancy}}, err
	}

	e.count(StatusDiscrepancies)
	return &Result{Status: StatusDiscrepancies, Discrepancies: []string{discrepancy}}, nil
}

// compare classifies status/quantity divergence and self-heals remote-wins
func (e *Engine) compare(ctx context.Context, org *models.Organization, remote *billing.RemoteSubscription) (*Result, error) {
	var discrepancies []string
	if org.SubscriptionStatus != remote.Status {
		discrepancies = append(discrepancies,
			fmt.Sprintf("status: local=%s provider=%s", org.SubscriptionStatus, remote.Status))
	}
	if int64(org.SeatQuantity) != remote.Quantity {
		discrepancies = append(discrepancies,
			fmt.Sprintf("quantity: local=%d provider=%d", org.SeatQuantity, remote.Quantity))
	}

	if len(discrepancies) == 0 {
		e.count(StatusOK)
		return &Result{Status: StatusOK}, nil
	}

	quantity := remote.Quantity
	ev := billing.Event{
		ExternalID:     "reconcile_" + uuid.NewString(),
		Kind:           billing.KindReconciliationCorrection,
		OrganizationID: org.ID,
		SubscriptionID: remote.ID,
		Status:         remote.Status,
		Quantity:       &quantity,
		OccurredAt:     time.Now().UTC(),
	}
	if !remote.CurrentPeriodEnd.IsZero() {
		periodEnd := remote.CurrentPeriodEnd
		ev.PeriodEnd = &periodEnd
	}

	if err := e.applyCorrection(ctx, org.ID, ev); err != nil {
		e.count(StatusError)
		return &Result{Status: StatusError, Discrepancies: discrepancies}, err
	}

	e.count(StatusDiscrepancies)
	e.log.Info("reconciliation corrected organization",
		"organization", org.ID, "discrepancies", len(discrepancies))
	return &Result{Status: StatusDiscrepancies, Discrepancies: discrepancies}, nil
}

// applyCorrection commits a synthetic event under the advisory lock. A lock
// acquired by a seat sync between our fetch and here defers the correction
// to the next pass.
func (e *Engine) applyCorrection(ctx context.Context, orgID uint, ev billing.Event) error {
	lock, err := e.locks.AcquireOrgLock(ctx, orgID, e.cfg.LockTTL)
	if err != nil {
		return err
	}
	if lock == nil {
		return fmt.Errorf("organization %d busy, correction deferred", orgID)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			e.log.Warn("failed to release org lock", "organization", orgID, "error", err)
		}
	}()

	if _, err := e.store.ApplyEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to apply correction: %w", err)
	}
	return nil
}

// Sweep reconciles every organization that has an external subscription
// reference or a billable plan. Cancellable between organizations; one
// organization's failure never blocks the others.
func (e *Engine) Sweep(ctx context.Context) error {
	var orgIDs []uint
	err := e.db.WithContext(ctx).
		Model(&models.Organization{}).
		Where("stripe_subscription_id IS NOT NULL OR plan <> ?", models.PlanNone).
		Order("id").
		Pluck("id", &orgIDs).Error
	if err != nil {
		return fmt.Errorf("failed to list organizations for sweep: %w", err)
	}

	var failures int
	for _, orgID := range orgIDs {
		if err := ctx.Err(); err != nil {
			e.log.Warn("reconciliation sweep cancelled", "remaining", len(orgIDs))
			return err
		}

		if _, err := e.ReconcileOrganization(ctx, orgID); err != nil {
			failures++
			e.log.Error("reconciliation failed for organization", "organization", orgID, "error", err)
		}
	}

	if failures > 0 {
		return fmt.Errorf("reconciliation sweep finished with %d failures", failures)
	}
	return nil
}

func (e *Engine) count(outcome string) {
	if e.metrics != nil {
		e.metrics.ReconciliationRuns.WithLabelValues(outcome).Inc()
	}
}
