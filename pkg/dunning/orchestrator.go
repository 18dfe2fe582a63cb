package dunning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tallyops/tally/pkg/billing"
	"github.com/tallyops/tally/pkg/cache"
	"github.com/tallyops/tally/pkg/email"
	"github.com/tallyops/tally/pkg/logger"
	"github.com/tallyops/tally/pkg/metrics"
	"github.com/tallyops/tally/pkg/models"
	"gorm.io/gorm"
)

// Dunning states, reconstructable from the organization row at any time.
// invoice.paid at any state returns the organization to healthy (the billing
// store clears the dunning fields when it applies the event).
const (
	StateHealthy       = "healthy"
	StateIssueDetected = "issue_detected"
	StateNotified      = "notified"
	StateGraceExpiring = "grace_expiring"
	StateSuspended     = "suspended"
)

// errConcurrentUpdate means another writer moved the organization between our
// read and commit; the sweep simply picks the organization up next round.
var errConcurrentUpdate = errors.New("organization changed concurrently")

// Config tunes the escalation schedule
type Config struct {
	MaxNotifications int           // notifications before grace-expiring
	FirstInterval    time.Duration // wait before the second notification, doubles after
	GracePeriod      time.Duration // from first failure until suspension
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		MaxNotifications: 4,
		FirstInterval:    24 * time.Hour,
		GracePeriod:      14 * 24 * time.Hour,
	}
}

// Orchestrator escalates unresolved payment failures: notify on an
// increasing schedule, cap the notifications, then suspend features once the
// grace period runs out. It never mutates billing fields; only the dunning
// bookkeeping columns and the feature-suspension flag.
type Orchestrator struct {
	db      *gorm.DB
	email   *email.Service
	cache   *cache.Client
	cfg     Config
	log     logger.Logger
	metrics *metrics.Metrics
}

// NewOrchestrator creates a dunning orchestrator
func NewOrchestrator(store *billing.Store, emailSvc *email.Service, c *cache.Client, cfg Config, log logger.Logger, m *metrics.Metrics) *Orchestrator {
	if cfg.MaxNotifications <= 0 {
		cfg = DefaultConfig()
	}
	return &Orchestrator{
		db:      store.DB(),
		email:   emailSvc,
		cache:   c,
		cfg:     cfg,
		log:     log,
		metrics: m,
	}
}

// State derives the dunning state from the organization row
func (o *Orchestrator) State(org *models.Organization) string {
	switch {
	case org.FeaturesSuspended:
		return StateSuspended
	case org.BillingIssueAt == nil:
		return StateHealthy
	case org.DunningNotifications >= o.cfg.MaxNotifications:
		return StateGraceExpiring
	case org.DunningNotifications > 0:
		return StateNotified
	default:
		return StateIssueDetected
	}
}

// PaymentIssueDetected is called by the webhook pipeline after a
// payment-failure event has been applied. The webhook response must not wait
// on notification delivery, so the escalation step runs in the background.
func (o *Orchestrator) PaymentIssueDetected(ctx context.Context, orgID uint) {
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.Advance(bgCtx, orgID); err != nil && !errors.Is(err, errConcurrentUpdate) {
			o.log.Error("dunning escalation failed", "organization", orgID, "error", err)
		}
	}()
}

// Advance runs one escalation step for the organization: send the next due
// notification, or suspend once the grace period has elapsed. Safe to call
// concurrently; the version counter makes only one writer win per step.
func (o *Orchestrator) Advance(ctx context.Context, orgID uint) error {
	var org models.Organization
	if err := o.db.WithContext(ctx).First(&org, orgID).Error; err != nil {
		return fmt.Errorf("failed to load organization %d: %w", orgID, err)
	}

	now := time.Now().UTC()

	switch o.State(&org) {
	case StateHealthy, StateSuspended:
		return nil

	case StateGraceExpiring:
		deadline := org.BillingIssueAt.Add(o.cfg.GracePeriod)
		if now.Before(deadline) {
			o.sendGraceNotice(ctx, &org, deadline)
			return nil
		}
		return o.suspend(ctx, &org)

	default: // issue_detected or notified(n)
		if !o.notificationDue(&org, now) {
			return nil
		}
		return o.notify(ctx, &org, now)
	}
}

// notificationDue reports whether the next notification's schedule slot has
// arrived. The first notification goes out immediately on issue detection;
// each following one waits twice as long as the previous.
func (o *Orchestrator) notificationDue(org *models.Organization, now time.Time) bool {
	n := org.DunningNotifications
	if n == 0 {
		return true
	}
	if org.LastDunningAt == nil {
		return true
	}
	interval := o.cfg.FirstInterval << (n - 1)
	return !now.Before(org.LastDunningAt.Add(interval))
}

// notify commits the counter bump first, then delivers. Only the writer that
// wins the version check sends, so concurrent sweeps never double-send.
func (o *Orchestrator) notify(ctx context.Context, org *models.Organization, now time.Time) error {
	n := org.DunningNotifications + 1
	err := o.commit(ctx, org, map[string]interface{}{
		"dunning_notifications": n,
		"last_dunning_at":       now,
	})
	if err != nil {
		return err
	}

	if o.metrics != nil {
		o.metrics.DunningNotifications.Inc()
	}
	o.log.Info("dunning notification sent",
		"organization", org.ID, "notification", n, "of", o.cfg.MaxNotifications)

	if org.BillingEmail == nil {
		o.log.Warn("organization has no billing email, notification not delivered", "organization", org.ID)
		return nil
	}
	if err := o.email.SendPaymentFailedNotice(*org.BillingEmail, org.Name, n, o.cfg.MaxNotifications); err != nil {
		o.log.Error("failed to deliver dunning email", "organization", org.ID, "error", err)
	}
	return nil
}

// sendGraceNotice warns once per grace period that suspension is coming.
// The cache key keeps repeated sweeps from re-sending; losing the key to a
// cache restart costs at most one extra email.
func (o *Orchestrator) sendGraceNotice(ctx context.Context, org *models.Organization, deadline time.Time) {
	if org.BillingEmail == nil {
		return
	}

	key := fmt.Sprintf("dunning:grace:%d", org.ID)
	if o.cache != nil {
		sent, err := o.cache.Exists(ctx, key)
		if err == nil && sent {
			return
		}
	}

	if err := o.email.SendGraceExpiringNotice(*org.BillingEmail, org.Name, deadline); err != nil {
		o.log.Error("failed to deliver grace notice", "organization", org.ID, "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.DunningNotifications.Inc()
	}
	if o.cache != nil {
		ttl := time.Until(deadline)
		if ttl < time.Minute {
			ttl = time.Minute
		}
		if err := o.cache.Set(ctx, key, "1", ttl); err != nil {
			o.log.Warn("failed to mark grace notice sent", "organization", org.ID, "error", err)
		}
	}
}

// suspend downgrades the organization's feature flag. Data is untouched;
// the billing store lifts the flag again on the next paid invoice.
func (o *Orchestrator) suspend(ctx context.Context, org *models.Organization) error {
	err := o.commit(ctx, org, map[string]interface{}{
		"features_suspended": true,
	})
	if err != nil {
		return err
	}

	if o.metrics != nil {
		o.metrics.OrgsSuspended.Inc()
	}
	o.log.Warn("organization suspended after grace period",
		"organization", org.ID, "issue_since", org.BillingIssueAt)

	if org.BillingEmail != nil {
		if err := o.email.SendSuspensionNotice(*org.BillingEmail, org.Name); err != nil {
			o.log.Error("failed to deliver suspension notice", "organization", org.ID, "error", err)
		}
	}
	return nil
}

// commit writes dunning fields guarded by the organization version counter,
// so a concurrent applyEvent or sweep step cannot be clobbered.
func (o *Orchestrator) commit(ctx context.Context, org *models.Organization, fields map[string]interface{}) error {
	fields["version"] = org.Version + 1
	res := o.db.WithContext(ctx).
		Model(&models.Organization{}).
		Where("id = ? AND version = ?", org.ID, org.Version).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update organization %d: %w", org.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return errConcurrentUpdate
	}
	return nil
}

// Sweep advances every organization with an unresolved billing issue.
// Cancellable between organizations; one failure never blocks the rest.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	var orgIDs []uint
	err := o.db.WithContext(ctx).
		Model(&models.Organization{}).
		Where("billing_issue_at IS NOT NULL AND features_suspended = ?", false).
		Order("id").
		Pluck("id", &orgIDs).Error
	if err != nil {
		return fmt.Errorf("failed to list organizations for dunning sweep: %w", err)
	}

	var failures int
	for _, orgID := range orgIDs {
		if err := ctx.Err(); err != nil {
			o.log.Warn("dunning sweep cancelled", "remaining", len(orgIDs))
			return err
		}
		if err := o.Advance(ctx, orgID); err != nil && !errors.Is(err, errConcurrentUpdate) {
			failures++
			o.log.Error("dunning step failed for organization", "organization", orgID, "error", err)
		}
	}

	if failures > 0 {
		return fmt.Errorf("dunning sweep finished with %d failures", failures)
	}
	return nil
}
