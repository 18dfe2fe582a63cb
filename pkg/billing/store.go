package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tallyops/tally/pkg/logger"
	"github.com/tallyops/tally/pkg/models"
	"github.com/tallyops/tally/pkg/tenancy"
	"gorm.io/gorm"
)

// noteUnknownKind is recorded on events the core does not understand.
// They are processed no-ops so a newer provider API version never blocks
// the pipeline.
const noteUnknownKind = "no-op: unknown event type"

// casAttempts bounds the optimistic-concurrency retry loop inside ApplyEvent
const casAttempts = 3

// ErrOrganizationNotFound is returned when an event references an
// organization the store does not know.
var ErrOrganizationNotFound = errors.New("organization not found")

// Store is the only mutator of organization billing fields. Webhook
// ingestion, seat synchronization, and reconciliation all write through
// ApplyEvent so every change lands in the ledger.
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// NewStore creates a billing state store
func NewStore(db *gorm.DB, log logger.Logger) *Store {
	return &Store{db: db, log: log}
}

// DB exposes the underlying handle for collaborating services in this package
func (s *Store) DB() *gorm.DB { return s.db }

// ApplyResult reports what ApplyEvent did
type ApplyResult struct {
	Event        *models.BillingEvent
	Organization *models.Organization
	Duplicate    bool
	NoOp         bool
}

// ApplyEvent records one billing event and applies it to the organization.
//
// Idempotence: the unique constraint on the external event id turns a
// concurrent duplicate delivery into a deterministic no-op; the loser of the
// race observes the constraint violation and returns the prior outcome.
// Redelivery of an event whose apply failed earlier is not a duplicate:
// the existing unprocessed row is applied again.
//
// Durability: the ledger row commits before the apply transaction, so a
// failed apply leaves processed=false with the error recorded, eligible for
// retry. The organization update and the processed flip share one
// transaction guarded by a compare-and-swap on the version counter.
func (s *Store) ApplyEvent(ctx context.Context, ev Event) (*ApplyResult, error) {
	row := &models.BillingEvent{
		ExternalID:       ev.ExternalID,
		Kind:             string(ev.Kind),
		OrganizationID:   ev.OrganizationID,
		ObservedStatus:   ev.Status,
		ObservedQuantity: ev.Quantity,
		AmountCents:      ev.AmountCents,
		Payload:          ev.Raw,
		OccurredAt:       ev.OccurredAt,
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.redelivered(ctx, ev)
		}
		return nil, fmt.Errorf("failed to record billing event: %w", err)
	}

	if ev.Kind == KindUnknown {
		if err := s.markProcessed(ctx, row, noteUnknownKind); err != nil {
			return nil, err
		}
		return &ApplyResult{Event: row, NoOp: true}, nil
	}

	org, err := s.applyToOrganization(ctx, row, ev)
	if err != nil {
		s.recordError(ctx, row, err)
		return nil, err
	}

	return &ApplyResult{Event: row, Organization: org}, nil
}

// redelivered handles a delivery whose external id is already in the ledger.
// A processed row is a true duplicate and returns the prior outcome. An
// unprocessed row means the earlier apply failed; the redelivery is the retry,
// so the apply runs again against the existing row.
func (s *Store) redelivered(ctx context.Context, ev Event) (*ApplyResult, error) {
	existing, err := s.eventByExternalID(ctx, ev.ExternalID)
	if err != nil {
		return nil, err
	}

	if !existing.Processed && ev.Kind != KindUnknown {
		org, err := s.applyToOrganization(ctx, existing, ev)
		if err != nil {
			s.recordError(ctx, existing, err)
			return nil, err
		}
		s.log.Info("retried event applied on redelivery", "event", ev.ExternalID)
		return &ApplyResult{Event: existing, Organization: org}, nil
	}

	res := &ApplyResult{Event: existing, Duplicate: true}
	if existing.OrganizationID != 0 {
		var org models.Organization
		if err := s.db.WithContext(ctx).First(&org, existing.OrganizationID).Error; err == nil {
			res.Organization = &org
		}
	}
	return res, nil
}

func (s *Store) eventByExternalID(ctx context.Context, externalID string) (*models.BillingEvent, error) {
	var existing models.BillingEvent
	if err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed to load duplicate event: %w", err)
	}
	return &existing, nil
}

// applyToOrganization runs the read-compute-CAS-commit cycle, retrying a
// bounded number of times when a concurrent writer bumps the version.
func (s *Store) applyToOrganization(ctx context.Context, row *models.BillingEvent, ev Event) (*models.Organization, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		var org models.Organization
		if err := s.db.WithContext(ctx).First(&org, ev.OrganizationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: id %d", ErrOrganizationNotFound, ev.OrganizationID)
			}
			return nil, fmt.Errorf("failed to load organization: %w", err)
		}

		updates := computeOrganizationState(&org, ev)

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			updates["version"] = org.Version + 1
			res := tx.Model(&models.Organization{}).
				Where("id = ? AND version = ?", org.ID, org.Version).
				Updates(updates)
			if res.Error != nil {
				return fmt.Errorf("failed to update organization: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return errVersionConflict
			}

			now := time.Now().UTC()
			if err := tx.Model(row).Updates(map[string]interface{}{
				"processed":        true,
				"processed_at":     now,
				"processing_error": nil,
			}).Error; err != nil {
				return fmt.Errorf("failed to mark event processed: %w", err)
			}
			row.Processed = true
			row.ProcessedAt = &now
			row.ProcessingError = nil
			return nil
		})
		if err == nil {
			var fresh models.Organization
			if err := s.db.WithContext(ctx).First(&fresh, org.ID).Error; err != nil {
				return nil, fmt.Errorf("failed to reload organization: %w", err)
			}
			return &fresh, nil
		}
		if !errors.Is(err, errVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("organization %d version conflict after %d attempts: %w", ev.OrganizationID, casAttempts, lastErr)
}

var errVersionConflict = errors.New("organization version conflict")

// computeOrganizationState derives the field updates for an event. Pure with
// respect to the database; the monotonicity guard lives here.
func computeOrganizationState(org *models.Organization, ev Event) map[string]interface{} {
	updates := map[string]interface{}{}

	switch ev.Kind {
	case KindSubscriptionCreated, KindSubscriptionUpdated, KindReconciliationCorrection:
		// A canceled subscription stays canceled unless the event is dated
		// after the cancellation: out-of-order updates never resurrect it.
		if org.CanceledAt != nil && !ev.OccurredAt.After(*org.CanceledAt) {
			break
		}
		if ev.Status != "" {
			updates["subscription_status"] = ev.Status
			if ev.Status == models.StatusCanceled {
				if org.CanceledAt == nil {
					updates["canceled_at"] = ev.OccurredAt
				}
			} else if org.CanceledAt != nil {
				updates["canceled_at"] = nil
			}
		}
		if ev.Quantity != nil {
			updates["seat_quantity"] = int(*ev.Quantity)
		}
		if ev.SubscriptionID != "" && (org.StripeSubscriptionID == nil || *org.StripeSubscriptionID != ev.SubscriptionID) {
			updates["stripe_subscription_id"] = ev.SubscriptionID
		}
		if ev.PeriodEnd != nil {
			updates["renews_at"] = *ev.PeriodEnd
		}
		if ev.TrialEnd != nil {
			updates["trial_ends_at"] = *ev.TrialEnd
		}

	case KindSubscriptionDeleted:
		// Deletion always wins over earlier-dated events for the same
		// subscription.
		updates["subscription_status"] = models.StatusCanceled
		updates["canceled_at"] = ev.OccurredAt

	case KindInvoicePaid:
		// A successful payment clears the dunning clock wherever it was.
		if org.BillingIssueAt != nil {
			updates["billing_issue_at"] = nil
			updates["last_dunning_at"] = nil
			updates["dunning_notifications"] = 0
		}
		if org.FeaturesSuspended {
			updates["features_suspended"] = false
		}
		if org.SubscriptionStatus == models.StatusPastDue {
			updates["subscription_status"] = models.StatusActive
		}

	case KindInvoicePaymentFailed, KindInvoiceActionRequired:
		// Only the first failure starts the dunning clock; retries of the
		// same invoice must not reset it.
		if org.BillingIssueAt == nil {
			updates["billing_issue_at"] = ev.OccurredAt
		}
		if org.SubscriptionStatus == models.StatusActive {
			updates["subscription_status"] = models.StatusPastDue
		}

	case KindTrialEnding:
		// Informational; trial end date may arrive with it
		if ev.TrialEnd != nil {
			updates["trial_ends_at"] = *ev.TrialEnd
		}
	}

	return updates
}

// markProcessed flips an event to processed with a note and no state change
func (s *Store) markProcessed(ctx context.Context, row *models.BillingEvent, note string) error {
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(row).Updates(map[string]interface{}{
		"processed":        true,
		"processed_at":     now,
		"processing_error": note,
	}).Error; err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	row.Processed = true
	row.ProcessedAt = &now
	row.ProcessingError = &note
	return nil
}

// recordError leaves the event retryable with the failure recorded
func (s *Store) recordError(ctx context.Context, row *models.BillingEvent, applyErr error) {
	msg := applyErr.Error()
	if err := s.db.WithContext(ctx).Model(row).Update("processing_error", msg).Error; err != nil {
		s.log.Error("failed to record processing error", "event", row.ExternalID, "error", err)
	}
}

// RecordUnattributed durably stores an event that cannot be attributed to a
// tenant (e.g. a customer reference the store does not know) as a processed
// no-op, so the provider gets its 2xx and never retries it.
func (s *Store) RecordUnattributed(ctx context.Context, ev Event, note string) (*ApplyResult, error) {
	row := &models.BillingEvent{
		ExternalID: ev.ExternalID,
		Kind:       string(ev.Kind),
		Payload:    ev.Raw,
		OccurredAt: ev.OccurredAt,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, loadErr := s.eventByExternalID(ctx, ev.ExternalID)
			if loadErr != nil {
				return nil, loadErr
			}
			if !existing.Processed {
				if err := s.markProcessed(ctx, existing, note); err != nil {
					return nil, err
				}
				return &ApplyResult{Event: existing, NoOp: true}, nil
			}
			return &ApplyResult{Event: existing, Duplicate: true, NoOp: true}, nil
		}
		return nil, fmt.Errorf("failed to record billing event: %w", err)
	}
	if err := s.markProcessed(ctx, row, note); err != nil {
		return nil, err
	}
	return &ApplyResult{Event: row, NoOp: true}, nil
}

// OrgByCustomerID resolves the tenant owning a provider customer reference
func (s *Store) OrgByCustomerID(ctx context.Context, customerID string) (*models.Organization, error) {
	var org models.Organization
	err := s.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&org).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: customer %s", ErrOrganizationNotFound, customerID)
		}
		return nil, fmt.Errorf("failed to resolve customer: %w", err)
	}
	return &org, nil
}

// Organization loads the organization bound to a scope
func (s *Store) Organization(ctx context.Context, scope tenancy.Scope) (*models.Organization, error) {
	if !scope.Valid() {
		return nil, tenancy.ErrTenancy
	}
	var org models.Organization
	if err := s.db.WithContext(ctx).First(&org, scope.OrganizationID()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrOrganizationNotFound, scope.OrganizationID())
		}
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}
	return &org, nil
}

// ActiveSeatCount computes the desired seat count from membership data,
// scoped through the tenancy guard's filter.
func (s *Store) ActiveSeatCount(ctx context.Context, scope tenancy.Scope) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Membership{}).
		Scopes(scope.Filter()).
		Where("status = ?", models.MembershipActive).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count active memberships: %w", err)
	}
	return int(count), nil
}

// Summary builds the dashboard read model for one organization
func (s *Store) Summary(ctx context.Context, scope tenancy.Scope) (*models.BillingSummary, error) {
	org, err := s.Organization(ctx, scope)
	if err != nil {
		return nil, err
	}

	return &models.BillingSummary{
		Plan:             org.Plan,
		Status:           org.SubscriptionStatus,
		Seats:            org.SeatQuantity,
		NextBillingDate:  org.RenewsAt,
		TrialEndsAt:      org.TrialEndsAt,
		OutstandingIssue: org.BillingIssueAt != nil,
	}, nil
}
