package billing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
	"github.com/tallyops/tally/pkg/logger"
	"github.com/tallyops/tally/pkg/models"
)

const testWebhookSecret = "whsec_test_secret"

// signPayload produces a valid Stripe-Signature header for the payload
func signPayload(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Header
}

// stripeEventJSON builds a full webhook envelope around the object payload
func stripeEventJSON(t *testing.T, id, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":      id,
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return payload
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []uint
}

func (f *fakeNotifier) PaymentIssueDetected(_ context.Context, orgID uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, orgID)
}

func (f *fakeNotifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestPipeline(t *testing.T) (*Pipeline, *Store, *fakeNotifier, *models.Organization) {
	t.Helper()
	store, db := newTestStore(t)
	org := seedOrg(t, db)
	notifier := &fakeNotifier{}
	p := NewPipeline(store, notifier, testWebhookSecret, logger.New("error"), nil)
	return p, store, notifier, org
}

func TestPipeline_RejectsBadSignature(t *testing.T) {
	p, store, _, _ := newTestPipeline(t)

	payload := stripeEventJSON(t, "evt_bad_sig", "invoice.paid", map[string]interface{}{})
	err := p.Handle(context.Background(), payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrSignature)

	var rows int64
	require.NoError(t, store.DB().Model(&models.BillingEvent{}).Count(&rows).Error)
	assert.Zero(t, rows, "a rejected payload is never stored")
}

func TestPipeline_UnknownEventTypeIsNoOp(t *testing.T) {
	p, store, notifier, _ := newTestPipeline(t)

	payload := stripeEventJSON(t, "evt_exotic", "payment_method.attached", map[string]interface{}{})
	err := p.Handle(context.Background(), payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)

	var row models.BillingEvent
	require.NoError(t, store.DB().Where("external_id = ?", "evt_exotic").First(&row).Error)
	assert.True(t, row.Processed)
	require.NotNil(t, row.ProcessingError)
	assert.Contains(t, *row.ProcessingError, "unknown event type")
	assert.Zero(t, notifier.callCount())
}

func TestPipeline_PaymentFailureTriggersDunning(t *testing.T) {
	p, store, notifier, org := newTestPipeline(t)

	payload := stripeEventJSON(t, "evt_pf", "invoice.payment_failed", map[string]interface{}{
		"id":           "in_pf",
		"customer":     *org.StripeCustomerID,
		"subscription": *org.StripeSubscriptionID,
		"amount_due":   4900,
	})
	err := p.Handle(context.Background(), payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)

	assert.Equal(t, 1, notifier.callCount())

	var fresh models.Organization
	require.NoError(t, store.DB().First(&fresh, org.ID).Error)
	assert.NotNil(t, fresh.BillingIssueAt)
	assert.Equal(t, models.StatusPastDue, fresh.SubscriptionStatus)
}

func TestPipeline_RedeliveryAfterFailedApplyStartsDunning(t *testing.T) {
	p, store, notifier, org := newTestPipeline(t)

	// First attempt fails mid-apply: the event references an organization id
	// that does not exist yet, leaving an unprocessed ledger row behind.
	futureOrgID := org.ID + 100
	_, err := store.ApplyEvent(context.Background(), Event{
		ExternalID:     "evt_pf_retry",
		Kind:           KindInvoicePaymentFailed,
		OrganizationID: futureOrgID,
		OccurredAt:     time.Now().UTC(),
	})
	require.ErrorIs(t, err, ErrOrganizationNotFound)
	require.Zero(t, notifier.callCount())

	// The organization materializes, then the provider redelivers
	custID := "cus_retry_target"
	late := &models.Organization{
		ID:                 futureOrgID,
		Name:               "Late Arrival",
		Plan:               models.PlanTeam,
		StripeCustomerID:   &custID,
		SubscriptionStatus: models.StatusActive,
	}
	require.NoError(t, store.DB().Create(late).Error)

	payload := stripeEventJSON(t, "evt_pf_retry", "invoice.payment_failed", map[string]interface{}{
		"id":         "in_retry",
		"customer":   custID,
		"amount_due": 4900,
	})
	require.NoError(t, p.Handle(context.Background(), payload, signPayload(payload, testWebhookSecret)))

	assert.Equal(t, 1, notifier.callCount(), "payment failure must start the dunning clock after successful retry")

	var fresh models.Organization
	require.NoError(t, store.DB().First(&fresh, futureOrgID).Error)
	assert.NotNil(t, fresh.BillingIssueAt)

	var row models.BillingEvent
	require.NoError(t, store.DB().Where("external_id = ?", "evt_pf_retry").First(&row).Error)
	assert.True(t, row.Processed)
}

func TestPipeline_DuplicateDeliveryDoesNotRetrigger(t *testing.T) {
	p, _, notifier, org := newTestPipeline(t)

	payload := stripeEventJSON(t, "evt_pf_dup", "invoice.payment_failed", map[string]interface{}{
		"id":         "in_dup",
		"customer":   *org.StripeCustomerID,
		"amount_due": 4900,
	})

	require.NoError(t, p.Handle(context.Background(), payload, signPayload(payload, testWebhookSecret)))
	require.NoError(t, p.Handle(context.Background(), payload, signPayload(payload, testWebhookSecret)))

	assert.Equal(t, 1, notifier.callCount(), "a redelivered event must not escalate dunning twice")
}

func TestPipeline_UnknownCustomerIsRecordedNotRetried(t *testing.T) {
	p, store, notifier, _ := newTestPipeline(t)

	payload := stripeEventJSON(t, "evt_stranger", "invoice.paid", map[string]interface{}{
		"id":          "in_stranger",
		"customer":    "cus_never_seen",
		"amount_paid": 900,
	})
	err := p.Handle(context.Background(), payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err, "unknown customers must not cause provider retry storms")

	var row models.BillingEvent
	require.NoError(t, store.DB().Where("external_id = ?", "evt_stranger").First(&row).Error)
	assert.True(t, row.Processed)
	require.NotNil(t, row.ProcessingError)
	assert.Contains(t, *row.ProcessingError, "unknown customer")
	assert.Zero(t, notifier.callCount())
}

func TestPipeline_SubscriptionUpdateApplied(t *testing.T) {
	p, store, _, org := newTestPipeline(t)

	payload := stripeEventJSON(t, "evt_sub_upd", "customer.subscription.updated", map[string]interface{}{
		"id":       *org.StripeSubscriptionID,
		"status":   "active",
		"customer": *org.StripeCustomerID,
		"items": map[string]interface{}{
			"data": []map[string]interface{}{{"quantity": 9}},
		},
	})
	err := p.Handle(context.Background(), payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)

	var fresh models.Organization
	require.NoError(t, store.DB().First(&fresh, org.ID).Error)
	assert.Equal(t, 9, fresh.SeatQuantity)
}
