package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/tallyops/tally/pkg/models"
)

// Kind is the closed set of billing event kinds the core understands.
// Parsing happens eagerly at the pipeline boundary so everything downstream
// is exhaustive over known kinds; KindUnknown is the forward-compatible
// catch-all for event types a future provider version may add.
type Kind string

const (
	KindSubscriptionCreated      Kind = "subscription.created"
	KindSubscriptionUpdated      Kind = "subscription.updated"
	KindSubscriptionDeleted      Kind = "subscription.deleted"
	KindInvoicePaid              Kind = "invoice.paid"
	KindInvoicePaymentFailed     Kind = "invoice.payment_failed"
	KindInvoiceActionRequired    Kind = "invoice.action_required"
	KindTrialEnding              Kind = "trial.ending"
	KindReconciliationCorrection Kind = "reconciliation.correction"
	KindUnknown                  Kind = "unknown"
)

// Event is the parsed representation of one billing occurrence, external or
// synthesized. OrganizationID may be zero until the pipeline resolves the
// provider customer reference.
type Event struct {
	ExternalID     string
	Kind           Kind
	OrganizationID uint

	SubscriptionID string
	CustomerID     string
	Status         string
	Quantity       *int64
	AmountCents    *int64
	PeriodEnd      *time.Time
	TrialEnd       *time.Time

	OccurredAt time.Time
	Raw        []byte
}

func kindFromStripe(t stripe.EventType) Kind {
	switch t {
	case "customer.subscription.created":
		return KindSubscriptionCreated
	case "customer.subscription.updated":
		return KindSubscriptionUpdated
	case "customer.subscription.deleted":
		return KindSubscriptionDeleted
	case "invoice.paid":
		return KindInvoicePaid
	case "invoice.payment_failed":
		return KindInvoicePaymentFailed
	case "invoice.payment_action_required":
		return KindInvoiceActionRequired
	case "customer.subscription.trial_will_end":
		return KindTrialEnding
	default:
		return KindUnknown
	}
}

// mapStatus translates the provider's subscription status vocabulary into ours
func mapStatus(s stripe.SubscriptionStatus) string {
	switch s {
	case stripe.SubscriptionStatusActive:
		return models.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return models.StatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return models.StatusCanceled
	default:
		return models.StatusIncomplete
	}
}

// ParseStripeEvent converts a verified Stripe event into the closed Event
// union. It never fails on unrecognized event types; those come back as
// KindUnknown and are recorded as no-ops downstream.
func ParseStripeEvent(se stripe.Event) (Event, error) {
	ev := Event{
		ExternalID: se.ID,
		Kind:       kindFromStripe(se.Type),
		OccurredAt: time.Unix(se.Created, 0).UTC(),
		Raw:        se.Data.Raw,
	}

	switch ev.Kind {
	case KindSubscriptionCreated, KindSubscriptionUpdated, KindSubscriptionDeleted, KindTrialEnding:
		var sub stripe.Subscription
		if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
			return ev, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		ev.SubscriptionID = sub.ID
		ev.Status = mapStatus(sub.Status)
		if ev.Kind == KindSubscriptionDeleted {
			ev.Status = models.StatusCanceled
		}
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
		}
		if sub.Items != nil && len(sub.Items.Data) > 0 {
			q := sub.Items.Data[0].Quantity
			ev.Quantity = &q
		}
		if sub.CurrentPeriodEnd > 0 {
			t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			ev.PeriodEnd = &t
		}
		if sub.TrialEnd > 0 {
			t := time.Unix(sub.TrialEnd, 0).UTC()
			ev.TrialEnd = &t
		}

	case KindInvoicePaid, KindInvoicePaymentFailed, KindInvoiceActionRequired:
		var inv stripe.Invoice
		if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
			return ev, fmt.Errorf("failed to unmarshal invoice: %w", err)
		}
		if inv.Customer != nil {
			ev.CustomerID = inv.Customer.ID
		}
		if inv.Subscription != nil {
			ev.SubscriptionID = inv.Subscription.ID
		}
		amount := inv.AmountDue
		if ev.Kind == KindInvoicePaid {
			amount = inv.AmountPaid
		}
		ev.AmountCents = &amount
	}

	return ev, nil
}
