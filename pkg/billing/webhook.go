package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76/webhook"
	"github.com/tallyops/tally/pkg/logger"
	"github.com/tallyops/tally/pkg/metrics"
)

// ErrSignature marks an authentication failure: the payload is rejected and
// never stored as trusted.
var ErrSignature = errors.New("webhook signature verification failed")

// DunningNotifier is implemented by the dunning orchestrator. Invoked
// synchronously after a successful apply of a payment-failure event;
// notification delivery happens asynchronously behind it so a failed email
// can never fail the webhook response.
type DunningNotifier interface {
	PaymentIssueDetected(ctx context.Context, orgID uint)
}

// Pipeline receives, authenticates, deduplicates, and applies externally
// generated billing events. State machine per event:
// received -> verified -> deduplicated-or-new -> applied -> (dunning?).
type Pipeline struct {
	store   *Store
	dunning DunningNotifier
	secret  string
	log     logger.Logger
	metrics *metrics.Metrics
}

// NewPipeline creates a webhook ingestion pipeline
func NewPipeline(store *Store, dunning DunningNotifier, webhookSecret string, log logger.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		store:   store,
		dunning: dunning,
		secret:  webhookSecret,
		log:     log,
		metrics: m,
	}
}

// Handle processes one signed webhook delivery. A nil return means the event
// is durably recorded (applied or an explicit no-op) and the endpoint may
// answer 2xx; any error return makes the provider retry, which the
// deduplication layer renders safe.
func (p *Pipeline) Handle(ctx context.Context, payload []byte, signature string) error {
	// The account's pinned API version can differ from the SDK's; signature
	// verification is unaffected and parsing tolerates unknown fields.
	stripeEvent, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		p.count("rejected")
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}

	ev, err := ParseStripeEvent(stripeEvent)
	if err != nil {
		// Verified but malformed payload: surface for provider retry
		p.count("parse_error")
		return fmt.Errorf("failed to parse event %s: %w", stripeEvent.ID, err)
	}

	if ev.Kind == KindUnknown {
		res, err := p.store.ApplyEvent(ctx, ev)
		if err != nil {
			return err
		}
		p.log.Info("stored unknown webhook event as no-op", "event", ev.ExternalID, "type", stripeEvent.Type)
		p.countResult(res)
		return nil
	}

	if ev.OrganizationID == 0 {
		org, err := p.store.OrgByCustomerID(ctx, ev.CustomerID)
		if err != nil {
			if errors.Is(err, ErrOrganizationNotFound) {
				_, recErr := p.store.RecordUnattributed(ctx, ev, "no-op: unknown customer reference")
				if recErr != nil {
					return recErr
				}
				p.log.Warn("webhook event for unknown customer", "event", ev.ExternalID, "customer", ev.CustomerID)
				p.count("unattributed")
				return nil
			}
			return err
		}
		ev.OrganizationID = org.ID
	}

	res, err := p.store.ApplyEvent(ctx, ev)
	if err != nil {
		p.count("apply_error")
		return err
	}
	p.countResult(res)

	if res.Duplicate {
		p.log.Info("duplicate webhook delivery", "event", ev.ExternalID)
		return nil
	}

	p.log.Info("webhook event applied",
		"event", ev.ExternalID,
		"kind", string(ev.Kind),
		"organization", ev.OrganizationID)

	if ev.Kind == KindInvoicePaymentFailed || ev.Kind == KindInvoiceActionRequired {
		p.dunning.PaymentIssueDetected(ctx, ev.OrganizationID)
	}

	return nil
}

func (p *Pipeline) count(outcome string) {
	if p.metrics != nil {
		p.metrics.WebhookEvents.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) countResult(res *ApplyResult) {
	switch {
	case res.Duplicate:
		p.count("duplicate")
	case res.NoOp:
		p.count("noop")
	default:
		p.count("applied")
	}
}
