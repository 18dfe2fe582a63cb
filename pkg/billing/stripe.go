package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeProvider implements Provider against the Stripe API. The client is
// constructed once at startup and injected; nothing here touches the global
// stripe.Key.
type StripeProvider struct {
	sc *client.API
}

// NewStripeProvider creates a Stripe-backed provider with its own API client
func NewStripeProvider(secretKey string) *StripeProvider {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeProvider{sc: sc}
}

// Subscription fetches the provider's view of a subscription
func (p *StripeProvider) Subscription(ctx context.Context, subscriptionID string) (*RemoteSubscription, error) {
	params := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
	sub, err := p.sc.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return remoteFromStripe(sub), nil
}

// UpdateQuantity sets the seat quantity on the subscription's first item with
// proration enabled. Stripe requires the subscription item id, so this reads
// the subscription first.
func (p *StripeProvider) UpdateQuantity(ctx context.Context, subscriptionID string, quantity int64) (*RemoteSubscription, error) {
	getParams := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
	sub, err := p.sc.Subscriptions.Get(subscriptionID, getParams)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, fmt.Errorf("subscription %s has no items", subscriptionID)
	}

	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:       stripe.String(sub.Items.Data[0].ID),
				Quantity: stripe.Int64(quantity),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}

	updated, err := p.sc.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	return remoteFromStripe(updated), nil
}

func remoteFromStripe(sub *stripe.Subscription) *RemoteSubscription {
	remote := &RemoteSubscription{
		ID:     sub.ID,
		Status: mapStatus(sub.Status),
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		remote.Quantity = sub.Items.Data[0].Quantity
	}
	if sub.CurrentPeriodEnd > 0 {
		remote.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	return remote
}

// wrapStripeError classifies provider failures into the core's taxonomy
func wrapStripeError(err error) error {
	if stripeErr, ok := err.(*stripe.Error); ok {
		if stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, stripeErr.Msg)
		}
		if stripeErr.HTTPStatusCode >= 500 || stripeErr.Type == stripe.ErrorTypeAPI {
			return fmt.Errorf("%w: %s", ErrTransient, stripeErr.Msg)
		}
		return fmt.Errorf("stripe error: %w", err)
	}
	// Network-level failures have no stripe.Error; treat them as transient
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
