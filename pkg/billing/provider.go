package billing

import (
	"context"
	"errors"
	"time"
)

// Provider errors. Transient failures are retried with backoff and then left
// for the reconciliation engine; a missing subscription is a discrepancy
// class of its own (orphaned reference).
var (
	ErrSubscriptionNotFound = errors.New("subscription not found at provider")
	ErrTransient            = errors.New("transient provider failure")
)

// RemoteSubscription is the provider's view of a subscription
type RemoteSubscription struct {
	ID               string
	Status           string
	Quantity         int64
	CurrentPeriodEnd time.Time
}

// Provider is the external billing system as seen by seat synchronization
// and reconciliation. Implementations must honor the context deadline; they
// are always called outside any per-organization lock.
type Provider interface {
	Subscription(ctx context.Context, subscriptionID string) (*RemoteSubscription, error)
	UpdateQuantity(ctx context.Context, subscriptionID string, quantity int64) (*RemoteSubscription, error)
}
