package seatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tallyops/tally/pkg/billing"
	"github.com/tallyops/tally/pkg/cache"
	"github.com/tallyops/tally/pkg/logger"
	"github.com/tallyops/tally/pkg/metrics"
	"github.com/tallyops/tally/pkg/models"
	"github.com/tallyops/tally/pkg/tenancy"
	"golang.org/x/time/rate"
)

// Plan seat ceilings. Team plans buy seats per member; the single plan is
// capped at one.
var planSeatLimits = map[string]int{
	models.PlanNone:   0,
	models.PlanSingle: 1,
	models.PlanTeam:   250,
}

// ErrSyncExhausted is returned after bounded retries against the provider;
// the discrepancy is left for the reconciliation engine to catch.
var ErrSyncExhausted = errors.New("seat sync attempts exhausted")

// Config tunes the synchronization service
type Config struct {
	MinInterval time.Duration // per-organization spacing between provider calls
	MaxAttempts int           // bounded provider retries per pass
	CallTimeout time.Duration // per provider call
	LockTTL     time.Duration // advisory lock lifetime
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		MinInterval: 10 * time.Second,
		MaxAttempts: 4,
		CallTimeout: 15 * time.Second,
		LockTTL:     30 * time.Second,
	}
}

// Service keeps each organization's provider-side seat quantity converged
// with its count of active memberships.
type Service struct {
	store    *billing.Store
	provider billing.Provider
	guard    *tenancy.Guard
	locks    *cache.Client
	cfg      Config
	log      logger.Logger
	metrics  *metrics.Metrics

	mu   sync.Mutex
	orgs map[uint]*orgState
}

// orgState coalesces triggers: a burst of membership churn collapses into
// one running pass plus at most one trailing pass using the latest count.
type orgState struct {
	limiter *rate.Limiter
	running bool
	dirty   bool
}

// NewService creates a seat synchronization service
func NewService(store *billing.Store, provider billing.Provider, guard *tenancy.Guard, locks *cache.Client, cfg Config, log logger.Logger, m *metrics.Metrics) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Service{
		store:    store,
		provider: provider,
		guard:    guard,
		locks:    locks,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		orgs:     make(map[uint]*orgState),
	}
}

func (s *Service) state(orgID uint) *orgState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.orgs[orgID]
	if !ok {
		st = &orgState{limiter: rate.NewLimiter(rate.Every(s.cfg.MinInterval), 1)}
		s.orgs[orgID] = st
	}
	return st
}

// OnMembershipActivated schedules a pass after an invite is accepted
func (s *Service) OnMembershipActivated(orgID uint) { s.Trigger(orgID) }

// OnMembershipRemoved schedules a pass after a member is removed or suspended
func (s *Service) OnMembershipRemoved(orgID uint) { s.Trigger(orgID) }

// Trigger schedules an asynchronous synchronization pass for the
// organization. Triggers while a pass is running collapse into a single
// trailing pass.
func (s *Service) Trigger(orgID uint) {
	st := s.state(orgID)

	s.mu.Lock()
	if st.running {
		st.dirty = true
		s.mu.Unlock()
		s.count("coalesced")
		return
	}
	st.running = true
	s.mu.Unlock()

	go s.runLoop(orgID, st)
}

func (s *Service) runLoop(orgID uint, st *orgState) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		scope, err := s.guard.ResolveSystem(ctx, orgID)
		if err == nil {
			if err := s.Sync(ctx, scope); err != nil {
				s.log.Error("seat sync pass failed", "organization", orgID, "error", err)
			}
		} else {
			s.log.Error("seat sync could not resolve organization", "organization", orgID, "error", err)
		}
		cancel()

		s.mu.Lock()
		if !st.dirty {
			st.running = false
			s.mu.Unlock()
			return
		}
		st.dirty = false
		s.mu.Unlock()
	}
}

// Sync runs one synchronous synchronization pass for the scoped
// organization: compute desired seats, push the correction to the provider,
// and record the outcome in the billing ledger.
func (s *Service) Sync(ctx context.Context, scope tenancy.Scope) error {
	if !scope.Valid() {
		return tenancy.ErrTenancy
	}
	orgID := scope.OrganizationID()

	if err := s.state(orgID).limiter.Wait(ctx); err != nil {
		return fmt.Errorf("seat sync rate wait: %w", err)
	}

	return s.syncPass(ctx, scope, orgID)
}

// syncPass runs the read-push-commit cycle, retrying when the desired count
// moves underneath the provider call (optimistic concurrency).
func (s *Service) syncPass(ctx context.Context, scope tenancy.Scope, orgID uint) error {
	for cycle := 0; cycle < 3; cycle++ {
		retry, err := s.syncCycle(ctx, scope, orgID)
		if err != nil {
			s.count("failed")
			return err
		}
		if !retry {
			return nil
		}
	}
	s.count("failed")
	return fmt.Errorf("%w: desired seat count kept changing for organization %d", ErrSyncExhausted, orgID)
}

// syncCycle returns retry=true when the precondition no longer held at
// commit time and the cycle should run again.
func (s *Service) syncCycle(ctx context.Context, scope tenancy.Scope, orgID uint) (bool, error) {
	// Read desired state under the advisory lock, then release before any
	// network call.
	lock, err := s.acquireLock(ctx, orgID)
	if err != nil {
		return false, err
	}

	desired, org, err := s.desiredState(ctx, scope)
	if releaseErr := lock.Release(ctx); releaseErr != nil {
		s.log.Warn("failed to release org lock", "organization", orgID, "error", releaseErr)
	}
	if err != nil {
		return false, err
	}

	if org.StripeSubscriptionID == nil {
		// Nothing to push; the reconciliation engine reports this as a
		// missing-subscription discrepancy if the org has billable features.
		s.count("converged")
		return false, nil
	}
	if desired == org.SeatQuantity {
		s.count("converged")
		return false, nil
	}

	remote, err := s.pushQuantity(ctx, *org.StripeSubscriptionID, int64(desired))
	if err != nil {
		return false, err
	}

	// Re-acquire only to commit, re-validating the precondition
	lock, err = s.acquireLock(ctx, orgID)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			s.log.Warn("failed to release org lock", "organization", orgID, "error", err)
		}
	}()

	current, err := s.store.ActiveSeatCount(ctx, scope)
	if err != nil {
		return false, err
	}
	if current != desired {
		s.log.Info("seat count moved during provider call, retrying",
			"organization", orgID, "pushed", desired, "current", current)
		return true, nil
	}

	quantity := remote.Quantity
	ev := billing.Event{
		ExternalID:     "seatsync_" + uuid.NewString(),
		Kind:           billing.KindReconciliationCorrection,
		OrganizationID: orgID,
		SubscriptionID: remote.ID,
		Status:         remote.Status,
		Quantity:       &quantity,
		OccurredAt:     time.Now().UTC(),
	}
	if !remote.CurrentPeriodEnd.IsZero() {
		periodEnd := remote.CurrentPeriodEnd
		ev.PeriodEnd = &periodEnd
	}

	if _, err := s.store.ApplyEvent(ctx, ev); err != nil {
		return false, fmt.Errorf("failed to record seat sync outcome: %w", err)
	}

	s.count("corrected")
	s.log.Info("seat quantity corrected",
		"organization", orgID, "from", org.SeatQuantity, "to", desired)
	return false, nil
}

func (s *Service) desiredState(ctx context.Context, scope tenancy.Scope) (int, *models.Organization, error) {
	desired, err := s.store.ActiveSeatCount(ctx, scope)
	if err != nil {
		return 0, nil, err
	}
	org, err := s.store.Organization(ctx, scope)
	if err != nil {
		return 0, nil, err
	}
	return desired, org, nil
}

// acquireLock waits briefly for the per-organization advisory lock
func (s *Service) acquireLock(ctx context.Context, orgID uint) (*cache.Lock, error) {
	for attempt := 0; ; attempt++ {
		lock, err := s.locks.AcquireOrgLock(ctx, orgID, s.cfg.LockTTL)
		if err != nil {
			return nil, err
		}
		if lock != nil {
			return lock, nil
		}
		if attempt >= 20 {
			return nil, fmt.Errorf("organization %d lock busy", orgID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// pushQuantity calls the provider with a bounded timeout and exponential
// backoff on transient failures. Never called while holding the org lock.
func (s *Service) pushQuantity(ctx context.Context, subscriptionID string, quantity int64) (*billing.RemoteSubscription, error) {
	backoff := time.Second
	var lastErr error

	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		remote, err := s.provider.UpdateQuantity(callCtx, subscriptionID, quantity)
		cancel()
		if err == nil {
			return remote, nil
		}
		if !errors.Is(err, billing.ErrTransient) {
			return nil, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	// Both sentinels stay in the chain: callers distinguish exhaustion from
	// the transient class underneath it.
	return nil, fmt.Errorf("%w: %w", ErrSyncExhausted, lastErr)
}

// CanAddMember reports whether the organization's plan allows one more
// active member. A synchronization pass runs first so the answer reflects
// converged state, but only when the per-organization spacing has a token;
// otherwise state refreshed within MinInterval is used as is, so the
// request path never blocks on the limiter.
func (s *Service) CanAddMember(ctx context.Context, scope tenancy.Scope) (bool, error) {
	if !scope.Valid() {
		return false, tenancy.ErrTenancy
	}
	orgID := scope.OrganizationID()

	if s.state(orgID).limiter.Allow() {
		if err := s.syncPass(ctx, scope, orgID); err != nil {
			return false, err
		}
	}

	desired, org, err := s.desiredState(ctx, scope)
	if err != nil {
		return false, err
	}

	limit, ok := planSeatLimits[org.Plan]
	if !ok {
		return false, fmt.Errorf("unknown plan %q", org.Plan)
	}
	return desired+1 <= limit, nil
}

func (s *Service) count(outcome string) {
	if s.metrics != nil {
		s.metrics.SeatSyncs.WithLabelValues(outcome).Inc()
	}
}
