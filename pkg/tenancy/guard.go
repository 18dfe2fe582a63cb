package tenancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tallyops/tally/pkg/models"
	"gorm.io/gorm"
)

// ErrTenancy is the sentinel for every tenancy violation. Callers check it
// with errors.Is; it is always a hard error, never an empty result.
var ErrTenancy = errors.New("tenancy violation")

// TenancyError describes a failed scope resolution
type TenancyError struct {
	UserID         uint
	OrganizationID uint
	Reason         string
}

func (e *TenancyError) Error() string {
	return fmt.Sprintf("tenancy violation: user %d has no access to organization %d (%s)", e.UserID, e.OrganizationID, e.Reason)
}

func (e *TenancyError) Unwrap() error { return ErrTenancy }

// Scope is the capability produced by the guard. It can only be obtained
// through Guard.Resolve, so holding one proves an active membership check
// happened. The zero Scope is invalid and filters to no rows.
type Scope struct {
	orgID uint
	valid bool
}

// OrganizationID returns the organization this scope is bound to
func (s Scope) OrganizationID() uint { return s.orgID }

// Valid reports whether the scope was produced by the guard
func (s Scope) Valid() bool { return s.valid }

// Filter returns a GORM scope that conjuncts the organization-equality
// predicate onto a query. An invalid scope fails closed: the predicate
// matches no rows rather than all of them.
func (s Scope) Filter() func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if !s.valid {
			return db.Where("1 = 0")
		}
		return db.Where("organization_id = ?", s.orgID)
	}
}

// Guard resolves the active organization for a unit of work
type Guard struct {
	db *gorm.DB
}

// NewGuard creates a new tenancy guard
func NewGuard(db *gorm.DB) *Guard {
	return &Guard{db: db}
}

// Resolve produces a scope bound to the organization, or a TenancyError if
// the principal has no active membership there.
func (g *Guard) Resolve(ctx context.Context, userID, orgID uint) (Scope, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var count int64
	err := g.db.WithContext(ctx).
		Model(&models.Membership{}).
		Where("organization_id = ? AND user_id = ? AND status = ?", orgID, userID, models.MembershipActive).
		Count(&count).Error
	if err != nil {
		return Scope{}, fmt.Errorf("failed checking membership: %w", err)
	}

	if count == 0 {
		return Scope{}, &TenancyError{UserID: userID, OrganizationID: orgID, Reason: "no active membership"}
	}

	return Scope{orgID: orgID, valid: true}, nil
}

// ResolveSystem produces a scope for internal workers acting on behalf of an
// organization (webhook ingestion, reconciliation, scheduled sweeps). The
// organization must exist; there is no principal to check.
func (g *Guard) ResolveSystem(ctx context.Context, orgID uint) (Scope, error) {
	var count int64
	err := g.db.WithContext(ctx).
		Model(&models.Organization{}).
		Where("id = ?", orgID).
		Count(&count).Error
	if err != nil {
		return Scope{}, fmt.Errorf("failed checking organization: %w", err)
	}

	if count == 0 {
		return Scope{}, &TenancyError{OrganizationID: orgID, Reason: "organization not found"}
	}

	return Scope{orgID: orgID, valid: true}, nil
}

// Scoped conjuncts the scope's organization predicate onto a query.
// Every data access in the billing core goes through this chokepoint.
func (g *Guard) Scoped(db *gorm.DB, s Scope) *gorm.DB {
	return db.Scopes(s.Filter())
}
