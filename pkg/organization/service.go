package organization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tallyops/tally/pkg/models"
	"github.com/tallyops/tally/pkg/tenancy"
	"gorm.io/gorm"
)

var (
	// ErrSeatLimit means the plan has no room for another active member
	ErrSeatLimit = errors.New("plan seat limit reached")
	// ErrNotFound covers missing organizations and memberships
	ErrNotFound = errors.New("not found")
	// ErrLastOwner blocks removing the only owner of an organization
	ErrLastOwner = errors.New("organization must keep at least one owner")
)

// SeatGate is the slice of the seat synchronization service the membership
// workflow needs: capacity checks before adding, sync triggers after changes.
type SeatGate interface {
	CanAddMember(ctx context.Context, scope tenancy.Scope) (bool, error)
	OnMembershipActivated(orgID uint)
	OnMembershipRemoved(orgID uint)
}

// Service handles organization and membership business logic
type Service struct {
	db    *gorm.DB
	guard *tenancy.Guard
	seats SeatGate
}

// NewService creates a new organization service
func NewService(db *gorm.DB, guard *tenancy.Guard, seats SeatGate) *Service {
	return &Service{
		db:    db,
		guard: guard,
		seats: seats,
	}
}

// CreateOrganizationRequest represents a request to create an organization
type CreateOrganizationRequest struct {
	Name         string  `json:"name" validate:"required,min=2,max=150"`
	BillingEmail *string `json:"billing_email" validate:"omitempty,email"`
}

// CreateOrganization creates an organization with the creator as its owner.
// The new tenant starts on the none plan; a subscription arrives later
// through the billing webhook.
func (s *Service) CreateOrganization(ctx context.Context, ownerID uint, req CreateOrganizationRequest) (*models.Organization, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	org := &models.Organization{
		Name:               req.Name,
		BillingEmail:       req.BillingEmail,
		Plan:               models.PlanNone,
		SubscriptionStatus: models.StatusIncomplete,
	}

	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(org).Error; err != nil {
			return fmt.Errorf("failed to create organization: %w", err)
		}
		owner := &models.Membership{
			OrganizationID: org.ID,
			UserID:         ownerID,
			Role:           models.RoleOwner,
			Status:         models.MembershipActive,
			JoinedAt:       &now,
		}
		if err := tx.Create(owner).Error; err != nil {
			return fmt.Errorf("failed to add owner as member: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return org, nil
}

// GetOrganization retrieves the scoped organization
func (s *Service) GetOrganization(ctx context.Context, scope tenancy.Scope) (*models.Organization, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if !scope.Valid() {
		return nil, tenancy.ErrTenancy
	}
	var org models.Organization
	err := s.db.WithContext(ctx).First(&org, scope.OrganizationID()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}

// ListMembers returns every non-removed membership in the scoped organization
func (s *Service) ListMembers(ctx context.Context, scope tenancy.Scope) ([]models.Membership, error) {
	if !scope.Valid() {
		return nil, tenancy.ErrTenancy
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var members []models.Membership
	err := s.db.WithContext(ctx).
		Scopes(scope.Filter()).
		Where("status <> ?", models.MembershipRemoved).
		Order("created_at").
		Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return members, nil
}

// InviteMember records an invitation. The seat capacity check runs now, not
// at acceptance, so an invite is never extended that could not be honored.
func (s *Service) InviteMember(ctx context.Context, scope tenancy.Scope, userID uint, role string) (*models.Membership, error) {
	if !scope.Valid() {
		return nil, tenancy.ErrTenancy
	}
	ok, err := s.seats.CanAddMember(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("seat capacity check failed: %w", err)
	}
	if !ok {
		return nil, ErrSeatLimit
	}

	if role == "" {
		role = models.RoleMember
	}
	now := time.Now().UTC()
	m := &models.Membership{
		OrganizationID: scope.OrganizationID(),
		UserID:         userID,
		Role:           role,
		Status:         models.MembershipInvited,
		InvitedAt:      &now,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("user %d already has a membership in organization %d", userID, scope.OrganizationID())
		}
		return nil, fmt.Errorf("failed to create invitation: %w", err)
	}
	return m, nil
}

// AcceptInvitation activates the invited membership and schedules a seat
// synchronization pass.
func (s *Service) AcceptInvitation(ctx context.Context, scope tenancy.Scope, userID uint) error {
	if !scope.Valid() {
		return tenancy.ErrTenancy
	}
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&models.Membership{}).
		Scopes(scope.Filter()).
		Where("user_id = ? AND status = ?", userID, models.MembershipInvited).
		Updates(map[string]interface{}{
			"status":    models.MembershipActive,
			"joined_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to accept invitation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	s.seats.OnMembershipActivated(scope.OrganizationID())
	return nil
}

// RemoveMember marks the membership removed and schedules a seat
// synchronization pass. The last owner cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, scope tenancy.Scope, userID uint) error {
	if !scope.Valid() {
		return tenancy.ErrTenancy
	}
	var m models.Membership
	err := s.db.WithContext(ctx).
		Scopes(scope.Filter()).
		Where("user_id = ? AND status <> ?", userID, models.MembershipRemoved).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load membership: %w", err)
	}

	if m.Role == models.RoleOwner {
		var owners int64
		err := s.db.WithContext(ctx).
			Model(&models.Membership{}).
			Scopes(scope.Filter()).
			Where("role = ? AND status = ?", models.RoleOwner, models.MembershipActive).
			Count(&owners).Error
		if err != nil {
			return fmt.Errorf("failed to count owners: %w", err)
		}
		if owners <= 1 {
			return ErrLastOwner
		}
	}

	err = s.db.WithContext(ctx).
		Model(&models.Membership{}).
		Where("id = ?", m.ID).
		Update("status", models.MembershipRemoved).Error
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}

	s.seats.OnMembershipRemoved(scope.OrganizationID())
	return nil
}

// CheckMembership reports whether the user has an active membership and with
// which role. Used by collaborating services, not for access decisions; those
// go through the tenancy guard.
func (s *Service) CheckMembership(ctx context.Context, orgID, userID uint) (bool, string, error) {
	var m models.Membership
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND user_id = ? AND status = ?", orgID, userID, models.MembershipActive).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("failed to check membership: %w", err)
	}
	return true, m.Role, nil
}
