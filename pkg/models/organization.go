package models

import (
	"time"

	"gorm.io/gorm"
)

// Subscription plans
const (
	PlanNone   = "none"
	PlanSingle = "single"
	PlanTeam   = "team"
)

// Subscription statuses (mirrors the billing provider's vocabulary)
const (
	StatusTrialing   = "trialing"
	StatusActive     = "active"
	StatusPastDue    = "past_due"
	StatusCanceled   = "canceled"
	StatusIncomplete = "incomplete"
)

// Organization is a tenant. All data in the system is partitioned by it.
//
// Billing fields (Plan, SubscriptionStatus, SeatQuantity, TrialEndsAt,
// RenewsAt, CanceledAt, BillingIssueAt) are mutated only through
// billing.Store.ApplyEvent. Version is the optimistic-concurrency counter
// guarding read-modify-write cycles on those fields.
type Organization struct {
	ID           uint    `gorm:"primaryKey" json:"id"`
	Name         string  `gorm:"type:varchar(150);not null" json:"name" validate:"required,min=2,max=150"`
	BillingEmail *string `gorm:"type:varchar(200)" json:"billing_email,omitempty" validate:"omitempty,email"`

	Plan                 string     `gorm:"type:varchar(20);default:'none';index" json:"plan" validate:"oneof=none single team"`
	StripeCustomerID     *string    `gorm:"type:varchar(191);uniqueIndex" json:"-"`
	StripeSubscriptionID *string    `gorm:"type:varchar(191);uniqueIndex" json:"-"`
	SubscriptionStatus   string     `gorm:"type:varchar(20);default:'incomplete';index" json:"subscription_status"`
	SeatQuantity         int        `gorm:"not null;default:0" json:"seat_quantity"`
	TrialEndsAt          *time.Time `json:"trial_ends_at,omitempty"`
	RenewsAt             *time.Time `json:"renews_at,omitempty"`
	CanceledAt           *time.Time `json:"-"`

	// Dunning state. BillingIssueAt starts the dunning clock on the first
	// payment failure and is cleared on any successful invoice.
	BillingIssueAt       *time.Time `json:"billing_issue_at,omitempty"`
	LastDunningAt        *time.Time `json:"-"`
	DunningNotifications int        `gorm:"not null;default:0" json:"-"`
	FeaturesSuspended    bool       `gorm:"not null;default:false" json:"features_suspended"`

	Version int `gorm:"not null;default:0" json:"-"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Membership roles
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Membership statuses
const (
	MembershipActive    = "active"
	MembershipInvited   = "invited"
	MembershipSuspended = "suspended"
	MembershipRemoved   = "removed"
)

// Membership links a user to one organization with a role and status.
// A user appears at most once per organization; active memberships drive
// the desired seat count.
type Membership struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	OrganizationID uint   `gorm:"not null;index:ux_memberships_org_user,unique" json:"organization_id"`
	UserID         uint   `gorm:"not null;index:ux_memberships_org_user,unique;index" json:"user_id"`
	Role           string `gorm:"type:varchar(20);default:'member'" json:"role" validate:"oneof=owner admin member"`
	Status         string `gorm:"type:varchar(20);default:'invited';index" json:"status" validate:"oneof=active invited suspended removed"`

	InvitedAt *time.Time `json:"invited_at,omitempty"`
	JoinedAt  *time.Time `json:"joined_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BillingEvent is one immutable ledger entry for an externally observed or
// internally synthesized billing occurrence. ExternalID is the deduplication
// key for at-least-once webhook delivery.
type BillingEvent struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	ExternalID     string `gorm:"type:varchar(191);uniqueIndex;not null" json:"external_id"`
	Kind           string `gorm:"type:varchar(64);not null;index" json:"kind"`
	OrganizationID uint   `gorm:"not null;index" json:"organization_id"`

	ObservedStatus   string `gorm:"type:varchar(20)" json:"observed_status,omitempty"`
	ObservedQuantity *int64 `json:"observed_quantity,omitempty"`
	AmountCents      *int64 `json:"amount_cents,omitempty"`

	Processed       bool       `gorm:"not null;default:false;index" json:"processed"`
	ProcessingError *string    `gorm:"type:text" json:"processing_error,omitempty"`
	Payload         []byte     `gorm:"type:jsonb" json:"-"`
	OccurredAt      time.Time  `json:"occurred_at"`
	ReceivedAt      time.Time  `gorm:"autoCreateTime" json:"received_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}
