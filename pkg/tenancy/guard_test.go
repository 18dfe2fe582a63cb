package tenancy

import (
	"context"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallyops/tally/pkg/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Organization{},
		&models.Membership{},
		&models.BillingEvent{},
	))
	return db
}

func seedOrgWithMember(t *testing.T, db *gorm.DB, userID uint) *models.Organization {
	t.Helper()
	org := &models.Organization{Name: gofakeit.Company(), Plan: models.PlanTeam}
	require.NoError(t, db.Create(org).Error)
	require.NoError(t, db.Create(&models.Membership{
		OrganizationID: org.ID,
		UserID:         userID,
		Role:           models.RoleOwner,
		Status:         models.MembershipActive,
	}).Error)
	return org
}

func TestResolve_ActiveMembership(t *testing.T) {
	db := newTestDB(t)
	org := seedOrgWithMember(t, db, 10)

	guard := NewGuard(db)
	scope, err := guard.Resolve(context.Background(), 10, org.ID)
	require.NoError(t, err)
	assert.True(t, scope.Valid())
	assert.Equal(t, org.ID, scope.OrganizationID())
}

func TestResolve_NoMembershipFailsHard(t *testing.T) {
	db := newTestDB(t)
	org := seedOrgWithMember(t, db, 10)

	guard := NewGuard(db)
	_, err := guard.Resolve(context.Background(), 99, org.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTenancy)

	var tErr *TenancyError
	require.ErrorAs(t, err, &tErr)
	assert.EqualValues(t, 99, tErr.UserID)
	assert.Equal(t, org.ID, tErr.OrganizationID)
}

func TestResolve_InactiveMembershipRejected(t *testing.T) {
	db := newTestDB(t)
	org := &models.Organization{Name: gofakeit.Company()}
	require.NoError(t, db.Create(org).Error)

	for _, status := range []string{models.MembershipInvited, models.MembershipSuspended, models.MembershipRemoved} {
		m := &models.Membership{OrganizationID: org.ID, UserID: 20, Status: status}
		require.NoError(t, db.Create(m).Error)

		guard := NewGuard(db)
		_, err := guard.Resolve(context.Background(), 20, org.ID)
		assert.ErrorIs(t, err, ErrTenancy, "status %q must not grant a scope", status)

		require.NoError(t, db.Unscoped().Delete(m).Error)
	}
}

func TestResolveSystem(t *testing.T) {
	db := newTestDB(t)
	org := seedOrgWithMember(t, db, 10)

	guard := NewGuard(db)
	scope, err := guard.ResolveSystem(context.Background(), org.ID)
	require.NoError(t, err)
	assert.True(t, scope.Valid())

	_, err = guard.ResolveSystem(context.Background(), 4242)
	assert.ErrorIs(t, err, ErrTenancy)
}

// Isolation property: a query under A's scope returns zero rows belonging
// to B, for every scoped entity type.
func TestScopeIsolation(t *testing.T) {
	db := newTestDB(t)
	orgA := seedOrgWithMember(t, db, 1)
	orgB := seedOrgWithMember(t, db, 2)

	require.NoError(t, db.Create(&models.BillingEvent{
		ExternalID:     "evt_a",
		Kind:           "invoice.paid",
		OrganizationID: orgA.ID,
	}).Error)
	require.NoError(t, db.Create(&models.BillingEvent{
		ExternalID:     "evt_b",
		Kind:           "invoice.paid",
		OrganizationID: orgB.ID,
	}).Error)

	guard := NewGuard(db)
	scopeA, err := guard.Resolve(context.Background(), 1, orgA.ID)
	require.NoError(t, err)

	var memberships []models.Membership
	require.NoError(t, guard.Scoped(db.Model(&models.Membership{}), scopeA).Find(&memberships).Error)
	require.Len(t, memberships, 1)
	assert.Equal(t, orgA.ID, memberships[0].OrganizationID)

	var events []models.BillingEvent
	require.NoError(t, guard.Scoped(db.Model(&models.BillingEvent{}), scopeA).Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, orgA.ID, events[0].OrganizationID)
}

func TestZeroScopeFailsClosed(t *testing.T) {
	db := newTestDB(t)
	seedOrgWithMember(t, db, 1)

	var memberships []models.Membership
	var zero Scope
	require.NoError(t, db.Model(&models.Membership{}).Scopes(zero.Filter()).Find(&memberships).Error)
	assert.Empty(t, memberships, "an absent scope must match no rows, never all rows")
	assert.False(t, zero.Valid())
}
