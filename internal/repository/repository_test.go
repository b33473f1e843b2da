package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/StudioEly/koomy-saas2-sub001/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.Plan{}, &models.Community{}, &models.Membership{}))
	require.NoError(t, NewCommunityRepository(db).SeedPlans(context.Background(), models.DefaultPlans()))
	return db
}

func createCommunity(t *testing.T, repo *CommunityRepository, slug, planID string) *models.Community {
	t.Helper()
	community := &models.Community{Name: "Community " + slug, Slug: slug, PlanID: planID}
	require.NoError(t, repo.CreateCommunity(context.Background(), community))
	return community
}

func createMembership(t *testing.T, repo *MembershipRepository, communityID uuid.UUID, memberID string, code *string, mutate func(*models.Membership)) *models.Membership {
	t.Helper()
	membership := &models.Membership{
		CommunityID:        communityID,
		MemberID:           memberID,
		DisplayName:        "Member " + memberID,
		Role:               models.RoleMember,
		Status:             models.MembershipStatusActive,
		ContributionStatus: models.ContributionPending,
		ClaimCode:          code,
	}
	if mutate != nil {
		mutate(membership)
	}
	require.NoError(t, repo.CreateMembership(context.Background(), membership))
	return membership
}

func strPtr(s string) *string { return &s }

func TestCommunityRepository_SeedPlansIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCommunityRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.SeedPlans(ctx, models.DefaultPlans()))

	plans, err := repo.GetActivePlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, len(models.DefaultPlans()))
	assert.Equal(t, "free", plans[0].ID)
	assert.Equal(t, "white_label", plans[len(plans)-1].ID)
}

func TestCommunityRepository_GetPlanByID(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCommunityRepository(db)
	ctx := context.Background()

	require.NoError(t, db.Model(&models.Plan{}).Where("id = ?", "enterprise").Update("is_active", false).Error)

	plan, err := repo.GetPlanByID(ctx, "enterprise")
	require.NoError(t, err)
	assert.True(t, plan.IsCustom)
	assert.False(t, plan.IsActive)

	_, err = repo.GetPlanByID(ctx, "platinum")
	assert.ErrorIs(t, err, ErrPlanNotFound)

	createCommunity(t, repo, "a", "free")
	createCommunity(t, repo, "b", "premium")
	all, err := repo.GetAllCommunities(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCommunityRepository_GetCommunity(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCommunityRepository(db)
	ctx := context.Background()

	community := createCommunity(t, repo, "unsa-lidl", "essential")

	byID, err := repo.GetCommunityByID(ctx, community.ID)
	require.NoError(t, err)
	require.NotNil(t, byID.Plan)
	assert.Equal(t, 200, *byID.Plan.MaxMembers)

	bySlug, err := repo.GetCommunityBySlug(ctx, "unsa-lidl")
	require.NoError(t, err)
	assert.Equal(t, community.ID, bySlug.ID)

	_, err = repo.GetCommunityByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrCommunityNotFound)
	assert.ErrorIs(t, err, ErrNotFound)

	err = repo.CreateCommunity(ctx, &models.Community{Name: "Dup", Slug: "unsa-lidl", PlanID: "free"})
	assert.ErrorIs(t, err, ErrDuplicateCommunity)
}

func TestCommunityRepository_NextMemberSequence(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCommunityRepository(db)
	ctx := context.Background()

	community := createCommunity(t, repo, "seq", "free")

	for want := int64(1); want <= 3; want++ {
		got, err := repo.NextMemberSequence(ctx, community.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := repo.NextMemberSequence(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrCommunityNotFound)
}

func TestCommunityRepository_ChangePlan(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCommunityRepository(db)
	members := NewMembershipRepository(db)
	ctx := context.Background()

	community := createCommunity(t, repo, "plans", "essential")
	createMembership(t, members, community.ID, "M-1", strPtr("AAAA1111"), nil)

	t.Run("guard sees current, target and live count", func(t *testing.T) {
		var seenCurrent, seenTarget string
		var seenCount int64
		updated, err := repo.ChangePlan(ctx, community.ID, "premium", func(current, target *models.Plan, countBillable func() (int64, error)) error {
			seenCurrent, seenTarget = current.ID, target.ID
			n, err := countBillable()
			seenCount = n
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, "essential", seenCurrent)
		assert.Equal(t, "premium", seenTarget)
		assert.Equal(t, int64(1), seenCount)
		assert.Equal(t, "premium", updated.PlanID)
		require.NotNil(t, updated.Plan)
		assert.Equal(t, "premium", updated.Plan.ID)
	})

	t.Run("guard rejection leaves plan unchanged", func(t *testing.T) {
		rejected := fmt.Errorf("rejected")
		_, err := repo.ChangePlan(ctx, community.ID, "free", func(_, _ *models.Plan, _ func() (int64, error)) error {
			return rejected
		})
		assert.ErrorIs(t, err, rejected)

		reloaded, err := repo.GetCommunityByID(ctx, community.ID)
		require.NoError(t, err)
		assert.Equal(t, "premium", reloaded.PlanID)
	})

	t.Run("unknown or inactive target", func(t *testing.T) {
		allow := func(_, _ *models.Plan, _ func() (int64, error)) error { return nil }

		_, err := repo.ChangePlan(ctx, community.ID, "platinum", allow)
		assert.ErrorIs(t, err, ErrPlanNotFound)

		require.NoError(t, db.Model(&models.Plan{}).Where("id = ?", "unlimited").Update("is_active", false).Error)
		_, err = repo.ChangePlan(ctx, community.ID, "unlimited", allow)
		assert.ErrorIs(t, err, ErrPlanNotFound)
	})

	t.Run("unknown community", func(t *testing.T) {
		_, err := repo.ChangePlan(ctx, uuid.New(), "free", func(_, _ *models.Plan, _ func() (int64, error)) error { return nil })
		assert.ErrorIs(t, err, ErrCommunityNotFound)
	})
}

func TestMembershipRepository_CreateDuplicates(t *testing.T) {
	db := setupTestDB(t)
	communities := NewCommunityRepository(db)
	repo := NewMembershipRepository(db)
	ctx := context.Background()

	community := createCommunity(t, communities, "dups", "free")
	createMembership(t, repo, community.ID, "M-1", strPtr("DUPE0001"), nil)

	err := repo.CreateMembership(ctx, &models.Membership{
		CommunityID: community.ID, MemberID: "M-2", DisplayName: "Other", ClaimCode: strPtr("DUPE0001"),
	})
	assert.ErrorIs(t, err, ErrDuplicateClaimCode)

	err = repo.CreateMembership(ctx, &models.Membership{
		CommunityID: community.ID, MemberID: "M-1", DisplayName: "Other", ClaimCode: strPtr("DUPE0002"),
	})
	assert.ErrorIs(t, err, ErrDuplicateMemberID)

	exists, err := repo.ClaimCodeExists(ctx, "DUPE0001")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.ClaimCodeExists(ctx, "NOPE0000")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMembershipRepository_ClaimMembership(t *testing.T) {
	db := setupTestDB(t)
	communities := NewCommunityRepository(db)
	repo := NewMembershipRepository(db)
	ctx := context.Background()
	claimedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	community := createCommunity(t, communities, "claims", "free")
	createMembership(t, repo, community.ID, "M-1", strPtr("CLAIM001"), nil)
	createMembership(t, repo, community.ID, "M-2", strPtr("CLAIM002"), nil)

	claimed, err := repo.ClaimMembership(ctx, "CLAIM001", "acct-1", claimedAt)
	require.NoError(t, err)
	require.NotNil(t, claimed.AccountID)
	assert.Equal(t, "acct-1", *claimed.AccountID)
	require.NotNil(t, claimed.ClaimedAt)
	assert.True(t, claimed.ClaimedAt.Equal(claimedAt))
	require.NotNil(t, claimed.Community)
	assert.Equal(t, community.ID, claimed.Community.ID)

	_, err = repo.ClaimMembership(ctx, "CLAIM001", "acct-2", claimedAt)
	assert.ErrorIs(t, err, ErrClaimConflict)

	_, err = repo.ClaimMembership(ctx, "CLAIM002", "acct-1", claimedAt)
	assert.ErrorIs(t, err, ErrAccountAlreadyMember)

	_, err = repo.ClaimMembership(ctx, "MISSING1", "acct-3", claimedAt)
	assert.ErrorIs(t, err, ErrMembershipNotFound)

	// The code survives the claim for audit
	stillThere, err := repo.GetMembershipByClaimCode(ctx, "CLAIM001")
	require.NoError(t, err)
	assert.True(t, stillThere.IsClaimed())
}

func TestMembershipRepository_ClaimAllowedWhenPreviousMembershipInactive(t *testing.T) {
	db := setupTestDB(t)
	communities := NewCommunityRepository(db)
	repo := NewMembershipRepository(db)
	ctx := context.Background()

	community := createCommunity(t, communities, "renewal", "free")
	createMembership(t, repo, community.ID, "OLD", nil, func(m *models.Membership) {
		m.AccountID = strPtr("acct-1")
		m.Status = models.MembershipStatusExpired
	})
	createMembership(t, repo, community.ID, "NEW", strPtr("RENEW001"), nil)

	claimed, err := repo.ClaimMembership(ctx, "RENEW001", "acct-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "NEW", claimed.MemberID)
}

func TestMembershipRepository_ReactivationKeepsOneActiveMembership(t *testing.T) {
	db := setupTestDB(t)
	communities := NewCommunityRepository(db)
	repo := NewMembershipRepository(db)
	ctx := context.Background()

	community := createCommunity(t, communities, "reactivate", "free")
	old := createMembership(t, repo, community.ID, "OLD", nil, func(m *models.Membership) {
		m.AccountID = strPtr("acct-1")
		m.Status = models.MembershipStatusSuspended
	})
	current := createMembership(t, repo, community.ID, "CUR", nil, func(m *models.Membership) {
		m.AccountID = strPtr("acct-1")
	})

	err := repo.UpdateStatus(ctx, old.ID, models.MembershipStatusActive)
	assert.ErrorIs(t, err, ErrAccountAlreadyMember)
	reloaded, err := repo.GetMembershipByID(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipStatusSuspended, reloaded.Status)

	// Setting an already active membership active again is a no-op
	require.NoError(t, repo.UpdateStatus(ctx, current.ID, models.MembershipStatusActive))

	require.NoError(t, repo.UpdateStatus(ctx, current.ID, models.MembershipStatusExpired))
	require.NoError(t, repo.UpdateStatus(ctx, old.ID, models.MembershipStatusActive))
}

func TestMembershipRepository_ReplaceClaimCode(t *testing.T) {
	db := setupTestDB(t)
	communities := NewCommunityRepository(db)
	repo := NewMembershipRepository(db)
	ctx := context.Background()

	community := createCommunity(t, communities, "regen", "free")
	open := createMembership(t, repo, community.ID, "M-1", strPtr("OLDCODE1"), nil)
	bound := createMembership(t, repo, community.ID, "M-2", nil, func(m *models.Membership) {
		m.UserID = strPtr("user-1")
	})
	createMembership(t, repo, community.ID, "M-3", strPtr("TAKEN001"), nil)

	require.NoError(t, repo.ReplaceClaimCode(ctx, open.ID, "NEWCODE1"))
	_, err := repo.GetMembershipByClaimCode(ctx, "OLDCODE1")
	assert.ErrorIs(t, err, ErrMembershipNotFound)

	assert.ErrorIs(t, repo.ReplaceClaimCode(ctx, bound.ID, "NEWCODE2"), ErrClaimConflict)
	assert.ErrorIs(t, repo.ReplaceClaimCode(ctx, open.ID, "TAKEN001"), ErrDuplicateClaimCode)
}

func TestMembershipRepository_UpdateStatus(t *testing.T) {
	db := setupTestDB(t)
	communities := NewCommunityRepository(db)
	repo := NewMembershipRepository(db)
	ctx := context.Background()

	community := createCommunity(t, communities, "status", "free")
	membership := createMembership(t, repo, community.ID, "M-1", strPtr("STATUS01"), nil)

	require.NoError(t, repo.UpdateStatus(ctx, membership.ID, models.MembershipStatusSuspended))

	reloaded, err := repo.GetMembershipByID(ctx, membership.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipStatusSuspended, reloaded.Status)
	assert.False(t, reloaded.IsClaimed())

	assert.ErrorIs(t, repo.UpdateStatus(ctx, uuid.New(), models.MembershipStatusActive), ErrMembershipNotFound)
}

func TestMembershipRepository_BillableCounts(t *testing.T) {
	db := setupTestDB(t)
	communities := NewCommunityRepository(db)
	repo := NewMembershipRepository(db)
	ctx := context.Background()

	first := createCommunity(t, communities, "first", "free")
	second := createCommunity(t, communities, "second", "free")

	createMembership(t, repo, first.ID, "A", strPtr("BILL0001"), nil)
	createMembership(t, repo, first.ID, "B", strPtr("BILL0002"), func(m *models.Membership) {
		m.Status = models.MembershipStatusExpired
	})
	createMembership(t, repo, first.ID, "C", strPtr("BILL0003"), func(m *models.Membership) {
		m.Status = models.MembershipStatusSuspended
	})
	createMembership(t, repo, first.ID, "D", strPtr("BILL0004"), func(m *models.Membership) {
		m.Role = models.RoleAdmin
		m.AdminRole = models.AdminRoleSuperAdmin
	})
	createMembership(t, repo, second.ID, "A", strPtr("BILL0005"), nil)

	count, err := repo.CountBillableMembers(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "active and expired members count, suspended and admins do not")

	rows, err := repo.CountBillableMembersByCommunity(ctx)
	require.NoError(t, err)
	byCommunity := make(map[uuid.UUID]int64)
	for _, row := range rows {
		byCommunity[row.CommunityID] = row.Count
	}
	assert.Equal(t, int64(2), byCommunity[first.ID])
	assert.Equal(t, int64(1), byCommunity[second.ID])
}

func TestMembershipRepository_GetCommunityMemberships(t *testing.T) {
	db := setupTestDB(t)
	communities := NewCommunityRepository(db)
	repo := NewMembershipRepository(db)
	ctx := context.Background()

	community := createCommunity(t, communities, "list", "free")
	createMembership(t, repo, community.ID, "A", strPtr("LIST0001"), func(m *models.Membership) { m.Section = "Lyon" })
	createMembership(t, repo, community.ID, "B", strPtr("LIST0002"), func(m *models.Membership) { m.Section = "Paris" })
	createMembership(t, repo, community.ID, "C", nil, func(m *models.Membership) {
		m.Section = "Lyon"
		m.UserID = strPtr("user-1")
	})

	all, total, err := repo.GetCommunityMemberships(ctx, community.ID, MembershipFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, all, 3)

	lyon, total, err := repo.GetCommunityMemberships(ctx, community.ID, MembershipFilter{Section: "Lyon"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, lyon, 2)

	unclaimed := false
	open, total, err := repo.GetCommunityMemberships(ctx, community.ID, MembershipFilter{Claimed: &unclaimed})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	for _, m := range open {
		assert.False(t, m.IsClaimed())
	}

	page, total, err := repo.GetCommunityMemberships(ctx, community.ID, MembershipFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, page, 1)
}
