package services

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/StudioEly/koomy-saas2-sub001/internal/models"
	"github.com/StudioEly/koomy-saas2-sub001/internal/repository"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

type testEnv struct {
	db          *gorm.DB
	communities *repository.CommunityRepository
	memberships *repository.MembershipRepository
	claims      *ClaimService
	quotas      *QuotaService
	members     *MembershipService
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

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

	plans := append(models.DefaultPlans(),
		models.Plan{ID: "tiny", Name: "Tiny", MaxMembers: intPtr(3), SortOrder: 5, IsActive: true},
		models.Plan{ID: "starter", Name: "Starter", MaxMembers: intPtr(100), SortOrder: 7, IsActive: true},
	)
	require.NoError(t, repository.NewCommunityRepository(db).SeedPlans(context.Background(), plans))
	return db
}

func setupEnv(t *testing.T, opts ...ClaimServiceOption) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	log := quietLogger()
	env := &testEnv{
		db:          db,
		communities: repository.NewCommunityRepository(db),
		memberships: repository.NewMembershipRepository(db),
	}
	opts = append([]ClaimServiceOption{WithClock(fixedClock{now: testNow})}, opts...)
	env.claims = NewClaimService(env.memberships, env.communities, log, opts...)
	env.quotas = NewQuotaService(env.memberships, env.communities, nil, nil, log)
	env.members = NewMembershipService(env.claims, env.quotas, env.memberships, nil, log)
	return env
}

func (e *testEnv) createCommunity(t *testing.T, slug, prefix, planID string) *models.Community {
	t.Helper()
	community := &models.Community{Name: "Community " + slug, Slug: slug, MemberIDPrefix: prefix, PlanID: planID}
	require.NoError(t, e.communities.CreateCommunity(context.Background(), community))
	return community
}

// seedMembers inserts n billable members directly, bypassing the quota guard
func (e *testEnv) seedMembers(t *testing.T, communityID uuid.UUID, n int) {
	t.Helper()
	rows := make([]models.Membership, 0, n)
	for i := 0; i < n; i++ {
		code, err := GenerateClaimCode()
		require.NoError(t, err)
		rows = append(rows, models.Membership{
			CommunityID:        communityID,
			MemberID:           fmt.Sprintf("SEED-%04d", i),
			DisplayName:        fmt.Sprintf("Seed %d", i),
			Role:               models.RoleMember,
			Status:             models.MembershipStatusActive,
			ContributionStatus: models.ContributionPending,
			ClaimCode:          &code,
		})
	}
	require.NoError(t, e.db.CreateInBatches(&rows, 50).Error)
}

func intPtr(v int) *int { return &v }

func strPtr(s string) *string { return &s }

func repositoryFilter() repository.MembershipFilter { return repository.MembershipFilter{} }
