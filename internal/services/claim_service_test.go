package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StudioEly/koomy-saas2-sub001/internal/models"
	"github.com/StudioEly/koomy-saas2-sub001/internal/nats"
)

func TestGenerateClaimCode(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		code, err := GenerateClaimCode()
		require.NoError(t, err)
		require.Len(t, code, models.ClaimCodeLength)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(claimCodeAlphabet, r), "unexpected rune %q", r)
		}
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 990)
}

func TestNormalizeClaimCode(t *testing.T) {
	assert.Equal(t, "ABCD1234", NormalizeClaimCode("abcd-1234"))
	assert.Equal(t, "ABCD1234", NormalizeClaimCode(" ABCD 1234 "))
	assert.Equal(t, "ABCD1234", NormalizeClaimCode("ABCD1234"))
	assert.Equal(t, "", NormalizeClaimCode("--"))
}

func TestClaimService_FullLifecycle(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	community := env.createCommunity(t, "unsa-lidl", "UNSA", "essential")

	issued, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{
		DisplayName: "  Jean Dupont ",
		Email:       "jean.dupont@example.org",
		Section:     "Lyon",
	})
	require.NoError(t, err)
	require.NotNil(t, issued.Membership)
	assert.Regexp(t, `^[A-Z0-9]{4}-[A-Z0-9]{4}$`, issued.ClaimCode)
	assert.Equal(t, "UNSA-2026-0001", issued.Membership.MemberID)
	assert.Equal(t, "Jean Dupont", issued.Membership.DisplayName)
	assert.Equal(t, models.RoleMember, issued.Membership.Role)
	assert.Equal(t, models.ContributionPending, issued.Membership.ContributionStatus)
	assert.False(t, issued.Membership.IsClaimed())

	typed := strings.ToLower(strings.Replace(issued.ClaimCode, "-", " ", 1))

	first, err := env.claims.VerifyCode(ctx, typed)
	require.NoError(t, err)
	assert.True(t, first.Valid)
	require.NotNil(t, first.DisplayName)
	assert.Equal(t, "Jean Dupont", *first.DisplayName)
	assert.Equal(t, community.ID, first.CommunityID)
	assert.Equal(t, community.Name, first.CommunityName)
	assert.Equal(t, "Lyon", first.Section)

	second, err := env.claims.VerifyCode(ctx, issued.ClaimCode)
	require.NoError(t, err)
	assert.Equal(t, first, second, "verification has no side effects")

	claimed, err := env.claims.ClaimCode(ctx, issued.ClaimCode, "acct-jean")
	require.NoError(t, err)
	require.NotNil(t, claimed.AccountID)
	assert.Equal(t, "acct-jean", *claimed.AccountID)
	require.NotNil(t, claimed.ClaimedAt)
	assert.True(t, claimed.ClaimedAt.Equal(testNow))
	assert.Equal(t, issued.Membership.ID, claimed.ID)

	_, err = env.claims.VerifyCode(ctx, issued.ClaimCode)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	_, err = env.claims.ClaimCode(ctx, issued.ClaimCode, "acct-other")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestClaimService_MemberIDSequence(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	community := env.createCommunity(t, "club", "", "free")

	for i, want := range []string{"CLUB-2026-0001", "CLUB-2026-0002"} {
		issued, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: "Member"})
		require.NoError(t, err, "draft %d", i)
		assert.Equal(t, want, issued.Membership.MemberID)
	}

	explicit, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: "Legacy", MemberID: "LEGACY-42"})
	require.NoError(t, err)
	assert.Equal(t, "LEGACY-42", explicit.Membership.MemberID)

	_, err = env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: "Clash", MemberID: "LEGACY-42"})
	assert.ErrorIs(t, err, ErrMemberIDTaken)
}

func TestClaimService_GenerateCodeValidation(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	community := env.createCommunity(t, "validation", "VAL", "free")

	_, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: "   "})
	_, ok := IsValidationError(err)
	assert.True(t, ok)

	_, err = env.claims.GenerateCode(ctx, community.ID, MembershipDraft{
		DisplayName: "Bad Role",
		Role:        models.RoleSpec{Role: models.RoleMember, AdminRole: models.AdminRoleEditor},
	})
	_, ok = IsValidationError(err)
	assert.True(t, ok)

	_, err = env.claims.GenerateCode(ctx, uuid.New(), MembershipDraft{DisplayName: "Nowhere"})
	assert.ErrorIs(t, err, ErrCommunityNotFound)

	superAdmin, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{
		DisplayName: "Chief",
		Section:     "Lyon",
		Role:        models.AdminRoleSpec(models.AdminRoleSuperAdmin),
	})
	require.NoError(t, err)
	assert.Empty(t, superAdmin.Membership.Section, "super admins are not section scoped")
	assert.Equal(t, models.ContributionUpToDate, superAdmin.Membership.ContributionStatus)
}

func TestClaimService_BoundAccountGetsNoCode(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	community := env.createCommunity(t, "bound", "BND", "free")

	issued, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{
		DisplayName: "Direct Admin",
		Role:        models.AdminRoleSpec(models.AdminRoleTreasurer),
		Section:     "Paris",
		UserID:      strPtr("user-123"),
	})
	require.NoError(t, err)
	assert.Empty(t, issued.ClaimCode)
	assert.Nil(t, issued.Membership.ClaimCode)
	assert.Nil(t, issued.Membership.ClaimedAt)
	assert.True(t, issued.Membership.IsClaimed())

	_, err = env.claims.RegenerateCode(ctx, issued.Membership.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestClaimService_CodeLookupErrors(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	_, err := env.claims.VerifyCode(ctx, "  ")
	_, ok := IsValidationError(err)
	assert.True(t, ok, "empty code is a validation error")

	_, err = env.claims.VerifyCode(ctx, "ABC")
	assert.ErrorIs(t, err, ErrNotFound, "malformed codes are indistinguishable from unknown ones")

	_, err = env.claims.VerifyCode(ctx, "ZZZZ-9999")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.claims.ClaimCode(ctx, "ZZZZ-9999", "acct-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.claims.ClaimCode(ctx, "ZZZZ-9999", " ")
	_, ok = IsValidationError(err)
	assert.True(t, ok, "account id is required")
}

func TestClaimService_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	community := env.createCommunity(t, "race", "RACE", "free")

	issued, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: "Contested"})
	require.NoError(t, err)

	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.claims.ClaimCode(ctx, issued.ClaimCode, uuid.NewString())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyClaimed):
				conflicts++
			default:
				t.Errorf("unexpected error from claim %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, conflicts)
}

func TestClaimService_ConcurrentClaimsBySameAccount(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	community := env.createCommunity(t, "double-dip", "DBL", "free")

	codes := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		issued, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: fmt.Sprintf("Seat %d", i)})
		require.NoError(t, err)
		codes = append(codes, issued.ClaimCode)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		refusals  int
	)
	for _, code := range codes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			_, err := env.claims.ClaimCode(ctx, code, "acct-shared")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAccountAlreadyMember):
				refusals++
			default:
				t.Errorf("unexpected error claiming %s: %v", code, err)
			}
		}(code)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, len(codes)-1, refusals)

	claimed := true
	filter := repositoryFilter()
	filter.Claimed = &claimed
	_, total, err := env.claims.ListCommunityMemberships(ctx, community.ID, filter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestClaimService_AccountAlreadyMember(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	community := env.createCommunity(t, "dupe-account", "DUP", "free")

	first, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: "First"})
	require.NoError(t, err)
	second, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: "Second"})
	require.NoError(t, err)

	_, err = env.claims.ClaimCode(ctx, first.ClaimCode, "acct-1")
	require.NoError(t, err)

	_, err = env.claims.ClaimCode(ctx, second.ClaimCode, "acct-1")
	assert.ErrorIs(t, err, ErrAccountAlreadyMember)

	// The rejected code stays redeemable by someone else
	_, err = env.claims.ClaimCode(ctx, second.ClaimCode, "acct-2")
	assert.NoError(t, err)
}

func TestClaimService_CollisionRetry(t *testing.T) {
	codes := []string{"AAAA1111", "AAAA1111", "BBBB2222"}
	calls := 0
	gen := func() (string, error) {
		code := codes[calls%len(codes)]
		calls++
		return code, nil
	}

	env := setupEnv(t, WithCodeGenerator(gen))
	ctx := context.Background()
	community := env.createCommunity(t, "collide", "COL", "free")

	first, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: "First"})
	require.NoError(t, err)
	assert.Equal(t, "AAAA-1111", first.ClaimCode)

	second, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: "Second"})
	require.NoError(t, err)
	assert.Equal(t, "BBBB-2222", second.ClaimCode)
	assert.Equal(t, 3, calls)
}

func TestClaimService_CodeGenerationExhausted(t *testing.T) {
	calls := 0
	gen := func() (string, error) {
		calls++
		return "SAME0000", nil
	}

	env := setupEnv(t, WithCodeGenerator(gen), WithMaxCodeAttempts(3))
	ctx := context.Background()
	community := env.createCommunity(t, "exhaust", "EXH", "free")

	_, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: "First"})
	require.NoError(t, err)

	calls = 0
	_, err = env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: "Second"})
	assert.ErrorIs(t, err, ErrCodeGenerationExhausted)
	assert.Equal(t, 3, calls)

	_, total, err := env.claims.ListCommunityMemberships(ctx, community.ID, repositoryFilter())
	require.NoError(t, err)
	assert.Equal(t, int64(1), total, "no partial membership is left behind")
}

func TestClaimService_RegenerateCode(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	community := env.createCommunity(t, "regen", "REG", "free")

	issued, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: "Lost Letter"})
	require.NoError(t, err)

	regenerated, err := env.claims.RegenerateCode(ctx, issued.Membership.ID)
	require.NoError(t, err)
	assert.NotEqual(t, issued.ClaimCode, regenerated.ClaimCode)
	assert.Equal(t, issued.Membership.MemberID, regenerated.Membership.MemberID)

	_, err = env.claims.VerifyCode(ctx, issued.ClaimCode)
	assert.ErrorIs(t, err, ErrNotFound, "the old code is retired")

	_, err = env.claims.VerifyCode(ctx, regenerated.ClaimCode)
	assert.NoError(t, err)

	_, err = env.claims.ClaimCode(ctx, regenerated.ClaimCode, "acct-1")
	require.NoError(t, err)

	_, err = env.claims.RegenerateCode(ctx, issued.Membership.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	_, err = env.claims.RegenerateCode(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrMembershipNotFound)
}

func TestClaimService_UpdateStatus(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	community := env.createCommunity(t, "status", "STA", "free")

	issued, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: "Lapsed"})
	require.NoError(t, err)

	updated, err := env.claims.UpdateStatus(ctx, issued.Membership.ID, models.MembershipStatusExpired)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipStatusExpired, updated.Status)
	assert.False(t, updated.IsClaimed())

	// Status and claim state are independent
	_, err = env.claims.VerifyCode(ctx, issued.ClaimCode)
	assert.NoError(t, err)

	_, err = env.claims.UpdateStatus(ctx, issued.Membership.ID, models.MembershipStatus("archived"))
	_, ok := IsValidationError(err)
	assert.True(t, ok)

	_, err = env.claims.UpdateStatus(ctx, uuid.New(), models.MembershipStatusActive)
	assert.ErrorIs(t, err, ErrMembershipNotFound)
}

func TestClaimService_ListCommunityMemberships(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	community := env.createCommunity(t, "listing", "LST", "free")

	for _, name := range []string{"A", "B", "C"} {
		_, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: name})
		require.NoError(t, err)
	}

	memberships, total, err := env.claims.ListCommunityMemberships(ctx, community.ID, repositoryFilter())
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, memberships, 3)

	_, _, err = env.claims.ListCommunityMemberships(ctx, uuid.New(), repositoryFilter())
	assert.ErrorIs(t, err, ErrCommunityNotFound)
}

type recordingPublisher struct {
	mu      sync.Mutex
	created []*nats.MemberCreatedEvent
	claimed []*nats.MemberClaimedEvent
}

func (p *recordingPublisher) PublishMemberCreated(_ context.Context, event *nats.MemberCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, event)
	return nil
}

func (p *recordingPublisher) PublishMemberClaimed(_ context.Context, event *nats.MemberClaimedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claimed = append(p.claimed, event)
	return nil
}

func (p *recordingPublisher) PublishPlanChanged(context.Context, *nats.PlanChangedEvent) error {
	return nil
}

func TestClaimService_EventsCarryCodeForDelivery(t *testing.T) {
	publisher := &recordingPublisher{}
	env := setupEnv(t, WithEventPublisher(publisher))
	ctx := context.Background()
	community := env.createCommunity(t, "mailer", "MAIL", "free")

	issued, err := env.claims.GenerateCode(ctx, community.ID, MembershipDraft{DisplayName: "Jean Dupont", Email: "jean@example.org"})
	require.NoError(t, err)
	_, err = env.claims.ClaimCode(ctx, issued.ClaimCode, "acct-jean")
	require.NoError(t, err)

	env.claims.WaitForEvents()

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	require.Len(t, publisher.created, 1)
	assert.Equal(t, issued.ClaimCode, publisher.created[0].ClaimCode)
	assert.Equal(t, "jean@example.org", publisher.created[0].Email)
	assert.Equal(t, community.Name, publisher.created[0].CommunityName)
	require.Len(t, publisher.claimed, 1)
	assert.Equal(t, "acct-jean", publisher.claimed[0].AccountID)
}
