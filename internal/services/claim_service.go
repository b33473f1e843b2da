package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/StudioEly/koomy-saas2-sub001/internal/metrics"
	"github.com/StudioEly/koomy-saas2-sub001/internal/models"
	"github.com/StudioEly/koomy-saas2-sub001/internal/nats"
	"github.com/StudioEly/koomy-saas2-sub001/internal/repository"
)

const (
	// DefaultMaxCodeAttempts bounds the number of candidate codes tried per generation
	DefaultMaxCodeAttempts = 5

	publishTimeout = 15 * time.Second
)

// MembershipStore is the membership persistence used by the services
type MembershipStore interface {
	CreateMembership(ctx context.Context, membership *models.Membership) error
	GetMembershipByID(ctx context.Context, id uuid.UUID) (*models.Membership, error)
	GetMembershipByClaimCode(ctx context.Context, code string) (*models.Membership, error)
	ClaimCodeExists(ctx context.Context, code string) (bool, error)
	ClaimMembership(ctx context.Context, code, accountID string, claimedAt time.Time) (*models.Membership, error)
	ReplaceClaimCode(ctx context.Context, id uuid.UUID, code string) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.MembershipStatus) error
	GetCommunityMemberships(ctx context.Context, communityID uuid.UUID, filter repository.MembershipFilter) ([]models.Membership, int64, error)
	CountBillableMembers(ctx context.Context, communityID uuid.UUID) (int64, error)
	CountBillableMembersByCommunity(ctx context.Context) ([]repository.BillableCount, error)
}

// EventPublisher hands domain events to the message bus
type EventPublisher interface {
	PublishMemberCreated(ctx context.Context, event *nats.MemberCreatedEvent) error
	PublishMemberClaimed(ctx context.Context, event *nats.MemberClaimedEvent) error
	PublishPlanChanged(ctx context.Context, event *nats.PlanChangedEvent) error
}

// MembershipDraft is the admin-entered data for a new membership
type MembershipDraft struct {
	DisplayName string
	Email       string
	Section     string
	Role        models.RoleSpec
	MemberID    string
	// UserID is set for admin-authored accounts that are bound at creation and get no code
	UserID *string
}

// IssuedMembership is a freshly created membership and its plaintext code.
// The code is only ever returned here and from RegenerateCode.
type IssuedMembership struct {
	Membership *models.Membership `json:"membership"`
	ClaimCode  string             `json:"claim_code,omitempty"`
}

// VerificationResult is the public projection of an unclaimed code
type VerificationResult struct {
	Valid         bool      `json:"valid"`
	DisplayName   *string   `json:"display_name"`
	CommunityID   uuid.UUID `json:"community_id"`
	CommunityName string    `json:"community_name"`
	MemberID      string    `json:"member_id"`
	Section       string    `json:"section,omitempty"`
}

// ClaimService owns the claim code lifecycle of memberships
type ClaimService struct {
	memberships  MembershipStore
	communities  CommunityStore
	events       EventPublisher
	metrics      *metrics.Metrics
	clock        Clock
	generateCode CodeGenerator
	maxAttempts  int
	logger       *logrus.Entry

	inflight sync.WaitGroup
}

// ClaimServiceOption customizes a ClaimService
type ClaimServiceOption func(*ClaimService)

// WithClock overrides the clock used for claim timestamps
func WithClock(clock Clock) ClaimServiceOption {
	return func(s *ClaimService) { s.clock = clock }
}

// WithCodeGenerator overrides the random code source
func WithCodeGenerator(gen CodeGenerator) ClaimServiceOption {
	return func(s *ClaimService) { s.generateCode = gen }
}

// WithMaxCodeAttempts overrides the collision retry budget
func WithMaxCodeAttempts(n int) ClaimServiceOption {
	return func(s *ClaimService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithEventPublisher attaches a publisher for member events
func WithEventPublisher(events EventPublisher) ClaimServiceOption {
	return func(s *ClaimService) { s.events = events }
}

// WithMetrics attaches business metrics
func WithMetrics(m *metrics.Metrics) ClaimServiceOption {
	return func(s *ClaimService) { s.metrics = m }
}

// NewClaimService creates a new claim service
func NewClaimService(memberships MembershipStore, communities CommunityStore, logger *logrus.Logger, opts ...ClaimServiceOption) *ClaimService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &ClaimService{
		memberships:  memberships,
		communities:  communities,
		clock:        SystemClock{},
		generateCode: GenerateClaimCode,
		maxAttempts:  DefaultMaxCodeAttempts,
		logger:       logger.WithField("component", "claim_service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================================
// Code Issuance
// ============================================================================

// GenerateCode creates a membership in the unclaimed state with a fresh claim code.
// It performs no quota check; callers that add billable members go through CreateMember.
func (s *ClaimService) GenerateCode(ctx context.Context, communityID uuid.UUID, draft MembershipDraft) (*IssuedMembership, error) {
	return s.issue(ctx, communityID, draft, nil)
}

// issue creates the membership. beforeInsert runs once the member id is minted,
// as the last check ahead of the insert.
func (s *ClaimService) issue(ctx context.Context, communityID uuid.UUID, draft MembershipDraft, beforeInsert func(ctx context.Context) error) (*IssuedMembership, error) {
	if err := validateDraft(&draft); err != nil {
		return nil, err
	}

	community, err := s.communities.GetCommunityByID(ctx, communityID)
	if err != nil {
		return nil, mapRepositoryError(err)
	}

	memberID := draft.MemberID
	if memberID == "" {
		seq, err := s.communities.NextMemberSequence(ctx, communityID)
		if err != nil {
			return nil, mapRepositoryError(err)
		}
		memberID = formatMemberID(community, s.clock.Now(), seq)
	}

	if beforeInsert != nil {
		if err := beforeInsert(ctx); err != nil {
			return nil, err
		}
	}

	membership := &models.Membership{
		CommunityID:        communityID,
		MemberID:           memberID,
		DisplayName:        draft.DisplayName,
		Email:              draft.Email,
		Section:            draft.Section,
		Role:               draft.Role.Role,
		AdminRole:          draft.Role.AdminRole,
		Status:             models.MembershipStatusActive,
		ContributionStatus: draft.Role.DefaultContributionStatus(),
	}

	if draft.UserID != nil {
		membership.UserID = draft.UserID
		if err := s.memberships.CreateMembership(ctx, membership); err != nil {
			return nil, mapRepositoryError(err)
		}
		membership.Community = community
		s.logger.WithFields(logrus.Fields{
			"community_id":  communityID,
			"membership_id": membership.ID,
			"member_id":     memberID,
		}).Info("Bound membership created")
		s.publishCreated(community, membership, "")
		return &IssuedMembership{Membership: membership}, nil
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		code, err := s.generateCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate claim code: %w", err)
		}

		exists, err := s.memberships.ClaimCodeExists(ctx, code)
		if err != nil {
			return nil, err
		}
		if exists {
			s.metrics.RecordCodeCollision()
			s.logger.WithField("attempt", attempt).Warn("Claim code collision, retrying")
			continue
		}

		candidate := *membership
		candidate.ClaimCode = &code
		if err := s.memberships.CreateMembership(ctx, &candidate); err != nil {
			if errors.Is(err, repository.ErrDuplicateClaimCode) {
				s.metrics.RecordCodeCollision()
				s.logger.WithField("attempt", attempt).Warn("Claim code taken concurrently, retrying")
				continue
			}
			return nil, mapRepositoryError(err)
		}

		candidate.Community = community
		s.metrics.RecordCodeGenerated(string(candidate.Role))
		s.logger.WithFields(logrus.Fields{
			"community_id":  communityID,
			"membership_id": candidate.ID,
			"member_id":     memberID,
			"attempts":      attempt,
		}).Info("Claim code issued")

		formatted := models.FormatClaimCode(code)
		s.publishCreated(community, &candidate, formatted)
		return &IssuedMembership{Membership: &candidate, ClaimCode: formatted}, nil
	}

	s.logger.WithField("community_id", communityID).Error("Claim code generation exhausted")
	return nil, ErrCodeGenerationExhausted
}

// RegenerateCode replaces the code of a membership that has not been claimed yet
func (s *ClaimService) RegenerateCode(ctx context.Context, membershipID uuid.UUID) (*IssuedMembership, error) {
	membership, err := s.memberships.GetMembershipByID(ctx, membershipID)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	if membership.IsClaimed() {
		return nil, ErrAlreadyClaimed
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		code, err := s.generateCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate claim code: %w", err)
		}
		exists, err := s.memberships.ClaimCodeExists(ctx, code)
		if err != nil {
			return nil, err
		}
		if exists {
			s.metrics.RecordCodeCollision()
			continue
		}
		if err := s.memberships.ReplaceClaimCode(ctx, membershipID, code); err != nil {
			if errors.Is(err, repository.ErrDuplicateClaimCode) {
				s.metrics.RecordCodeCollision()
				continue
			}
			return nil, mapRepositoryError(err)
		}

		membership.ClaimCode = &code
		s.metrics.RecordCodeGenerated(string(membership.Role))
		s.logger.WithField("membership_id", membershipID).Info("Claim code regenerated")

		formatted := models.FormatClaimCode(code)
		s.publishCreated(membership.Community, membership, formatted)
		return &IssuedMembership{Membership: membership, ClaimCode: formatted}, nil
	}

	return nil, ErrCodeGenerationExhausted
}

// ============================================================================
// Verification and Claim
// ============================================================================

// VerifyCode reports what a code would bind to without changing anything
func (s *ClaimService) VerifyCode(ctx context.Context, rawCode string) (*VerificationResult, error) {
	code, err := normalizeForLookup(rawCode)
	if err != nil {
		return nil, err
	}

	membership, err := s.memberships.GetMembershipByClaimCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.RecordVerification("not_found")
			return nil, ErrNotFound
		}
		return nil, err
	}
	if membership.IsClaimed() {
		s.metrics.RecordVerification("already_claimed")
		return nil, ErrAlreadyClaimed
	}

	result := &VerificationResult{
		Valid:       true,
		CommunityID: membership.CommunityID,
		MemberID:    membership.MemberID,
		Section:     membership.Section,
	}
	if membership.DisplayName != "" {
		name := membership.DisplayName
		result.DisplayName = &name
	}
	if membership.Community != nil {
		result.CommunityName = membership.Community.Name
	}

	s.metrics.RecordVerification("valid")
	return result, nil
}

// ClaimCode redeems a code for an account. At most one concurrent caller succeeds per code.
func (s *ClaimService) ClaimCode(ctx context.Context, rawCode, accountID string) (*models.Membership, error) {
	code, err := normalizeForLookup(rawCode)
	if err != nil {
		return nil, err
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, NewValidationError("account_id", "account id is required", nil)
	}

	membership, err := s.memberships.ClaimMembership(ctx, code, accountID, s.clock.Now())
	if err != nil {
		mapped := mapClaimError(err)
		if serviceErr, ok := IsServiceError(mapped); ok {
			s.metrics.RecordClaim(serviceErr.Code)
		}
		s.logger.WithError(err).WithField("account_id", accountID).Info("Claim rejected")
		return nil, mapped
	}

	s.metrics.RecordClaim("claimed")
	s.logger.WithFields(logrus.Fields{
		"community_id":  membership.CommunityID,
		"membership_id": membership.ID,
		"account_id":    accountID,
	}).Info("Membership claimed")

	if s.events != nil {
		event := &nats.MemberClaimedEvent{
			CommunityID:  membership.CommunityID.String(),
			MembershipID: membership.ID.String(),
			MemberID:     membership.MemberID,
			AccountID:    accountID,
			ClaimedAt:    *membership.ClaimedAt,
		}
		s.publish(func(ctx context.Context) error { return s.events.PublishMemberClaimed(ctx, event) })
	}

	return membership, nil
}

// ============================================================================
// Admin Views
// ============================================================================

// GetMembership returns a membership including its claim state
func (s *ClaimService) GetMembership(ctx context.Context, id uuid.UUID) (*models.Membership, error) {
	membership, err := s.memberships.GetMembershipByID(ctx, id)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	return membership, nil
}

// UpdateStatus transitions the membership status. Claim state is never touched.
func (s *ClaimService) UpdateStatus(ctx context.Context, id uuid.UUID, status models.MembershipStatus) (*models.Membership, error) {
	if !status.IsValid() {
		return nil, NewValidationError("status", "status must be one of active, expired, suspended", nil)
	}
	if err := s.memberships.UpdateStatus(ctx, id, status); err != nil {
		return nil, mapRepositoryError(err)
	}
	s.logger.WithFields(logrus.Fields{
		"membership_id": id,
		"status":        status,
	}).Info("Membership status updated")
	return s.GetMembership(ctx, id)
}

// ListCommunityMemberships pages through a community's memberships
func (s *ClaimService) ListCommunityMemberships(ctx context.Context, communityID uuid.UUID, filter repository.MembershipFilter) ([]models.Membership, int64, error) {
	if _, err := s.communities.GetCommunityByID(ctx, communityID); err != nil {
		return nil, 0, mapRepositoryError(err)
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, 0, NewValidationError("status", "status must be one of active, expired, suspended", nil)
	}
	memberships, total, err := s.memberships.GetCommunityMemberships(ctx, communityID, filter)
	if err != nil {
		return nil, 0, err
	}
	return memberships, total, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (s *ClaimService) publishCreated(community *models.Community, membership *models.Membership, code string) {
	if s.events == nil {
		return
	}
	event := &nats.MemberCreatedEvent{
		CommunityID:  membership.CommunityID.String(),
		MembershipID: membership.ID.String(),
		MemberID:     membership.MemberID,
		DisplayName:  membership.DisplayName,
		Email:        membership.Email,
		Role:         string(membership.Role),
		ClaimCode:    code,
	}
	if community != nil {
		event.CommunityName = community.Name
	}
	s.publish(func(ctx context.Context) error { return s.events.PublishMemberCreated(ctx, event) })
}

// publish sends the event in the background so a bus outage never fails the caller
func (s *ClaimService) publish(fn func(ctx context.Context) error) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.WithError(err).Warn("Failed to publish membership event")
		}
	}()
}

// WaitForEvents blocks until every event handed to the publisher has been sent or dropped
func (s *ClaimService) WaitForEvents() {
	s.inflight.Wait()
}

func validateDraft(draft *MembershipDraft) error {
	draft.DisplayName = strings.TrimSpace(draft.DisplayName)
	draft.Email = strings.TrimSpace(draft.Email)
	draft.Section = strings.TrimSpace(draft.Section)
	draft.MemberID = strings.TrimSpace(draft.MemberID)

	if draft.DisplayName == "" {
		return NewValidationError("display_name", "display name is required", nil)
	}
	if draft.Role.Role == "" {
		draft.Role = models.MemberRole()
	}
	if err := draft.Role.Validate(); err != nil {
		return NewValidationError("role", err.Error(), nil)
	}
	if draft.Role.HasGlobalScope() {
		draft.Section = ""
	}
	if draft.UserID != nil {
		trimmed := strings.TrimSpace(*draft.UserID)
		if trimmed == "" {
			draft.UserID = nil
		} else {
			draft.UserID = &trimmed
		}
	}
	return nil
}

// normalizeForLookup rejects empty input; any other malformed value is simply not found
func normalizeForLookup(rawCode string) (string, error) {
	if strings.TrimSpace(rawCode) == "" {
		return "", NewValidationError("claim_code", "claim code is required", nil)
	}
	code := NormalizeClaimCode(rawCode)
	if len(code) != models.ClaimCodeLength {
		return "", ErrNotFound
	}
	return code, nil
}

// formatMemberID renders PREFIX-YEAR-SEQ, falling back to the slug when no prefix is configured
func formatMemberID(community *models.Community, now time.Time, seq int64) string {
	prefix := strings.ToUpper(strings.TrimSpace(community.MemberIDPrefix))
	if prefix == "" {
		prefix = strings.ToUpper(community.Slug)
	}
	return fmt.Sprintf("%s-%d-%04d", prefix, now.Year(), seq)
}

func mapClaimError(err error) error {
	switch {
	case errors.Is(err, repository.ErrMembershipNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrClaimConflict):
		return ErrAlreadyClaimed
	case errors.Is(err, repository.ErrAccountAlreadyMember):
		return ErrAccountAlreadyMember
	default:
		return mapRepositoryError(err)
	}
}

// mapRepositoryError converts repository sentinels into service errors
func mapRepositoryError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrMembershipNotFound):
		return ErrMembershipNotFound
	case errors.Is(err, repository.ErrCommunityNotFound):
		return ErrCommunityNotFound
	case errors.Is(err, repository.ErrPlanNotFound):
		return ErrPlanNotFound
	case errors.Is(err, repository.ErrDuplicateMemberID):
		return ErrMemberIDTaken
	case errors.Is(err, repository.ErrClaimConflict):
		return ErrAlreadyClaimed
	case errors.Is(err, repository.ErrAccountAlreadyMember):
		return ErrAccountAlreadyMember
	default:
		return err
	}
}
