package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/StudioEly/koomy-saas2-sub001/internal/metrics"
	"github.com/StudioEly/koomy-saas2-sub001/internal/models"
	"github.com/StudioEly/koomy-saas2-sub001/internal/repository"
)

// Actor identifies who is asking to create or manage a membership
type Actor struct {
	MembershipID  *uuid.UUID
	PlatformOwner bool
}

// MembershipService orchestrates member creation across the quota guard and the claim registry
type MembershipService struct {
	claims      *ClaimService
	quotas      *QuotaService
	memberships MembershipStore
	metrics     *metrics.Metrics
	logger      *logrus.Entry
}

// NewMembershipService creates a new membership service
func NewMembershipService(claims *ClaimService, quotas *QuotaService, memberships MembershipStore, m *metrics.Metrics, logger *logrus.Logger) *MembershipService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MembershipService{
		claims:      claims,
		quotas:      quotas,
		memberships: memberships,
		metrics:     m,
		logger:      logger.WithField("component", "membership_service"),
	}
}

// CreateMember authorizes the actor, checks the plan ceiling for billable drafts and issues the membership.
// A nil actor means a trusted internal caller such as the bulk importer.
func (s *MembershipService) CreateMember(ctx context.Context, communityID uuid.UUID, draft MembershipDraft, actor *Actor) (*IssuedMembership, error) {
	if draft.Role.Role == "" {
		draft.Role = models.MemberRole()
	}
	if err := draft.Role.Validate(); err != nil {
		return nil, NewValidationError("role", err.Error(), nil)
	}

	if err := s.authorize(ctx, communityID, draft.Role, draft.Section, actor); err != nil {
		return nil, err
	}

	var quotaGuard func(ctx context.Context) error
	if draft.Role.IsBillable() {
		quotaGuard = func(ctx context.Context) error { return s.checkQuota(ctx, communityID) }
	}
	return s.claims.issue(ctx, communityID, draft, quotaGuard)
}

// GetMembership returns a membership the actor is allowed to manage
func (s *MembershipService) GetMembership(ctx context.Context, id uuid.UUID, actor *Actor) (*models.Membership, error) {
	return s.authorizedTarget(ctx, id, actor)
}

// RegenerateCode reissues the code of an unclaimed membership the actor manages
func (s *MembershipService) RegenerateCode(ctx context.Context, id uuid.UUID, actor *Actor) (*IssuedMembership, error) {
	if _, err := s.authorizedTarget(ctx, id, actor); err != nil {
		return nil, err
	}
	return s.claims.RegenerateCode(ctx, id)
}

// UpdateStatus changes the status of a membership the actor manages
func (s *MembershipService) UpdateStatus(ctx context.Context, id uuid.UUID, status models.MembershipStatus, actor *Actor) (*models.Membership, error) {
	if _, err := s.authorizedTarget(ctx, id, actor); err != nil {
		return nil, err
	}
	return s.claims.UpdateStatus(ctx, id, status)
}

// ListCommunityMemberships pages through the memberships visible to the actor.
// Section admins only see their own section.
func (s *MembershipService) ListCommunityMemberships(ctx context.Context, communityID uuid.UUID, filter repository.MembershipFilter, actor *Actor) ([]models.Membership, int64, error) {
	admin, err := s.actingAdmin(ctx, communityID, actor)
	if err != nil {
		return nil, 0, err
	}
	if admin != nil && !admin.RoleSpec().HasGlobalScope() {
		if admin.Section == "" {
			return nil, 0, ErrForbidden
		}
		switch filter.Section {
		case "":
			filter.Section = admin.Section
		case admin.Section:
		default:
			return nil, 0, ErrForbidden
		}
	}
	return s.claims.ListCommunityMemberships(ctx, communityID, filter)
}

func (s *MembershipService) checkQuota(ctx context.Context, communityID uuid.UUID) error {
	quota, err := s.quotas.CheckQuota(ctx, communityID)
	if err != nil {
		return err
	}
	if quota.CanAdd {
		return nil
	}
	s.metrics.RecordQuotaRejection("create_member")
	s.logger.WithFields(logrus.Fields{
		"community_id": communityID,
		"current":      quota.Current,
		"max":          *quota.Max,
	}).Info("Member creation blocked by plan quota")
	return NewQuotaExceededError(quota.Current, *quota.Max)
}

// authorizedTarget loads a membership and checks the actor may manage it
func (s *MembershipService) authorizedTarget(ctx context.Context, id uuid.UUID, actor *Actor) (*models.Membership, error) {
	if actor != nil && !actor.PlatformOwner && actor.MembershipID == nil {
		return nil, ErrForbidden
	}
	target, err := s.memberships.GetMembershipByID(ctx, id)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	if err := s.authorize(ctx, target.CommunityID, target.RoleSpec(), target.Section, actor); err != nil {
		return nil, err
	}
	return target, nil
}

// authorize applies section scoping to the acting admin.
// Only global admins may manage admin memberships.
func (s *MembershipService) authorize(ctx context.Context, communityID uuid.UUID, role models.RoleSpec, section string, actor *Actor) error {
	admin, err := s.actingAdmin(ctx, communityID, actor)
	if err != nil || admin == nil {
		return err
	}
	if role.IsAdmin() && !admin.RoleSpec().HasGlobalScope() {
		return ErrForbidden
	}
	if !admin.CoversSection(section) {
		return ErrForbidden
	}
	return nil
}

// actingAdmin resolves the actor to an active admin of the community.
// It returns nil without error for trusted callers and platform owners.
func (s *MembershipService) actingAdmin(ctx context.Context, communityID uuid.UUID, actor *Actor) (*models.Membership, error) {
	if actor == nil || actor.PlatformOwner {
		return nil, nil
	}
	if actor.MembershipID == nil {
		return nil, ErrForbidden
	}

	admin, err := s.memberships.GetMembershipByID(ctx, *actor.MembershipID)
	if err != nil {
		if errors.Is(mapRepositoryError(err), ErrMembershipNotFound) {
			return nil, ErrForbidden
		}
		return nil, err
	}
	if admin.CommunityID != communityID || !admin.RoleSpec().IsAdmin() || admin.Status != models.MembershipStatusActive {
		return nil, ErrForbidden
	}
	return admin, nil
}
