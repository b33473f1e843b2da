package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/StudioEly/koomy-saas2-sub001/internal/metrics"
	"github.com/StudioEly/koomy-saas2-sub001/internal/models"
	"github.com/StudioEly/koomy-saas2-sub001/internal/nats"
	"github.com/StudioEly/koomy-saas2-sub001/internal/repository"
)

// CommunityStore is the community and plan persistence used by the services
type CommunityStore interface {
	GetCommunityByID(ctx context.Context, id uuid.UUID) (*models.Community, error)
	NextMemberSequence(ctx context.Context, communityID uuid.UUID) (int64, error)
	ChangePlan(ctx context.Context, communityID uuid.UUID, targetPlanID string, guard repository.PlanChangeGuard) (*models.Community, error)
	GetActivePlans(ctx context.Context) ([]models.Plan, error)
	GetAllCommunities(ctx context.Context) ([]models.Community, error)
}

// QuotaStatus is the result of a quota check
type QuotaStatus struct {
	CanAdd  bool   `json:"can_add"`
	Current int64  `json:"current"`
	Max     *int   `json:"max"`
	PlanID  string `json:"plan_id"`
}

// CommunityUsage is a point-in-time view of one community's plan consumption
type CommunityUsage struct {
	CommunityID uuid.UUID `json:"community_id"`
	PlanID      string    `json:"plan_id"`
	Billable    int64     `json:"billable"`
	Max         *int      `json:"max"`
}

// PlanSummary is a catalog entry as shown to community admins
type PlanSummary struct {
	models.Plan
	RequiresContact bool `json:"requires_contact"`
}

// QuotaService enforces plan member ceilings
type QuotaService struct {
	memberships MembershipStore
	communities CommunityStore
	events      EventPublisher
	metrics     *metrics.Metrics
	logger      *logrus.Entry
}

// NewQuotaService creates a new quota service. events and m may be nil.
func NewQuotaService(memberships MembershipStore, communities CommunityStore, events EventPublisher, m *metrics.Metrics, logger *logrus.Logger) *QuotaService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &QuotaService{
		memberships: memberships,
		communities: communities,
		events:      events,
		metrics:     m,
		logger:      logger.WithField("component", "quota_service"),
	}
}

// CheckQuota computes whether one more billable member fits the community plan.
// The count is taken fresh on every call.
func (s *QuotaService) CheckQuota(ctx context.Context, communityID uuid.UUID) (*QuotaStatus, error) {
	community, err := s.communities.GetCommunityByID(ctx, communityID)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	if community.Plan == nil {
		return nil, ErrPlanNotFound
	}

	current, err := s.memberships.CountBillableMembers(ctx, communityID)
	if err != nil {
		return nil, err
	}

	status := &QuotaStatus{
		CanAdd:  true,
		Current: current,
		Max:     community.Plan.MaxMembers,
		PlanID:  community.PlanID,
	}
	if status.Max != nil {
		status.CanAdd = current < int64(*status.Max)
	}
	return status, nil
}

// ChangePlan moves a community to another plan.
// Downgrades are refused while the community holds more billable members than the target allows.
func (s *QuotaService) ChangePlan(ctx context.Context, communityID uuid.UUID, newPlanID string) (*models.Community, error) {
	if newPlanID == "" {
		return nil, NewValidationError("plan_id", "plan id is required", nil)
	}

	var (
		fromPlan  string
		direction string
	)
	community, err := s.communities.ChangePlan(ctx, communityID, newPlanID,
		func(current, target *models.Plan, countBillable func() (int64, error)) error {
			fromPlan = current.ID
			if target.RequiresContact() {
				return ErrCustomPlanRequiresContact
			}
			if target.SortOrder > current.SortOrder {
				direction = "upgrade"
				return nil
			}
			direction = "downgrade"
			if target.MaxMembers == nil {
				return nil
			}
			count, err := countBillable()
			if err != nil {
				return err
			}
			if count > int64(*target.MaxMembers) {
				return NewQuotaExceededError(count, *target.MaxMembers)
			}
			return nil
		})
	if err != nil {
		mapped := mapRepositoryError(err)
		if serviceErr, ok := IsServiceError(mapped); ok {
			if serviceErr.Code == CodeQuotaExceeded {
				s.metrics.RecordQuotaRejection("change_plan")
			}
			s.logger.WithFields(logrus.Fields{
				"community_id": communityID,
				"plan_id":      newPlanID,
				"code":         serviceErr.Code,
			}).Info("Plan change rejected")
		}
		return nil, mapped
	}

	s.metrics.RecordPlanChange(direction)
	s.logger.WithFields(logrus.Fields{
		"community_id": communityID,
		"from_plan":    fromPlan,
		"to_plan":      community.PlanID,
		"direction":    direction,
	}).Info("Community plan changed")

	if s.events != nil {
		event := &nats.PlanChangedEvent{
			CommunityID: communityID.String(),
			FromPlanID:  fromPlan,
			ToPlanID:    community.PlanID,
			Direction:   direction,
		}
		go func() {
			pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			if err := s.events.PublishPlanChanged(pubCtx, event); err != nil {
				s.logger.WithError(err).Warn("Failed to publish plan changed event")
			}
		}()
	}

	return community, nil
}

// ListPlans returns the active catalog in upgrade order
func (s *QuotaService) ListPlans(ctx context.Context) ([]PlanSummary, error) {
	plans, err := s.communities.GetActivePlans(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]PlanSummary, 0, len(plans))
	for i := range plans {
		summaries = append(summaries, PlanSummary{
			Plan:            plans[i],
			RequiresContact: plans[i].RequiresContact(),
		})
	}
	return summaries, nil
}

// UsageSnapshot reports billable counts for every community. It never enforces anything.
func (s *QuotaService) UsageSnapshot(ctx context.Context) ([]CommunityUsage, error) {
	communities, err := s.communities.GetAllCommunities(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.memberships.CountBillableMembersByCommunity(ctx)
	if err != nil {
		return nil, err
	}

	byCommunity := make(map[uuid.UUID]int64, len(counts))
	for _, row := range counts {
		byCommunity[row.CommunityID] = row.Count
	}

	usage := make([]CommunityUsage, 0, len(communities))
	for _, community := range communities {
		entry := CommunityUsage{
			CommunityID: community.ID,
			PlanID:      community.PlanID,
			Billable:    byCommunity[community.ID],
		}
		if community.Plan != nil {
			entry.Max = community.Plan.MaxMembers
		}
		usage = append(usage, entry)
	}
	return usage, nil
}
