package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/StudioEly/koomy-saas2-sub001/internal/models"
)

// CommunityRepository handles community and plan catalog database operations
type CommunityRepository struct {
	db *gorm.DB
}

// NewCommunityRepository creates a new community repository
func NewCommunityRepository(db *gorm.DB) *CommunityRepository {
	return &CommunityRepository{db: db}
}

// PlanChangeGuard decides whether a community may move from current to target.
// countBillable runs inside the plan change transaction.
type PlanChangeGuard func(current, target *models.Plan, countBillable func() (int64, error)) error

// ============================================================================
// Community Operations
// ============================================================================

// CreateCommunity inserts a new community
func (r *CommunityRepository) CreateCommunity(ctx context.Context, community *models.Community) error {
	if err := r.db.WithContext(ctx).Create(community).Error; err != nil {
		if translated := translateCreateError(err); errors.Is(translated, ErrDuplicateKey) {
			return translated
		}
		return fmt.Errorf("failed to create community: %w", err)
	}
	return nil
}

// GetCommunityByID retrieves a community with its plan
func (r *CommunityRepository) GetCommunityByID(ctx context.Context, id uuid.UUID) (*models.Community, error) {
	var community models.Community
	if err := r.db.WithContext(ctx).
		Preload("Plan").
		First(&community, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCommunityNotFound
		}
		return nil, fmt.Errorf("failed to get community: %w", err)
	}
	return &community, nil
}

// GetCommunityBySlug retrieves a community by its slug
func (r *CommunityRepository) GetCommunityBySlug(ctx context.Context, slug string) (*models.Community, error) {
	var community models.Community
	if err := r.db.WithContext(ctx).
		Preload("Plan").
		Where("slug = ?", slug).
		First(&community).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCommunityNotFound
		}
		return nil, fmt.Errorf("failed to get community by slug: %w", err)
	}
	return &community, nil
}

// GetAllCommunities retrieves every community with its plan
func (r *CommunityRepository) GetAllCommunities(ctx context.Context) ([]models.Community, error) {
	var communities []models.Community
	if err := r.db.WithContext(ctx).
		Preload("Plan").
		Order("created_at ASC").
		Find(&communities).Error; err != nil {
		return nil, fmt.Errorf("failed to get communities: %w", err)
	}
	return communities, nil
}

// NextMemberSequence atomically increments and returns the community member counter
func (r *CommunityRepository) NextMemberSequence(ctx context.Context, communityID uuid.UUID) (int64, error) {
	var seq int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Community{}).
			Where("id = ?", communityID).
			UpdateColumn("member_seq", gorm.Expr("member_seq + ?", 1))
		if result.Error != nil {
			return fmt.Errorf("failed to increment member sequence: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrCommunityNotFound
		}
		return tx.Model(&models.Community{}).
			Where("id = ?", communityID).
			Pluck("member_seq", &seq).Error
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ChangePlan moves a community to targetPlanID if guard allows it.
// The community row is locked and the billable count is taken in the same transaction as the update.
func (r *CommunityRepository) ChangePlan(ctx context.Context, communityID uuid.UUID, targetPlanID string, guard PlanChangeGuard) (*models.Community, error) {
	var community models.Community

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).First(&community, "id = ?", communityID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCommunityNotFound
			}
			return fmt.Errorf("failed to lock community: %w", err)
		}

		var target models.Plan
		if err := tx.Where("id = ? AND is_active = ?", targetPlanID, true).First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPlanNotFound
			}
			return fmt.Errorf("failed to get target plan: %w", err)
		}

		var current models.Plan
		if err := tx.First(&current, "id = ?", community.PlanID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPlanNotFound
			}
			return fmt.Errorf("failed to get current plan: %w", err)
		}

		if err := guard(&current, &target, func() (int64, error) {
			return countBillable(tx, communityID)
		}); err != nil {
			return err
		}

		if err := tx.Model(&models.Community{}).
			Where("id = ?", communityID).
			Update("plan_id", target.ID).Error; err != nil {
			return fmt.Errorf("failed to update community plan: %w", err)
		}

		return tx.Preload("Plan").First(&community, "id = ?", communityID).Error
	})
	if err != nil {
		return nil, err
	}
	return &community, nil
}

// ============================================================================
// Plan Catalog
// ============================================================================

// GetPlanByID retrieves a plan regardless of its active flag
func (r *CommunityRepository) GetPlanByID(ctx context.Context, id string) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).First(&plan, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &plan, nil
}

// GetActivePlans lists the active catalog in sort order
func (r *CommunityRepository) GetActivePlans(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("sort_order ASC").
		Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("failed to get plans: %w", err)
	}
	return plans, nil
}

// SeedPlans inserts catalog entries that do not exist yet
func (r *CommunityRepository) SeedPlans(ctx context.Context, plans []models.Plan) error {
	if len(plans) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&plans).Error; err != nil {
		return fmt.Errorf("failed to seed plans: %w", err)
	}
	return nil
}
