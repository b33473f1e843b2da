package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/StudioEly/koomy-saas2-sub001/internal/models"
)

// MembershipRepository handles membership database operations
type MembershipRepository struct {
	db *gorm.DB
}

// NewMembershipRepository creates a new membership repository
func NewMembershipRepository(db *gorm.DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

// MembershipFilter narrows community membership listings
type MembershipFilter struct {
	Status  models.MembershipStatus
	Section string
	Role    models.MembershipRole
	Claimed *bool
	Limit   int
	Offset  int
}

// ============================================================================
// Membership Operations
// ============================================================================

// CreateMembership inserts a new membership.
// Unique violations come back as ErrDuplicateClaimCode or ErrDuplicateMemberID.
func (r *MembershipRepository) CreateMembership(ctx context.Context, membership *models.Membership) error {
	if err := r.db.WithContext(ctx).Create(membership).Error; err != nil {
		if translated := translateCreateError(err); errors.Is(translated, ErrDuplicateKey) {
			return translated
		}
		return fmt.Errorf("failed to create membership: %w", err)
	}
	return nil
}

// GetMembershipByID retrieves a membership with its community
func (r *MembershipRepository) GetMembershipByID(ctx context.Context, id uuid.UUID) (*models.Membership, error) {
	var membership models.Membership
	if err := r.db.WithContext(ctx).
		Preload("Community").
		First(&membership, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMembershipNotFound
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return &membership, nil
}

// GetMembershipByClaimCode retrieves a membership by its normalized claim code
func (r *MembershipRepository) GetMembershipByClaimCode(ctx context.Context, code string) (*models.Membership, error) {
	var membership models.Membership
	if err := r.db.WithContext(ctx).
		Preload("Community").
		Where("claim_code = ?", code).
		First(&membership).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMembershipNotFound
		}
		return nil, fmt.Errorf("failed to get membership by claim code: %w", err)
	}
	return &membership, nil
}

// ClaimCodeExists reports whether any membership, claimed or not, carries the code
func (r *MembershipRepository) ClaimCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("claim_code = ?", code).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check claim code: %w", err)
	}
	return count > 0, nil
}

// ClaimMembership binds an unclaimed membership to an account in one transaction.
// The owning community row is locked so concurrent claims into the same community serialize.
func (r *MembershipRepository) ClaimMembership(ctx context.Context, code, accountID string, claimedAt time.Time) (*models.Membership, error) {
	var membership models.Membership

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("claim_code = ?", code).First(&membership).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMembershipNotFound
			}
			return fmt.Errorf("failed to load membership: %w", err)
		}
		if membership.IsClaimed() {
			return ErrClaimConflict
		}

		var community models.Community
		if err := lockForUpdate(tx).First(&community, "id = ?", membership.CommunityID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCommunityNotFound
			}
			return fmt.Errorf("failed to lock community: %w", err)
		}

		var existing int64
		if err := tx.Model(&models.Membership{}).
			Where("community_id = ? AND account_id = ? AND status = ?", membership.CommunityID, accountID, models.MembershipStatusActive).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("failed to check existing membership: %w", err)
		}
		if existing > 0 {
			return ErrAccountAlreadyMember
		}

		result := tx.Model(&models.Membership{}).
			Where("id = ? AND claimed_at IS NULL AND account_id IS NULL AND user_id IS NULL", membership.ID).
			Updates(map[string]interface{}{
				"account_id": accountID,
				"claimed_at": claimedAt,
				"updated_at": claimedAt,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to claim membership: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrClaimConflict
		}

		return tx.Preload("Community").First(&membership, "id = ?", membership.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &membership, nil
}

// ReplaceClaimCode swaps the code of a still-unclaimed membership
func (r *MembershipRepository) ReplaceClaimCode(ctx context.Context, id uuid.UUID, code string) error {
	result := r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("id = ? AND claimed_at IS NULL AND account_id IS NULL AND user_id IS NULL", id).
		Updates(map[string]interface{}{
			"claim_code": code,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		if translated := translateCreateError(result.Error); errors.Is(translated, ErrDuplicateKey) {
			return translated
		}
		return fmt.Errorf("failed to replace claim code: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrClaimConflict
	}
	return nil
}

// UpdateStatus changes the lifecycle status without touching claim state.
// Reactivating a claimed membership fails when its account already holds another active one in the community.
func (r *MembershipRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.MembershipStatus) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var membership models.Membership
		if err := tx.First(&membership, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMembershipNotFound
			}
			return fmt.Errorf("failed to load membership: %w", err)
		}

		if status == models.MembershipStatusActive && membership.Status != models.MembershipStatusActive && membership.AccountID != nil {
			var community models.Community
			if err := lockForUpdate(tx).First(&community, "id = ?", membership.CommunityID).Error; err != nil {
				return fmt.Errorf("failed to lock community: %w", err)
			}

			var existing int64
			if err := tx.Model(&models.Membership{}).
				Where("community_id = ? AND account_id = ? AND status = ? AND id <> ?",
					membership.CommunityID, *membership.AccountID, models.MembershipStatusActive, membership.ID).
				Count(&existing).Error; err != nil {
				return fmt.Errorf("failed to check existing membership: %w", err)
			}
			if existing > 0 {
				return ErrAccountAlreadyMember
			}
		}

		if err := tx.Model(&models.Membership{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":     status,
				"updated_at": time.Now(),
			}).Error; err != nil {
			return fmt.Errorf("failed to update membership status: %w", err)
		}
		return nil
	})
}

// GetCommunityMemberships lists memberships of a community, newest first
func (r *MembershipRepository) GetCommunityMemberships(ctx context.Context, communityID uuid.UUID, filter MembershipFilter) ([]models.Membership, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Membership{}).Where("community_id = ?", communityID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Section != "" {
		query = query.Where("section = ?", filter.Section)
	}
	if filter.Role != "" {
		query = query.Where("role = ?", filter.Role)
	}
	if filter.Claimed != nil {
		if *filter.Claimed {
			query = query.Where("claimed_at IS NOT NULL OR account_id IS NOT NULL OR user_id IS NOT NULL")
		} else {
			query = query.Where("claimed_at IS NULL AND account_id IS NULL AND user_id IS NULL")
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count community memberships: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var memberships []models.Membership
	if err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&memberships).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to get community memberships: %w", err)
	}
	return memberships, total, nil
}

// ============================================================================
// Statistics
// ============================================================================

// CountBillableMembers returns the number of memberships that count against the plan ceiling
func (r *MembershipRepository) CountBillableMembers(ctx context.Context, communityID uuid.UUID) (int64, error) {
	return countBillable(r.db.WithContext(ctx), communityID)
}

// BillableCount is one row of the per-community usage aggregate
type BillableCount struct {
	CommunityID uuid.UUID
	Count       int64
}

// CountBillableMembersByCommunity aggregates billable counts for every community with members
func (r *MembershipRepository) CountBillableMembersByCommunity(ctx context.Context) ([]BillableCount, error) {
	var rows []BillableCount
	if err := r.db.WithContext(ctx).Model(&models.Membership{}).
		Select("community_id, COUNT(*) AS count").
		Where("role = ? AND status <> ?", models.RoleMember, models.MembershipStatusSuspended).
		Group("community_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count billable members: %w", err)
	}
	return rows, nil
}

func countBillable(db *gorm.DB, communityID uuid.UUID) (int64, error) {
	var count int64
	if err := db.Model(&models.Membership{}).
		Where("community_id = ? AND role = ? AND status <> ?", communityID, models.RoleMember, models.MembershipStatusSuspended).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count billable members: %w", err)
	}
	return count, nil
}

// lockForUpdate adds SELECT ... FOR UPDATE where the dialect supports it
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
