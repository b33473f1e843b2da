package repository

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is the parent of every lookup failure returned by this package
	ErrNotFound = errors.New("record not found")

	ErrMembershipNotFound = fmt.Errorf("membership %w", ErrNotFound)
	ErrCommunityNotFound  = fmt.Errorf("community %w", ErrNotFound)
	ErrPlanNotFound       = fmt.Errorf("plan %w", ErrNotFound)

	// ErrClaimConflict means the membership was already claimed or bound to an owner
	ErrClaimConflict = errors.New("membership already claimed")
	// ErrAccountAlreadyMember means the account already holds an active membership in the community
	ErrAccountAlreadyMember = errors.New("account already holds an active membership in community")

	// ErrDuplicateKey is the parent of unique constraint violations
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrDuplicateClaimCode = fmt.Errorf("claim code: %w", ErrDuplicateKey)
	ErrDuplicateMemberID  = fmt.Errorf("member id: %w", ErrDuplicateKey)
	ErrDuplicateCommunity = fmt.Errorf("community slug: %w", ErrDuplicateKey)
)

// translateCreateError maps unique constraint violations from postgres and sqlite
// onto the package sentinels. Other errors are returned unchanged.
func translateCreateError(err error) error {
	if err == nil {
		return nil
	}
	if !isDuplicateKey(err) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "claim_code"):
		return ErrDuplicateClaimCode
	case strings.Contains(msg, "member_id"):
		return ErrDuplicateMemberID
	case strings.Contains(msg, "slug"):
		return ErrDuplicateCommunity
	default:
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
