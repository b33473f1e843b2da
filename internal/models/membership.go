package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MembershipRole is the coarse role of a membership within a community.
type MembershipRole string

const (
	RoleMember MembershipRole = "member"
	RoleAdmin  MembershipRole = "admin"
)

// AdminRole refines admin memberships.
// super_admin grants community-wide scope; every other admin role is section-scoped.
type AdminRole string

const (
	AdminRoleNone         AdminRole = ""
	AdminRoleSuperAdmin   AdminRole = "super_admin"
	AdminRoleSectionAdmin AdminRole = "section_admin"
	AdminRoleTreasurer    AdminRole = "treasurer"
	AdminRoleEditor       AdminRole = "editor"
)

// MembershipStatus is the lifecycle status of a membership, independent of claim state.
type MembershipStatus string

const (
	MembershipStatusActive    MembershipStatus = "active"
	MembershipStatusExpired   MembershipStatus = "expired"
	MembershipStatusSuspended MembershipStatus = "suspended"
)

// ContributionStatus tracks payment currency, not identity.
type ContributionStatus string

const (
	ContributionUpToDate ContributionStatus = "up_to_date"
	ContributionExpired  ContributionStatus = "expired"
	ContributionPending  ContributionStatus = "pending"
	ContributionLate     ContributionStatus = "late"
)

// IsValid reports whether s is a known membership status
func (s MembershipStatus) IsValid() bool {
	switch s {
	case MembershipStatusActive, MembershipStatusExpired, MembershipStatusSuspended:
		return true
	}
	return false
}

// RoleSpec is the validated pair (role, adminRole).
// Members never carry an admin role; admins always do.
type RoleSpec struct {
	Role      MembershipRole
	AdminRole AdminRole
}

// MemberRole returns the spec for a plain member
func MemberRole() RoleSpec {
	return RoleSpec{Role: RoleMember}
}

// AdminRoleSpec returns the spec for an admin with the given admin role
func AdminRoleSpec(adminRole AdminRole) RoleSpec {
	return RoleSpec{Role: RoleAdmin, AdminRole: adminRole}
}

// ParseRoleSpec builds a RoleSpec from raw request values. An empty role means member.
func ParseRoleSpec(role, adminRole string) (RoleSpec, error) {
	spec := RoleSpec{Role: MembershipRole(role), AdminRole: AdminRole(adminRole)}
	if spec.Role == "" {
		spec.Role = RoleMember
	}
	if err := spec.Validate(); err != nil {
		return RoleSpec{}, err
	}
	return spec, nil
}

// Validate checks the role/adminRole combination
func (r RoleSpec) Validate() error {
	switch r.Role {
	case RoleMember:
		if r.AdminRole != AdminRoleNone {
			return fmt.Errorf("admin role %q is not allowed for members", r.AdminRole)
		}
		return nil
	case RoleAdmin:
		switch r.AdminRole {
		case AdminRoleSuperAdmin, AdminRoleSectionAdmin, AdminRoleTreasurer, AdminRoleEditor:
			return nil
		case AdminRoleNone:
			return fmt.Errorf("admin memberships require an admin role")
		default:
			return fmt.Errorf("unknown admin role %q", r.AdminRole)
		}
	default:
		return fmt.Errorf("unknown role %q", r.Role)
	}
}

// IsAdmin reports whether the spec describes an admin
func (r RoleSpec) IsAdmin() bool {
	return r.Role == RoleAdmin
}

// HasGlobalScope reports whether the spec is exempt from section scoping
func (r RoleSpec) HasGlobalScope() bool {
	return r.Role == RoleAdmin && r.AdminRole == AdminRoleSuperAdmin
}

// IsBillable reports whether memberships with this spec count against the plan ceiling
func (r RoleSpec) IsBillable() bool {
	return r.Role == RoleMember
}

// DefaultContributionStatus returns the contribution status assigned at creation
func (r RoleSpec) DefaultContributionStatus() ContributionStatus {
	if r.Role == RoleMember {
		return ContributionPending
	}
	return ContributionUpToDate
}

// Membership binds one person to one community.
// Before a claim code is redeemed neither UserID nor AccountID is set.
type Membership struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CommunityID uuid.UUID `json:"community_id" gorm:"type:uuid;not null;index;uniqueIndex:idx_memberships_community_member_id,priority:1"`

	// Ownership pointers
	UserID    *string `json:"user_id,omitempty" gorm:"size:128;index"`
	AccountID *string `json:"account_id,omitempty" gorm:"size:128;index"`

	MemberID    string `json:"member_id" gorm:"size:64;not null;uniqueIndex:idx_memberships_community_member_id,priority:2"`
	DisplayName string `json:"display_name" gorm:"size:255"`
	Email       string `json:"email,omitempty" gorm:"size:255"`
	Section     string `json:"section,omitempty" gorm:"size:128;index"`

	Role      MembershipRole `json:"role" gorm:"size:20;not null;default:'member';index"`
	AdminRole AdminRole      `json:"admin_role,omitempty" gorm:"size:32"`

	Status             MembershipStatus   `json:"status" gorm:"size:20;not null;default:'active';index"`
	ContributionStatus ContributionStatus `json:"contribution_status" gorm:"size:20;not null;default:'pending'"`

	// Claim lifecycle. ClaimCode is kept after the claim for audit; ClaimedAt is authoritative.
	ClaimCode *string    `json:"-" gorm:"size:8;uniqueIndex"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Community *Community `json:"community,omitempty" gorm:"foreignKey:CommunityID"`
}

// TableName specifies the table name for Membership
func (Membership) TableName() string {
	return "memberships"
}

// BeforeCreate assigns the primary key
func (m *Membership) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// RoleSpec returns the membership's role pair
func (m *Membership) RoleSpec() RoleSpec {
	return RoleSpec{Role: m.Role, AdminRole: m.AdminRole}
}

// IsClaimed reports whether the claim lifecycle has completed or an owner is already bound
func (m *Membership) IsClaimed() bool {
	return m.ClaimedAt != nil || m.AccountID != nil || m.UserID != nil
}

// CoversSection reports whether this (admin) membership may manage the given section
func (m *Membership) CoversSection(section string) bool {
	spec := m.RoleSpec()
	if !spec.IsAdmin() || m.Status != MembershipStatusActive {
		return false
	}
	if spec.HasGlobalScope() {
		return true
	}
	return m.Section != "" && m.Section == section
}

// FormattedClaimCode renders the code as XXXX-XXXX
func (m *Membership) FormattedClaimCode() string {
	if m.ClaimCode == nil {
		return ""
	}
	return FormatClaimCode(*m.ClaimCode)
}

// FormatClaimCode renders an 8-character code with a dash in the middle
func FormatClaimCode(code string) string {
	if len(code) != ClaimCodeLength {
		return code
	}
	return code[:ClaimCodeLength/2] + "-" + code[ClaimCodeLength/2:]
}

// ClaimCodeLength is the number of significant characters in a claim code
const ClaimCodeLength = 8
