package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Community is the tenant root. All quota calculations are scoped to it.
type Community struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Name           string    `json:"name" gorm:"size:255;not null"`
	Slug           string    `json:"slug" gorm:"size:64;uniqueIndex;not null"`
	MemberIDPrefix string    `json:"member_id_prefix" gorm:"size:16"`
	Status         string    `json:"status" gorm:"size:20;not null;default:'active'"`

	// PlanID only changes through the guarded plan-change operation
	PlanID string `json:"plan_id" gorm:"size:32;not null;index"`

	// MemberSeq backs human-readable member identifiers
	MemberSeq int64 `json:"-" gorm:"not null;default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Plan *Plan `json:"plan,omitempty" gorm:"foreignKey:PlanID"`
}

// TableName specifies the table name for Community
func (Community) TableName() string {
	return "communities"
}

// BeforeCreate assigns the primary key
func (c *Community) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
