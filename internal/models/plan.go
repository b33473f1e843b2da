package models

import "time"

// Plan describes a subscription tier. Plans are reference data seeded at deploy time.
type Plan struct {
	ID   string `json:"id" gorm:"size:32;primaryKey"`
	Name string `json:"name" gorm:"size:100;not null"`

	// MaxMembers is the billable member ceiling; nil means unlimited
	MaxMembers *int `json:"max_members"`

	// Prices in cents; nil signals custom pricing
	PriceMonthly *int `json:"price_monthly"`
	PriceYearly  *int `json:"price_yearly"`

	// SortOrder gives the total order used to classify upgrades and downgrades
	SortOrder int `json:"sort_order" gorm:"not null;default:0;index"`

	IsCustom     bool `json:"is_custom" gorm:"default:false"`
	IsWhiteLabel bool `json:"is_white_label" gorm:"default:false"`
	IsActive     bool `json:"is_active" gorm:"default:true"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for Plan
func (Plan) TableName() string {
	return "plans"
}

// RequiresContact reports whether moving to this plan must go through sales
func (p *Plan) RequiresContact() bool {
	return p.IsCustom || p.IsWhiteLabel
}

// IsUnlimited reports whether the plan has no member ceiling
func (p *Plan) IsUnlimited() bool {
	return p.MaxMembers == nil
}

// DefaultPlans is the catalog seeded on startup
func DefaultPlans() []Plan {
	intPtr := func(v int) *int { return &v }
	return []Plan{
		{ID: "free", Name: "Free", MaxMembers: intPtr(50), PriceMonthly: intPtr(0), PriceYearly: intPtr(0), SortOrder: 0, IsActive: true},
		{ID: "essential", Name: "Essential", MaxMembers: intPtr(200), PriceMonthly: intPtr(2900), PriceYearly: intPtr(29000), SortOrder: 10, IsActive: true},
		{ID: "premium", Name: "Premium", MaxMembers: intPtr(1000), PriceMonthly: intPtr(7900), PriceYearly: intPtr(79000), SortOrder: 20, IsActive: true},
		{ID: "unlimited", Name: "Unlimited", MaxMembers: nil, PriceMonthly: intPtr(14900), PriceYearly: intPtr(149000), SortOrder: 30, IsActive: true},
		{ID: "enterprise", Name: "Enterprise", MaxMembers: nil, SortOrder: 40, IsCustom: true, IsActive: true},
		{ID: "white_label", Name: "White Label", MaxMembers: nil, SortOrder: 50, IsWhiteLabel: true, IsActive: true},
	}
}
