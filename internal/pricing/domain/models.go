// Package domain contains the margin-multiplier pricing model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ConfigStatus is the approval state of a pricing config.
type ConfigStatus string

const (
	StatusDraft    ConfigStatus = "draft"
	StatusApproved ConfigStatus = "approved"
	StatusRetired  ConfigStatus = "retired"
)

// PricingConfig is a margin multiplier scoped to some combination of
// tier, provider, and model. A nil scope field means "any". More
// specific scopes win at resolution time: model beats provider beats
// tier. The row is immutable once approved except for EffectiveUntil,
// which a superseding config closes.
type PricingConfig struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	TierName           *string      `gorm:"type:text;index"`
	Provider           *string      `gorm:"type:text;index"`
	Model              *string      `gorm:"type:text;index"`
	MarginMultiplier   float64      `gorm:"not null"`
	PreviousMultiplier *float64     `gorm:""`
	EffectiveFrom      time.Time    `gorm:"not null;index"`
	EffectiveUntil     *time.Time   `gorm:""`
	Status             ConfigStatus `gorm:"type:text;not null;index"`
	ProposedBy         string       `gorm:"type:text;not null"`
	ApprovedBy         *string      `gorm:"type:text"`
	ChangeReason       string       `gorm:"type:text;not null"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PricingConfig) TableName() string { return "pricing_configs" }

// Specificity scores the scope for resolution. Model-scoped configs
// outrank provider-scoped ones, which outrank tier-scoped ones.
func (c *PricingConfig) Specificity() int {
	score := 0
	if c.Model != nil {
		score += 4
	}
	if c.Provider != nil {
		score += 2
	}
	if c.TierName != nil {
		score++
	}
	return score
}
