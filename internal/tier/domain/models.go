// Package domain contains tier configuration and its versioned history.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ChangeType classifies a tier config change for the history trail.
type ChangeType string

const (
	ChangeCreditIncrease ChangeType = "credit_increase"
	ChangeCreditDecrease ChangeType = "credit_decrease"
	ChangeNoChange       ChangeType = "no_change"
)

// TierConfig is the live definition of a subscription tier.
// ConfigVersion increases by exactly one per applied change; every
// write is conditioned on the version the writer read, so concurrent
// admin edits fail instead of silently clobbering each other.
//
// A scheduled rollout updates MonthlyCreditAllocation immediately (new
// signups get the new number right away) and sets RolloutStartDate +
// ApplyToExistingUsers; the worker later pushes the increase to
// existing subscribers and clears both fields.
type TierConfig struct {
	ID                      snowflake.ID `gorm:"primaryKey"`
	TierName                string       `gorm:"type:text;not null;uniqueIndex"`
	DisplayName             string       `gorm:"type:text;not null"`
	MonthlyPriceCents       int64        `gorm:"not null"`
	MonthlyCreditAllocation int64        `gorm:"not null"`
	ConfigVersion           int64        `gorm:"not null;default:1"`
	LastModifiedBy          string       `gorm:"type:text"`
	ApplyToExistingUsers    bool         `gorm:"not null;default:false;index"`
	RolloutStartDate        *time.Time   `gorm:"index"`
	CreatedAt               time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt               time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TierConfig) TableName() string { return "tier_configs" }

// TierConfigHistory is the append-only record of one tier change.
// AppliedAt stays null for a scheduled rollout until the worker
// actually pushes it to existing users.
type TierConfigHistory struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	TierName           string       `gorm:"type:text;not null;index"`
	ConfigVersion      int64        `gorm:"not null"`
	PreviousCredits    int64        `gorm:"not null"`
	NewCredits         int64        `gorm:"not null"`
	PreviousPriceCents int64        `gorm:"not null"`
	NewPriceCents      int64        `gorm:"not null"`
	ChangeType         ChangeType   `gorm:"type:text;not null"`
	ChangeReason       string       `gorm:"type:text;not null"`
	AffectedUsersCount int64        `gorm:"not null;default:0"`
	ChangedBy          string       `gorm:"type:text;not null"`
	ChangedAt          time.Time    `gorm:"not null"`
	AppliedAt          *time.Time   `gorm:"index"`
}

// TableName sets the database table name.
func (TierConfigHistory) TableName() string { return "tier_config_history" }

// ClassifyCreditChange names the direction of a credit change.
func ClassifyCreditChange(previous, next int64) ChangeType {
	switch {
	case next > previous:
		return ChangeCreditIncrease
	case next < previous:
		return ChangeCreditDecrease
	default:
		return ChangeNoChange
	}
}
