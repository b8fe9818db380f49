// Package domain contains the immutable token usage ledger model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageStatus records how the upstream inference request finished.
type UsageStatus string

const (
	StatusCompleted UsageStatus = "completed"
	StatusFailed    UsageStatus = "failed"
)

// TokenUsage is the write-once record of one inference request. Money
// is carried in integer micro-USD so no float rounding leaks into
// billing. CreditsDeducted links to the ledger entry that charged the
// user; it stays zero for BYOK traffic, which is recorded for
// analytics only.
type TokenUsage struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	RequestID         string        `gorm:"type:text;not null;uniqueIndex"`
	UserID            snowflake.ID  `gorm:"not null;index"`
	Provider          string        `gorm:"type:text;not null"`
	Model             string        `gorm:"type:text;not null"`
	InputTokens       int64         `gorm:"not null;default:0"`
	OutputTokens      int64         `gorm:"not null;default:0"`
	CachedTokens      int64         `gorm:"not null;default:0"`
	VendorCostMicros  int64         `gorm:"not null"`
	MarginMultiplier  float64       `gorm:"not null"`
	CreditValueMicros int64         `gorm:"not null"`
	CreditsDeducted   int64         `gorm:"not null"`
	DeductionID       *snowflake.ID `gorm:"index"`
	PricingConfigID   *snowflake.ID `gorm:""`
	BYOK              bool          `gorm:"not null;default:false"`
	Status            UsageStatus   `gorm:"type:text;not null"`
	RequestStartedAt  time.Time     `gorm:"not null"`
	RequestEndedAt    time.Time     `gorm:"not null"`
	CreatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (TokenUsage) TableName() string { return "token_usage_entries" }
