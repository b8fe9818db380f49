// Package domain contains subscription and proration event models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusExpired  SubscriptionStatus = "expired"
)

// Subscription binds a user to a tier for a billing cycle.
// MonthlyCreditAllocation snapshots the tier's credit grant at the
// time of creation or last applied upgrade, so a later tier decrease
// does not touch the user (upgrade-only policy). At most one
// subscription per user is active.
type Subscription struct {
	ID                      snowflake.ID       `gorm:"primaryKey"`
	UserID                  snowflake.ID       `gorm:"not null;index"`
	TierName                string             `gorm:"type:text;not null;index"`
	Status                  SubscriptionStatus `gorm:"type:text;not null;index"`
	CurrentPeriodStart      time.Time          `gorm:"not null"`
	CurrentPeriodEnd        time.Time          `gorm:"not null"`
	MonthlyCreditAllocation int64              `gorm:"not null"`
	BYOK                    bool               `gorm:"not null;default:false"`
	CreatedAt               time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt               time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// ProrationStatus tracks whether a priced tier change has been applied.
type ProrationStatus string

const (
	ProrationPending ProrationStatus = "pending"
	ProrationApplied ProrationStatus = "applied"
)

// ProrationEvent records one mid-cycle tier change and its true-up.
type ProrationEvent struct {
	ID                       snowflake.ID    `gorm:"primaryKey"`
	UserID                   snowflake.ID    `gorm:"not null;index"`
	SubscriptionID           snowflake.ID    `gorm:"not null;index"`
	FromTier                 string          `gorm:"type:text;not null"`
	ToTier                   string          `gorm:"type:text;not null"`
	DaysRemaining            int64           `gorm:"not null"`
	DaysInCycle              int64           `gorm:"not null"`
	UnusedCreditValueCents   int64           `gorm:"not null"`
	NewTierProratedCostCents int64           `gorm:"not null"`
	NetChargeCents           int64           `gorm:"not null"`
	ProratedCredits          int64           `gorm:"not null"`
	EffectiveAt              time.Time       `gorm:"not null"`
	Status                   ProrationStatus `gorm:"type:text;not null"`
	CreatedAt                time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ProrationEvent) TableName() string { return "proration_events" }
