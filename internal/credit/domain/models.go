// Package domain contains persistence models for credit balances,
// allocations, and the append-only credit ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AllocationSource names where a credit grant came from.
type AllocationSource string

const (
	SourceSubscription AllocationSource = "subscription"
	SourceBonus        AllocationSource = "bonus"
	SourceReferral     AllocationSource = "referral"
	SourceCoupon       AllocationSource = "coupon"
	SourceAdminGrant   AllocationSource = "admin_grant"
	SourceTierUpgrade  AllocationSource = "tier_upgrade"
	SourceProration    AllocationSource = "proration"
	SourceReversal     AllocationSource = "reversal"
)

// EntryDirection is the sign of a ledger entry.
type EntryDirection string

const (
	DirectionCredit EntryDirection = "credit"
	DirectionDebit  EntryDirection = "debit"
)

// EntryStatus is the lifecycle state of a ledger entry.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusCompleted EntryStatus = "completed"
	StatusReversed  EntryStatus = "reversed"
)

// CreditBalance is the authoritative per-user credit count. One row per
// user; amount never goes negative.
type CreditBalance struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	UserID              snowflake.ID `gorm:"not null;uniqueIndex"`
	Amount              int64        `gorm:"not null;default:0"`
	LastDeductionAt     *time.Time   `gorm:""`
	LastDeductionAmount int64        `gorm:"not null;default:0"`
	CreatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditBalance) TableName() string { return "credit_balances" }

// CreditAllocation is a grant of credits for an allocation period.
// Rows are never mutated after creation except to reduce Remaining as
// deductions draw them down, and to clear IsCurrent on rollover.
type CreditAllocation struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	UserID      snowflake.ID      `gorm:"not null;index"`
	Amount      int64             `gorm:"not null"`
	Remaining   int64             `gorm:"not null"`
	Source      AllocationSource  `gorm:"type:text;not null"`
	PeriodStart time.Time         `gorm:"not null"`
	PeriodEnd   time.Time         `gorm:"not null"`
	ExpiresAt   *time.Time        `gorm:"index"`
	IsCurrent   bool              `gorm:"not null;default:true;index"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditAllocation) TableName() string { return "credit_allocations" }

// LedgerEntry is the write-once record of one balance mutation. Every
// allocate or deduct writes exactly one entry carrying the balance
// before and after the mutation. Reversals are new entries referencing
// the original; the original row is never updated.
type LedgerEntry struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	UserID        snowflake.ID      `gorm:"not null;index"`
	Direction     EntryDirection    `gorm:"type:text;not null"`
	Amount        int64             `gorm:"not null"`
	BalanceBefore int64             `gorm:"not null"`
	BalanceAfter  int64             `gorm:"not null"`
	RequestID     *string           `gorm:"type:text;uniqueIndex"`
	Source        AllocationSource  `gorm:"type:text"`
	Reason        string            `gorm:"type:text"`
	Status        EntryStatus       `gorm:"type:text;not null"`
	AllocationID  *snowflake.ID     `gorm:"index"`
	ReversalOf    *snowflake.ID     `gorm:"index"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "credit_ledger_entries" }
