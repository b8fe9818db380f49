package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// AllocateRequest grants credits to a user for an allocation period.
type AllocateRequest struct {
	UserID      snowflake.ID
	Amount      int64
	Source      AllocationSource
	PeriodStart time.Time
	PeriodEnd   time.Time
	ExpiresAt   *time.Time
	Reason      string
	Metadata    map[string]any
}

// DeductRequest removes credits from a user's balance. RequestID makes
// the call idempotent: a retry with the same id returns the original
// ledger entry without deducting again.
type DeductRequest struct {
	UserID    snowflake.ID
	Amount    int64
	RequestID string
	Reason    string
}

// AllocateResult pairs the allocation row with its ledger entry.
type AllocateResult struct {
	Allocation *CreditAllocation
	Entry      *LedgerEntry
}

// Service is the single writer for credit balances. All mutations run
// in one database transaction holding a row lock on the balance, so
// correctness does not depend on any in-process synchronization.
type Service interface {
	Allocate(ctx context.Context, req AllocateRequest) (*AllocateResult, error)
	// AllocateTx runs Allocate inside the caller's transaction.
	AllocateTx(ctx context.Context, tx *gorm.DB, req AllocateRequest) (*AllocateResult, error)
	Deduct(ctx context.Context, req DeductRequest) (*LedgerEntry, error)
	// DeductTx runs Deduct inside the caller's transaction.
	DeductTx(ctx context.Context, tx *gorm.DB, req DeductRequest) (*LedgerEntry, error)
	// Reverse writes a compensating credit entry for a completed debit.
	// adminID names the acting operator for the audit trail.
	Reverse(ctx context.Context, entryID snowflake.ID, adminID, reason string) (*LedgerEntry, error)
	GetBalance(ctx context.Context, userID snowflake.ID) (*CreditBalance, error)
	HasAvailableCredits(ctx context.Context, userID snowflake.ID, required int64) (bool, error)
	ListEntries(ctx context.Context, userID snowflake.ID, limit int) ([]LedgerEntry, error)
	// ExpireLapsed sweeps up to batchSize users whose current
	// allocations have lapsed, debiting the unspent remainder. Run
	// periodically by the scheduler.
	ExpireLapsed(ctx context.Context, batchSize int) (int, error)
}

var (
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidPeriod        = errors.New("invalid_period")
	ErrInsufficientCredits  = errors.New("insufficient_credits")
	ErrBillingPeriodExpired = errors.New("billing_period_expired")
	ErrNoActiveCreditRecord = errors.New("no_active_credit_record")
	ErrAdminRequired        = errors.New("admin_id_required")
	ErrEntryNotFound        = errors.New("ledger_entry_not_found")
	ErrEntryNotReversible   = errors.New("ledger_entry_not_reversible")
	ErrAlreadyReversed      = errors.New("ledger_entry_already_reversed")
	ErrLedgerInconsistent   = errors.New("ledger_inconsistent")
)
