package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// UpdateImpact is the dry-run answer to "what would changing this
// tier's credits do", computed without mutating anything.
type UpdateImpact struct {
	TierName           string
	CurrentCredits     int64
	NewCredits         int64
	ChangeType         ChangeType
	SubscriberCount    int64
	WillUpgrade        int64
	WillRemainSame     int64
	EstimatedCostCents int64
}

// FieldError is one field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult reports bounds violations without failing the call,
// so an admin UI can show them before committing.
type ValidationResult struct {
	Valid    bool         `json:"valid"`
	Errors   []FieldError `json:"errors,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`
}

// UpdateRequest is an admin request to change a tier's credit grant.
// ExpectedVersion guards against concurrent edits; zero means "the
// version currently stored".
type UpdateRequest struct {
	NewCredits      int64
	Reason          string
	AdminID         string
	ExpectedVersion int64
}

// UserFailure records one subscriber whose upgrade allocation failed
// during a bulk rollout.
type UserFailure struct {
	UserID snowflake.ID `json:"userId"`
	Error  string       `json:"error"`
}

// ApplyResult reports a committed tier change. Failures lists
// subscribers the upgrade could not reach; the tier config change
// itself has still been applied.
type ApplyResult struct {
	TierName           string
	PreviousCredits    int64
	NewCredits         int64
	ConfigVersion      int64
	AffectedUsersCount int64
	Failures           []UserFailure
}

// Service is the tier credit upgrade engine. Increases propagate to
// existing subscribers; decreases only affect future allocations.
type Service interface {
	GetTier(ctx context.Context, tierName string) (*TierConfig, error)
	ListTiers(ctx context.Context) ([]TierConfig, error)
	PreviewUpdate(ctx context.Context, tierName string, newCredits int64) (*UpdateImpact, error)
	ValidateUpdate(ctx context.Context, tierName string, req UpdateRequest) (*ValidationResult, error)
	ApplyImmediate(ctx context.Context, tierName string, req UpdateRequest) (*ApplyResult, error)
	ScheduleRollout(ctx context.Context, tierName string, req UpdateRequest, rolloutDate time.Time) (*TierConfig, error)
	// ProcessPendingRollouts applies every due scheduled rollout once.
	// Safe to run concurrently on multiple instances; claiming a
	// rollout is a compare-and-set on the pending flags.
	ProcessPendingRollouts(ctx context.Context) (int, error)
	History(ctx context.Context, tierName string, limit int) ([]TierConfigHistory, error)
}

var (
	ErrTierNotFound           = errors.New("tier_not_found")
	ErrValidationFailed       = errors.New("tier_update_validation_failed")
	ErrConcurrentModification = errors.New("tier_config_concurrent_modification")
	ErrInvalidRolloutDate     = errors.New("invalid_rollout_date")
	ErrAdminRequired          = errors.New("admin_id_required")
)
