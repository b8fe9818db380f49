package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Ref identifies the pricing context of one inference request.
type Ref struct {
	TierName string
	Provider string
	Model    string
}

// Resolution is the multiplier chosen for a request, with the config
// that supplied it. ConfigID is nil when the platform default applied.
type Resolution struct {
	Multiplier float64
	ConfigID   *snowflake.ID
	Scope      string
}

// ProposeRequest creates a draft pricing config awaiting approval.
type ProposeRequest struct {
	TierName       *string
	Provider       *string
	Model          *string
	Multiplier     float64
	EffectiveFrom  time.Time
	EffectiveUntil *time.Time
	Reason         string
	ProposedBy     string
}

// Service resolves margin multipliers and runs the propose/approve
// workflow for changing them.
type Service interface {
	// Resolve picks the most specific approved config effective at the
	// given instant, falling back to the configured platform default.
	Resolve(ctx context.Context, ref Ref, at time.Time) (Resolution, error)
	Propose(ctx context.Context, req ProposeRequest) (*PricingConfig, error)
	// Approve activates a draft. The approver must not be the proposer.
	// Any approved config with the same scope is closed at the draft's
	// EffectiveFrom and recorded as the previous multiplier.
	Approve(ctx context.Context, configID snowflake.ID, approvedBy string) (*PricingConfig, error)
	List(ctx context.Context, status ConfigStatus, limit int) ([]PricingConfig, error)
}

var (
	ErrConfigNotFound        = errors.New("pricing_config_not_found")
	ErrInvalidMultiplier     = errors.New("invalid_margin_multiplier")
	ErrInvalidEffectiveRange = errors.New("invalid_effective_range")
	ErrReasonRequired        = errors.New("change_reason_required")
	ErrProposerRequired      = errors.New("proposer_required")
	ErrNotDraft              = errors.New("pricing_config_not_draft")
	ErrSelfApproval          = errors.New("self_approval_forbidden")
)
