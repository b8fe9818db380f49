package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// CreateRequest starts a subscription on a tier.
type CreateRequest struct {
	UserID   snowflake.ID
	TierName string
	BYOK     bool
}

// ChangeTierRequest moves a live subscription to another tier
// mid-cycle. The proration true-up is computed, persisted, and the
// prorated credits granted in the same call.
type ChangeTierRequest struct {
	UserID snowflake.ID
	ToTier string
}

// ChangeTierResult pairs the updated subscription with the priced
// true-up.
type ChangeTierResult struct {
	Subscription *Subscription
	Event        *ProrationEvent
}

// Service owns the subscription lifecycle and is the only caller that
// grants subscription-sourced credit allocations.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Subscription, error)
	GetActiveByUser(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	// AllocateSubscriptionCredits grants the current period's credits.
	// Idempotent per billing period: a repeat call for a period that
	// was already funded is a no-op.
	AllocateSubscriptionCredits(ctx context.Context, subscriptionID snowflake.ID) error
	// Renew advances the billing period one month and funds it.
	Renew(ctx context.Context, subscriptionID snowflake.ID) (*Subscription, error)
	ChangeTier(ctx context.Context, req ChangeTierRequest) (*ChangeTierResult, error)
	GrantBonusCredits(ctx context.Context, userID snowflake.ID, amount int64, reason string) error
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrAlreadySubscribed    = errors.New("user_already_subscribed")
	ErrNotActive            = errors.New("subscription_not_active")
	ErrSameTier             = errors.New("change_to_same_tier")
	ErrInvalidGrant         = errors.New("invalid_bonus_grant")
)
