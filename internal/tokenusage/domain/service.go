package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// RecordRequest carries everything the recorder needs from the
// request-serving layer about one completed inference call.
type RecordRequest struct {
	RequestID        string
	UserID           snowflake.ID
	TierName         string
	Provider         string
	Model            string
	InputTokens      int64
	OutputTokens     int64
	CachedTokens     int64
	VendorCostMicros int64
	BYOK             bool
	Status           UsageStatus
	RequestStartedAt time.Time
	RequestEndedAt   time.Time
}

// RecordResult is returned to the request-serving layer so it can show
// the user what the call cost.
type RecordResult struct {
	Usage           *TokenUsage
	CreditsDeducted int64
	NewBalance      int64
}

// Service converts vendor cost into credits and charges the user. The
// usage row and the credit deduction commit in one transaction; neither
// exists without the other.
type Service interface {
	Record(ctx context.Context, req RecordRequest) (*RecordResult, error)
	ListByUser(ctx context.Context, userID snowflake.ID, limit int) ([]TokenUsage, error)
}

var (
	ErrInvalidRequestID = errors.New("invalid_request_id")
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidCost      = errors.New("invalid_vendor_cost")
	ErrInvalidTimestamp = errors.New("invalid_request_timestamps")
)
