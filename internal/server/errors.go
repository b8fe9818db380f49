package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/quillora/quillbill/internal/credit/domain"
	pricingdomain "github.com/quillora/quillbill/internal/pricing/domain"
	"github.com/quillora/quillbill/internal/proration"
	subscriptiondomain "github.com/quillora/quillbill/internal/subscription/domain"
	tierdomain "github.com/quillora/quillbill/internal/tier/domain"
	usagedomain "github.com/quillora/quillbill/internal/tokenusage/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
)

// ErrorHandlingMiddleware renders the last gin error after the handler
// chain, so handlers only ever push domain errors.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{{Field: field, Code: code, Message: message}},
	}
}

var badRequestErrors = []error{
	ErrInvalidRequest,
	creditdomain.ErrInvalidUser,
	creditdomain.ErrInvalidAmount,
	creditdomain.ErrInvalidPeriod,
	creditdomain.ErrAdminRequired,
	usagedomain.ErrInvalidRequestID,
	usagedomain.ErrInvalidUser,
	usagedomain.ErrInvalidCost,
	usagedomain.ErrInvalidTimestamp,
	pricingdomain.ErrInvalidMultiplier,
	pricingdomain.ErrInvalidEffectiveRange,
	pricingdomain.ErrReasonRequired,
	pricingdomain.ErrProposerRequired,
	pricingdomain.ErrSelfApproval,
	pricingdomain.ErrNotDraft,
	proration.ErrInvalidPeriod,
	proration.ErrOutsidePeriod,
	subscriptiondomain.ErrSameTier,
	subscriptiondomain.ErrInvalidGrant,
	subscriptiondomain.ErrNotActive,
	tierdomain.ErrValidationFailed,
	tierdomain.ErrInvalidRolloutDate,
	tierdomain.ErrAdminRequired,
}

var notFoundErrors = []error{
	gorm.ErrRecordNotFound,
	creditdomain.ErrEntryNotFound,
	creditdomain.ErrNoActiveCreditRecord,
	pricingdomain.ErrConfigNotFound,
	subscriptiondomain.ErrSubscriptionNotFound,
	tierdomain.ErrTierNotFound,
}

var conflictErrors = []error{
	creditdomain.ErrBillingPeriodExpired,
	creditdomain.ErrAlreadyReversed,
	creditdomain.ErrEntryNotReversible,
	subscriptiondomain.ErrAlreadySubscribed,
	tierdomain.ErrConcurrentModification,
}

func mapError(err error) (int, errorPayload) {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if errors.Is(err, creditdomain.ErrInsufficientCredits) {
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: err.Error(),
		}
	}
	if errors.Is(err, ErrRateLimited) {
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	}

	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}
		}
	}
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}
		}
	}
	for _, target := range conflictErrors {
		if errors.Is(err, target) {
			return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}
