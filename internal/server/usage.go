package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	usagedomain "github.com/quillora/quillbill/internal/tokenusage/domain"
	"go.uber.org/zap"
)

type recordUsageRequest struct {
	RequestID        string    `json:"requestId"`
	UserID           string    `json:"userId"`
	TierName         string    `json:"tierName"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	InputTokens      int64     `json:"inputTokens"`
	OutputTokens     int64     `json:"outputTokens"`
	CachedTokens     int64     `json:"cachedTokens"`
	VendorCostMicros int64     `json:"vendorCostMicros"`
	BYOK             bool      `json:"byok"`
	Failed           bool      `json:"failed"`
	RequestStartedAt time.Time `json:"requestStartedAt"`
	RequestEndedAt   time.Time `json:"requestEndedAt"`
}

func (s *Server) recordUsage(c *gin.Context) {
	var req recordUsageRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		AbortWithError(c, newValidationError("userId", "invalid_id", "userId must be a valid id"))
		return
	}

	if s.usageLimiter.Enabled() {
		res, err := s.usageLimiter.AllowUser(c.Request.Context(), req.UserID)
		if err != nil {
			s.log.Warn("usage rate limiter unavailable", zap.Error(err))
		} else {
			if s.obsMetrics != nil {
				s.obsMetrics.RecordRateLimit(c.Request.Context(), res.Allowed)
			}
			if !res.Allowed {
				c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter/time.Second)+1))
				AbortWithError(c, ErrRateLimited)
				return
			}
		}
	}

	status := usagedomain.StatusCompleted
	if req.Failed {
		status = usagedomain.StatusFailed
	}

	result, err := s.usageSvc.Record(c.Request.Context(), usagedomain.RecordRequest{
		RequestID:        strings.TrimSpace(req.RequestID),
		UserID:           userID,
		TierName:         strings.TrimSpace(req.TierName),
		Provider:         strings.TrimSpace(req.Provider),
		Model:            strings.TrimSpace(req.Model),
		InputTokens:      req.InputTokens,
		OutputTokens:     req.OutputTokens,
		CachedTokens:     req.CachedTokens,
		VendorCostMicros: req.VendorCostMicros,
		BYOK:             req.BYOK,
		Status:           status,
		RequestStartedAt: req.RequestStartedAt,
		RequestEndedAt:   req.RequestEndedAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"usage":           result.Usage,
		"creditsDeducted": result.CreditsDeducted,
		"newBalance":      result.NewBalance,
	})
}

func (s *Server) listUsage(c *gin.Context) {
	userID, err := parseIDParam(c, "user_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limit, err := parseLimitQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	entries, err := s.usageSvc.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"usage": entries})
}
