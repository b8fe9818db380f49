package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/quillora/quillbill/internal/subscription/domain"
)

type createSubscriptionRequest struct {
	UserID   string `json:"userId"`
	TierName string `json:"tierName"`
	BYOK     bool   `json:"byok"`
}

func (s *Server) createSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		AbortWithError(c, newValidationError("userId", "invalid_id", "userId must be a valid id"))
		return
	}

	sub, err := s.subscriptionSvc.Create(c.Request.Context(), subscriptiondomain.CreateRequest{
		UserID:   userID,
		TierName: strings.TrimSpace(req.TierName),
		BYOK:     req.BYOK,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sub)
}

func (s *Server) renewSubscription(c *gin.Context) {
	subscriptionID, err := parseIDParam(c, "subscription_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.Renew(c.Request.Context(), subscriptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

type changeTierRequest struct {
	ToTier string `json:"toTier"`
}

func (s *Server) changeTier(c *gin.Context) {
	userID, err := parseIDParam(c, "user_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req changeTierRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.subscriptionSvc.ChangeTier(c.Request.Context(), subscriptiondomain.ChangeTierRequest{
		UserID: userID,
		ToTier: strings.TrimSpace(req.ToTier),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscription": result.Subscription,
		"proration":    result.Event,
	})
}
