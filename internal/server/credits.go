package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func (s *Server) getBalance(c *gin.Context) {
	userID, err := parseIDParam(c, "user_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.creditSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (s *Server) listLedgerEntries(c *gin.Context) {
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

	entries, err := s.creditSvc.ListEntries(c.Request.Context(), userID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type grantCreditsRequest struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) grantBonusCredits(c *gin.Context) {
	var req grantCreditsRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		AbortWithError(c, newValidationError("userId", "invalid_id", "userId must be a valid id"))
		return
	}

	if err := s.subscriptionSvc.GrantBonusCredits(c.Request.Context(), userID, req.Amount, strings.TrimSpace(req.Reason)); err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.creditSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

type reverseEntryRequest struct {
	AdminID string `json:"adminId"`
	Reason  string `json:"reason"`
}

func (s *Server) reverseEntry(c *gin.Context) {
	entryID, err := parseIDParam(c, "entry_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req reverseEntryRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	entry, err := s.creditSvc.Reverse(c.Request.Context(), entryID, strings.TrimSpace(req.AdminID), strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, entry)
}
