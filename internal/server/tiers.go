package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	tierdomain "github.com/quillora/quillbill/internal/tier/domain"
)

func (s *Server) listTiers(c *gin.Context) {
	tiers, err := s.tierSvc.ListTiers(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tiers": tiers})
}

func (s *Server) getTier(c *gin.Context) {
	tier, err := s.tierSvc.GetTier(c.Request.Context(), c.Param("tier_name"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tier)
}

func (s *Server) tierHistory(c *gin.Context) {
	limit, err := parseLimitQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	history, err := s.tierSvc.History(c.Request.Context(), c.Param("tier_name"), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

type tierUpdateRequest struct {
	NewCredits      int64  `json:"newCredits"`
	Reason          string `json:"reason"`
	AdminID         string `json:"adminId"`
	ExpectedVersion int64  `json:"expectedVersion"`
	RolloutDate     string `json:"rolloutDate,omitempty"`
}

func (r tierUpdateRequest) toDomain() tierdomain.UpdateRequest {
	return tierdomain.UpdateRequest{
		NewCredits:      r.NewCredits,
		Reason:          strings.TrimSpace(r.Reason),
		AdminID:         strings.TrimSpace(r.AdminID),
		ExpectedVersion: r.ExpectedVersion,
	}
}

func (s *Server) previewTierUpdate(c *gin.Context) {
	var req tierUpdateRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	impact, err := s.tierSvc.PreviewUpdate(c.Request.Context(), c.Param("tier_name"), req.NewCredits)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, impact)
}

func (s *Server) validateTierUpdate(c *gin.Context) {
	var req tierUpdateRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.tierSvc.ValidateUpdate(c.Request.Context(), c.Param("tier_name"), req.toDomain())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) applyTierUpdate(c *gin.Context) {
	var req tierUpdateRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.tierSvc.ApplyImmediate(c.Request.Context(), c.Param("tier_name"), req.toDomain())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) scheduleTierRollout(c *gin.Context) {
	var req tierUpdateRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}
	rolloutDate, err := time.Parse(time.RFC3339, strings.TrimSpace(req.RolloutDate))
	if err != nil {
		AbortWithError(c, newValidationError("rolloutDate", "invalid_time", "rolloutDate must be RFC 3339"))
		return
	}

	tier, err := s.tierSvc.ScheduleRollout(c.Request.Context(), c.Param("tier_name"), req.toDomain(), rolloutDate)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tier)
}
