package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	pricingdomain "github.com/quillora/quillbill/internal/pricing/domain"
)

type proposePricingRequest struct {
	TierName       *string `json:"tierName,omitempty"`
	Provider       *string `json:"provider,omitempty"`
	Model          *string `json:"model,omitempty"`
	Multiplier     float64 `json:"multiplier"`
	EffectiveFrom  string  `json:"effectiveFrom"`
	EffectiveUntil string  `json:"effectiveUntil,omitempty"`
	Reason         string  `json:"reason"`
	ProposedBy     string  `json:"proposedBy"`
}

func (s *Server) proposePricingConfig(c *gin.Context) {
	var req proposePricingRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	effectiveFrom, err := time.Parse(time.RFC3339, strings.TrimSpace(req.EffectiveFrom))
	if err != nil {
		AbortWithError(c, newValidationError("effectiveFrom", "invalid_time", "effectiveFrom must be RFC 3339"))
		return
	}
	effectiveUntil, err := parseOptionalTime(req.EffectiveUntil)
	if err != nil {
		AbortWithError(c, newValidationError("effectiveUntil", "invalid_time", "effectiveUntil must be RFC 3339"))
		return
	}

	cfg, err := s.pricingSvc.Propose(c.Request.Context(), pricingdomain.ProposeRequest{
		TierName:       req.TierName,
		Provider:       req.Provider,
		Model:          req.Model,
		Multiplier:     req.Multiplier,
		EffectiveFrom:  effectiveFrom,
		EffectiveUntil: effectiveUntil,
		Reason:         strings.TrimSpace(req.Reason),
		ProposedBy:     strings.TrimSpace(req.ProposedBy),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, cfg)
}

type approvePricingRequest struct {
	ApprovedBy string `json:"approvedBy"`
}

func (s *Server) approvePricingConfig(c *gin.Context) {
	configID, err := parseIDParam(c, "config_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req approvePricingRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	cfg, err := s.pricingSvc.Approve(c.Request.Context(), configID, strings.TrimSpace(req.ApprovedBy))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, cfg)
}

func (s *Server) listPricingConfigs(c *gin.Context) {
	limit, err := parseLimitQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := pricingdomain.ConfigStatus(strings.TrimSpace(c.Query("status")))
	configs, err := s.pricingSvc.List(c.Request.Context(), status, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"configs": configs})
}
