package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/quillora/quillbill/internal/audit/domain"
)

func (s *Server) listAuditLogs(c *gin.Context) {
	limit, err := parseLimitQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	startAt, err := parseOptionalTime(c.Query("startAt"))
	if err != nil {
		AbortWithError(c, newValidationError("startAt", "invalid_time", "startAt must be RFC 3339"))
		return
	}
	endAt, err := parseOptionalTime(c.Query("endAt"))
	if err != nil {
		AbortWithError(c, newValidationError("endAt", "invalid_time", "endAt must be RFC 3339"))
		return
	}

	records, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListRequest{
		Action:     strings.TrimSpace(c.Query("action")),
		TargetType: strings.TrimSpace(c.Query("targetType")),
		TargetID:   strings.TrimSpace(c.Query("targetId")),
		ActorID:    strings.TrimSpace(c.Query("actorId")),
		StartAt:    startAt,
		EndAt:      endAt,
		Limit:      limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"records": records})
}
