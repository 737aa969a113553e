package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/labfoundry/chargeback/internal/audit/domain"
	"github.com/labfoundry/chargeback/internal/authorization"
)

func (s *Server) ListAuditLogs(c *gin.Context) {
	facilityID, err := parseOptionalID(c.Query("facility_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, facilityID, authorization.ObjectAuditLog, authorization.ActionAuditLogView); err != nil {
		AbortWithError(c, err)
		return
	}

	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	req := auditdomain.ListAuditLogRequest{
		Action:     strings.TrimSpace(c.Query("action")),
		TargetType: strings.TrimSpace(c.Query("target_type")),
		TargetID:   strings.TrimSpace(c.Query("target_id")),
		ActorID:    strings.TrimSpace(c.Query("actor_id")),
		Limit:      limit,
	}
	if raw := strings.TrimSpace(c.Query("start_at")); raw != "" {
		startAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		req.StartAt = &startAt
	}
	if raw := strings.TrimSpace(c.Query("end_at")); raw != "" {
		endAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		req.EndAt = &endAt
	}

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
