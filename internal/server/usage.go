package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/labfoundry/chargeback/internal/authorization"
	ledgerdomain "github.com/labfoundry/chargeback/internal/ledger/domain"
	"github.com/labfoundry/chargeback/internal/money"
	usagedomain "github.com/labfoundry/chargeback/internal/usage/domain"
)

type recordUsageRequest struct {
	ProductID      string         `json:"product_id"`
	OrganizationID string         `json:"organization_id"`
	UserID         string         `json:"user_id"`
	Quantity       float64        `json:"quantity"`
	OccurredAt     string         `json:"occurred_at"`
	StartedAt      *string        `json:"started_at"`
	EndedAt        *string        `json:"ended_at"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) RecordUsage(c *gin.Context) {
	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	productID, err := parseID(req.ProductID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	orgID, err := parseID(req.OrganizationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	userID, err := parseID(req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	product, err := s.productSvc.GetByID(c.Request.Context(), productID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, product.FacilityID, authorization.ObjectUsage, authorization.ActionUsageRecord); err != nil {
		AbortWithError(c, err)
		return
	}

	input := usagedomain.RecordUsageRequest{
		ProductID:      productID,
		OrganizationID: orgID,
		UserID:         userID,
		Quantity:       req.Quantity,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	}
	if raw := strings.TrimSpace(req.OccurredAt); raw != "" {
		occurredAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		input.OccurredAt = occurredAt
	}
	if input.StartedAt, err = parseOptionalTime(req.StartedAt); err != nil {
		AbortWithError(c, err)
		return
	}
	if input.EndedAt, err = parseOptionalTime(req.EndedAt); err != nil {
		AbortWithError(c, err)
		return
	}

	record, err := s.usageSvc.Record(c.Request.Context(), input)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if s.metrics != nil {
		s.metrics.UsageRecorded.Inc()
	}
	c.JSON(http.StatusCreated, gin.H{"data": record})
}

func (s *Server) GetUsage(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	record, err := s.usageSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) DeleteUsage(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.usageSvc.Delete(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type chargeUsageRequest struct {
	AccountID   string `json:"account_id"`
	Recalculate bool   `json:"recalculate"`
}

func (s *Server) ChargeUsage(c *gin.Context) {
	usageID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req chargeUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	accountID, err := parseID(req.AccountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.ledgerSvc.ChargeUsage(c.Request.Context(), ledgerdomain.ChargeUsageRequest{
		UsageRecordID: usageID,
		AccountID:     accountID,
		Recalculate:   req.Recalculate,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Skipped {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": result})
}

type splitUsageRequest struct {
	Allocations []struct {
		AccountID string  `json:"account_id"`
		Percent   float64 `json:"percent"`
	} `json:"allocations"`
}

func (s *Server) SplitUsage(c *gin.Context) {
	usageID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req splitUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	facilityID, err := s.usageFacility(c, usageID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, facilityID, authorization.ObjectUsage, authorization.ActionUsageSplit); err != nil {
		AbortWithError(c, err)
		return
	}

	allocations := make([]ledgerdomain.Allocation, 0, len(req.Allocations))
	for _, alloc := range req.Allocations {
		accountID, err := parseID(alloc.AccountID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		allocations = append(allocations, ledgerdomain.Allocation{
			AccountID: accountID,
			Percent:   alloc.Percent,
		})
	}

	records, err := s.ledgerSvc.SplitUsage(c.Request.Context(), ledgerdomain.SplitUsageRequest{
		UsageRecordID: usageID,
		Allocations:   allocations,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var total money.Pennies
	for _, record := range records {
		total += record.Charge
	}
	c.JSON(http.StatusCreated, gin.H{"data": gin.H{
		"billing_records": records,
		"total":           total,
	}})
}

// usageFacility resolves which facility owns the product behind a usage record.
func (s *Server) usageFacility(c *gin.Context, usageID snowflake.ID) (snowflake.ID, error) {
	record, err := s.usageSvc.GetByID(c.Request.Context(), usageID)
	if err != nil {
		return 0, err
	}
	product, err := s.productSvc.GetByID(c.Request.Context(), record.ProductID)
	if err != nil {
		return 0, err
	}
	return product.FacilityID, nil
}

func parseOptionalTime(raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(*raw))
	if err != nil {
		return nil, ErrInvalidRequest
	}
	return &parsed, nil
}
