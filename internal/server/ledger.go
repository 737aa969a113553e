package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/labfoundry/chargeback/internal/authorization"
	ledgerdomain "github.com/labfoundry/chargeback/internal/ledger/domain"
	"github.com/labfoundry/chargeback/internal/money"
)

func (s *Server) ListBillingRecords(c *gin.Context) {
	accountID, err := parseID(c.Query("account_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	year, err := parseOptionalInt(c.Query("year"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	month, err := parseOptionalInt(c.Query("month"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	records, err := s.ledgerSvc.ListBillingRecords(c.Request.Context(), ledgerdomain.ListBillingRecordsRequest{
		AccountID: accountID,
		Year:      year,
		Month:     month,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}

func (s *Server) GetBillingRecord(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	record, err := s.ledgerSvc.GetBillingRecord(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) ListTransactions(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	lines, err := s.ledgerSvc.ListTransactions(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": lines})
}

type addTransactionRequest struct {
	Charge      int64  `json:"charge"`
	Description string `json:"description"`
}

func (s *Server) AddTransaction(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req addTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	facilityID, err := s.billingRecordFacility(c, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, facilityID, authorization.ObjectBillingRecord, authorization.ActionTransactionAdd); err != nil {
		AbortWithError(c, err)
		return
	}

	line, err := s.ledgerSvc.AddTransaction(c.Request.Context(), ledgerdomain.AddTransactionRequest{
		BillingRecordID: id,
		Charge:          money.Pennies(req.Charge),
		Description:     req.Description,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": line})
}

func (s *Server) RemoveTransaction(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	line, err := s.ledgerSvc.GetTransaction(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	facilityID, err := s.billingRecordFacility(c, line.BillingRecordID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, facilityID, authorization.ObjectBillingRecord, authorization.ActionTransactionRemove); err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.ledgerSvc.RemoveTransaction(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) billingRecordFacility(c *gin.Context, recordID snowflake.ID) (snowflake.ID, error) {
	record, err := s.ledgerSvc.GetBillingRecord(c.Request.Context(), recordID)
	if err != nil {
		return 0, err
	}
	return s.usageFacility(c, record.UsageRecordID)
}

func (s *Server) VerifyBillingRecord(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.ledgerSvc.VerifyIntegrity(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"consistent": true}})
}
