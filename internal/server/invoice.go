package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/labfoundry/chargeback/internal/authorization"
	billingrundomain "github.com/labfoundry/chargeback/internal/billingrun/domain"
	invoicedomain "github.com/labfoundry/chargeback/internal/invoice/domain"
)

type generateRunRequest struct {
	FacilityID string   `json:"facility_id"`
	Year       int      `json:"year"`
	Month      int      `json:"month"`
	AccountIDs []string `json:"account_ids"`
}

func (s *Server) GenerateInvoiceRun(c *gin.Context) {
	var req generateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	facilityID, err := parseID(req.FacilityID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	input := billingrundomain.GenerateForPeriodRequest{
		FacilityID: facilityID,
		Year:       req.Year,
		Month:      req.Month,
	}
	for _, raw := range req.AccountIDs {
		accountID, err := parseID(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		input.AccountIDs = append(input.AccountIDs, accountID)
	}

	run, err := s.runSvc.GenerateForPeriod(c.Request.Context(), input)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": run})
}

type generateInvoiceRequest struct {
	FacilityID string `json:"facility_id"`
	AccountID  string `json:"account_id"`
	Year       int    `json:"year"`
	Month      int    `json:"month"`
}

func (s *Server) GenerateInvoice(c *gin.Context) {
	var req generateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	facilityID, err := parseID(req.FacilityID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	accountID, err := parseID(req.AccountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	invoice, err := s.runSvc.GenerateSingle(c.Request.Context(), facilityID, accountID, req.Year, req.Month)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": invoice})
}

func (s *Server) ListInvoices(c *gin.Context) {
	facilityID, err := parseOptionalID(c.Query("facility_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	accountID, err := parseOptionalID(c.Query("account_id"))
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

	invoices, err := s.invoiceSvc.List(c.Request.Context(), invoicedomain.ListRequest{
		FacilityID: facilityID,
		AccountID:  accountID,
		Year:       year,
		Month:      month,
		ActiveOnly: parseBool(c.Query("active_only")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoices})
}

func (s *Server) GetInvoice(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	invoice, err := s.invoiceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, invoice.FacilityID, authorization.ObjectInvoice, authorization.ActionInvoiceView); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func (s *Server) GetInvoicePDF(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	invoice, err := s.invoiceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, invoice.FacilityID, authorization.ObjectInvoice, authorization.ActionInvoiceView); err != nil {
		AbortWithError(c, err)
		return
	}

	doc, err := s.renderer.Render(invoice)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	data, err := io.ReadAll(doc)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", invoice.Number+".pdf"))
	c.Data(http.StatusOK, "application/pdf", data)
}

type reissueRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) ReissueInvoice(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req reissueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	original, err := s.invoiceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, original.FacilityID, authorization.ObjectInvoice, authorization.ActionInvoiceReissue); err != nil {
		AbortWithError(c, err)
		return
	}

	invoice, err := s.invoiceSvc.Reissue(c.Request.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": invoice})
}

type addNoteRequest struct {
	Body string `json:"body"`
}

func (s *Server) AddInvoiceNote(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req addNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	invoice, err := s.invoiceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, invoice.FacilityID, authorization.ObjectInvoice, authorization.ActionInvoiceAnnotate); err != nil {
		AbortWithError(c, err)
		return
	}

	note, err := s.invoiceSvc.AddNote(c.Request.Context(), id, req.Body)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": note})
}

func (s *Server) ListInvoiceNotes(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	notes, err := s.invoiceSvc.ListNotes(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": notes})
}

type setInstructionsRequest struct {
	Instructions string `json:"instructions"`
}

func (s *Server) SetInvoiceInstructions(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req setInstructionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	invoice, err := s.invoiceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, invoice.FacilityID, authorization.ObjectInvoice, authorization.ActionInvoiceAnnotate); err != nil {
		AbortWithError(c, err)
		return
	}

	updated, err := s.invoiceSvc.SetInstructions(c.Request.Context(), id, req.Instructions)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": updated})
}
