package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/labfoundry/chargeback/internal/actorcontext"
	"github.com/labfoundry/chargeback/internal/authorization"
	ledgerdomain "github.com/labfoundry/chargeback/internal/ledger/domain"
	"github.com/labfoundry/chargeback/internal/money"
	productdomain "github.com/labfoundry/chargeback/internal/product/domain"
)

type rateInput struct {
	Price         int64   `json:"price"`
	Currency      string  `json:"currency"`
	Units         string  `json:"units"`
	Class         string  `json:"class"`
	EffectiveFrom string  `json:"effective_from"`
	EffectiveTo   *string `json:"effective_to"`
}

type registerProductRequest struct {
	FacilityID  string      `json:"facility_id"`
	Code        string      `json:"code"`
	Name        string      `json:"name"`
	Description *string     `json:"description"`
	Units       string      `json:"units"`
	Billable    bool        `json:"billable"`
	Rates       []rateInput `json:"rates"`
}

func (s *Server) RegisterProduct(c *gin.Context) {
	var req registerProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	facilityID, err := parseID(req.FacilityID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, facilityID, authorization.ObjectProduct, authorization.ActionProductCreate); err != nil {
		AbortWithError(c, err)
		return
	}

	rates := make([]productdomain.RateInput, 0, len(req.Rates))
	for _, input := range req.Rates {
		rate, err := buildRateInput(input)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		rates = append(rates, rate)
	}

	product, err := s.productSvc.Register(c.Request.Context(), productdomain.RegisterProductRequest{
		FacilityID:  facilityID,
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		Units:       req.Units,
		Billable:    req.Billable,
		Rates:       rates,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": product})
}

func (s *Server) ListProducts(c *gin.Context) {
	facilityID, err := parseOptionalID(c.Query("facility_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.productSvc.List(c.Request.Context(), productdomain.ListProductRequest{
		FacilityID: facilityID,
		ActiveOnly: parseBool(c.Query("active_only")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetProduct(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	product, err := s.productSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": product})
}

func (s *Server) AddRate(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req rateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	input, err := buildRateInput(req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	product, err := s.productSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, product.FacilityID, authorization.ObjectProduct, authorization.ActionRateCreate); err != nil {
		AbortWithError(c, err)
		return
	}

	rate, err := s.productSvc.AddRate(c.Request.Context(), id, input)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": rate})
}

func (s *Server) GetRate(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	asOf := time.Now().UTC()
	if raw := strings.TrimSpace(c.Query("as_of")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		asOf = parsed
	}

	rate, err := s.productSvc.GetRate(c.Request.Context(), id, asOf,
		productdomain.RateClass(strings.TrimSpace(c.Query("class"))))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rate})
}

func (s *Server) RetireProduct(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	product, err := s.productSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.authorize(c, product.FacilityID, authorization.ObjectProduct, authorization.ActionProductRetire); err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.productSvc.Retire(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func buildRateInput(input rateInput) (productdomain.RateInput, error) {
	out := productdomain.RateInput{
		Price:    money.Pennies(input.Price),
		Currency: input.Currency,
		Units:    input.Units,
		Class:    productdomain.RateClass(strings.TrimSpace(input.Class)),
	}
	if raw := strings.TrimSpace(input.EffectiveFrom); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return productdomain.RateInput{}, ErrInvalidRequest
		}
		out.EffectiveFrom = from
	}
	if input.EffectiveTo != nil {
		to, err := time.Parse(time.RFC3339, strings.TrimSpace(*input.EffectiveTo))
		if err != nil {
			return productdomain.RateInput{}, ErrInvalidRequest
		}
		out.EffectiveTo = &to
	}
	return out, nil
}

func (s *Server) authorize(c *gin.Context, facilityID snowflake.ID, object, action string) error {
	actor, ok := actorcontext.ActorFromContext(c.Request.Context())
	if !ok {
		return ledgerdomain.ErrMissingActor
	}
	return s.authSvc.Authorize(c.Request.Context(), actor.ID, facilityID, object, action)
}
