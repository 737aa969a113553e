package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/labfoundry/chargeback/internal/authorization"
	identitydomain "github.com/labfoundry/chargeback/internal/identity/domain"
	invoicedomain "github.com/labfoundry/chargeback/internal/invoice/domain"
	ledgerdomain "github.com/labfoundry/chargeback/internal/ledger/domain"
	"github.com/labfoundry/chargeback/internal/money"
	productdomain "github.com/labfoundry/chargeback/internal/product/domain"
	usagedomain "github.com/labfoundry/chargeback/internal/usage/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest  = errors.New("invalid_request")
	ErrTooManyRequests = errors.New("too_many_requests")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var allocErr *ledgerdomain.AllocationError
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, productdomain.ErrInvalidCode),
		errors.Is(err, productdomain.ErrInvalidRate),
		errors.Is(err, usagedomain.ErrInvalidQuantity),
		errors.Is(err, usagedomain.ErrInvalidIdempotencyKey),
		errors.Is(err, invoicedomain.ErrInvalidPeriod),
		errors.Is(err, invoicedomain.ErrEmptyNote),
		errors.Is(err, money.ErrInvalidPercentages),
		errors.As(err, &allocErr):
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: err.Error()}

	case errors.Is(err, ledgerdomain.ErrMissingActor):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "an acting user is required"}

	case errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: "forbidden"}

	case errors.Is(err, productdomain.ErrNotFound),
		errors.Is(err, usagedomain.ErrNotFound),
		errors.Is(err, ledgerdomain.ErrBillingRecordNotFound),
		errors.Is(err, ledgerdomain.ErrTransactionNotFound),
		errors.Is(err, invoicedomain.ErrNotFound),
		errors.Is(err, identitydomain.ErrUserNotFound),
		errors.Is(err, identitydomain.ErrAccountNotFound),
		errors.Is(err, identitydomain.ErrFacilityNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}

	case errors.Is(err, productdomain.ErrDuplicateIdentifier),
		errors.Is(err, ledgerdomain.ErrAlreadyCharged),
		errors.Is(err, usagedomain.ErrUsageBilled),
		errors.Is(err, invoicedomain.ErrInvoiceSuperseded):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}

	case errors.Is(err, productdomain.ErrNoActiveRate),
		errors.Is(err, ledgerdomain.ErrUnitsMismatch),
		errors.Is(err, ledgerdomain.ErrNotBillable),
		errors.Is(err, usagedomain.ErrProductRetired),
		errors.Is(err, invoicedomain.ErrNothingToInvoice):
		return http.StatusUnprocessableEntity, errorPayload{Type: "unprocessable", Message: err.Error()}

	case errors.Is(err, ledgerdomain.ErrChargeMismatch):
		return http.StatusConflict, errorPayload{Type: "integrity_error", Message: err.Error()}

	case errors.Is(err, ErrTooManyRequests):
		return http.StatusTooManyRequests, errorPayload{Type: "rate_limited", Message: "usage ingest rate exceeded"}
	}

	return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
}
