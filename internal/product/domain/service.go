package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/labfoundry/chargeback/internal/money"
)

type RegisterProductRequest struct {
	FacilityID  snowflake.ID
	Code        string
	Name        string
	Description *string
	Units       string
	Billable    bool
	Rates       []RateInput
}

type RateInput struct {
	Price         money.Pennies
	Currency      string
	Units         string
	Class         RateClass
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
}

type ListProductRequest struct {
	FacilityID snowflake.ID
	ActiveOnly bool
}

type ListProductResponse struct {
	Products []Product `json:"products"`
}

type Service interface {
	Register(ctx context.Context, req RegisterProductRequest) (Product, error)
	GetByID(ctx context.Context, id snowflake.ID) (Product, error)
	List(ctx context.Context, req ListProductRequest) (ListProductResponse, error)
	AddRate(ctx context.Context, productID snowflake.ID, rate RateInput) (Rate, error)
	GetRate(ctx context.Context, productID snowflake.ID, asOf time.Time, class RateClass) (Rate, error)
	Retire(ctx context.Context, id snowflake.ID) error
}

var (
	ErrDuplicateIdentifier = errors.New("duplicate_identifier")
	ErrNoActiveRate        = errors.New("no_active_rate")
	ErrNotFound            = errors.New("product_not_found")
	ErrInvalidCode         = errors.New("invalid_code")
	ErrInvalidRate         = errors.New("invalid_rate")
)
