package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type RecordUsageRequest struct {
	ProductID      snowflake.ID
	OrganizationID snowflake.ID
	UserID         snowflake.ID
	Quantity       float64
	OccurredAt     time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	IdempotencyKey string
	Metadata       map[string]any
}

type Service interface {
	Record(ctx context.Context, req RecordUsageRequest) (UsageRecord, error)
	GetByID(ctx context.Context, id snowflake.ID) (UsageRecord, error)
	// Delete removes an unbilled usage record. Once a transaction references
	// the record it is frozen and Delete returns ErrUsageBilled.
	Delete(ctx context.Context, id snowflake.ID) error
}

var (
	ErrNotFound              = errors.New("usage_not_found")
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrProductRetired        = errors.New("product_retired")
	ErrUsageBilled           = errors.New("usage_already_billed")
)
