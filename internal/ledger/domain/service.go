package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/labfoundry/chargeback/internal/money"
)

// Allocation assigns a percentage of a usage record's cost to an account.
type Allocation struct {
	AccountID snowflake.ID
	Percent   float64
}

type ChargeUsageRequest struct {
	UsageRecordID snowflake.ID
	AccountID     snowflake.ID
	// Recalculate replaces the existing charge for (account, usage) instead
	// of skipping it.
	Recalculate bool
}

type AddTransactionRequest struct {
	BillingRecordID snowflake.ID
	Charge          money.Pennies
	Description     string
}

type SplitUsageRequest struct {
	UsageRecordID snowflake.ID
	Allocations   []Allocation
}

type ListBillingRecordsRequest struct {
	AccountID snowflake.ID
	Year      int
	Month     int
}

// ChargeResult reports what ChargeUsage did for one usage record.
type ChargeResult struct {
	BillingRecord BillingRecord
	Skipped       bool
}

type Service interface {
	ChargeUsage(ctx context.Context, req ChargeUsageRequest) (ChargeResult, error)
	SplitUsage(ctx context.Context, req SplitUsageRequest) ([]BillingRecord, error)
	AddTransaction(ctx context.Context, req AddTransactionRequest) (Transaction, error)
	RemoveTransaction(ctx context.Context, id snowflake.ID) error
	VerifyIntegrity(ctx context.Context, billingRecordID snowflake.ID) error
	GetBillingRecord(ctx context.Context, id snowflake.ID) (BillingRecord, error)
	GetTransaction(ctx context.Context, id snowflake.ID) (Transaction, error)
	ListBillingRecords(ctx context.Context, req ListBillingRecordsRequest) ([]BillingRecord, error)
	ListTransactions(ctx context.Context, billingRecordID snowflake.ID) ([]Transaction, error)
	UsageBilled(ctx context.Context, usageRecordID snowflake.ID) (bool, error)
}

var (
	ErrBillingRecordNotFound = errors.New("billing_record_not_found")
	ErrTransactionNotFound   = errors.New("transaction_not_found")
	ErrAlreadyCharged        = errors.New("usage_already_charged")
	ErrUnitsMismatch         = errors.New("units_mismatch")
	ErrChargeMismatch        = errors.New("charge_mismatch")
	ErrNotBillable           = errors.New("product_not_billable")
	ErrMissingActor          = errors.New("missing_actor")
)

// AllocationError reports an invalid split request.
type AllocationError struct {
	Reason string
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("invalid allocation: %s", e.Reason)
}
