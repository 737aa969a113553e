// Package domain describes the monthly invoice generation workflow.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/labfoundry/chargeback/internal/invoice/domain"
	"github.com/labfoundry/chargeback/internal/money"
)

type Outcome string

const (
	OutcomeIssued  Outcome = "issued"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// AccountResult is the per-account outcome of a run. One account failing
// never aborts the remaining accounts.
type AccountResult struct {
	AccountID   snowflake.ID  `json:"account_id"`
	AccountCode string        `json:"account_code"`
	Outcome     Outcome       `json:"outcome"`
	InvoiceID   snowflake.ID  `json:"invoice_id,omitempty"`
	Number      string        `json:"number,omitempty"`
	Total       money.Pennies `json:"total,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

type RunResult struct {
	FacilityID snowflake.ID    `json:"facility_id"`
	Year       int             `json:"year"`
	Month      int             `json:"month"`
	Issued     int             `json:"issued"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	Results    []AccountResult `json:"results"`
}

type GenerateForPeriodRequest struct {
	FacilityID snowflake.ID
	Year       int
	Month      int
	// AccountIDs narrows the run; empty means every active account.
	AccountIDs []snowflake.ID
}

type Service interface {
	GenerateForPeriod(ctx context.Context, req GenerateForPeriodRequest) (RunResult, error)
	GenerateSingle(ctx context.Context, facilityID, accountID snowflake.ID, year, month int) (invoicedomain.Invoice, error)
}

var ErrNoAccounts = errors.New("no_accounts_in_scope")
