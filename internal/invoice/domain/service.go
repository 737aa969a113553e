package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type GenerateRequest struct {
	FacilityID snowflake.ID
	AccountID  snowflake.ID
	Year       int
	Month      int
	// Instructions overrides the facility default payment block when set.
	Instructions string
}

type ListRequest struct {
	FacilityID snowflake.ID
	AccountID  snowflake.ID
	Year       int
	Month      int
	// ActiveOnly drops superseded revisions from the listing.
	ActiveOnly bool
}

// Lab administrators and facility administrators see the same invoice
// fields; there is no reduced projection for either audience.
type Service interface {
	Generate(ctx context.Context, req GenerateRequest) (Invoice, error)
	Reissue(ctx context.Context, id snowflake.ID, reason string) (Invoice, error)
	AddNote(ctx context.Context, id snowflake.ID, body string) (InvoiceNote, error)
	SetInstructions(ctx context.Context, id snowflake.ID, instructions string) (Invoice, error)
	Get(ctx context.Context, id snowflake.ID) (Invoice, error)
	ListNotes(ctx context.Context, id snowflake.ID) ([]InvoiceNote, error)
	List(ctx context.Context, req ListRequest) ([]Invoice, error)
}

var (
	ErrNotFound          = errors.New("invoice_not_found")
	ErrNothingToInvoice  = errors.New("nothing_to_invoice")
	ErrInvoiceSuperseded = errors.New("invoice_superseded")
	ErrInvalidPeriod     = errors.New("invalid_period")
	ErrEmptyNote         = errors.New("empty_note")
)
