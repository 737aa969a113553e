// Package domain contains the invoice snapshot models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/labfoundry/chargeback/internal/money"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusIssued     Status = "ISSUED"
	StatusSuperseded Status = "SUPERSEDED"
)

// Invoice is a frozen statement of charges for one account and period.
// The snapshot bytes are written once at generation time and never
// rewritten; corrections arrive as a new revision that supersedes this one.
type Invoice struct {
	ID           snowflake.ID   `gorm:"primaryKey" json:"id"`
	Number       string         `gorm:"type:text;not null;uniqueIndex" json:"number"`
	Sequence     int64          `gorm:"not null;index:idx_invoice_facility_seq" json:"sequence"`
	FacilityID   snowflake.ID   `gorm:"not null;index:idx_invoice_facility_seq" json:"facility_id"`
	AccountID    snowflake.ID   `gorm:"not null;index" json:"account_id"`
	PeriodStart  time.Time      `gorm:"not null" json:"period_start"`
	PeriodEnd    time.Time      `gorm:"not null" json:"period_end"`
	InvoiceDate  time.Time      `gorm:"not null" json:"invoice_date"`
	Status       Status         `gorm:"type:text;not null" json:"status"`
	Instructions string         `gorm:"type:text" json:"instructions"`
	Total        money.Pennies  `gorm:"not null" json:"total"`
	GeneratedBy  string         `gorm:"type:text;not null" json:"generated_by"`
	GeneratedAt  time.Time      `gorm:"not null" json:"generated_at"`
	// GeneratorVersion records which build computed the charges, so a
	// disputed total can be traced back to the code that produced it.
	GeneratorVersion string         `gorm:"type:text;not null;default:''" json:"generator_version"`
	Revision         int            `gorm:"not null;default:1" json:"revision"`
	SupersedesID     *snowflake.ID  `gorm:"index" json:"supersedes_id,omitempty"`
	Snapshot         datatypes.JSON `gorm:"type:jsonb" json:"snapshot"`
	CreatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// InvoiceNote is append-only commentary attached outside the frozen snapshot.
type InvoiceNote struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	InvoiceID snowflake.ID `gorm:"not null;index" json:"invoice_id"`
	AuthorID  string       `gorm:"type:text;not null" json:"author_id"`
	Body      string       `gorm:"type:text;not null" json:"body"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (InvoiceNote) TableName() string { return "invoice_notes" }
