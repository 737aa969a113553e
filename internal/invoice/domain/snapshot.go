package domain

import (
	"time"

	"github.com/labfoundry/chargeback/internal/money"
)

// Snapshot is the deep copy of ledger state an invoice freezes at
// generation time. Later edits to products, rates, or the ledger never
// change what an issued invoice says.
type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Account     SnapshotAccount  `json:"account"`
	Facility    SnapshotFacility `json:"facility"`
	Lines       []SnapshotLine   `json:"lines"`
	Total       money.Pennies    `json:"total"`
}

type SnapshotAccount struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	Name         string `json:"name"`
	Organization string `json:"organization"`
}

type SnapshotFacility struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SnapshotLine copies one billing record with its usage and transactions.
type SnapshotLine struct {
	BillingRecordID string                `json:"billing_record_id"`
	Description     string                `json:"description"`
	Charge          money.Pennies         `json:"charge"`
	Percent         float64               `json:"percent"`
	Usage           SnapshotUsage         `json:"usage"`
	Transactions    []SnapshotTransaction `json:"transactions"`
}

type SnapshotUsage struct {
	ID          string    `json:"id"`
	ProductCode string    `json:"product_code"`
	ProductName string    `json:"product_name"`
	Quantity    float64   `json:"quantity"`
	Units       string    `json:"units"`
	OccurredAt  time.Time `json:"occurred_at"`
	Username    string    `json:"username"`
}

type SnapshotTransaction struct {
	ID          string        `json:"id"`
	Charge      money.Pennies `json:"charge"`
	Description string        `json:"description"`
	AuthorID    string        `json:"author_id"`
	CreatedAt   time.Time     `json:"created_at"`
}
