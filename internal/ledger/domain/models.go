// Package domain contains the billing record and transaction ledger models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/labfoundry/chargeback/internal/money"
)

// BillingRecord ties one usage record to one expense account for a billing
// period. Charge is derived: it must always equal the sum of the record's
// transactions. A usage record may carry several billing records when its
// cost is split across accounts, but never two for the same account.
type BillingRecord struct {
	ID            snowflake.ID  `gorm:"primaryKey" json:"id"`
	AccountID     snowflake.ID  `gorm:"not null;uniqueIndex:idx_billing_account_usage" json:"account_id"`
	UsageRecordID snowflake.ID  `gorm:"not null;uniqueIndex:idx_billing_account_usage;index" json:"usage_record_id"`
	Year          int           `gorm:"not null;index:idx_billing_period" json:"year"`
	Month         int           `gorm:"not null;index:idx_billing_period" json:"month"`
	Charge        money.Pennies `gorm:"not null" json:"charge"`
	Percent       float64       `gorm:"not null;default:100" json:"percent"`
	Description   string        `gorm:"type:text" json:"description"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (BillingRecord) TableName() string { return "billing_records" }

// Transaction is one ledger line under a billing record. Lines are never
// edited in place; corrections add an offsetting line or remove the bad one,
// and either way the parent charge is recomputed from what remains.
type Transaction struct {
	ID              snowflake.ID  `gorm:"primaryKey" json:"id"`
	BillingRecordID snowflake.ID  `gorm:"not null;index" json:"billing_record_id"`
	UsageRecordID   snowflake.ID  `gorm:"not null;index" json:"usage_record_id"`
	Charge          money.Pennies `gorm:"not null" json:"charge"`
	Description     string        `gorm:"type:text" json:"description"`
	AuthorID        string        `gorm:"type:text;not null" json:"author_id"`
	CreatedAt       time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }
