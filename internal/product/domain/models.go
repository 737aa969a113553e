// Package domain contains persistence models for the billable product catalog.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/labfoundry/chargeback/internal/money"
)

// Product is a billable item or service offered by a facility. Its code is
// permanent: rows are retired by clearing Active, never deleted, so a code
// can never be transferred or reused.
type Product struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	FacilityID  snowflake.ID `gorm:"not null;index" json:"facility_id"`
	Code        string       `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name        string       `gorm:"type:text;not null" json:"name"`
	Description *string      `gorm:"type:text" json:"description,omitempty"`
	Units       string       `gorm:"type:text;not null" json:"units"`
	Billable    bool         `gorm:"not null;default:true" json:"billable"`
	Active      bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Product) TableName() string { return "products" }

// RateClass distinguishes pricing for internal and commercial customers.
type RateClass string

const (
	RateClassInternal   RateClass = "internal"
	RateClassCommercial RateClass = "commercial"
)

// Rate prices a product for a rate class over an effective window. Price is
// pennies per unit.
type Rate struct {
	ID            snowflake.ID  `gorm:"primaryKey" json:"id"`
	ProductID     snowflake.ID  `gorm:"not null;index" json:"product_id"`
	Price         money.Pennies `gorm:"not null" json:"price"`
	Currency      string        `gorm:"type:text;not null;default:'USD'" json:"currency"`
	Units         string        `gorm:"type:text;not null" json:"units"`
	Class         RateClass     `gorm:"type:text;not null;default:'internal'" json:"class"`
	EffectiveFrom time.Time     `gorm:"not null" json:"effective_from"`
	EffectiveTo   *time.Time    `json:"effective_to,omitempty"`
	Active        bool          `gorm:"not null;default:true" json:"active"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Rate) TableName() string { return "rates" }

// EffectiveAt reports whether the rate applies on the given date.
func (r Rate) EffectiveAt(at time.Time) bool {
	if !r.Active {
		return false
	}
	if at.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !at.Before(*r.EffectiveTo) {
		return false
	}
	return true
}
