// Package domain contains identity models consumed as opaque references.
// Authentication and user management live in the external directory; this
// service only stores the identifiers and display data billing needs.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Organization is a lab or research group that owns accounts.
type Organization struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	Slug      string       `gorm:"type:text;not null;uniqueIndex" json:"slug"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }

// User mirrors the external directory entry for a facility user.
type User struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Username  string       `gorm:"type:text;not null;uniqueIndex" json:"username"`
	FullName  string       `gorm:"type:text" json:"full_name"`
	Email     string       `gorm:"type:text" json:"email"`
	Active    bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }

// Account is a billable expense code belonging to an organization.
type Account struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	OrganizationID snowflake.ID `gorm:"not null;index" json:"organization_id"`
	Code           string       `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name           string       `gorm:"type:text" json:"name"`
	Active         bool         `gorm:"not null;default:true" json:"active"`
	ValidFrom      time.Time    `gorm:"not null" json:"valid_from"`
	ExpirationDate *time.Time   `json:"expiration_date,omitempty"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// Facility is a shared core that owns billable products and issues invoices.
type Facility struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	Name         string       `gorm:"type:text;not null;uniqueIndex" json:"name"`
	Slug         string       `gorm:"type:text;not null;uniqueIndex" json:"slug"`
	ContactEmail string       `gorm:"type:text" json:"contact_email"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Facility) TableName() string { return "facilities" }

type ContactRole string

const (
	ContactRoleLabAdmin      ContactRole = "lab_admin"
	ContactRoleFacilityAdmin ContactRole = "facility_admin"
)

// BillingContact maps invoice notifications to recipients for an
// organization or facility.
type BillingContact struct {
	ID             snowflake.ID  `gorm:"primaryKey" json:"id"`
	OrganizationID *snowflake.ID `gorm:"index" json:"organization_id,omitempty"`
	FacilityID     *snowflake.ID `gorm:"index" json:"facility_id,omitempty"`
	Email          string        `gorm:"type:text;not null" json:"email"`
	Role           ContactRole   `gorm:"type:text;not null" json:"role"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (BillingContact) TableName() string { return "billing_contacts" }
