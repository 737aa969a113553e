// Package domain contains persistence models for recorded product usage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageRecord is one event of a user consuming a quantity of a product.
// Recording usage creates no charge by itself. Richer usage shapes attach
// through the optional start/end window and metadata rather than subtypes,
// and a record becomes immutable once a transaction references it.
type UsageRecord struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	ProductID      snowflake.ID      `gorm:"not null;index" json:"product_id"`
	OrganizationID snowflake.ID      `gorm:"not null;index" json:"organization_id"`
	UserID         snowflake.ID      `gorm:"not null;index" json:"user_id"`
	Quantity       float64           `gorm:"not null" json:"quantity"`
	Units          string            `gorm:"type:text;not null" json:"units"`
	OccurredAt     time.Time         `gorm:"not null;index" json:"occurred_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	IdempotencyKey *string           `gorm:"type:text;uniqueIndex" json:"idempotency_key,omitempty"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }
