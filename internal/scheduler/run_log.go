package scheduler

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// RunLog claims one automatic invoice run per facility and period. The unique
// index makes the claim race-free across replicas: whichever instance inserts
// the row first owns the run.
type RunLog struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	FacilityID snowflake.ID `gorm:"not null;uniqueIndex:idx_run_log_facility_period" json:"facility_id"`
	Year       int          `gorm:"not null;uniqueIndex:idx_run_log_facility_period" json:"year"`
	Month      int          `gorm:"not null;uniqueIndex:idx_run_log_facility_period" json:"month"`
	StartedAt  time.Time    `gorm:"not null" json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Issued     int          `gorm:"not null;default:0" json:"issued"`
	Skipped    int          `gorm:"not null;default:0" json:"skipped"`
	Failed     int          `gorm:"not null;default:0" json:"failed"`
	LastError  string       `gorm:"type:text" json:"last_error,omitempty"`
}

// TableName sets the database table name.
func (RunLog) TableName() string { return "billing_run_logs" }
