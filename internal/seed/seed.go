// Package seed provisions the rows a fresh install needs before the first
// request.
package seed

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	identitydomain "github.com/labfoundry/chargeback/internal/identity/domain"
	"gorm.io/gorm"
)

const defaultFacilityName = "Shared Research Facility"

// EnsureDefaultFacility creates a facility when the table is empty so
// self-hosted installs can register products immediately.
func EnsureDefaultFacility(conn *gorm.DB, genID *snowflake.Node) error {
	var count int64
	if err := conn.Model(&identitydomain.Facility{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	now := time.Now().UTC()
	facility := identitydomain.Facility{
		ID:        genID.Generate(),
		Name:      defaultFacilityName,
		Slug:      slug.Make(defaultFacilityName),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return conn.Create(&facility).Error
}
