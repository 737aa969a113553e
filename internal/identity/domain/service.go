package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Directory is the narrow view of the external user directory the billing
// core depends on.
type Directory interface {
	GetUser(ctx context.Context, id snowflake.ID) (*User, error)
	GetAccount(ctx context.Context, id snowflake.ID) (*Account, error)
	GetFacility(ctx context.Context, id snowflake.ID) (*Facility, error)
	EnsureFacility(ctx context.Context, name, contactEmail string) (*Facility, error)
	ListLabContacts(ctx context.Context, organizationID snowflake.ID) ([]string, error)
	ListFacilityContacts(ctx context.Context, facilityID snowflake.ID) ([]string, error)
}

var (
	ErrUserNotFound     = errors.New("user_not_found")
	ErrAccountNotFound  = errors.New("account_not_found")
	ErrFacilityNotFound = errors.New("facility_not_found")
)
