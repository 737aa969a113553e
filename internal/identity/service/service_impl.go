package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/labfoundry/chargeback/internal/clock"
	identitydomain "github.com/labfoundry/chargeback/internal/identity/domain"
	"github.com/labfoundry/chargeback/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	userRepo     repository.Repository[identitydomain.User]
	accountRepo  repository.Repository[identitydomain.Account]
	facilityRepo repository.Repository[identitydomain.Facility]
	contactRepo  repository.Repository[identitydomain.BillingContact]
}

func NewService(p Params) identitydomain.Directory {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("identity.service"),
		genID: p.GenID,
		clock: p.Clock,

		userRepo:     repository.ProvideStore[identitydomain.User](p.DB),
		accountRepo:  repository.ProvideStore[identitydomain.Account](p.DB),
		facilityRepo: repository.ProvideStore[identitydomain.Facility](p.DB),
		contactRepo:  repository.ProvideStore[identitydomain.BillingContact](p.DB),
	}
}

func (s *Service) GetUser(ctx context.Context, id snowflake.ID) (*identitydomain.User, error) {
	user, err := s.userRepo.FindOne(ctx, &identitydomain.User{ID: id})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, identitydomain.ErrUserNotFound
	}
	return user, nil
}

func (s *Service) GetAccount(ctx context.Context, id snowflake.ID) (*identitydomain.Account, error) {
	account, err := s.accountRepo.FindOne(ctx, &identitydomain.Account{ID: id})
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, identitydomain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) GetFacility(ctx context.Context, id snowflake.ID) (*identitydomain.Facility, error) {
	facility, err := s.facilityRepo.FindOne(ctx, &identitydomain.Facility{ID: id})
	if err != nil {
		return nil, err
	}
	if facility == nil {
		return nil, identitydomain.ErrFacilityNotFound
	}
	return facility, nil
}

func (s *Service) EnsureFacility(ctx context.Context, name, contactEmail string) (*identitydomain.Facility, error) {
	name = strings.TrimSpace(name)
	existing, err := s.facilityRepo.FindOne(ctx, &identitydomain.Facility{Name: name})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.clock.Now()
	facility := identitydomain.Facility{
		ID:           s.genID.Generate(),
		Name:         name,
		Slug:         slug.Make(name),
		ContactEmail: contactEmail,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.facilityRepo.Create(ctx, &facility); err != nil {
		return nil, err
	}
	return &facility, nil
}

func (s *Service) ListLabContacts(ctx context.Context, organizationID snowflake.ID) ([]string, error) {
	contacts, err := s.contactRepo.Find(ctx, &identitydomain.BillingContact{
		OrganizationID: &organizationID,
		Role:           identitydomain.ContactRoleLabAdmin,
	})
	if err != nil {
		return nil, err
	}
	return emails(contacts), nil
}

func (s *Service) ListFacilityContacts(ctx context.Context, facilityID snowflake.ID) ([]string, error) {
	contacts, err := s.contactRepo.Find(ctx, &identitydomain.BillingContact{
		FacilityID: &facilityID,
		Role:       identitydomain.ContactRoleFacilityAdmin,
	})
	if err != nil {
		return nil, err
	}
	return emails(contacts), nil
}

func emails(contacts []*identitydomain.BillingContact) []string {
	out := make([]string, 0, len(contacts))
	for _, c := range contacts {
		if c == nil || c.Email == "" {
			continue
		}
		out = append(out, c.Email)
	}
	return out
}
