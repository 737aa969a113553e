package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/labfoundry/chargeback/internal/cache"
	"github.com/labfoundry/chargeback/internal/clock"
	productdomain "github.com/labfoundry/chargeback/internal/product/domain"
	"github.com/labfoundry/chargeback/pkg/db"
	"github.com/labfoundry/chargeback/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Cache *cache.ProductCache `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cache *cache.ProductCache

	productRepo repository.Repository[productdomain.Product]
	rateRepo    repository.Repository[productdomain.Rate]
}

func NewService(p ServiceParam) productdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("product.service"),
		genID: p.GenID,
		clock: p.Clock,
		cache: p.Cache,

		productRepo: repository.ProvideStore[productdomain.Product](p.DB),
		rateRepo:    repository.ProvideStore[productdomain.Rate](p.DB),
	}
}

func (s *Service) Register(ctx context.Context, req productdomain.RegisterProductRequest) (productdomain.Product, error) {
	code := slug.Make(strings.TrimSpace(req.Code))
	if code == "" {
		return productdomain.Product{}, productdomain.ErrInvalidCode
	}

	now := s.clock.Now()
	product := productdomain.Product{
		ID:          s.genID.Generate(),
		FacilityID:  req.FacilityID,
		Code:        code,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Units:       strings.TrimSpace(req.Units),
		Billable:    req.Billable,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Retired products keep their rows, so the unique index also rejects
		// reuse of a retired code.
		if err := tx.Create(&product).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return productdomain.ErrDuplicateIdentifier
			}
			return err
		}
		for _, input := range req.Rates {
			rate, err := s.buildRate(product, input, now)
			if err != nil {
				return err
			}
			if err := tx.Create(&rate).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return productdomain.Product{}, err
	}
	return product, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (productdomain.Product, error) {
	product, err := s.productRepo.FindOne(ctx, &productdomain.Product{ID: id})
	if err != nil {
		return productdomain.Product{}, err
	}
	if product == nil {
		return productdomain.Product{}, productdomain.ErrNotFound
	}
	return *product, nil
}

func (s *Service) List(ctx context.Context, req productdomain.ListProductRequest) (productdomain.ListProductResponse, error) {
	filter := &productdomain.Product{FacilityID: req.FacilityID}
	if req.ActiveOnly {
		filter.Active = true
	}
	items, err := s.productRepo.Find(ctx, filter)
	if err != nil {
		return productdomain.ListProductResponse{}, err
	}

	products := make([]productdomain.Product, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		products = append(products, *item)
	}
	return productdomain.ListProductResponse{Products: products}, nil
}

func (s *Service) AddRate(ctx context.Context, productID snowflake.ID, input productdomain.RateInput) (productdomain.Rate, error) {
	product, err := s.GetByID(ctx, productID)
	if err != nil {
		return productdomain.Rate{}, err
	}

	rate, err := s.buildRate(product, input, s.clock.Now())
	if err != nil {
		return productdomain.Rate{}, err
	}
	if err := s.rateRepo.Create(ctx, &rate); err != nil {
		return productdomain.Rate{}, err
	}
	return rate, nil
}

func (s *Service) GetRate(ctx context.Context, productID snowflake.ID, asOf time.Time, class productdomain.RateClass) (productdomain.Rate, error) {
	if class == "" {
		class = productdomain.RateClassInternal
	}

	rates, err := s.rateRepo.Find(ctx, &productdomain.Rate{
		ProductID: productID,
		Class:     class,
		Active:    true,
	})
	if err != nil {
		return productdomain.Rate{}, err
	}

	// Rates can overlap during a price change; the most recent effective_from
	// wins so new prices take over on their start date.
	var match *productdomain.Rate
	for _, rate := range rates {
		if rate == nil || !rate.EffectiveAt(asOf) {
			continue
		}
		if match == nil || rate.EffectiveFrom.After(match.EffectiveFrom) {
			match = rate
		}
	}
	if match == nil {
		return productdomain.Rate{}, productdomain.ErrNoActiveRate
	}
	return *match, nil
}

func (s *Service) Retire(ctx context.Context, id snowflake.ID) error {
	product, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.productRepo.Update(ctx, product.ID.String(), map[string]any{
		"active":     false,
		"updated_at": s.clock.Now(),
	}); err != nil {
		return err
	}
	// Usage ingest must stop accepting the product right away, not after the
	// cached copy expires.
	if s.cache != nil {
		s.cache.Invalidate(product.ID)
	}
	return nil
}

func (s *Service) buildRate(product productdomain.Product, input productdomain.RateInput, now time.Time) (productdomain.Rate, error) {
	// Credits are carried by transaction sign, not negative rates.
	if input.Price < 0 {
		return productdomain.Rate{}, productdomain.ErrInvalidRate
	}
	units := strings.TrimSpace(input.Units)
	if units == "" {
		units = product.Units
	}
	currency := strings.TrimSpace(input.Currency)
	if currency == "" {
		currency = "USD"
	}
	class := input.Class
	if class == "" {
		class = productdomain.RateClassInternal
	}
	effectiveFrom := input.EffectiveFrom
	if effectiveFrom.IsZero() {
		effectiveFrom = now
	}

	return productdomain.Rate{
		ID:            s.genID.Generate(),
		ProductID:     product.ID,
		Price:         input.Price,
		Currency:      currency,
		Units:         units,
		Class:         class,
		EffectiveFrom: effectiveFrom,
		EffectiveTo:   input.EffectiveTo,
		Active:        true,
		CreatedAt:     now,
	}, nil
}
