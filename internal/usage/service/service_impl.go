package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/labfoundry/chargeback/internal/cache"
	"github.com/labfoundry/chargeback/internal/clock"
	ledgerdomain "github.com/labfoundry/chargeback/internal/ledger/domain"
	productdomain "github.com/labfoundry/chargeback/internal/product/domain"
	usagedomain "github.com/labfoundry/chargeback/internal/usage/domain"
	"github.com/labfoundry/chargeback/pkg/db"
	"github.com/labfoundry/chargeback/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Products productdomain.Service
	Cache    *cache.ProductCache `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	products productdomain.Service
	cache    *cache.ProductCache

	usageRepo repository.Repository[usagedomain.UsageRecord]
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("usage.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		products: p.Products,
		cache:    p.Cache,

		usageRepo: repository.ProvideStore[usagedomain.UsageRecord](p.DB),
	}
}

func (s *Service) lookupProduct(ctx context.Context, id snowflake.ID) (productdomain.Product, error) {
	if s.cache != nil {
		if product, ok := s.cache.Get(id); ok {
			return product, nil
		}
	}
	product, err := s.products.GetByID(ctx, id)
	if err != nil {
		return productdomain.Product{}, err
	}
	if s.cache != nil {
		s.cache.Set(product)
	}
	return product, nil
}

func (s *Service) Record(ctx context.Context, req usagedomain.RecordUsageRequest) (usagedomain.UsageRecord, error) {
	if req.Quantity < 0 {
		return usagedomain.UsageRecord{}, usagedomain.ErrInvalidQuantity
	}

	product, err := s.lookupProduct(ctx, req.ProductID)
	if err != nil {
		return usagedomain.UsageRecord{}, err
	}
	if !product.Active {
		return usagedomain.UsageRecord{}, usagedomain.ErrProductRetired
	}

	var key *string
	if k := strings.TrimSpace(req.IdempotencyKey); k != "" {
		if _, err := uuid.Parse(k); err != nil {
			return usagedomain.UsageRecord{}, usagedomain.ErrInvalidIdempotencyKey
		}
		key = &k
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}

	record := usagedomain.UsageRecord{
		ID:             s.genID.Generate(),
		ProductID:      product.ID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Quantity:       req.Quantity,
		Units:          product.Units,
		OccurredAt:     occurredAt,
		StartedAt:      req.StartedAt,
		EndedAt:        req.EndedAt,
		IdempotencyKey: key,
		Metadata:       datatypes.JSONMap(req.Metadata),
		CreatedAt:      s.clock.Now(),
	}

	if err := s.usageRepo.Create(ctx, &record); err != nil {
		// A replayed key returns the original record instead of a second row.
		if key != nil && db.IsDuplicateKeyErr(err) {
			existing, findErr := s.usageRepo.FindOne(ctx, &usagedomain.UsageRecord{IdempotencyKey: key})
			if findErr != nil {
				return usagedomain.UsageRecord{}, findErr
			}
			if existing != nil {
				return *existing, nil
			}
		}
		return usagedomain.UsageRecord{}, err
	}

	s.log.Info("usage recorded",
		zap.String("usage_record_id", record.ID.String()),
		zap.String("product_id", product.ID.String()),
		zap.Float64("quantity", record.Quantity),
	)
	return record, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (usagedomain.UsageRecord, error) {
	record, err := s.usageRepo.FindOne(ctx, &usagedomain.UsageRecord{ID: id})
	if err != nil {
		return usagedomain.UsageRecord{}, err
	}
	if record == nil {
		return usagedomain.UsageRecord{}, usagedomain.ErrNotFound
	}
	return *record, nil
}

func (s *Service) Delete(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record usagedomain.UsageRecord
		if err := tx.Where("id = ?", id).First(&record).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return usagedomain.ErrNotFound
			}
			return err
		}
		var billed int64
		if err := tx.Model(&ledgerdomain.Transaction{}).
			Where("usage_record_id = ?", id).
			Count(&billed).Error; err != nil {
			return err
		}
		if billed > 0 {
			return usagedomain.ErrUsageBilled
		}
		return tx.Delete(&usagedomain.UsageRecord{}, "id = ?", id).Error
	})
}
