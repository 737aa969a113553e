package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/labfoundry/chargeback/internal/actorcontext"
	auditdomain "github.com/labfoundry/chargeback/internal/audit/domain"
	"github.com/labfoundry/chargeback/internal/clock"
	ledgerdomain "github.com/labfoundry/chargeback/internal/ledger/domain"
	"github.com/labfoundry/chargeback/internal/money"
	productdomain "github.com/labfoundry/chargeback/internal/product/domain"
	usagedomain "github.com/labfoundry/chargeback/internal/usage/domain"
	"github.com/labfoundry/chargeback/pkg/db"
	"github.com/labfoundry/chargeback/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	AuditSvc auditdomain.Service
	Products productdomain.Service
	Usage    usagedomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	auditSvc auditdomain.Service
	products productdomain.Service
	usage    usagedomain.Service

	billingRepo repository.Repository[ledgerdomain.BillingRecord]
	txRepo      repository.Repository[ledgerdomain.Transaction]
}

func NewService(p ServiceParam) ledgerdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("ledger.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		auditSvc: p.AuditSvc,
		products: p.Products,
		usage:    p.Usage,

		billingRepo: repository.ProvideStore[ledgerdomain.BillingRecord](p.DB),
		txRepo:      repository.ProvideStore[ledgerdomain.Transaction](p.DB),
	}
}

// chargeDescription renders "{qty} {units} at {price} per {units}".
func chargeDescription(quantity float64, units string, unitPrice money.Pennies) string {
	qty := strconv.FormatFloat(quantity, 'f', -1, 64)
	return fmt.Sprintf("%s %s at %s per %s", qty, units, money.Dollars(unitPrice), units)
}

func (s *Service) ChargeUsage(ctx context.Context, req ledgerdomain.ChargeUsageRequest) (ledgerdomain.ChargeResult, error) {
	actor, ok := actorcontext.ActorFromContext(ctx)
	if !ok {
		return ledgerdomain.ChargeResult{}, ledgerdomain.ErrMissingActor
	}

	usageRecord, err := s.usage.GetByID(ctx, req.UsageRecordID)
	if err != nil {
		return ledgerdomain.ChargeResult{}, err
	}

	product, err := s.products.GetByID(ctx, usageRecord.ProductID)
	if err != nil {
		return ledgerdomain.ChargeResult{}, err
	}
	if !product.Billable {
		return ledgerdomain.ChargeResult{}, ledgerdomain.ErrNotBillable
	}

	rate, err := s.products.GetRate(ctx, product.ID, usageRecord.OccurredAt, productdomain.RateClassInternal)
	if err != nil {
		return ledgerdomain.ChargeResult{}, err
	}
	if rate.Units != usageRecord.Units {
		return ledgerdomain.ChargeResult{}, ledgerdomain.ErrUnitsMismatch
	}

	charge := money.Scale(rate.Price, usageRecord.Quantity)
	description := chargeDescription(usageRecord.Quantity, usageRecord.Units, rate.Price)

	var result ledgerdomain.ChargeResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ledgerdomain.BillingRecord
		findErr := db.ForUpdate(tx).
			Where("account_id = ? AND usage_record_id = ?", req.AccountID, usageRecord.ID).
			First(&existing).Error
		switch {
		case findErr == nil:
			if !req.Recalculate {
				result = ledgerdomain.ChargeResult{BillingRecord: existing, Skipped: true}
				return nil
			}
			// Recalculation replaces the derivation wholesale: old lines go,
			// a fresh charge line comes in.
			if err := tx.Where("billing_record_id = ?", existing.ID).
				Delete(&ledgerdomain.Transaction{}).Error; err != nil {
				return err
			}
			line := s.newTransaction(existing.ID, usageRecord.ID, charge, description, actor.ID)
			if err := tx.Create(&line).Error; err != nil {
				return err
			}
			existing.Charge = charge
			existing.Description = description
			existing.UpdatedAt = s.clock.Now()
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			result = ledgerdomain.ChargeResult{BillingRecord: existing}
			return nil
		case findErr == gorm.ErrRecordNotFound:
			record := ledgerdomain.BillingRecord{
				ID:            s.genID.Generate(),
				AccountID:     req.AccountID,
				UsageRecordID: usageRecord.ID,
				Year:          usageRecord.OccurredAt.Year(),
				Month:         int(usageRecord.OccurredAt.Month()),
				Charge:        charge,
				Percent:       100,
				Description:   description,
				CreatedAt:     s.clock.Now(),
				UpdatedAt:     s.clock.Now(),
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
			line := s.newTransaction(record.ID, usageRecord.ID, charge, description, actor.ID)
			if err := tx.Create(&line).Error; err != nil {
				return err
			}
			result = ledgerdomain.ChargeResult{BillingRecord: record}
			return nil
		default:
			return findErr
		}
	})
	if err != nil {
		return ledgerdomain.ChargeResult{}, err
	}

	if !result.Skipped {
		s.audit(ctx, actor.ID, "ledger.charge_usage", result.BillingRecord.ID, map[string]any{
			"usage_record_id": usageRecord.ID.String(),
			"account_id":      req.AccountID.String(),
			"charge":          int64(result.BillingRecord.Charge),
			"recalculated":    req.Recalculate,
		})
	}
	return result, nil
}

func (s *Service) SplitUsage(ctx context.Context, req ledgerdomain.SplitUsageRequest) ([]ledgerdomain.BillingRecord, error) {
	actor, ok := actorcontext.ActorFromContext(ctx)
	if !ok {
		return nil, ledgerdomain.ErrMissingActor
	}
	if len(req.Allocations) == 0 {
		return nil, &ledgerdomain.AllocationError{Reason: "no allocations"}
	}

	seen := make(map[snowflake.ID]struct{}, len(req.Allocations))
	percents := make([]float64, 0, len(req.Allocations))
	for _, alloc := range req.Allocations {
		if _, dup := seen[alloc.AccountID]; dup {
			return nil, &ledgerdomain.AllocationError{Reason: "duplicate account"}
		}
		seen[alloc.AccountID] = struct{}{}
		percents = append(percents, alloc.Percent)
	}

	usageRecord, err := s.usage.GetByID(ctx, req.UsageRecordID)
	if err != nil {
		return nil, err
	}

	product, err := s.products.GetByID(ctx, usageRecord.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.Billable {
		return nil, ledgerdomain.ErrNotBillable
	}

	rate, err := s.products.GetRate(ctx, product.ID, usageRecord.OccurredAt, productdomain.RateClassInternal)
	if err != nil {
		return nil, err
	}
	if rate.Units != usageRecord.Units {
		return nil, ledgerdomain.ErrUnitsMismatch
	}

	total := money.Scale(rate.Price, usageRecord.Quantity)
	shares, err := money.SplitPercent(total, percents)
	if err != nil {
		return nil, &ledgerdomain.AllocationError{Reason: err.Error()}
	}
	baseDescription := chargeDescription(usageRecord.Quantity, usageRecord.Units, rate.Price)

	records := make([]ledgerdomain.BillingRecord, 0, len(req.Allocations))
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&ledgerdomain.BillingRecord{}).
			Where("usage_record_id = ?", usageRecord.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ledgerdomain.ErrAlreadyCharged
		}

		now := s.clock.Now()
		for i, alloc := range req.Allocations {
			description := fmt.Sprintf("%s (%s%% of %s)",
				baseDescription, strconv.FormatFloat(alloc.Percent, 'f', -1, 64), money.Dollars(total))
			record := ledgerdomain.BillingRecord{
				ID:            s.genID.Generate(),
				AccountID:     alloc.AccountID,
				UsageRecordID: usageRecord.ID,
				Year:          usageRecord.OccurredAt.Year(),
				Month:         int(usageRecord.OccurredAt.Month()),
				Charge:        shares[i],
				Percent:       alloc.Percent,
				Description:   description,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
			line := s.newTransaction(record.ID, usageRecord.ID, shares[i], description, actor.ID)
			if err := tx.Create(&line).Error; err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actor.ID, "ledger.split_usage", usageRecord.ID, map[string]any{
		"allocations": len(records),
		"total":       int64(total),
	})
	return records, nil
}

func (s *Service) AddTransaction(ctx context.Context, req ledgerdomain.AddTransactionRequest) (ledgerdomain.Transaction, error) {
	actor, ok := actorcontext.ActorFromContext(ctx)
	if !ok {
		return ledgerdomain.Transaction{}, ledgerdomain.ErrMissingActor
	}

	var line ledgerdomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.lockBillingRecord(tx, req.BillingRecordID)
		if err != nil {
			return err
		}
		line = s.newTransaction(record.ID, record.UsageRecordID, req.Charge, req.Description, actor.ID)
		if err := tx.Create(&line).Error; err != nil {
			return err
		}
		return s.recomputeCharge(tx, record)
	})
	if err != nil {
		return ledgerdomain.Transaction{}, err
	}

	s.audit(ctx, actor.ID, "ledger.transaction_added", line.ID, map[string]any{
		"billing_record_id": req.BillingRecordID.String(),
		"charge":            int64(req.Charge),
	})
	return line, nil
}

func (s *Service) RemoveTransaction(ctx context.Context, id snowflake.ID) error {
	actor, ok := actorcontext.ActorFromContext(ctx)
	if !ok {
		return ledgerdomain.ErrMissingActor
	}

	var recordID snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var line ledgerdomain.Transaction
		if err := tx.Where("id = ?", id).First(&line).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ledgerdomain.ErrTransactionNotFound
			}
			return err
		}
		record, err := s.lockBillingRecord(tx, line.BillingRecordID)
		if err != nil {
			return err
		}
		recordID = record.ID
		if err := tx.Delete(&ledgerdomain.Transaction{}, "id = ?", line.ID).Error; err != nil {
			return err
		}
		return s.recomputeCharge(tx, record)
	})
	if err != nil {
		return err
	}

	s.audit(ctx, actor.ID, "ledger.transaction_removed", id, map[string]any{
		"billing_record_id": recordID.String(),
	})
	return nil
}

func (s *Service) VerifyIntegrity(ctx context.Context, billingRecordID snowflake.ID) error {
	record, err := s.GetBillingRecord(ctx, billingRecordID)
	if err != nil {
		return err
	}
	lines, err := s.ListTransactions(ctx, billingRecordID)
	if err != nil {
		return err
	}

	var total money.Pennies
	for _, line := range lines {
		total += line.Charge
	}
	if total == record.Charge {
		return nil
	}

	// Divergence is reported, never silently repaired.
	s.log.Error("billing record charge diverges from its transactions",
		zap.String("billing_record_id", record.ID.String()),
		zap.Int64("stored", int64(record.Charge)),
		zap.Int64("derived", int64(total)),
	)
	actorID := "system"
	if actor, ok := actorcontext.ActorFromContext(ctx); ok {
		actorID = actor.ID
	}
	s.audit(ctx, actorID, "ledger.charge_mismatch", record.ID, map[string]any{
		"stored":  int64(record.Charge),
		"derived": int64(total),
	})
	return ledgerdomain.ErrChargeMismatch
}

func (s *Service) GetBillingRecord(ctx context.Context, id snowflake.ID) (ledgerdomain.BillingRecord, error) {
	record, err := s.billingRepo.FindOne(ctx, &ledgerdomain.BillingRecord{ID: id})
	if err != nil {
		return ledgerdomain.BillingRecord{}, err
	}
	if record == nil {
		return ledgerdomain.BillingRecord{}, ledgerdomain.ErrBillingRecordNotFound
	}
	return *record, nil
}

func (s *Service) GetTransaction(ctx context.Context, id snowflake.ID) (ledgerdomain.Transaction, error) {
	line, err := s.txRepo.FindOne(ctx, &ledgerdomain.Transaction{ID: id})
	if err != nil {
		return ledgerdomain.Transaction{}, err
	}
	if line == nil {
		return ledgerdomain.Transaction{}, ledgerdomain.ErrTransactionNotFound
	}
	return *line, nil
}

func (s *Service) ListBillingRecords(ctx context.Context, req ledgerdomain.ListBillingRecordsRequest) ([]ledgerdomain.BillingRecord, error) {
	items, err := s.billingRepo.Find(ctx, &ledgerdomain.BillingRecord{
		AccountID: req.AccountID,
		Year:      req.Year,
		Month:     req.Month,
	})
	if err != nil {
		return nil, err
	}
	records := make([]ledgerdomain.BillingRecord, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}
	return records, nil
}

func (s *Service) ListTransactions(ctx context.Context, billingRecordID snowflake.ID) ([]ledgerdomain.Transaction, error) {
	items, err := s.txRepo.Find(ctx, &ledgerdomain.Transaction{BillingRecordID: billingRecordID})
	if err != nil {
		return nil, err
	}
	lines := make([]ledgerdomain.Transaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		lines = append(lines, *item)
	}
	return lines, nil
}

func (s *Service) UsageBilled(ctx context.Context, usageRecordID snowflake.ID) (bool, error) {
	count, err := s.txRepo.Count(ctx, &ledgerdomain.Transaction{UsageRecordID: usageRecordID})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) newTransaction(recordID, usageID snowflake.ID, charge money.Pennies, description, authorID string) ledgerdomain.Transaction {
	return ledgerdomain.Transaction{
		ID:              s.genID.Generate(),
		BillingRecordID: recordID,
		UsageRecordID:   usageID,
		Charge:          charge,
		Description:     description,
		AuthorID:        authorID,
		CreatedAt:       s.clock.Now(),
	}
}

func (s *Service) lockBillingRecord(tx *gorm.DB, id snowflake.ID) (*ledgerdomain.BillingRecord, error) {
	var record ledgerdomain.BillingRecord
	if err := db.ForUpdate(tx).Where("id = ?", id).First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ledgerdomain.ErrBillingRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

// recomputeCharge restores charge = SUM(transactions) under the caller's row
// lock. Callers must hold the billing record FOR UPDATE.
func (s *Service) recomputeCharge(tx *gorm.DB, record *ledgerdomain.BillingRecord) error {
	var total money.Pennies
	if err := tx.Model(&ledgerdomain.Transaction{}).
		Where("billing_record_id = ?", record.ID).
		Select("COALESCE(SUM(charge), 0)").
		Scan(&total).Error; err != nil {
		return err
	}
	return tx.Model(record).Updates(map[string]any{
		"charge":     total,
		"updated_at": s.clock.Now(),
	}).Error
}

func (s *Service) audit(ctx context.Context, actorID, action string, targetID snowflake.ID, metadata map[string]any) {
	target := targetID.String()
	if err := s.auditSvc.Record(ctx, actorID, action, "ledger", &target, metadata); err != nil {
		s.log.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}
