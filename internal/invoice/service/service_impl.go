package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/labfoundry/chargeback/internal/actorcontext"
	auditdomain "github.com/labfoundry/chargeback/internal/audit/domain"
	"github.com/labfoundry/chargeback/internal/clock"
	"github.com/labfoundry/chargeback/internal/config"
	identitydomain "github.com/labfoundry/chargeback/internal/identity/domain"
	invoicedomain "github.com/labfoundry/chargeback/internal/invoice/domain"
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

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	AuditSvc  auditdomain.Service
	Directory identitydomain.Directory
	Invoicing *config.InvoicingConfigHolder
	Config    config.Config
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	auditSvc  auditdomain.Service
	directory identitydomain.Directory
	invoicing *config.InvoicingConfigHolder
	version   string

	invoiceRepo repository.Repository[invoicedomain.Invoice]
	noteRepo    repository.Repository[invoicedomain.InvoiceNote]
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("invoice.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		auditSvc:  p.AuditSvc,
		directory: p.Directory,
		invoicing: p.Invoicing,
		version:   p.Config.AppVersion,

		invoiceRepo: repository.ProvideStore[invoicedomain.Invoice](p.DB),
		noteRepo:    repository.ProvideStore[invoicedomain.InvoiceNote](p.DB),
	}
}

func (s *Service) Generate(ctx context.Context, req invoicedomain.GenerateRequest) (invoicedomain.Invoice, error) {
	actor, ok := actorcontext.ActorFromContext(ctx)
	if !ok {
		return invoicedomain.Invoice{}, ledgerdomain.ErrMissingActor
	}
	if req.Month < 1 || req.Month > 12 || req.Year < 2000 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidPeriod
	}

	facility, err := s.directory.GetFacility(ctx, req.FacilityID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if facility == nil {
		return invoicedomain.Invoice{}, identitydomain.ErrFacilityNotFound
	}

	invoice, superseded, err := s.generate(ctx, *facility, req, actor, nil, 1)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	metadata := map[string]any{
		"account_id": req.AccountID.String(),
		"period":     fmt.Sprintf("%04d-%02d", req.Year, req.Month),
		"total":      int64(invoice.Total),
		"revision":   invoice.Revision,
	}
	if superseded != nil {
		metadata["superseded_invoice_id"] = superseded.ID.String()
	}
	s.audit(ctx, actor.ID, "invoice.generated", invoice.ID, metadata)
	return invoice, nil
}

func (s *Service) Reissue(ctx context.Context, id snowflake.ID, reason string) (invoicedomain.Invoice, error) {
	actor, ok := actorcontext.ActorFromContext(ctx)
	if !ok {
		return invoicedomain.Invoice{}, ledgerdomain.ErrMissingActor
	}

	original, err := s.Get(ctx, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	// A superseded revision already has a successor; reissuing it again
	// would fork the revision chain.
	if original.Status == invoicedomain.StatusSuperseded {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceSuperseded
	}

	facility, err := s.directory.GetFacility(ctx, original.FacilityID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if facility == nil {
		return invoicedomain.Invoice{}, identitydomain.ErrFacilityNotFound
	}

	req := invoicedomain.GenerateRequest{
		FacilityID:   original.FacilityID,
		AccountID:    original.AccountID,
		Year:         original.PeriodStart.Year(),
		Month:        int(original.PeriodStart.Month()),
		Instructions: original.Instructions,
	}
	invoice, _, err := s.generate(ctx, *facility, req, actor, &original, original.Revision+1)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	s.audit(ctx, actor.ID, "invoice.reissued", invoice.ID, map[string]any{
		"supersedes": original.ID.String(),
		"reason":     reason,
		"revision":   invoice.Revision,
	})
	return invoice, nil
}

// generate builds and stores one invoice revision in a single database
// transaction. supersedes, when non-nil, is flipped to SUPERSEDED in the same
// transaction; an active invoice already covering the period is treated the
// same way so Generate over an existing period is an implicit reissue.
func (s *Service) generate(
	ctx context.Context,
	facility identitydomain.Facility,
	req invoicedomain.GenerateRequest,
	actor actorcontext.Actor,
	supersedes *invoicedomain.Invoice,
	revision int,
) (invoicedomain.Invoice, *invoicedomain.Invoice, error) {
	periodStart := time.Date(req.Year, time.Month(req.Month), 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	var invoice invoicedomain.Invoice
	var replaced *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account identitydomain.Account
		if err := db.ForUpdate(tx).
			Where("id = ?", req.AccountID).
			First(&account).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return identitydomain.ErrAccountNotFound
			}
			return err
		}

		if supersedes != nil {
			replaced = supersedes
		} else {
			var active invoicedomain.Invoice
			err := db.ForUpdate(tx).
				Where("facility_id = ? AND account_id = ? AND period_start = ? AND status <> ?",
					facility.ID, account.ID, periodStart, invoicedomain.StatusSuperseded).
				First(&active).Error
			switch {
			case err == nil:
				replaced = &active
				revision = active.Revision + 1
			case err == gorm.ErrRecordNotFound:
			default:
				return err
			}
		}

		snapshot, total, err := s.buildSnapshot(tx, facility, account, req.Year, req.Month)
		if err != nil {
			return err
		}
		if len(snapshot.Lines) == 0 {
			return invoicedomain.ErrNothingToInvoice
		}

		raw, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}

		// Number assignment happens inside the transaction so two concurrent
		// runs for the same facility cannot claim the same sequence.
		var maxSeq int64
		if err := tx.Model(&invoicedomain.Invoice{}).
			Where("facility_id = ?", facility.ID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}

		cfg := s.invoicing.Current()
		instructions := strings.TrimSpace(req.Instructions)
		if instructions == "" {
			instructions = cfg.DefaultInstructions
		}

		now := s.clock.Now()
		invoice = invoicedomain.Invoice{
			ID:               s.genID.Generate(),
			Sequence:         maxSeq + 1,
			Number:           fmt.Sprintf("%s-%s-%06d", cfg.NumberPrefix, facility.Slug, maxSeq+1),
			FacilityID:       facility.ID,
			AccountID:        account.ID,
			PeriodStart:      periodStart,
			PeriodEnd:        periodEnd,
			InvoiceDate:      now,
			Status:           invoicedomain.StatusIssued,
			Instructions:     instructions,
			Total:            total,
			GeneratedBy:      actor.ID,
			GeneratedAt:      now,
			GeneratorVersion: s.version,
			Revision:         revision,
			Snapshot:         raw,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if replaced != nil {
			id := replaced.ID
			invoice.SupersedesID = &id
			// Only the status column moves; the superseded snapshot bytes
			// stay exactly as issued.
			if err := tx.Model(&invoicedomain.Invoice{}).
				Where("id = ?", replaced.ID).
				Updates(map[string]any{
					"status":     invoicedomain.StatusSuperseded,
					"updated_at": now,
				}).Error; err != nil {
				return err
			}
		}
		return tx.Create(&invoice).Error
	})
	if err != nil {
		return invoicedomain.Invoice{}, nil, err
	}
	return invoice, replaced, nil
}

// buildSnapshot deep-copies the ledger state for the facility, account and period.
// Every billing record is integrity-checked before it is frozen; a record
// whose stored charge diverges from its transactions aborts the invoice.
func (s *Service) buildSnapshot(
	tx *gorm.DB,
	facility identitydomain.Facility,
	account identitydomain.Account,
	year, month int,
) (invoicedomain.Snapshot, money.Pennies, error) {
	snapshot := invoicedomain.Snapshot{
		GeneratedAt: s.clock.Now(),
		Account: invoicedomain.SnapshotAccount{
			ID:   account.ID.String(),
			Code: account.Code,
			Name: account.Name,
		},
		Facility: invoicedomain.SnapshotFacility{
			ID:   facility.ID.String(),
			Name: facility.Name,
		},
	}

	var organization identitydomain.Organization
	if err := tx.Where("id = ?", account.OrganizationID).First(&organization).Error; err == nil {
		snapshot.Account.Organization = organization.Name
	}

	// Only charges that originated from this facility's products belong on
	// its invoice; the same account may also be billed by other facilities
	// in the same period.
	var records []ledgerdomain.BillingRecord
	if err := tx.Model(&ledgerdomain.BillingRecord{}).
		Joins("JOIN usage_records ON usage_records.id = billing_records.usage_record_id").
		Joins("JOIN products ON products.id = usage_records.product_id").
		Where("billing_records.account_id = ? AND billing_records.year = ? AND billing_records.month = ? AND products.facility_id = ?",
			account.ID, year, month, facility.ID).
		Order("billing_records.created_at ASC").
		Find(&records).Error; err != nil {
		return invoicedomain.Snapshot{}, 0, err
	}

	var total money.Pennies
	for _, record := range records {
		var lines []ledgerdomain.Transaction
		if err := tx.
			Where("billing_record_id = ?", record.ID).
			Order("created_at ASC").
			Find(&lines).Error; err != nil {
			return invoicedomain.Snapshot{}, 0, err
		}

		var derived money.Pennies
		snapshotLines := make([]invoicedomain.SnapshotTransaction, 0, len(lines))
		for _, line := range lines {
			derived += line.Charge
			snapshotLines = append(snapshotLines, invoicedomain.SnapshotTransaction{
				ID:          line.ID.String(),
				Charge:      line.Charge,
				Description: line.Description,
				AuthorID:    line.AuthorID,
				CreatedAt:   line.CreatedAt,
			})
		}
		if derived != record.Charge {
			s.log.Error("refusing to invoice a diverged billing record",
				zap.String("billing_record_id", record.ID.String()),
				zap.Int64("stored", int64(record.Charge)),
				zap.Int64("derived", int64(derived)),
			)
			return invoicedomain.Snapshot{}, 0, ledgerdomain.ErrChargeMismatch
		}

		usageCopy, err := s.copyUsage(tx, record.UsageRecordID)
		if err != nil {
			return invoicedomain.Snapshot{}, 0, err
		}

		total += record.Charge
		snapshot.Lines = append(snapshot.Lines, invoicedomain.SnapshotLine{
			BillingRecordID: record.ID.String(),
			Description:     record.Description,
			Charge:          record.Charge,
			Percent:         record.Percent,
			Usage:           usageCopy,
			Transactions:    snapshotLines,
		})
	}
	snapshot.Total = total
	return snapshot, total, nil
}

func (s *Service) copyUsage(tx *gorm.DB, usageID snowflake.ID) (invoicedomain.SnapshotUsage, error) {
	var usageRecord usagedomain.UsageRecord
	if err := tx.Where("id = ?", usageID).First(&usageRecord).Error; err != nil {
		return invoicedomain.SnapshotUsage{}, err
	}

	copied := invoicedomain.SnapshotUsage{
		ID:         usageRecord.ID.String(),
		Quantity:   usageRecord.Quantity,
		Units:      usageRecord.Units,
		OccurredAt: usageRecord.OccurredAt,
	}

	var product productdomain.Product
	if err := tx.Where("id = ?", usageRecord.ProductID).First(&product).Error; err == nil {
		copied.ProductCode = product.Code
		copied.ProductName = product.Name
	}
	var user identitydomain.User
	if err := tx.Where("id = ?", usageRecord.UserID).First(&user).Error; err == nil {
		copied.Username = user.Username
	}
	return copied, nil
}

func (s *Service) AddNote(ctx context.Context, id snowflake.ID, body string) (invoicedomain.InvoiceNote, error) {
	actor, ok := actorcontext.ActorFromContext(ctx)
	if !ok {
		return invoicedomain.InvoiceNote{}, ledgerdomain.ErrMissingActor
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return invoicedomain.InvoiceNote{}, invoicedomain.ErrEmptyNote
	}

	if _, err := s.Get(ctx, id); err != nil {
		return invoicedomain.InvoiceNote{}, err
	}

	note := invoicedomain.InvoiceNote{
		ID:        s.genID.Generate(),
		InvoiceID: id,
		AuthorID:  actor.ID,
		Body:      body,
		CreatedAt: s.clock.Now(),
	}
	if err := s.noteRepo.Create(ctx, &note); err != nil {
		return invoicedomain.InvoiceNote{}, err
	}

	s.audit(ctx, actor.ID, "invoice.note_added", id, map[string]any{
		"note_id": note.ID.String(),
	})
	return note, nil
}

func (s *Service) SetInstructions(ctx context.Context, id snowflake.ID, instructions string) (invoicedomain.Invoice, error) {
	actor, ok := actorcontext.ActorFromContext(ctx)
	if !ok {
		return invoicedomain.Invoice{}, ledgerdomain.ErrMissingActor
	}

	invoice, err := s.Get(ctx, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	// Instructions live outside the snapshot, so issued invoices stay
	// correctable here without a reissue.
	if err := s.invoiceRepo.Update(ctx, invoice.ID.String(), map[string]any{
		"instructions": instructions,
		"updated_at":   s.clock.Now(),
	}); err != nil {
		return invoicedomain.Invoice{}, err
	}
	invoice.Instructions = instructions

	s.audit(ctx, actor.ID, "invoice.instructions_updated", id, nil)
	return invoice, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	invoice, err := s.invoiceRepo.FindOne(ctx, &invoicedomain.Invoice{ID: id})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrNotFound
	}
	return *invoice, nil
}

func (s *Service) ListNotes(ctx context.Context, id snowflake.ID) ([]invoicedomain.InvoiceNote, error) {
	items, err := s.noteRepo.Find(ctx, &invoicedomain.InvoiceNote{InvoiceID: id})
	if err != nil {
		return nil, err
	}
	notes := make([]invoicedomain.InvoiceNote, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		notes = append(notes, *item)
	}
	return notes, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListRequest) ([]invoicedomain.Invoice, error) {
	query := s.db.WithContext(ctx).Model(&invoicedomain.Invoice{})
	if req.FacilityID != 0 {
		query = query.Where("facility_id = ?", req.FacilityID)
	}
	if req.AccountID != 0 {
		query = query.Where("account_id = ?", req.AccountID)
	}
	if req.Month != 0 && req.Year == 0 {
		return nil, invoicedomain.ErrInvalidPeriod
	}
	if req.Year != 0 {
		if req.Month != 0 {
			periodStart := time.Date(req.Year, time.Month(req.Month), 1, 0, 0, 0, 0, time.UTC)
			query = query.Where("period_start = ?", periodStart)
		} else {
			yearStart := time.Date(req.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
			query = query.Where("period_start >= ? AND period_start < ?", yearStart, yearStart.AddDate(1, 0, 0))
		}
	}
	if req.ActiveOnly {
		query = query.Where("status <> ?", invoicedomain.StatusSuperseded)
	}

	var invoices []invoicedomain.Invoice
	if err := query.Order("invoice_date DESC").Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Service) audit(ctx context.Context, actorID, action string, targetID snowflake.ID, metadata map[string]any) {
	target := targetID.String()
	if err := s.auditSvc.Record(ctx, actorID, action, "invoice", &target, metadata); err != nil {
		s.log.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}
