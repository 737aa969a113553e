package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/labfoundry/chargeback/internal/actorcontext"
	"github.com/labfoundry/chargeback/internal/authorization"
	billingrundomain "github.com/labfoundry/chargeback/internal/billingrun/domain"
	"github.com/labfoundry/chargeback/internal/config"
	identitydomain "github.com/labfoundry/chargeback/internal/identity/domain"
	invoicedomain "github.com/labfoundry/chargeback/internal/invoice/domain"
	ledgerdomain "github.com/labfoundry/chargeback/internal/ledger/domain"
	"github.com/labfoundry/chargeback/internal/metrics"
	"github.com/labfoundry/chargeback/internal/money"
	"github.com/labfoundry/chargeback/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Invoices  invoicedomain.Service
	Directory identitydomain.Directory
	AuthSvc   authorization.Service
	Email     email.Provider
	Invoicing *config.InvoicingConfigHolder
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	invoices  invoicedomain.Service
	directory identitydomain.Directory
	authSvc   authorization.Service
	email     email.Provider
	invoicing *config.InvoicingConfigHolder
	metrics   *metrics.Metrics
}

func NewService(p ServiceParam) billingrundomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("billingrun.service"),
		invoices:  p.Invoices,
		directory: p.Directory,
		authSvc:   p.AuthSvc,
		email:     p.Email,
		invoicing: p.Invoicing,
		metrics:   p.Metrics,
	}
}

func (s *Service) GenerateForPeriod(ctx context.Context, req billingrundomain.GenerateForPeriodRequest) (billingrundomain.RunResult, error) {
	actor, ok := actorcontext.ActorFromContext(ctx)
	if !ok {
		return billingrundomain.RunResult{}, ledgerdomain.ErrMissingActor
	}
	if err := s.authSvc.Authorize(ctx, actor.ID, req.FacilityID,
		authorization.ObjectInvoice, authorization.ActionInvoiceGenerate); err != nil {
		return billingrundomain.RunResult{}, err
	}

	accounts, err := s.resolveAccounts(ctx, req.AccountIDs)
	if err != nil {
		return billingrundomain.RunResult{}, err
	}
	if len(accounts) == 0 {
		return billingrundomain.RunResult{}, billingrundomain.ErrNoAccounts
	}

	run := billingrundomain.RunResult{
		FacilityID: req.FacilityID,
		Year:       req.Year,
		Month:      req.Month,
	}
	orgIDs := make(map[snowflake.ID]struct{})
	for _, account := range accounts {
		result := billingrundomain.AccountResult{
			AccountID:   account.ID,
			AccountCode: account.Code,
		}

		invoice, err := s.invoices.Generate(ctx, invoicedomain.GenerateRequest{
			FacilityID: req.FacilityID,
			AccountID:  account.ID,
			Year:       req.Year,
			Month:      req.Month,
		})
		switch {
		case err == nil:
			result.Outcome = billingrundomain.OutcomeIssued
			result.InvoiceID = invoice.ID
			result.Number = invoice.Number
			result.Total = invoice.Total
			run.Issued++
			orgIDs[account.OrganizationID] = struct{}{}
		case errors.Is(err, invoicedomain.ErrNothingToInvoice):
			result.Outcome = billingrundomain.OutcomeSkipped
			result.Reason = "no charges in period"
			run.Skipped++
		default:
			// A bad account never aborts the rest of the run.
			result.Outcome = billingrundomain.OutcomeFailed
			result.Reason = err.Error()
			run.Failed++
			s.log.Warn("invoice generation failed",
				zap.String("account_id", account.ID.String()),
				zap.Error(err),
			)
		}
		if s.metrics != nil {
			s.metrics.InvoicesGenerated.
				WithLabelValues(req.FacilityID.String(), string(result.Outcome)).
				Inc()
		}
		run.Results = append(run.Results, result)
	}

	s.notify(ctx, req.FacilityID, orgIDs, run)
	return run, nil
}

func (s *Service) GenerateSingle(ctx context.Context, facilityID, accountID snowflake.ID, year, month int) (invoicedomain.Invoice, error) {
	actor, ok := actorcontext.ActorFromContext(ctx)
	if !ok {
		return invoicedomain.Invoice{}, ledgerdomain.ErrMissingActor
	}
	if err := s.authSvc.Authorize(ctx, actor.ID, facilityID,
		authorization.ObjectInvoice, authorization.ActionInvoiceGenerate); err != nil {
		return invoicedomain.Invoice{}, err
	}

	invoice, err := s.invoices.Generate(ctx, invoicedomain.GenerateRequest{
		FacilityID: facilityID,
		AccountID:  accountID,
		Year:       year,
		Month:      month,
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if s.metrics != nil {
		s.metrics.InvoicesGenerated.
			WithLabelValues(facilityID.String(), string(billingrundomain.OutcomeIssued)).
			Inc()
	}
	return invoice, nil
}

func (s *Service) resolveAccounts(ctx context.Context, ids []snowflake.ID) ([]identitydomain.Account, error) {
	query := s.db.WithContext(ctx).Model(&identitydomain.Account{})
	if len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	} else {
		query = query.Where("active = ?", true)
	}

	var accounts []identitydomain.Account
	if err := query.Order("code ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// notify sends one run summary per recipient set. Lab admins and facility
// admins receive the identical listing.
func (s *Service) notify(ctx context.Context, facilityID snowflake.ID, orgIDs map[snowflake.ID]struct{}, run billingrundomain.RunResult) {
	recipients := make(map[string]struct{})

	facilityContacts, err := s.directory.ListFacilityContacts(ctx, facilityID)
	if err != nil {
		s.log.Warn("facility contact lookup failed", zap.Error(err))
	}
	for _, addr := range facilityContacts {
		recipients[addr] = struct{}{}
	}
	for orgID := range orgIDs {
		labContacts, err := s.directory.ListLabContacts(ctx, orgID)
		if err != nil {
			s.log.Warn("lab contact lookup failed",
				zap.String("organization_id", orgID.String()), zap.Error(err))
			continue
		}
		for _, addr := range labContacts {
			recipients[addr] = struct{}{}
		}
	}
	if len(recipients) == 0 {
		return
	}

	to := make([]string, 0, len(recipients))
	for addr := range recipients {
		to = append(to, addr)
	}

	cfg := s.invoicing.Current()
	subject := fmt.Sprintf("%s %04d-%02d", cfg.NotifySubject, run.Year, run.Month)
	if err := s.email.Send(ctx, to, subject, runSummary(run)); err != nil {
		s.log.Warn("run notification failed", zap.Error(err))
	}
}

func runSummary(run billingrundomain.RunResult) string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "Invoice run for %04d-%02d: %d issued, %d skipped, %d failed.\n\n",
		run.Year, run.Month, run.Issued, run.Skipped, run.Failed)
	for _, result := range run.Results {
		switch result.Outcome {
		case billingrundomain.OutcomeIssued:
			fmt.Fprintf(&b, "%s: invoice %s for %s\n",
				result.AccountCode, result.Number, money.Dollars(result.Total))
		case billingrundomain.OutcomeSkipped:
			fmt.Fprintf(&b, "%s: skipped (%s)\n", result.AccountCode, result.Reason)
		default:
			fmt.Fprintf(&b, "%s: FAILED (%s)\n", result.AccountCode, result.Reason)
		}
	}
	return b.String()
}
