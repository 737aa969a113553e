package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/labfoundry/chargeback/internal/actorcontext"
	auditdomain "github.com/labfoundry/chargeback/internal/audit/domain"
	auditservice "github.com/labfoundry/chargeback/internal/audit/service"
	"github.com/labfoundry/chargeback/internal/clock"
	"github.com/labfoundry/chargeback/internal/config"
	identitydomain "github.com/labfoundry/chargeback/internal/identity/domain"
	identityservice "github.com/labfoundry/chargeback/internal/identity/service"
	invoicedomain "github.com/labfoundry/chargeback/internal/invoice/domain"
	invoiceservice "github.com/labfoundry/chargeback/internal/invoice/service"
	ledgerdomain "github.com/labfoundry/chargeback/internal/ledger/domain"
	ledgerservice "github.com/labfoundry/chargeback/internal/ledger/service"
	"github.com/labfoundry/chargeback/internal/money"
	productdomain "github.com/labfoundry/chargeback/internal/product/domain"
	productservice "github.com/labfoundry/chargeback/internal/product/service"
	usagedomain "github.com/labfoundry/chargeback/internal/usage/domain"
	usageservice "github.com/labfoundry/chargeback/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	products productdomain.Service
	usage    usagedomain.Service
	ledger   ledgerdomain.Service
	invoices invoicedomain.Service
	clock    *clock.FakeClock
	node     *snowflake.Node

	facility identitydomain.Facility
	account  identitydomain.Account
	user     identitydomain.User
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&identitydomain.Organization{},
		&identitydomain.User{},
		&identitydomain.Account{},
		&identitydomain.Facility{},
		&identitydomain.BillingContact{},
		&productdomain.Product{},
		&productdomain.Rate{},
		&usagedomain.UsageRecord{},
		&ledgerdomain.BillingRecord{},
		&ledgerdomain.Transaction{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceNote{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	holder, err := config.NewInvoicingConfigHolder(log)
	require.NoError(t, err)

	audit := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Clock: fake})
	directory := identityservice.NewService(identityservice.Params{DB: db, Log: log, GenID: node, Clock: fake})
	products := productservice.NewService(productservice.ServiceParam{DB: db, Log: log, GenID: node, Clock: fake})
	usage := usageservice.NewService(usageservice.ServiceParam{DB: db, Log: log, GenID: node, Clock: fake, Products: products})
	ledger := ledgerservice.NewService(ledgerservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fake,
		AuditSvc: audit, Products: products, Usage: usage,
	})
	invoices := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fake,
		AuditSvc: audit, Directory: directory, Invoicing: holder,
		Config: config.Config{AppVersion: "0.1.0-test"},
	})

	f := &fixture{
		db:       db,
		products: products,
		usage:    usage,
		ledger:   ledger,
		invoices: invoices,
		clock:    fake,
		node:     node,
	}

	now := fake.Now()
	organization := identitydomain.Organization{
		ID: node.Generate(), Name: "Meyer Lab", Slug: "meyer-lab",
		CreatedAt: now, UpdatedAt: now,
	}
	f.user = identitydomain.User{
		ID: node.Generate(), Username: "jmeyer", FullName: "J. Meyer",
		Email: "jmeyer@example.edu", Active: true, CreatedAt: now, UpdatedAt: now,
	}
	f.account = identitydomain.Account{
		ID: node.Generate(), OrganizationID: organization.ID,
		Code: "GRANT-4411", Name: "NSF core grant", Active: true,
		ValidFrom: now.AddDate(-1, 0, 0), CreatedAt: now, UpdatedAt: now,
	}
	f.facility = identitydomain.Facility{
		ID: node.Generate(), Name: "Genomics Core", Slug: "genomics-core",
		ContactEmail: "core@example.edu", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.Create(&organization).Error)
	require.NoError(t, db.Create(&f.user).Error)
	require.NoError(t, db.Create(&f.account).Error)
	require.NoError(t, db.Create(&f.facility).Error)
	return f
}

func actorCtx() context.Context {
	return actorcontext.WithActor(context.Background(), actorcontext.Actor{ID: "7", Username: "core-admin"})
}

// chargeUsage records one usage event in March 2026 and charges it to the
// fixture account, leaving a 1000-penny billing record to invoice.
func (f *fixture) chargeUsage(t *testing.T) ledgerdomain.BillingRecord {
	t.Helper()
	ctx := actorCtx()

	product, err := f.products.Register(ctx, productdomain.RegisterProductRequest{
		FacilityID: f.facility.ID,
		Code:       fmt.Sprintf("sequencing-%d", f.clock.Now().UnixNano()),
		Name:       "Sequencing",
		Units:      "hours",
		Billable:   true,
		Rates: []productdomain.RateInput{
			{Price: money.Pennies(200), EffectiveFrom: f.clock.Now().AddDate(0, -2, 0)},
		},
	})
	require.NoError(t, err)

	record, err := f.usage.Record(ctx, usagedomain.RecordUsageRequest{
		ProductID:      product.ID,
		OrganizationID: f.account.OrganizationID,
		UserID:         f.user.ID,
		Quantity:       5,
		OccurredAt:     time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	result, err := f.ledger.ChargeUsage(ctx, ledgerdomain.ChargeUsageRequest{
		UsageRecordID: record.ID,
		AccountID:     f.account.ID,
	})
	require.NoError(t, err)
	return result.BillingRecord
}

func TestGenerateFreezesLedgerState(t *testing.T) {
	ctx := actorCtx()
	f := setup(t)
	f.chargeUsage(t)

	invoice, err := f.invoices.Generate(ctx, invoicedomain.GenerateRequest{
		FacilityID: f.facility.ID,
		AccountID:  f.account.ID,
		Year:       2026,
		Month:      3,
	})
	require.NoError(t, err)
	assert.Equal(t, "CB-genomics-core-000001", invoice.Number)
	assert.Equal(t, invoicedomain.StatusIssued, invoice.Status)
	assert.Equal(t, 1, invoice.Revision)
	assert.Equal(t, money.Pennies(1000), invoice.Total)
	assert.Nil(t, invoice.SupersedesID)
	assert.NotEmpty(t, invoice.Instructions)
	assert.Equal(t, "0.1.0-test", invoice.GeneratorVersion)

	var snapshot invoicedomain.Snapshot
	require.NoError(t, json.Unmarshal(invoice.Snapshot, &snapshot))
	require.Len(t, snapshot.Lines, 1)
	assert.Equal(t, "GRANT-4411", snapshot.Account.Code)
	assert.Equal(t, "Meyer Lab", snapshot.Account.Organization)
	assert.Equal(t, "Genomics Core", snapshot.Facility.Name)
	assert.Equal(t, money.Pennies(1000), snapshot.Lines[0].Charge)
	assert.Equal(t, "jmeyer", snapshot.Lines[0].Usage.Username)
	assert.Equal(t, "hours", snapshot.Lines[0].Usage.Units)
	require.Len(t, snapshot.Lines[0].Transactions, 1)
}

func TestGenerateValidatesInput(t *testing.T) {
	ctx := actorCtx()
	f := setup(t)

	_, err := f.invoices.Generate(ctx, invoicedomain.GenerateRequest{
		FacilityID: f.facility.ID,
		AccountID:  f.account.ID,
		Year:       2026,
		Month:      13,
	})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidPeriod)

	// No billing records in the period means nothing to freeze.
	_, err = f.invoices.Generate(ctx, invoicedomain.GenerateRequest{
		FacilityID: f.facility.ID,
		AccountID:  f.account.ID,
		Year:       2026,
		Month:      3,
	})
	assert.ErrorIs(t, err, invoicedomain.ErrNothingToInvoice)

	_, err = f.invoices.Generate(context.Background(), invoicedomain.GenerateRequest{
		FacilityID: f.facility.ID,
		AccountID:  f.account.ID,
		Year:       2026,
		Month:      3,
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrMissingActor)
}

func TestReissueSupersedesOriginal(t *testing.T) {
	ctx := actorCtx()
	f := setup(t)
	record := f.chargeUsage(t)

	original, err := f.invoices.Generate(ctx, invoicedomain.GenerateRequest{
		FacilityID: f.facility.ID,
		AccountID:  f.account.ID,
		Year:       2026,
		Month:      3,
	})
	require.NoError(t, err)

	// Post-issue ledger correction that the reissue should pick up.
	_, err = f.ledger.AddTransaction(ctx, ledgerdomain.AddTransactionRequest{
		BillingRecordID: record.ID,
		Charge:          money.Pennies(-250),
		Description:     "downtime credit",
	})
	require.NoError(t, err)

	reissued, err := f.invoices.Reissue(ctx, original.ID, "applied downtime credit")
	require.NoError(t, err)
	assert.Equal(t, 2, reissued.Revision)
	assert.Equal(t, "CB-genomics-core-000002", reissued.Number)
	assert.Equal(t, money.Pennies(750), reissued.Total)
	require.NotNil(t, reissued.SupersedesID)
	assert.Equal(t, original.ID, *reissued.SupersedesID)

	// The superseded revision keeps its frozen snapshot byte for byte.
	stale, err := f.invoices.Get(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusSuperseded, stale.Status)
	assert.Equal(t, []byte(original.Snapshot), []byte(stale.Snapshot))
	assert.Equal(t, money.Pennies(1000), stale.Total)

	_, err = f.invoices.Reissue(ctx, original.ID, "again")
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceSuperseded)
}

func TestGenerateOverExistingPeriodIsImplicitReissue(t *testing.T) {
	ctx := actorCtx()
	f := setup(t)
	f.chargeUsage(t)

	first, err := f.invoices.Generate(ctx, invoicedomain.GenerateRequest{
		FacilityID: f.facility.ID,
		AccountID:  f.account.ID,
		Year:       2026,
		Month:      3,
	})
	require.NoError(t, err)

	second, err := f.invoices.Generate(ctx, invoicedomain.GenerateRequest{
		FacilityID: f.facility.ID,
		AccountID:  f.account.ID,
		Year:       2026,
		Month:      3,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Revision)
	require.NotNil(t, second.SupersedesID)
	assert.Equal(t, first.ID, *second.SupersedesID)

	active, err := f.invoices.List(ctx, invoicedomain.ListRequest{
		FacilityID: f.facility.ID,
		AccountID:  f.account.ID,
		Year:       2026,
		Month:      3,
		ActiveOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)
}

func TestGenerateScopesChargesToFacility(t *testing.T) {
	ctx := actorCtx()
	f := setup(t)
	f.chargeUsage(t)

	// A second facility bills the same grant account in the same period.
	now := f.clock.Now()
	imaging := identitydomain.Facility{
		ID: f.node.Generate(), Name: "Imaging Core", Slug: "imaging-core",
		ContactEmail: "imaging@example.edu", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.db.Create(&imaging).Error)

	microscopy, err := f.products.Register(ctx, productdomain.RegisterProductRequest{
		FacilityID: imaging.ID,
		Code:       "microscopy",
		Name:       "Confocal microscopy",
		Units:      "hours",
		Billable:   true,
		Rates: []productdomain.RateInput{
			{Price: money.Pennies(300), EffectiveFrom: now.AddDate(0, -2, 0)},
		},
	})
	require.NoError(t, err)

	record, err := f.usage.Record(ctx, usagedomain.RecordUsageRequest{
		ProductID:      microscopy.ID,
		OrganizationID: f.account.OrganizationID,
		UserID:         f.user.ID,
		Quantity:       2,
		OccurredAt:     time.Date(2026, 3, 20, 14, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	_, err = f.ledger.ChargeUsage(ctx, ledgerdomain.ChargeUsageRequest{
		UsageRecordID: record.ID,
		AccountID:     f.account.ID,
	})
	require.NoError(t, err)

	genomics, err := f.invoices.Generate(ctx, invoicedomain.GenerateRequest{
		FacilityID: f.facility.ID,
		AccountID:  f.account.ID,
		Year:       2026,
		Month:      3,
	})
	require.NoError(t, err)
	assert.Equal(t, money.Pennies(1000), genomics.Total)

	imagingInvoice, err := f.invoices.Generate(ctx, invoicedomain.GenerateRequest{
		FacilityID: imaging.ID,
		AccountID:  f.account.ID,
		Year:       2026,
		Month:      3,
	})
	require.NoError(t, err)
	assert.Equal(t, "CB-imaging-core-000001", imagingInvoice.Number)
	assert.Equal(t, money.Pennies(600), imagingInvoice.Total)
	assert.Nil(t, imagingInvoice.SupersedesID)

	var snapshot invoicedomain.Snapshot
	require.NoError(t, json.Unmarshal(imagingInvoice.Snapshot, &snapshot))
	require.Len(t, snapshot.Lines, 1)
	assert.Equal(t, "microscopy", snapshot.Lines[0].Usage.ProductCode)

	// One facility's run must not disturb the other's issued invoice.
	got, err := f.invoices.Get(ctx, genomics.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusIssued, got.Status)
}

func TestListFiltersByPeriod(t *testing.T) {
	ctx := actorCtx()
	f := setup(t)
	f.chargeUsage(t)

	product, err := f.products.Register(ctx, productdomain.RegisterProductRequest{
		FacilityID: f.facility.ID,
		Code:       "storage",
		Name:       "Cold storage",
		Units:      "days",
		Billable:   true,
		Rates: []productdomain.RateInput{
			{Price: money.Pennies(50), EffectiveFrom: f.clock.Now().AddDate(-2, 0, 0)},
		},
	})
	require.NoError(t, err)
	record, err := f.usage.Record(ctx, usagedomain.RecordUsageRequest{
		ProductID:      product.ID,
		OrganizationID: f.account.OrganizationID,
		UserID:         f.user.ID,
		Quantity:       4,
		OccurredAt:     time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	_, err = f.ledger.ChargeUsage(ctx, ledgerdomain.ChargeUsageRequest{
		UsageRecordID: record.ID,
		AccountID:     f.account.ID,
	})
	require.NoError(t, err)

	for _, period := range []struct{ year, month int }{{2026, 3}, {2025, 11}} {
		_, err := f.invoices.Generate(ctx, invoicedomain.GenerateRequest{
			FacilityID: f.facility.ID,
			AccountID:  f.account.ID,
			Year:       period.year,
			Month:      period.month,
		})
		require.NoError(t, err)
	}

	// A year alone narrows the listing to that year's periods.
	got, err := f.invoices.List(ctx, invoicedomain.ListRequest{AccountID: f.account.ID, Year: 2025})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2025, got[0].PeriodStart.Year())

	got, err = f.invoices.List(ctx, invoicedomain.ListRequest{AccountID: f.account.ID, Year: 2026})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2026, got[0].PeriodStart.Year())

	_, err = f.invoices.List(ctx, invoicedomain.ListRequest{AccountID: f.account.ID, Month: 11})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidPeriod)
}

func TestGenerateRefusesDivergedLedger(t *testing.T) {
	ctx := actorCtx()
	f := setup(t)
	record := f.chargeUsage(t)

	require.NoError(t, f.db.Model(&ledgerdomain.BillingRecord{}).
		Where("id = ?", record.ID).
		Update("charge", 999).Error)

	_, err := f.invoices.Generate(ctx, invoicedomain.GenerateRequest{
		FacilityID: f.facility.ID,
		AccountID:  f.account.ID,
		Year:       2026,
		Month:      3,
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrChargeMismatch)
}

func TestNotesAndInstructions(t *testing.T) {
	ctx := actorCtx()
	f := setup(t)
	f.chargeUsage(t)

	invoice, err := f.invoices.Generate(ctx, invoicedomain.GenerateRequest{
		FacilityID: f.facility.ID,
		AccountID:  f.account.ID,
		Year:       2026,
		Month:      3,
	})
	require.NoError(t, err)

	_, err = f.invoices.AddNote(ctx, invoice.ID, "   ")
	assert.ErrorIs(t, err, invoicedomain.ErrEmptyNote)

	note, err := f.invoices.AddNote(ctx, invoice.ID, "lab disputes the 3/15 run")
	require.NoError(t, err)
	assert.Equal(t, "7", note.AuthorID)

	notes, err := f.invoices.ListNotes(ctx, invoice.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)

	// Instructions live outside the snapshot and move without a reissue.
	updated, err := f.invoices.SetInstructions(ctx, invoice.ID, "Wire to account 991-22")
	require.NoError(t, err)
	assert.Equal(t, "Wire to account 991-22", updated.Instructions)

	got, err := f.invoices.Get(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, "Wire to account 991-22", got.Instructions)
	assert.Equal(t, 1, got.Revision)
	assert.Equal(t, []byte(invoice.Snapshot), []byte(got.Snapshot))
}
