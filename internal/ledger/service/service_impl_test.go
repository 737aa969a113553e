package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/labfoundry/chargeback/internal/actorcontext"
	auditdomain "github.com/labfoundry/chargeback/internal/audit/domain"
	auditservice "github.com/labfoundry/chargeback/internal/audit/service"
	"github.com/labfoundry/chargeback/internal/clock"
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
	clock    *clock.FakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&productdomain.Product{},
		&productdomain.Rate{},
		&usagedomain.UsageRecord{},
		&ledgerdomain.BillingRecord{},
		&ledgerdomain.Transaction{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	audit := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Clock: fake})
	products := productservice.NewService(productservice.ServiceParam{DB: db, Log: log, GenID: node, Clock: fake})
	usage := usageservice.NewService(usageservice.ServiceParam{DB: db, Log: log, GenID: node, Clock: fake, Products: products})
	ledger := ledgerservice.NewService(ledgerservice.ServiceParam{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    fake,
		AuditSvc: audit,
		Products: products,
		Usage:    usage,
	})
	return &fixture{db: db, products: products, usage: usage, ledger: ledger, clock: fake}
}

func actorCtx() context.Context {
	return actorcontext.WithActor(context.Background(), actorcontext.Actor{ID: "42", Username: "pi-admin"})
}

func (f *fixture) seedUsage(t *testing.T, quantity float64) usagedomain.UsageRecord {
	t.Helper()
	product, err := f.products.Register(context.Background(), productdomain.RegisterProductRequest{
		FacilityID: 1,
		Code:       "sequencing",
		Name:       "Sequencing",
		Units:      "hours",
		Billable:   true,
		Rates: []productdomain.RateInput{
			{Price: money.Pennies(200), EffectiveFrom: f.clock.Now().AddDate(0, -1, 0)},
		},
	})
	require.NoError(t, err)

	record, err := f.usage.Record(context.Background(), usagedomain.RecordUsageRequest{
		ProductID:      product.ID,
		OrganizationID: 100,
		UserID:         200,
		Quantity:       quantity,
	})
	require.NoError(t, err)
	return record
}

func TestChargeUsage(t *testing.T) {
	ctx := actorCtx()
	f := setup(t)
	usageRecord := f.seedUsage(t, 5)

	result, err := f.ledger.ChargeUsage(ctx, ledgerdomain.ChargeUsageRequest{
		UsageRecordID: usageRecord.ID,
		AccountID:     300,
	})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, money.Pennies(1000), result.BillingRecord.Charge)
	assert.Equal(t, "5 hours at $2.00 per hours", result.BillingRecord.Description)
	assert.Equal(t, 2026, result.BillingRecord.Year)
	assert.Equal(t, 3, result.BillingRecord.Month)

	lines, err := f.ledger.ListTransactions(ctx, result.BillingRecord.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, money.Pennies(1000), lines[0].Charge)
	assert.Equal(t, "42", lines[0].AuthorID)
}

func TestChargeUsageSkipsExistingUnlessRecalculate(t *testing.T) {
	ctx := actorCtx()
	f := setup(t)
	usageRecord := f.seedUsage(t, 5)

	first, err := f.ledger.ChargeUsage(ctx, ledgerdomain.ChargeUsageRequest{
		UsageRecordID: usageRecord.ID,
		AccountID:     300,
	})
	require.NoError(t, err)

	second, err := f.ledger.ChargeUsage(ctx, ledgerdomain.ChargeUsageRequest{
		UsageRecordID: usageRecord.ID,
		AccountID:     300,
	})
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.BillingRecord.ID, second.BillingRecord.ID)

	// A price change only lands when the caller asks for recalculation.
	_, err = f.products.AddRate(ctx, usageRecord.ProductID, productdomain.RateInput{
		Price:         money.Pennies(300),
		EffectiveFrom: f.clock.Now().AddDate(0, 0, -1),
	})
	require.NoError(t, err)

	third, err := f.ledger.ChargeUsage(ctx, ledgerdomain.ChargeUsageRequest{
		UsageRecordID: usageRecord.ID,
		AccountID:     300,
		Recalculate:   true,
	})
	require.NoError(t, err)
	assert.False(t, third.Skipped)
	assert.Equal(t, money.Pennies(1500), third.BillingRecord.Charge)

	lines, err := f.ledger.ListTransactions(ctx, third.BillingRecord.ID)
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestChargeUsageUnitsMismatch(t *testing.T) {
	ctx := actorCtx()
	f := setup(t)

	product, err := f.products.Register(ctx, productdomain.RegisterProductRequest{
		FacilityID: 1,
		Code:       "prep",
		Name:       "Sample prep",
		Units:      "samples",
		Billable:   true,
		Rates: []productdomain.RateInput{
			{Price: money.Pennies(200), Units: "hours", EffectiveFrom: f.clock.Now().AddDate(0, -1, 0)},
		},
	})
	require.NoError(t, err)

	usageRecord, err := f.usage.Record(ctx, usagedomain.RecordUsageRequest{
		ProductID:      product.ID,
		OrganizationID: 100,
		UserID:         200,
		Quantity:       3,
	})
	require.NoError(t, err)

	_, err = f.ledger.ChargeUsage(ctx, ledgerdomain.ChargeUsageRequest{
		UsageRecordID: usageRecord.ID,
		AccountID:     300,
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrUnitsMismatch)
}

func TestAddAndRemoveTransactionRecomputeCharge(t *testing.T) {
	ctx := actorCtx()
	f := setup(t)
	usageRecord := f.seedUsage(t, 5)

	result, err := f.ledger.ChargeUsage(ctx, ledgerdomain.ChargeUsageRequest{
		UsageRecordID: usageRecord.ID,
		AccountID:     300,
	})
	require.NoError(t, err)

	credit, err := f.ledger.AddTransaction(ctx, ledgerdomain.AddTransactionRequest{
		BillingRecordID: result.BillingRecord.ID,
		Charge:          money.Pennies(-250),
		Description:     "instrument downtime credit",
	})
	require.NoError(t, err)

	record, err := f.ledger.GetBillingRecord(ctx, result.BillingRecord.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Pennies(750), record.Charge)

	require.NoError(t, f.ledger.RemoveTransaction(ctx, credit.ID))
	record, err = f.ledger.GetBillingRecord(ctx, result.BillingRecord.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Pennies(1000), record.Charge)
}

func TestSplitUsage(t *testing.T) {
	ctx := actorCtx()
	f := setup(t)
	usageRecord := f.seedUsage(t, 5)

	records, err := f.ledger.SplitUsage(ctx, ledgerdomain.SplitUsageRequest{
		UsageRecordID: usageRecord.ID,
		Allocations: []ledgerdomain.Allocation{
			{AccountID: 300, Percent: 60},
			{AccountID: 301, Percent: 40},
		},
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, money.Pennies(600), records[0].Charge)
	assert.Equal(t, money.Pennies(400), records[1].Charge)
	assert.Equal(t, money.Pennies(1000), records[0].Charge+records[1].Charge)

	// Splitting again would double-bill the usage.
	_, err = f.ledger.SplitUsage(ctx, ledgerdomain.SplitUsageRequest{
		UsageRecordID: usageRecord.ID,
		Allocations: []ledgerdomain.Allocation{
			{AccountID: 302, Percent: 100},
		},
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrAlreadyCharged)
}

func TestSplitUsageRejectsBadAllocations(t *testing.T) {
	ctx := actorCtx()
	f := setup(t)
	usageRecord := f.seedUsage(t, 5)

	var allocErr *ledgerdomain.AllocationError

	_, err := f.ledger.SplitUsage(ctx, ledgerdomain.SplitUsageRequest{
		UsageRecordID: usageRecord.ID,
		Allocations: []ledgerdomain.Allocation{
			{AccountID: 300, Percent: 60},
			{AccountID: 301, Percent: 30},
		},
	})
	assert.ErrorAs(t, err, &allocErr)

	_, err = f.ledger.SplitUsage(ctx, ledgerdomain.SplitUsageRequest{
		UsageRecordID: usageRecord.ID,
		Allocations: []ledgerdomain.Allocation{
			{AccountID: 300, Percent: 50},
			{AccountID: 300, Percent: 50},
		},
	})
	assert.ErrorAs(t, err, &allocErr)
}

func TestVerifyIntegrityDetectsDrift(t *testing.T) {
	ctx := actorCtx()
	f := setup(t)
	usageRecord := f.seedUsage(t, 5)

	result, err := f.ledger.ChargeUsage(ctx, ledgerdomain.ChargeUsageRequest{
		UsageRecordID: usageRecord.ID,
		AccountID:     300,
	})
	require.NoError(t, err)

	require.NoError(t, f.ledger.VerifyIntegrity(ctx, result.BillingRecord.ID))

	// Corrupt the stored charge behind the service's back.
	require.NoError(t, f.db.Model(&ledgerdomain.BillingRecord{}).
		Where("id = ?", result.BillingRecord.ID).
		Update("charge", 999).Error)

	err = f.ledger.VerifyIntegrity(ctx, result.BillingRecord.ID)
	assert.ErrorIs(t, err, ledgerdomain.ErrChargeMismatch)

	// The divergence is reported, never repaired.
	record, err := f.ledger.GetBillingRecord(ctx, result.BillingRecord.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Pennies(999), record.Charge)
}

func TestMutationsRequireActor(t *testing.T) {
	f := setup(t)
	usageRecord := f.seedUsage(t, 5)

	_, err := f.ledger.ChargeUsage(context.Background(), ledgerdomain.ChargeUsageRequest{
		UsageRecordID: usageRecord.ID,
		AccountID:     300,
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrMissingActor)
}
