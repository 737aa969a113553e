package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/labfoundry/chargeback/internal/clock"
	ledgerdomain "github.com/labfoundry/chargeback/internal/ledger/domain"
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
		&ledgerdomain.Transaction{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	products := productservice.NewService(productservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	usage := usageservice.NewService(usageservice.ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fake,
		Products: products,
	})
	return &fixture{db: db, products: products, usage: usage, clock: fake}
}

func (f *fixture) registerProduct(t *testing.T, code string) productdomain.Product {
	t.Helper()
	product, err := f.products.Register(context.Background(), productdomain.RegisterProductRequest{
		FacilityID: 1,
		Code:       code,
		Name:       "Test product",
		Units:      "hours",
		Billable:   true,
		Rates: []productdomain.RateInput{
			{Price: money.Pennies(200), EffectiveFrom: f.clock.Now().AddDate(0, -1, 0)},
		},
	})
	require.NoError(t, err)
	return product
}

func TestRecordDefaultsUnitsAndTimestamp(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	product := f.registerProduct(t, "sequencing")

	record, err := f.usage.Record(ctx, usagedomain.RecordUsageRequest{
		ProductID:      product.ID,
		OrganizationID: 100,
		UserID:         200,
		Quantity:       5,
	})
	require.NoError(t, err)
	assert.Equal(t, "hours", record.Units)
	assert.Equal(t, f.clock.Now(), record.OccurredAt)
	assert.Nil(t, record.IdempotencyKey)
}

func TestRecordIdempotencyReplay(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	product := f.registerProduct(t, "sequencing")

	key := "3b8f8b1e-8f5a-4f43-9a38-1c2d5a6e7f90"
	first, err := f.usage.Record(ctx, usagedomain.RecordUsageRequest{
		ProductID:      product.ID,
		OrganizationID: 100,
		UserID:         200,
		Quantity:       5,
		IdempotencyKey: key,
	})
	require.NoError(t, err)

	second, err := f.usage.Record(ctx, usagedomain.RecordUsageRequest{
		ProductID:      product.ID,
		OrganizationID: 100,
		UserID:         200,
		Quantity:       5,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, f.db.Model(&usagedomain.UsageRecord{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRecordRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	product := f.registerProduct(t, "sequencing")

	_, err := f.usage.Record(ctx, usagedomain.RecordUsageRequest{
		ProductID:      product.ID,
		OrganizationID: 100,
		UserID:         200,
		Quantity:       -1,
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidQuantity)

	_, err = f.usage.Record(ctx, usagedomain.RecordUsageRequest{
		ProductID:      product.ID,
		OrganizationID: 100,
		UserID:         200,
		Quantity:       1,
		IdempotencyKey: "not-a-uuid",
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidIdempotencyKey)

	require.NoError(t, f.products.Retire(ctx, product.ID))
	_, err = f.usage.Record(ctx, usagedomain.RecordUsageRequest{
		ProductID:      product.ID,
		OrganizationID: 100,
		UserID:         200,
		Quantity:       1,
	})
	assert.ErrorIs(t, err, usagedomain.ErrProductRetired)
}

func TestDeleteFrozenOnceBilled(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	product := f.registerProduct(t, "sequencing")

	record, err := f.usage.Record(ctx, usagedomain.RecordUsageRequest{
		ProductID:      product.ID,
		OrganizationID: 100,
		UserID:         200,
		Quantity:       2,
	})
	require.NoError(t, err)

	// Simulate the ledger referencing this usage.
	require.NoError(t, f.db.Create(&ledgerdomain.Transaction{
		ID:              9001,
		BillingRecordID: 9000,
		UsageRecordID:   record.ID,
		Charge:          money.Pennies(400),
		AuthorID:        "worker",
		CreatedAt:       f.clock.Now(),
	}).Error)

	err = f.usage.Delete(ctx, record.ID)
	assert.ErrorIs(t, err, usagedomain.ErrUsageBilled)

	unbilled, err := f.usage.Record(ctx, usagedomain.RecordUsageRequest{
		ProductID:      product.ID,
		OrganizationID: 100,
		UserID:         200,
		Quantity:       1,
	})
	require.NoError(t, err)
	require.NoError(t, f.usage.Delete(ctx, unbilled.ID))

	_, err = f.usage.GetByID(ctx, unbilled.ID)
	assert.ErrorIs(t, err, usagedomain.ErrNotFound)
}
