package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/labfoundry/chargeback/internal/clock"
	"github.com/labfoundry/chargeback/internal/money"
	productdomain "github.com/labfoundry/chargeback/internal/product/domain"
	productservice "github.com/labfoundry/chargeback/internal/product/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&productdomain.Product{}, &productdomain.Rate{}))
	return db
}

func newService(t *testing.T, db *gorm.DB, now time.Time) productdomain.Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return productservice.NewService(productservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(now),
	})
}

func TestRegisterRejectsReusedCode(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc := newService(t, db, now)

	product, err := svc.Register(ctx, productdomain.RegisterProductRequest{
		FacilityID: 1,
		Code:       "Sequencing Hours",
		Name:       "Sequencing",
		Units:      "hours",
		Billable:   true,
		Rates: []productdomain.RateInput{
			{Price: money.Pennies(200)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "sequencing-hours", product.Code)

	_, err = svc.Register(ctx, productdomain.RegisterProductRequest{
		FacilityID: 1,
		Code:       "sequencing hours",
		Name:       "Sequencing again",
		Units:      "hours",
		Billable:   true,
	})
	assert.ErrorIs(t, err, productdomain.ErrDuplicateIdentifier)

	// Retirement keeps the row, so the code still cannot come back.
	require.NoError(t, svc.Retire(ctx, product.ID))
	_, err = svc.Register(ctx, productdomain.RegisterProductRequest{
		FacilityID: 1,
		Code:       "sequencing-hours",
		Name:       "Sequencing revival",
		Units:      "hours",
		Billable:   true,
	})
	assert.ErrorIs(t, err, productdomain.ErrDuplicateIdentifier)
}

func TestRegisterRejectsNegativePrice(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newService(t, db, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	_, err := svc.Register(ctx, productdomain.RegisterProductRequest{
		FacilityID: 1,
		Code:       "credit-product",
		Name:       "Credit product",
		Units:      "each",
		Billable:   true,
		Rates: []productdomain.RateInput{
			{Price: money.Pennies(-100)},
		},
	})
	assert.ErrorIs(t, err, productdomain.ErrInvalidRate)
}

func TestGetRatePicksMostRecentEffective(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc := newService(t, db, now)

	product, err := svc.Register(ctx, productdomain.RegisterProductRequest{
		FacilityID: 1,
		Code:       "confocal",
		Name:       "Confocal microscope",
		Units:      "hours",
		Billable:   true,
		Rates: []productdomain.RateInput{
			{Price: money.Pennies(200), EffectiveFrom: now.AddDate(0, -2, 0)},
		},
	})
	require.NoError(t, err)

	// Price change effective mid-month takes over from its start date.
	_, err = svc.AddRate(ctx, product.ID, productdomain.RateInput{
		Price:         money.Pennies(250),
		EffectiveFrom: now.AddDate(0, 0, 10),
	})
	require.NoError(t, err)

	rate, err := svc.GetRate(ctx, product.ID, now, productdomain.RateClassInternal)
	require.NoError(t, err)
	assert.Equal(t, money.Pennies(200), rate.Price)

	rate, err = svc.GetRate(ctx, product.ID, now.AddDate(0, 0, 15), productdomain.RateClassInternal)
	require.NoError(t, err)
	assert.Equal(t, money.Pennies(250), rate.Price)

	_, err = svc.GetRate(ctx, product.ID, now.AddDate(-1, 0, 0), productdomain.RateClassInternal)
	assert.ErrorIs(t, err, productdomain.ErrNoActiveRate)
}

func TestGetRateClassDefaultsToInternal(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc := newService(t, db, now)

	product, err := svc.Register(ctx, productdomain.RegisterProductRequest{
		FacilityID: 1,
		Code:       "flow-cytometry",
		Name:       "Flow cytometry",
		Units:      "samples",
		Billable:   true,
		Rates: []productdomain.RateInput{
			{Price: money.Pennies(500)},
			{Price: money.Pennies(900), Class: productdomain.RateClassCommercial},
		},
	})
	require.NoError(t, err)

	rate, err := svc.GetRate(ctx, product.ID, now, "")
	require.NoError(t, err)
	assert.Equal(t, money.Pennies(500), rate.Price)

	rate, err = svc.GetRate(ctx, product.ID, now, productdomain.RateClassCommercial)
	require.NoError(t, err)
	assert.Equal(t, money.Pennies(900), rate.Price)
}

func TestRetireDeactivatesButKeepsRow(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newService(t, db, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	product, err := svc.Register(ctx, productdomain.RegisterProductRequest{
		FacilityID: 1,
		Code:       "old-scope",
		Name:       "Decommissioned microscope",
		Units:      "hours",
		Billable:   true,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Retire(ctx, product.ID))

	got, err := svc.GetByID(ctx, product.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}
