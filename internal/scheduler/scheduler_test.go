package scheduler_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/labfoundry/chargeback/internal/actorcontext"
	billingrundomain "github.com/labfoundry/chargeback/internal/billingrun/domain"
	"github.com/labfoundry/chargeback/internal/clock"
	identitydomain "github.com/labfoundry/chargeback/internal/identity/domain"
	invoicedomain "github.com/labfoundry/chargeback/internal/invoice/domain"
	"github.com/labfoundry/chargeback/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type runCall struct {
	FacilityID snowflake.ID
	Year       int
	Month      int
	ActorID    string
}

type stubRunService struct {
	calls []runCall
	err   error
}

func (s *stubRunService) GenerateForPeriod(ctx context.Context, req billingrundomain.GenerateForPeriodRequest) (billingrundomain.RunResult, error) {
	actor, _ := actorcontext.ActorFromContext(ctx)
	s.calls = append(s.calls, runCall{
		FacilityID: req.FacilityID,
		Year:       req.Year,
		Month:      req.Month,
		ActorID:    actor.ID,
	})
	if s.err != nil {
		return billingrundomain.RunResult{}, s.err
	}
	return billingrundomain.RunResult{
		FacilityID: req.FacilityID,
		Year:       req.Year,
		Month:      req.Month,
		Issued:     2,
		Skipped:    1,
	}, nil
}

func (s *stubRunService) GenerateSingle(context.Context, snowflake.ID, snowflake.ID, int, int) (invoicedomain.Invoice, error) {
	return invoicedomain.Invoice{}, nil
}

func setup(t *testing.T, now time.Time, runs billingrundomain.Service) (*scheduler.Scheduler, *gorm.DB, identitydomain.Facility) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&identitydomain.Facility{}, &scheduler.RunLog{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	facility := identitydomain.Facility{
		ID: node.Generate(), Name: "Genomics Core", Slug: "genomics-core",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.Create(&facility).Error)

	sched, err := scheduler.New(scheduler.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(now),
		Runs:  runs,
	})
	require.NoError(t, err)
	return sched, db, facility
}

func TestTickWaitsOutGraceWindow(t *testing.T) {
	runs := &stubRunService{}
	// The 1st of April is inside the default two day grace window.
	sched, db, _ := setup(t, time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC), runs)

	sched.Tick(context.Background())
	assert.Empty(t, runs.calls)

	var count int64
	require.NoError(t, db.Model(&scheduler.RunLog{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestTickRunsClosedMonthOnce(t *testing.T) {
	runs := &stubRunService{}
	sched, db, facility := setup(t, time.Date(2026, 4, 5, 6, 0, 0, 0, time.UTC), runs)

	sched.Tick(context.Background())
	require.Len(t, runs.calls, 1)
	assert.Equal(t, facility.ID, runs.calls[0].FacilityID)
	assert.Equal(t, 2026, runs.calls[0].Year)
	assert.Equal(t, 3, runs.calls[0].Month)
	assert.Equal(t, "system", runs.calls[0].ActorID)

	var logRow scheduler.RunLog
	require.NoError(t, db.First(&logRow).Error)
	assert.Equal(t, 2, logRow.Issued)
	assert.Equal(t, 1, logRow.Skipped)
	require.NotNil(t, logRow.FinishedAt)

	// The claim row blocks a second run for the same period.
	sched.Tick(context.Background())
	assert.Len(t, runs.calls, 1)
}

func TestTickRecordsRunFailure(t *testing.T) {
	runs := &stubRunService{err: fmt.Errorf("directory unavailable")}
	sched, db, _ := setup(t, time.Date(2026, 4, 5, 6, 0, 0, 0, time.UTC), runs)

	sched.Tick(context.Background())
	require.Len(t, runs.calls, 1)

	var logRow scheduler.RunLog
	require.NoError(t, db.First(&logRow).Error)
	assert.Equal(t, "directory unavailable", logRow.LastError)
	assert.Zero(t, logRow.Issued)
}
