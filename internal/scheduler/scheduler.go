// Package scheduler drives automatic month-end invoice runs. Once a billing
// month closes and the grace window passes, each facility gets one run; the
// run claim is stored in the database so multiple instances never double-run
// a period.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/labfoundry/chargeback/internal/actorcontext"
	billingrundomain "github.com/labfoundry/chargeback/internal/billingrun/domain"
	"github.com/labfoundry/chargeback/internal/clock"
	identitydomain "github.com/labfoundry/chargeback/internal/identity/domain"
	"github.com/labfoundry/chargeback/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Runs   billingrundomain.Service
	Config Config `optional:"true"`
}

type Scheduler struct {
	db    *gorm.DB
	log   *zap.Logger
	cfg   Config
	genID *snowflake.Node
	clock clock.Clock
	runs  billingrundomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Runs == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:    p.DB,
		log:   p.Log.Named("scheduler"),
		cfg:   p.Config.withDefaults(),
		genID: p.GenID,
		clock: p.Clock,
		runs:  p.Runs,
	}, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs at most one automatic invoice run per facility for the most
// recently closed billing month.
func (s *Scheduler) Tick(parent context.Context) {
	now := s.clock.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if now.Before(monthStart.AddDate(0, 0, s.cfg.GraceDays)) {
		return
	}
	period := monthStart.AddDate(0, -1, 0)
	year, month := period.Year(), int(period.Month())

	ctx, cancel := context.WithTimeout(parent, s.cfg.RunTimeout)
	defer cancel()
	ctx = actorcontext.WithActor(ctx, actorcontext.Actor{ID: "system", Username: "scheduler"})

	var facilities []identitydomain.Facility
	if err := s.db.WithContext(ctx).Find(&facilities).Error; err != nil {
		s.log.Warn("facility listing failed", zap.Error(err))
		return
	}
	for _, facility := range facilities {
		s.runFacility(ctx, facility, year, month)
	}
}

func (s *Scheduler) runFacility(ctx context.Context, facility identitydomain.Facility, year, month int) {
	claim := RunLog{
		ID:         s.genID.Generate(),
		FacilityID: facility.ID,
		Year:       year,
		Month:      month,
		StartedAt:  s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&claim).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Another instance, or an earlier tick, already owns this period.
			return
		}
		s.log.Warn("run claim failed",
			zap.String("facility_id", facility.ID.String()),
			zap.Error(err),
		)
		return
	}

	log := s.log.With(
		zap.String("facility_id", facility.ID.String()),
		zap.Int("year", year),
		zap.Int("month", month),
	)
	log.Info("starting automatic invoice run")

	run, err := s.runs.GenerateForPeriod(ctx, billingrundomain.GenerateForPeriodRequest{
		FacilityID: facility.ID,
		Year:       year,
		Month:      month,
	})

	updates := map[string]any{"finished_at": s.clock.Now()}
	switch {
	case err == nil:
		updates["issued"] = run.Issued
		updates["skipped"] = run.Skipped
		updates["failed"] = run.Failed
		log.Info("automatic invoice run finished",
			zap.Int("issued", run.Issued),
			zap.Int("skipped", run.Skipped),
			zap.Int("failed", run.Failed),
		)
	case errors.Is(err, billingrundomain.ErrNoAccounts):
		log.Info("no billable accounts for period")
	default:
		updates["last_error"] = err.Error()
		log.Warn("automatic invoice run failed", zap.Error(err))
	}
	if err := s.db.WithContext(ctx).Model(&RunLog{}).
		Where("id = ?", claim.ID).
		Updates(updates).Error; err != nil {
		log.Warn("run log update failed", zap.Error(err))
	}
}
