package scheduler

import (
	"time"

	"github.com/labfoundry/chargeback/internal/config"
)

// Config controls how often the scheduler wakes up and when a closed month
// becomes eligible for an automatic invoice run.
type Config struct {
	TickInterval time.Duration
	RunTimeout   time.Duration
	// GraceDays delays the automatic run past month end so late usage
	// entries and corrections can land first.
	GraceDays int
}

func DefaultConfig() Config {
	return Config{
		TickInterval: time.Hour,
		RunTimeout:   10 * time.Minute,
		GraceDays:    2,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = defaults.TickInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.GraceDays < 0 {
		c.GraceDays = defaults.GraceDays
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		TickInterval: time.Duration(cfg.SchedulerIntervalSeconds) * time.Second,
		GraceDays:    cfg.SchedulerGraceDays,
	}.withDefaults()
}
