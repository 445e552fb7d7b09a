package scheduler

import (
	"time"

	"github.com/wasteworks/binsight/internal/config"
)

// Config controls the engine run loop interval, claim sizes, and the
// staleness threshold.
type Config struct {
	RunInterval       time.Duration
	SweepBatchSize    int
	MaxClaimBatchSize int
	ProcessTimeout    time.Duration
	StaleAfter        time.Duration
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		SweepBatchSize:    50,
		MaxClaimBatchSize: 5,
		ProcessTimeout:    10 * time.Minute,
		StaleAfter:        time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = defaults.SweepBatchSize
	}
	if c.MaxClaimBatchSize <= 0 {
		c.MaxClaimBatchSize = defaults.MaxClaimBatchSize
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = defaults.ProcessTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaults.StaleAfter
	}
	return c
}

// ProvideConfig derives the run-loop config from the application config.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:    cfg.Audit.RunInterval,
		SweepBatchSize: cfg.Audit.BatchSize,
		StaleAfter:     cfg.Audit.StaleAfter,
		EnabledJobs:    cfg.Audit.EnabledJobs,
	}.withDefaults()
}
