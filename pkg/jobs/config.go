package jobs

import (
	"os"
	"strconv"
	"time"
)

// JobConfig controls the refresh job log's housekeeping behavior.
type JobConfig struct {
	SweepInterval time.Duration // How often the housekeeper sweeps. Default 1m.
	ClaimTimeout  time.Duration // Max time a job can be RUNNING before considered stuck. Default 10m.
	RetentionDays int           // How long to keep terminal job records. Default 7.
	Enabled       bool          // Whether the housekeeper is active. Default true.
}

// DefaultJobConfig returns the default job log configuration.
func DefaultJobConfig() *JobConfig {
	return &JobConfig{
		SweepInterval: 1 * time.Minute,
		ClaimTimeout:  10 * time.Minute,
		RetentionDays: 7,
		Enabled:       true,
	}
}

// JobConfigFromEnv loads config from environment variables.
// REFLECTION_JOB_SWEEP_INTERVAL_SECONDS, REFLECTION_JOB_CLAIM_TIMEOUT_MINUTES,
// REFLECTION_JOB_RETENTION_DAYS, REFLECTION_JOB_ENABLED
func JobConfigFromEnv() *JobConfig {
	cfg := DefaultJobConfig()

	if v := os.Getenv("REFLECTION_JOB_SWEEP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SweepInterval = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("REFLECTION_JOB_CLAIM_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ClaimTimeout = time.Duration(n) * time.Minute
		}
	}

	if v := os.Getenv("REFLECTION_JOB_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetentionDays = n
		}
	}

	if v := os.Getenv("REFLECTION_JOB_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}

	return cfg
}
