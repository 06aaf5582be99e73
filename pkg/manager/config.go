package manager

import (
	"os"
	"strconv"
	"time"
)

// Config holds the tunables the manager re-reads on every wakeup. Field
// names mirror the documented option names; env var names are the literal
// option names, not a REFLECTION_-prefixed rename, since they are the
// system's documented external contract rather than this module's own
// ambient config.
type Config struct {
	// DeletionGracePeriod is the minimum age before a deprecated
	// materialization or a deleted goal becomes eligible for physical
	// removal.
	DeletionGracePeriod time.Duration
	// DeletionNumEntries caps how many deprecated materializations the
	// GC pass removes per wakeup.
	DeletionNumEntries int
	// NoDependencyRefreshPeriod is the minimum refresh interval applied
	// to a reflection whose dependency manager node has no known
	// upstream dependencies.
	NoDependencyRefreshPeriod time.Duration
	// LayoutRefreshMaxAttempts is the number of consecutive failures
	// before an entry transitions to FAILED (unless DontGiveUp).
	LayoutRefreshMaxAttempts int
	// WakeupWarningThreshold logs a warning if one run() call exceeds it.
	WakeupWarningThreshold time.Duration
	// TickInterval is the periodic driver interval between wakeups absent
	// an explicit wake-up callback.
	TickInterval time.Duration
	// ModifiedSinceOverlap is the clock-skew tolerance subtracted from
	// lastWakeupTime before scanning goals modified since that time.
	ModifiedSinceOverlap time.Duration
}

// DefaultConfig returns the manager's default tunables.
func DefaultConfig() *Config {
	return &Config{
		DeletionGracePeriod:       24 * time.Hour,
		DeletionNumEntries:        100,
		NoDependencyRefreshPeriod: 1 * time.Hour,
		LayoutRefreshMaxAttempts:  4,
		WakeupWarningThreshold:    5 * time.Second,
		TickInterval:              30 * time.Second,
		ModifiedSinceOverlap:      10 * time.Millisecond,
	}
}

// ConfigFromEnv loads config from REFLECTION_DELETION_GRACE_PERIOD (seconds),
// REFLECTION_DELETION_NUM_ENTRIES, NO_DEPENDENCY_REFRESH_PERIOD_SECONDS, and
// LAYOUT_REFRESH_MAX_ATTEMPTS, falling back to defaults for anything unset
// or unparseable.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("REFLECTION_DELETION_GRACE_PERIOD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DeletionGracePeriod = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("REFLECTION_DELETION_NUM_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DeletionNumEntries = n
		}
	}
	if v := os.Getenv("NO_DEPENDENCY_REFRESH_PERIOD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.NoDependencyRefreshPeriod = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("LAYOUT_REFRESH_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LayoutRefreshMaxAttempts = n
		}
	}

	return cfg
}
