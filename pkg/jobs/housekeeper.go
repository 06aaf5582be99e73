package jobs

import (
	"context"
	"log/slog"
	"time"
)

// Housekeeper runs periodic maintenance over the refresh job log: recovering
// records stuck in RUNNING past their claim timeout, and deleting terminal
// records past their retention window. It does not execute jobs; refresh
// execution happens through the external job service (pkg/jobservice), not
// through this package.
type Housekeeper struct {
	store  *JobStore
	cfg    *JobConfig
	logger *slog.Logger
}

// NewHousekeeper creates a new Housekeeper.
func NewHousekeeper(store *JobStore, cfg *JobConfig, logger *slog.Logger) *Housekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Housekeeper{store: store, cfg: cfg, logger: logger}
}

// Run blocks, sweeping on cfg.SweepInterval until ctx is cancelled.
func (h *Housekeeper) Run(ctx context.Context) {
	if h.store == nil || !h.cfg.Enabled {
		h.logger.Info("job housekeeper disabled")
		return
	}

	h.logger.Info("job housekeeper starting",
		"sweepInterval", h.cfg.SweepInterval.String(),
		"claimTimeout", h.cfg.ClaimTimeout.String(),
		"retentionDays", h.cfg.RetentionDays)

	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("job housekeeper stopped")
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Housekeeper) sweep() {
	if h.cfg.ClaimTimeout > 0 {
		recovered, err := h.store.CleanupStuckJobs(h.cfg.ClaimTimeout)
		if err != nil {
			h.logger.Error("failed to cleanup stuck jobs", "error", err)
		} else if recovered > 0 {
			h.logger.Info("recovered stuck jobs", "count", recovered)
		}
	}

	if h.cfg.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -h.cfg.RetentionDays)
		deleted, err := h.store.DeleteOlderThan(cutoff)
		if err != nil {
			h.logger.Error("failed to delete old jobs", "error", err)
		} else if deleted > 0 {
			h.logger.Info("deleted old jobs", "count", deleted)
		}
	}
}
