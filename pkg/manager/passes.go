package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harunoni/reflection-manager/pkg/jobservice"
	"github.com/harunoni/reflection-manager/pkg/model"
	"github.com/harunoni/reflection-manager/pkg/store"
)

// processForcedUpdates is pass 1: drain reflectionsToUpdate and route each
// id through the UPDATE transition, canceling any in-flight refresh job
// first. Drain removes every id from the set regardless of what happens
// next, so one bad entry cannot stall the queue.
func (m *Manager) processForcedUpdates(ctx context.Context) {
	for _, id := range m.toUpdate.Drain() {
		id := id
		m.guardItem("forced-update", id, func() error {
			entry, err := m.entries.Get(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil
				}
				return err
			}
			if err := m.cancelInFlightRefresh(ctx, entry); err != nil {
				return err
			}
			entry.State = model.StateUpdate
			entry.ModifiedAt = time.Now()
			if err := m.entries.Save(ctx, entry); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
				return err
			}
			return nil
		})
	}
}

// cancelInFlightRefresh cancels an entry's outstanding refresh job, if any,
// and marks its RUNNING materialization CANCELED in the same step — both
// the forced-update path (pass 1) and the goal-edit path (pass 3, §4.5) use
// this so the cancellation is visible in the same wakeup the entry moves
// to UPDATE, matching the timing in §8 scenario 2.
func (m *Manager) cancelInFlightRefresh(ctx context.Context, e *model.ReflectionEntry) error {
	if e.RefreshJobID == "" {
		return nil
	}
	if err := m.jobsvc.Cancel(ctx, "SYSTEM", e.RefreshJobID); err != nil {
		m.logger.Warn("cancel in-flight refresh failed", "reflectionId", e.ID, "error", err)
	}
	running, err := m.materializations.GetRunning(ctx, e.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	running.State = model.MaterializationCanceled
	running.ModifiedAt = time.Now()
	if err := m.materializations.Save(ctx, running); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		return err
	}
	return nil
}

// sweepDeletedDatasets is pass 2: mark goals DELETED and remove external
// reflections whose backing dataset has vanished from the namespace
// service.
func (m *Manager) sweepDeletedDatasets(ctx context.Context) {
	goals, err := m.goals.GetAllNotDeleted(ctx)
	if err != nil {
		m.logger.Error("dataset-deletion sweep: list goals failed", "error", err)
	}
	for _, g := range goals {
		g := g
		m.guardItem("dataset-deletion-sweep", g.ID, func() error {
			ds, err := m.datasets.FindDatasetByUUID(ctx, g.DatasetID)
			if err != nil {
				return err
			}
			if ds != nil {
				return nil
			}
			g.State = model.GoalDeleted
			g.ModifiedAt = time.Now()
			if err := m.goals.Save(ctx, &g); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
				return err
			}
			return nil
		})
	}

	externals, err := m.external.GetAll(ctx)
	if err != nil {
		m.logger.Error("dataset-deletion sweep: list external reflections failed", "error", err)
	}
	for _, e := range externals {
		e := e
		m.guardItem("dataset-deletion-sweep", e.ID, func() error {
			ds, err := m.datasets.FindDatasetByUUID(ctx, e.QueryDatasetID)
			if err != nil {
				return err
			}
			if ds != nil {
				return nil
			}
			return m.external.Delete(ctx, e.ID)
		})
	}
}

// reconcileGoals is pass 3: see reconcileGoal for the per-goal logic of §4.5.
func (m *Manager) reconcileGoals(ctx context.Context, since time.Time) {
	goals, err := m.goals.GetModifiedOrCreatedSince(ctx, since)
	if err != nil {
		m.logger.Error("goal reconciliation: scan failed", "error", err)
		return
	}
	for _, g := range goals {
		g := g
		m.guardItem("goal-reconciliation", g.ID, func() error {
			return m.reconcileGoal(ctx, g)
		})
	}
}

func (m *Manager) reconcileGoal(ctx context.Context, g model.ReflectionGoal) error {
	entry, err := m.entries.Get(ctx, g.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		entry = nil
	}

	if entry == nil {
		if g.State != model.GoalEnabled {
			return nil
		}
		now := time.Now()
		return m.entries.Save(ctx, &model.ReflectionEntry{
			ID:          g.ID,
			GoalVersion: g.Version,
			DatasetID:   g.DatasetID,
			Name:        g.Name,
			Type:        g.Type,
			State:       model.StateRefresh,
			ModifiedAt:  now,
		})
	}

	if entry.GoalVersion == g.Version {
		return nil
	}

	if err := m.cancelInFlightRefresh(ctx, entry); err != nil {
		return err
	}

	entry.GoalVersion = g.Version
	entry.Name = g.Name
	if g.State == model.GoalEnabled {
		entry.State = model.StateUpdate
	} else {
		entry.State = model.StateDeprecate
	}
	entry.ModifiedAt = time.Now()
	if err := m.entries.Save(ctx, entry); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		return err
	}
	return nil
}

// gcDeprecatedMaterializations is pass 5: for each DEPRECATED materialization
// past cfg.DeletionGracePeriod, either delete it outright or submit the
// asynchronous drop job that DELETED rows need before they can be purged.
// DELETED rows with a drop job already outstanding are excluded by the
// store query and handled instead by pollMaterializationDrops.
func (m *Manager) gcDeprecatedMaterializations(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.DeletionGracePeriod)
	candidates, err := m.materializations.GetDeletableEntriesModifiedBefore(ctx, cutoff, m.cfg.DeletionNumEntries)
	if err != nil {
		m.logger.Error("deprecated-materialization gc: scan failed", "error", err)
		return
	}
	for _, mat := range candidates {
		mat := mat
		m.guardItem("deprecated-materialization-gc", mat.ID, func() error {
			return m.deleteMaterialization(ctx, &mat)
		})
	}
}

// deleteMaterialization implements the delete-a-materialization rule: a row
// that owns no refreshes exclusively is simply deleted; one that does is
// marked DELETED and has its backing table dropped asynchronously via the
// job service. The row itself is only physically removed once that drop
// job reaches COMPLETED, in pollMaterializationDrops — never here — so a
// DELETED row is never resubmitted while its drop is in flight.
func (m *Manager) deleteMaterialization(ctx context.Context, mat *model.Materialization) error {
	exclusive, err := m.materializations.GetRefreshesExclusivelyOwnedBy(ctx, mat.ID)
	if err != nil {
		return err
	}
	if len(exclusive) == 0 {
		return m.materializations.Delete(ctx, mat.ID)
	}

	mat.State = model.MaterializationDeleted
	mat.ModifiedAt = time.Now()
	if err := m.materializations.Save(ctx, mat); err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			return nil
		}
		return err
	}

	sql := fmt.Sprintf("DROP TABLE IF EXISTS %s", acceleratorTablePath(mat.ReflectionID))
	job, err := m.jobsvc.SubmitJob(ctx, jobservice.Request{
		QueryType: jobservice.QueryAcceleratorDrop,
		SQL:       sql,
		User:      "SYSTEM",
	}, m.onJobTerminal)
	if err != nil {
		m.logger.Warn("drop-table submission failed, will retry on a later gc pass", "materializationId", mat.ID, "error", err)
		return nil
	}
	m.logSubmittedJob(job, mat.ReflectionID, jobservice.QueryAcceleratorDrop, time.Now())

	mat.DropJobID = job.ID
	mat.ModifiedAt = time.Now()
	if err := m.materializations.Save(ctx, mat); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		return err
	}
	return nil
}

// pollMaterializationDrops is pass 7: check every DELETED materialization's
// outstanding drop job, and physically purge the row once that job
// COMPLETEs. A FAILED or CANCELED drop clears DropJobID instead, so the
// next gcDeprecatedMaterializations pass resubmits it rather than leaving
// the row stuck forever.
func (m *Manager) pollMaterializationDrops(ctx context.Context) {
	pending, err := m.materializations.GetDeletedAwaitingDrop(ctx, m.cfg.DeletionNumEntries)
	if err != nil {
		m.logger.Error("drop-job poll: scan failed", "error", err)
		return
	}
	for _, mat := range pending {
		mat := mat
		m.guardItem("materialization-drop-poll", mat.ID, func() error {
			return m.pollMaterializationDrop(ctx, &mat)
		})
	}
}

func (m *Manager) pollMaterializationDrop(ctx context.Context, mat *model.Materialization) error {
	job, err := m.jobsvc.GetJobFromStore(ctx, mat.DropJobID)
	if err != nil {
		if errors.Is(err, jobservice.ErrJobNotFound) {
			mat.DropJobID = ""
			mat.ModifiedAt = time.Now()
			if err := m.materializations.Save(ctx, mat); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
				return err
			}
			return nil
		}
		return err
	}
	if !job.State.IsTerminal() {
		return nil
	}

	if job.State == jobservice.StateCompleted {
		return m.materializations.Delete(ctx, mat.ID)
	}

	m.logger.Warn("drop job did not complete, will resubmit", "materializationId", mat.ID, "jobId", mat.DropJobID, "state", job.State)
	mat.DropJobID = ""
	mat.ModifiedAt = time.Now()
	if err := m.materializations.Save(ctx, mat); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		return err
	}
	return nil
}

// acceleratorTablePath is a synthetic stand-in for the real accelerator
// table path a SQL planner would compute from a dataset's full path list;
// that mapping lives in the out-of-scope SQL layer. Keying solely on the
// reflection id keeps the DROP statement stable and idempotent.
func acceleratorTablePath(reflectionID string) string {
	return fmt.Sprintf(`"__accelerator"."%s"`, reflectionID)
}

// sweepExpiredMaterializations is pass 6: age a DONE materialization into
// DEPRECATED once its expiry has passed, invalidating its descriptor.
func (m *Manager) sweepExpiredMaterializations(ctx context.Context) {
	now := time.Now()
	expired, err := m.materializations.GetAllExpiredWhen(ctx, now)
	if err != nil {
		m.logger.Error("expiry sweep: scan failed", "error", err)
		return
	}
	for _, mat := range expired {
		mat := mat
		m.guardItem("expiry-sweep", mat.ID, func() error {
			if mat.State != model.MaterializationDone {
				return nil
			}
			mat.State = model.MaterializationDeprecated
			mat.ModifiedAt = time.Now()
			if err := m.materializations.Save(ctx, &mat); err != nil {
				if errors.Is(err, store.ErrConcurrentModification) {
					return nil
				}
				return err
			}
			m.descriptors.InvalidateMaterialization(mat.ID)
			return nil
		})
	}
}

// gcDeletedGoals is pass 8: physically remove DELETED goal rows once they
// have sat past the grace period.
func (m *Manager) gcDeletedGoals(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.DeletionGracePeriod)
	goals, err := m.goals.GetDeletedBefore(ctx, cutoff)
	if err != nil {
		m.logger.Error("deleted-goal gc: scan failed", "error", err)
		return
	}
	for _, g := range goals {
		g := g
		m.guardItem("deleted-goal-gc", g.ID, func() error {
			return m.goals.Delete(ctx, g.ID)
		})
	}
}
