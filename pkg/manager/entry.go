package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harunoni/reflection-manager/pkg/jobs"
	"github.com/harunoni/reflection-manager/pkg/jobservice"
	"github.com/harunoni/reflection-manager/pkg/model"
	"github.com/harunoni/reflection-manager/pkg/store"
)

// reconcileEntries is pass 4: dispatch every entry on its current state per
// the transition table in §4.4.
func (m *Manager) reconcileEntries(ctx context.Context) {
	entries, err := m.entries.Find(ctx)
	if err != nil {
		m.logger.Error("entry reconciliation: scan failed", "error", err)
		return
	}
	for _, e := range entries {
		e := e
		m.guardItem("entry-reconciliation", e.ID, func() error {
			return m.reconcileEntry(ctx, &e)
		})
	}
}

// reconcileEntry dispatches a single entry. The ACTIVE case's fall-through
// into REFRESH when shouldRefresh is true is deliberate: it must execute
// exactly the REFRESH branch, not a parallel copy of it, because the two
// states are meant to behave identically once the refresh decision has
// been made.
func (m *Manager) reconcileEntry(ctx context.Context, e *model.ReflectionEntry) error {
	switch e.State {
	case model.StateFailed:
		return nil

	case model.StateRefreshing, model.StateMetadataRefresh:
		return m.pollJob(ctx, e)

	case model.StateUpdate:
		if err := m.deprecateEntryMaterializations(ctx, e); err != nil {
			return err
		}
		return m.startRefresh(ctx, e)

	case model.StateActive:
		due, err := m.shouldRefresh(ctx, e)
		if err != nil {
			return err
		}
		if !due {
			return nil
		}
		fallthrough

	case model.StateRefresh:
		return m.startRefresh(ctx, e)

	case model.StateDeprecate:
		if err := m.deprecateEntryMaterializations(ctx, e); err != nil {
			return err
		}
		if err := m.entries.Delete(ctx, e.ID); err != nil {
			return err
		}
		m.deps.Delete(e.ID)
		return nil
	}
	return nil
}

// shouldRefresh tracks the namespace service's reported dataset version as
// a proxy for modification time (the contract exposes a version string,
// not a timestamp) and asks the dependency manager whether a refresh is
// due.
func (m *Manager) shouldRefresh(ctx context.Context, e *model.ReflectionEntry) (bool, error) {
	ds, err := m.datasets.FindDatasetByUUID(ctx, e.DatasetID)
	if err != nil {
		return false, err
	}
	if ds != nil {
		prev, seen := m.datasetVersions[e.DatasetID]
		m.datasetVersions[e.DatasetID] = ds.Version
		switch {
		case seen && prev != ds.Version:
			// An actual version change: this is the one signal ShouldRefresh
			// should react to.
			m.datasetModTimes[e.DatasetID] = time.Now()
		case !seen:
			// First observation of this dataset: record it without implying
			// a change happened just now, or every reflection with no prior
			// refresh history would appear to need one on its very first
			// ACTIVE check.
			if _, ok := m.datasetModTimes[e.DatasetID]; !ok {
				m.datasetModTimes[e.DatasetID] = time.Time{}
			}
		}
	}
	return m.deps.ShouldRefresh(e.ID, m.cfg.NoDependencyRefreshPeriod, m.datasetModTimes, time.Now()), nil
}

// deprecateEntryMaterializations implements §4.8's deprecate-an-entry rule.
func (m *Manager) deprecateEntryMaterializations(ctx context.Context, e *model.ReflectionEntry) error {
	done, err := m.materializations.GetAllDone(ctx, e.ID)
	if err != nil {
		return err
	}
	for _, mat := range done {
		mat := mat
		mat.State = model.MaterializationDeprecated
		mat.ModifiedAt = time.Now()
		if err := m.materializations.Save(ctx, &mat); err != nil {
			if errors.Is(err, store.ErrConcurrentModification) {
				continue
			}
			return err
		}
		m.descriptors.InvalidateMaterialization(mat.ID)
	}
	return nil
}

// startRefresh is §4.7's refresh-start handler: create a RUNNING
// materialization, submit the build job, and move the entry to REFRESHING.
func (m *Manager) startRefresh(ctx context.Context, e *model.ReflectionEntry) error {
	now := time.Now()
	mat := &model.Materialization{
		ID:                    uuid.New().String(),
		ReflectionID:          e.ID,
		ReflectionGoalVersion: e.GoalVersion,
		State:                 model.MaterializationRunning,
		CreatedAt:             now,
		ModifiedAt:            now,
	}
	if err := m.materializations.Save(ctx, mat); err != nil {
		return err
	}

	job, err := m.jobsvc.SubmitJob(ctx, jobservice.Request{
		QueryType: jobservice.QueryAcceleratorCreate,
		User:      "SYSTEM",
	}, m.onJobTerminal)
	if err != nil {
		return m.failStartedRefresh(ctx, e, mat, err)
	}
	m.logSubmittedJob(job, e.ID, jobservice.QueryAcceleratorCreate, now)

	e.State = model.StateRefreshing
	e.RefreshJobID = job.ID
	e.LastSubmittedRefresh = now
	e.ModifiedAt = now
	if err := m.entries.Save(ctx, e); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		return err
	}
	return nil
}

// failStartedRefresh handles a fault while starting a refresh: the RUNNING
// materialization created moments ago is marked FAILED, then the entry is
// routed through reportFailure back to ACTIVE.
func (m *Manager) failStartedRefresh(ctx context.Context, e *model.ReflectionEntry, mat *model.Materialization, cause error) error {
	mat.State = model.MaterializationFailed
	mat.Failure = cause.Error()
	mat.ModifiedAt = time.Now()
	if err := m.materializations.Save(ctx, mat); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		m.logger.Error("failed to mark materialization failed after refresh-start fault", "materializationId", mat.ID, "error", err)
	}
	return m.reportFailure(ctx, e, model.StateActive)
}

// reportFailure is the §4.6 failure-accounting policy shared by every fault
// path that routes an entry back toward ACTIVE or into FAILED.
func (m *Manager) reportFailure(ctx context.Context, e *model.ReflectionEntry, newState model.ReflectionState) error {
	e.NumFailures++
	if e.DontGiveUp {
		e.State = newState
	} else if e.NumFailures >= m.cfg.LayoutRefreshMaxAttempts {
		e.State = model.StateFailed
		m.deps.Delete(e.ID)
	} else {
		e.State = newState
	}
	e.ModifiedAt = time.Now()
	if err := m.entries.Save(ctx, e); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		return err
	}
	return nil
}

// pollJob is §4.6: fetch the in-flight job by id and branch on its state.
func (m *Manager) pollJob(ctx context.Context, e *model.ReflectionEntry) error {
	job, err := m.jobsvc.GetJobFromStore(ctx, e.RefreshJobID)
	if err != nil {
		if errors.Is(err, jobservice.ErrJobNotFound) {
			return m.handleMissingJob(ctx, e)
		}
		return err
	}
	if !job.State.IsTerminal() {
		return nil
	}

	last, err := m.materializations.GetLast(ctx, e.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return m.handleMissingJob(ctx, e)
		}
		return err
	}

	switch job.State {
	case jobservice.StateCompleted:
		if e.State == model.StateRefreshing {
			return m.handleRefreshSuccess(ctx, e, last, *job)
		}
		return m.handleMetadataRefreshSuccess(ctx, e, last)
	case jobservice.StateCanceled:
		return m.handleJobCanceled(ctx, e, last, *job)
	case jobservice.StateFailed:
		return m.handleJobFailed(ctx, e, last, *job)
	}
	return nil
}

// handleMissingJob covers both the "job not found" fault and the "last
// materialization missing on a REFRESHING/METADATA_REFRESH entry" fault —
// both treated identically as a missing-referent fault, and deliberately
// routed through reportFailure(entry, ACTIVE) even though the fault is
// infrastructural, not the reflection's.
func (m *Manager) handleMissingJob(ctx context.Context, e *model.ReflectionEntry) error {
	last, err := m.materializations.GetLast(ctx, e.ID)
	if err == nil {
		last.State = model.MaterializationFailed
		last.Failure = "refresh job not found"
		last.ModifiedAt = time.Now()
		if saveErr := m.materializations.Save(ctx, last); saveErr != nil && !errors.Is(saveErr, store.ErrConcurrentModification) {
			m.logger.Error("failed to mark materialization failed for missing job", "reflectionId", e.ID, "error", saveErr)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return m.reportFailure(ctx, e, model.StateActive)
}

// handleRefreshSuccess is §4.6's COMPLETED/REFRESHING branch.
func (m *Manager) handleRefreshSuccess(ctx context.Context, e *model.ReflectionEntry, mat *model.Materialization, job jobservice.Job) error {
	decision, err := m.onRefreshDone(ctx, e, job)
	if err != nil {
		return m.failMaterializationAndReport(ctx, e, mat, err)
	}

	e.RefreshMethod = decision.RefreshMethod
	e.RefreshField = decision.RefreshField
	e.DatasetHash = decision.DatasetHash
	e.DontGiveUp = decision.DontGiveUp
	m.deps.UpdateDependencies(e.ID, decision.Dependencies, decision.DontGiveUp, time.Now())

	now := time.Now()
	mat.Refreshes = job.Refreshes
	e.LastSuccessfulRefresh = now

	if len(mat.Refreshes) == 0 {
		mat.State = model.MaterializationDone
		mat.ModifiedAt = now
		if err := m.materializations.Save(ctx, mat); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
			return err
		}
		e.State = model.StateActive
		e.NumFailures = 0
		e.ModifiedAt = now
		if err := m.entries.Save(ctx, e); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
			return err
		}
		return nil
	}

	metaJob, err := m.jobsvc.SubmitJob(ctx, jobservice.Request{
		QueryType: jobservice.QueryLoadMaterializationMeta,
		SQL:       fmt.Sprintf("LOAD MATERIALIZATION METADATA '%s'", mat.ID),
		User:      "SYSTEM",
	}, m.onJobTerminal)
	if err != nil {
		return m.failMaterializationAndReport(ctx, e, mat, err)
	}
	m.logSubmittedJob(metaJob, e.ID, jobservice.QueryLoadMaterializationMeta, now)

	mat.ModifiedAt = now
	if err := m.materializations.Save(ctx, mat); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		return err
	}

	e.State = model.StateMetadataRefresh
	e.RefreshJobID = metaJob.ID
	e.ModifiedAt = now
	if err := m.entries.Save(ctx, e); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		return err
	}
	return nil
}

// handleMetadataRefreshSuccess is §4.6's COMPLETED/METADATA_REFRESH branch.
func (m *Manager) handleMetadataRefreshSuccess(ctx context.Context, e *model.ReflectionEntry, mat *model.Materialization) error {
	descriptor, err := m.buildDescriptor(ctx, e, mat)
	if err != nil {
		return m.failMaterializationAndReport(ctx, e, mat, err)
	}
	m.descriptors.Put(mat.ID, descriptor)

	now := time.Now()
	mat.State = model.MaterializationDone
	mat.ModifiedAt = now
	if err := m.materializations.Save(ctx, mat); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		return err
	}

	e.State = model.StateActive
	e.NumFailures = 0
	e.ModifiedAt = now
	if err := m.entries.Save(ctx, e); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		return err
	}
	return nil
}

// buildDescriptor assembles the cached descriptor payload for a
// successfully loaded materialization. Parsing the real metadata payload a
// LOAD MATERIALIZATION METADATA job returns is the SQL layer's concern;
// this records the bookkeeping the manager itself owns.
func (m *Manager) buildDescriptor(ctx context.Context, e *model.ReflectionEntry, mat *model.Materialization) ([]byte, error) {
	ds, err := m.datasets.FindDatasetByUUID(ctx, e.DatasetID)
	if err != nil {
		return nil, err
	}
	path := ""
	if ds != nil {
		path = strings.Join(ds.FullPathList, ".")
	}
	return []byte(fmt.Sprintf(
		`{"materializationId":%q,"reflectionId":%q,"path":%q,"refreshMethod":%q,"refreshCount":%d}`,
		mat.ID, e.ID, path, e.RefreshMethod, len(mat.Refreshes),
	)), nil
}

// handleJobCanceled is §4.6's CANCELED branch.
func (m *Manager) handleJobCanceled(ctx context.Context, e *model.ReflectionEntry, mat *model.Materialization, job jobservice.Job) error {
	m.learnDependenciesBestEffort(ctx, e, job)

	now := time.Now()
	mat.State = model.MaterializationCanceled
	mat.ModifiedAt = now
	if err := m.materializations.Save(ctx, mat); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		return err
	}

	e.State = model.StateActive
	e.ModifiedAt = now
	if err := m.entries.Save(ctx, e); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		return err
	}
	return nil
}

// handleJobFailed is §4.6's FAILED branch: everything CANCELED does, plus
// recording the job's failure message and routing through reportFailure.
func (m *Manager) handleJobFailed(ctx context.Context, e *model.ReflectionEntry, mat *model.Materialization, job jobservice.Job) error {
	m.learnDependenciesBestEffort(ctx, e, job)

	failure := job.Failure
	if failure == "" {
		failure = "refresh job failed"
	}
	mat.State = model.MaterializationFailed
	mat.Failure = failure
	mat.ModifiedAt = time.Now()
	if err := m.materializations.Save(ctx, mat); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		return err
	}

	return m.reportFailure(ctx, e, model.StateActive)
}

// learnDependenciesBestEffort tries to learn dependency edges from an
// aborted attempt's metadata. Per §7, dependency-learning faults are
// logged and never fatal. An attempt that produced no refresh artifacts
// before being canceled or failing has nothing usable to learn from, so
// this is a no-op in that case rather than recording a spurious decision.
func (m *Manager) learnDependenciesBestEffort(ctx context.Context, e *model.ReflectionEntry, job jobservice.Job) {
	if len(job.Refreshes) == 0 {
		return
	}
	decision, err := m.onRefreshDone(ctx, e, job)
	if err != nil {
		m.logger.Warn("best-effort dependency learning failed", "reflectionId", e.ID, "error", err)
		return
	}
	m.deps.UpdateDependencies(e.ID, decision.Dependencies, decision.DontGiveUp, time.Now())
}

// failMaterializationAndReport marks mat FAILED and routes e through
// reportFailure back to ACTIVE — the common tail of every handler-fault
// path in §4.6.
func (m *Manager) failMaterializationAndReport(ctx context.Context, e *model.ReflectionEntry, mat *model.Materialization, cause error) error {
	mat.State = model.MaterializationFailed
	mat.Failure = cause.Error()
	mat.ModifiedAt = time.Now()
	if err := m.materializations.Save(ctx, mat); err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		m.logger.Error("failed to mark materialization failed", "materializationId", mat.ID, "error", err)
	}
	return m.reportFailure(ctx, e, model.StateActive)
}

// onJobTerminal is the listener passed to every job the manager submits:
// it never touches reconciliation state directly, only requests the next
// wakeup (§4.7, §9's periodic-loop design note).
func (m *Manager) onJobTerminal(_ jobservice.Job) {
	m.WakeUp()
}

// logSubmittedJob records a manager-submitted job in the visibility log, if
// one is configured.
func (m *Manager) logSubmittedJob(job *jobservice.Job, reflectionID string, queryType jobservice.QueryType, at time.Time) {
	if m.jobLog == nil || job == nil {
		return
	}
	rec := &jobs.RefreshJobRecord{
		ID:           job.ID,
		ReflectionID: reflectionID,
		QueryType:    string(queryType),
		RequestedBy:  "SYSTEM",
		RequestedAt:  at,
		State:        string(job.State),
	}
	if _, err := m.jobLog.Record(rec); err != nil {
		m.logger.Warn("failed to log submitted job", "jobId", job.ID, "error", err)
	}
}
