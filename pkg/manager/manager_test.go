package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunoni/reflection-manager/pkg/depgraph"
	"github.com/harunoni/reflection-manager/pkg/jobservice"
	"github.com/harunoni/reflection-manager/pkg/model"
	"github.com/harunoni/reflection-manager/pkg/namespace"
	"github.com/harunoni/reflection-manager/pkg/store"
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStores, *namespace.Stub, *jobservice.FakeService) {
	t.Helper()
	stores := store.NewMemoryStores()
	ns := namespace.NewStub()
	js := jobservice.NewFakeService(nil)

	cfg := DefaultConfig()
	cfg.LayoutRefreshMaxAttempts = 3
	cfg.DeletionGracePeriod = time.Hour
	cfg.ModifiedSinceOverlap = 0

	m := New(Deps{
		Goals:             stores.Goals,
		Entries:           stores.Entries,
		Materializations:  stores.Materializations,
		External:          stores.External,
		DependencyManager: depgraph.New(),
		JobService:        js,
		Datasets:          ns,
		Config:            cfg,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return m, stores, ns, js
}

func mustGetEntry(t *testing.T, ctx context.Context, entries store.EntryStore, id string) *model.ReflectionEntry {
	t.Helper()
	e, err := entries.Get(ctx, id)
	require.NoError(t, err)
	return e
}

// Scenario 1: create -> build -> active.
func TestScenario_CreateBuildActive(t *testing.T) {
	ctx := context.Background()
	m, stores, ns, js := newTestManager(t)

	ns.Put(model.DatasetConfig{ID: "ds-1", FullPathList: []string{"space", "ds1"}, Version: "v1"})
	require.NoError(t, stores.Goals.Save(ctx, &model.ReflectionGoal{
		ID: "refl-1", DatasetID: "ds-1", Name: "r1",
		Type: model.ReflectionRaw, State: model.GoalEnabled,
		CreatedAt: time.Now(), ModifiedAt: time.Now(),
	}))

	m.runOnce(ctx)

	entry := mustGetEntry(t, ctx, stores.Entries, "refl-1")
	require.Equal(t, model.StateRefreshing, entry.State)
	require.NotEmpty(t, entry.RefreshJobID)

	running, err := stores.Materializations.GetRunning(ctx, "refl-1")
	require.NoError(t, err)
	assert.Equal(t, model.MaterializationRunning, running.State)

	require.NoError(t, js.ResolveWithRefreshes(entry.RefreshJobID, jobservice.StateCompleted, "", []string{"refresh-1"}))
	m.runOnce(ctx)

	entry = mustGetEntry(t, ctx, stores.Entries, "refl-1")
	require.Equal(t, model.StateMetadataRefresh, entry.State)
	require.NotEmpty(t, entry.RefreshJobID)

	require.NoError(t, js.Resolve(entry.RefreshJobID, jobservice.StateCompleted, ""))
	m.runOnce(ctx)

	entry = mustGetEntry(t, ctx, stores.Entries, "refl-1")
	assert.Equal(t, model.StateActive, entry.State)
	assert.Equal(t, 0, entry.NumFailures)

	last, err := stores.Materializations.GetLast(ctx, "refl-1")
	require.NoError(t, err)
	assert.Equal(t, model.MaterializationDone, last.State)
}

// Scenario 5: empty incremental — no LOAD MATERIALIZATION job submitted,
// entry goes straight to ACTIVE.
func TestScenario_EmptyIncremental(t *testing.T) {
	ctx := context.Background()
	m, stores, ns, js := newTestManager(t)

	ns.Put(model.DatasetConfig{ID: "ds-1", Version: "v1"})
	require.NoError(t, stores.Goals.Save(ctx, &model.ReflectionGoal{
		ID: "refl-1", DatasetID: "ds-1", State: model.GoalEnabled,
		CreatedAt: time.Now(), ModifiedAt: time.Now(),
	}))

	m.runOnce(ctx)
	entry := mustGetEntry(t, ctx, stores.Entries, "refl-1")
	require.Equal(t, model.StateRefreshing, entry.State)

	require.NoError(t, js.Resolve(entry.RefreshJobID, jobservice.StateCompleted, ""))
	m.runOnce(ctx)

	entry = mustGetEntry(t, ctx, stores.Entries, "refl-1")
	assert.Equal(t, model.StateActive, entry.State)
	assert.Equal(t, 0, entry.NumFailures)

	last, err := stores.Materializations.GetLast(ctx, "refl-1")
	require.NoError(t, err)
	assert.Equal(t, model.MaterializationDone, last.State)
}

// Scenario 3: three-strike failure.
func TestScenario_ThreeStrikeFailure(t *testing.T) {
	ctx := context.Background()
	m, stores, ns, js := newTestManager(t)

	ns.Put(model.DatasetConfig{ID: "ds-1", Version: "v1"})
	require.NoError(t, stores.Goals.Save(ctx, &model.ReflectionGoal{
		ID: "refl-1", DatasetID: "ds-1", State: model.GoalEnabled,
		CreatedAt: time.Now(), ModifiedAt: time.Now(),
	}))

	for i := 0; i < 3; i++ {
		m.runOnce(ctx)
		entry := mustGetEntry(t, ctx, stores.Entries, "refl-1")
		if entry.State == model.StateFailed {
			break
		}
		require.Equal(t, model.StateRefreshing, entry.State, "iteration %d", i)
		require.NoError(t, js.Resolve(entry.RefreshJobID, jobservice.StateFailed, "build failed"))
		m.runOnce(ctx)
	}

	entry := mustGetEntry(t, ctx, stores.Entries, "refl-1")
	assert.Equal(t, model.StateFailed, entry.State)
	assert.Equal(t, 3, entry.NumFailures)
	assert.False(t, m.deps.ReflectionHasKnownDependencies("refl-1"))
}

// Scenario 4: dataset disappears.
func TestScenario_DatasetDisappears(t *testing.T) {
	ctx := context.Background()
	m, stores, ns, _ := newTestManager(t)

	ns.Put(model.DatasetConfig{ID: "ds-1", Version: "v1"})
	now := time.Now()
	require.NoError(t, stores.Goals.Save(ctx, &model.ReflectionGoal{
		ID: "refl-1", DatasetID: "ds-1", State: model.GoalEnabled,
		CreatedAt: now, ModifiedAt: now,
	}))

	m.runOnce(ctx)
	entry := mustGetEntry(t, ctx, stores.Entries, "refl-1")
	require.Equal(t, model.StateRefreshing, entry.State)

	ns.Remove("ds-1")
	m.runOnce(ctx)

	goal, err := stores.Goals.Get(ctx, "refl-1")
	require.NoError(t, err)
	assert.Equal(t, model.GoalDeleted, goal.State)

	_, err = stores.Entries.Get(ctx, "refl-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Back-date the deleted goal past the grace period and run the GC pass
	// directly rather than waiting on the wall clock.
	goal.ModifiedAt = time.Now().Add(-2 * m.cfg.DeletionGracePeriod)
	require.NoError(t, stores.Goals.Save(ctx, goal))
	m.gcDeletedGoals(ctx)

	_, err = stores.Goals.Get(ctx, "refl-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// Scenario 2: edit in flight.
func TestScenario_EditInFlight(t *testing.T) {
	ctx := context.Background()
	m, stores, ns, _ := newTestManager(t)

	ns.Put(model.DatasetConfig{ID: "ds-1", Version: "v1"})
	now := time.Now()
	require.NoError(t, stores.Goals.Save(ctx, &model.ReflectionGoal{
		ID: "refl-1", DatasetID: "ds-1", Name: "r1", State: model.GoalEnabled,
		CreatedAt: now, ModifiedAt: now,
	}))

	m.runOnce(ctx)
	entry := mustGetEntry(t, ctx, stores.Entries, "refl-1")
	require.Equal(t, model.StateRefreshing, entry.State)

	goal, err := stores.Goals.Get(ctx, "refl-1")
	require.NoError(t, err)
	// An edit saved against the current Version; Save bumps it from 1 to 2.
	goal.Name = "r1-edited"
	goal.ModifiedAt = time.Now()
	require.NoError(t, stores.Goals.Save(ctx, goal))

	m.runOnce(ctx)

	entry = mustGetEntry(t, ctx, stores.Entries, "refl-1")
	assert.Equal(t, int64(2), entry.GoalVersion)
	assert.Contains(t, []model.ReflectionState{model.StateUpdate, model.StateRefreshing}, entry.State)
}

// Scenario 6: expired materialization.
func TestScenario_ExpiredMaterialization(t *testing.T) {
	ctx := context.Background()
	m, stores, _, _ := newTestManager(t)

	now := time.Now()
	require.NoError(t, stores.Entries.Save(ctx, &model.ReflectionEntry{
		ID: "refl-1", DatasetID: "ds-1", State: model.StateActive, ModifiedAt: now,
	}))
	require.NoError(t, stores.Materializations.Save(ctx, &model.Materialization{
		ID: "mat-1", ReflectionID: "refl-1", State: model.MaterializationDone,
		Expiry: now.Add(-time.Minute), CreatedAt: now, ModifiedAt: now,
	}))

	m.sweepExpiredMaterializations(ctx)

	mat, err := stores.Materializations.Get(ctx, "mat-1")
	require.NoError(t, err)
	assert.Equal(t, model.MaterializationDeprecated, mat.State)

	entry := mustGetEntry(t, ctx, stores.Entries, "refl-1")
	assert.Equal(t, model.StateActive, entry.State)
}

// Invariant 6: a fault on one item does not block the rest of a pass.
// explodingDatasets wraps a Stub and returns an error for one dataset id,
// simulating a namespace-service fault on that lookup while the rest behave
// normally.
type explodingDatasets struct {
	*namespace.Stub
	failFor string
}

func (d *explodingDatasets) FindDatasetByUUID(ctx context.Context, id string) (*model.DatasetConfig, error) {
	if id == d.failFor {
		return nil, errors.New("namespace lookup exploded")
	}
	return d.Stub.FindDatasetByUUID(ctx, id)
}

func TestInvariant_FaultContainmentWithinPass(t *testing.T) {
	ctx := context.Background()
	stub := namespace.NewStub()
	stub.Put(model.DatasetConfig{ID: "ds-good", Version: "v1"})
	ds := &explodingDatasets{Stub: stub, failFor: "ds-bad"}

	stores := store.NewMemoryStores()
	cfg := DefaultConfig()
	cfg.DeletionGracePeriod = time.Hour
	cfg.ModifiedSinceOverlap = 0
	m := New(Deps{
		Goals:             stores.Goals,
		Entries:           stores.Entries,
		Materializations:  stores.Materializations,
		External:          stores.External,
		DependencyManager: depgraph.New(),
		JobService:        jobservice.NewFakeService(nil),
		Datasets:          ds,
		Config:            cfg,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	now := time.Now()
	require.NoError(t, stores.Goals.Save(ctx, &model.ReflectionGoal{
		ID: "bad", DatasetID: "ds-bad", State: model.GoalEnabled,
		CreatedAt: now, ModifiedAt: now,
	}))
	require.NoError(t, stores.Goals.Save(ctx, &model.ReflectionGoal{
		ID: "good", DatasetID: "ds-good", State: model.GoalEnabled,
		CreatedAt: now, ModifiedAt: now,
	}))

	// The dataset-deletion sweep's lookup on "bad" errors out; the pass must
	// still reach "good" and leave it enabled rather than aborting early.
	m.runOnce(ctx)

	goodGoal, err := stores.Goals.Get(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, model.GoalEnabled, goodGoal.State)

	badGoal, err := stores.Goals.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, model.GoalEnabled, badGoal.State)

	// "good" still reconciles into an entry and starts its refresh despite
	// "bad" having faulted on an earlier pass.
	goodEntry, err := stores.Entries.Get(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, model.StateRefreshing, goodEntry.State)
}

// Invariant 5: running run() twice with no intervening change is a no-op.
func TestInvariant_Idempotence(t *testing.T) {
	ctx := context.Background()
	m, stores, _, _ := newTestManager(t)

	now := time.Now()
	require.NoError(t, stores.Entries.Save(ctx, &model.ReflectionEntry{
		ID: "refl-1", DatasetID: "ds-1", State: model.StateFailed, ModifiedAt: now,
	}))

	m.runOnce(ctx)
	first := mustGetEntry(t, ctx, stores.Entries, "refl-1")

	m.runOnce(ctx)
	second := mustGetEntry(t, ctx, stores.Entries, "refl-1")

	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.Version, second.Version)
}

func TestWakeUpCoalesces(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	m.WakeUp()
	m.WakeUp()
	m.WakeUp()
	assert.Len(t, m.wakeup, 1)
}

func TestRequestUpdateDrainsOnce(t *testing.T) {
	ctx := context.Background()
	m, stores, _, js := newTestManager(t)

	now := time.Now()
	require.NoError(t, stores.Entries.Save(ctx, &model.ReflectionEntry{
		ID: "refl-1", DatasetID: "ds-1", State: model.StateActive,
		RefreshJobID: "job-in-flight", ModifiedAt: now,
	}))
	job, err := js.SubmitJob(ctx, jobservice.Request{QueryType: jobservice.QueryAcceleratorCreate}, nil)
	require.NoError(t, err)

	entry := mustGetEntry(t, ctx, stores.Entries, "refl-1")
	entry.RefreshJobID = job.ID
	require.NoError(t, stores.Entries.Save(ctx, entry))

	m.RequestUpdate("refl-1")
	m.runOnce(ctx)

	entry = mustGetEntry(t, ctx, stores.Entries, "refl-1")
	assert.Equal(t, model.StateRefreshing, entry.State, "UPDATE falls through to a fresh refresh submission in the same wakeup")
	assert.Empty(t, m.toUpdate.Drain())
}
