// Package manager implements the reflection reconciliation engine: the
// periodic, single-threaded loop that drives ReflectionEntry records
// through their state machine by comparing user goals against observed
// materialization state and an external asynchronous job service.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunoni/reflection-manager/pkg/cache"
	"github.com/harunoni/reflection-manager/pkg/depgraph"
	"github.com/harunoni/reflection-manager/pkg/jobs"
	"github.com/harunoni/reflection-manager/pkg/jobservice"
	"github.com/harunoni/reflection-manager/pkg/namespace"
	"github.com/harunoni/reflection-manager/pkg/store"
)

// Manager is the reconciliation engine. Every exported method that mutates
// reconciliation state is only ever called from the single goroutine
// running Run; WakeUp and the reflectionsToUpdate additions are the only
// entry points safe to call from other goroutines (job-service listeners,
// HTTP handlers).
type Manager struct {
	goals            store.GoalStore
	entries          store.EntryStore
	materializations store.MaterializationStore
	external         store.ExternalReflectionStore

	deps      *depgraph.Manager
	jobsvc    jobservice.Service
	datasets  namespace.Service
	descriptors *cache.DescriptorCache
	jobLog    *jobs.JobStore

	onRefreshDone RefreshDoneHandler

	cfg    *Config
	logger *slog.Logger

	lastWakeupMu   sync.RWMutex
	lastWakeupTime time.Time
	toUpdate       *updateSet

	// datasetVersions/datasetModTimes track the last observed namespace
	// DatasetConfig.Version per dataset id and the wall-clock time it was
	// last seen to change, since the namespace contract exposes a version
	// string rather than a timestamp and ShouldRefresh needs mod times.
	datasetVersions map[string]string
	datasetModTimes map[string]time.Time

	wakeup chan struct{}
}

// Deps bundles the Manager's collaborators: the stores, dependency manager,
// and job-service client it needs, feeding the Manager in that order.
type Deps struct {
	Goals            store.GoalStore
	Entries          store.EntryStore
	Materializations store.MaterializationStore
	External         store.ExternalReflectionStore

	DependencyManager *depgraph.Manager
	JobService        jobservice.Service
	Datasets          namespace.Service
	Descriptors       *cache.DescriptorCache
	JobLog            *jobs.JobStore

	OnRefreshDone RefreshDoneHandler

	Config *Config
	Logger *slog.Logger
}

// New builds a Manager from its collaborators. If cfg or logger is nil,
// defaults are used; if OnRefreshDone is nil, DefaultRefreshDoneHandler(Datasets)
// is used.
func New(d Deps) *Manager {
	cfg := d.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onDone := d.OnRefreshDone
	if onDone == nil {
		onDone = DefaultRefreshDoneHandler(d.Datasets)
	}

	return &Manager{
		goals:            d.Goals,
		entries:          d.Entries,
		materializations: d.Materializations,
		external:         d.External,
		deps:             d.DependencyManager,
		jobsvc:           d.JobService,
		datasets:         d.Datasets,
		descriptors:      d.Descriptors,
		jobLog:           d.JobLog,
		onRefreshDone:    onDone,
		cfg:              cfg,
		logger:           logger,
		toUpdate:         newUpdateSet(),
		datasetVersions:  make(map[string]string),
		datasetModTimes:  make(map[string]time.Time),
		wakeup:           make(chan struct{}, 1),
	}
}

// RequestUpdate adds id to reflectionsToUpdate, requesting that the next
// wakeup processes it through the forced-update path (pass 1) regardless of
// its current state. Safe to call from any goroutine.
func (m *Manager) RequestUpdate(id string) {
	m.toUpdate.Add(id)
	m.WakeUp()
}

// WakeUp requests an out-of-cycle run() beyond the periodic tick. It is the
// function job-service listeners invoke on a job's terminal transition and
// is safe to call from any goroutine; it never blocks and coalesces
// redundant requests.
func (m *Manager) WakeUp() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

// Run drives the reconciliation loop until ctx is canceled: it invokes
// run() on every periodic tick and on every WakeUp signal, and guarantees
// serial, non-reentrant execution by construction (one goroutine, one
// select loop).
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.logger.Info("reconciliation loop starting", "tickInterval", m.cfg.TickInterval.String())

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("reconciliation loop stopping")
			return
		case <-ticker.C:
			m.runOnce(ctx)
		case <-m.wakeup:
			m.runOnce(ctx)
		}
	}
}

// runOnce executes one wakeup: it reads the wall clock once at entry,
// updates lastWakeupTime before doing any work so a slow pass can never
// cause the next wakeup to re-run the same window, runs the eight passes
// in order, and logs if the wakeup ran past the warning threshold.
func (m *Manager) runOnce(ctx context.Context) {
	start := time.Now()
	m.lastWakeupMu.Lock()
	overlapCutoff := m.lastWakeupTime.Add(-m.cfg.ModifiedSinceOverlap)
	m.lastWakeupTime = start
	m.lastWakeupMu.Unlock()

	m.processForcedUpdates(ctx)
	m.sweepDeletedDatasets(ctx)
	m.reconcileGoals(ctx, overlapCutoff)
	m.reconcileEntries(ctx)
	m.gcDeprecatedMaterializations(ctx)
	m.sweepExpiredMaterializations(ctx)
	m.pollMaterializationDrops(ctx)
	m.gcDeletedGoals(ctx)

	if elapsed := time.Since(start); elapsed > m.cfg.WakeupWarningThreshold {
		m.logger.Warn("wakeup exceeded warning threshold", "elapsed", elapsed.String())
	}
}

// LastWakeupTime reports when run() last executed, for the status API's
// liveness view. Safe to call concurrently with Run.
func (m *Manager) LastWakeupTime() time.Time {
	m.lastWakeupMu.RLock()
	defer m.lastWakeupMu.RUnlock()
	return m.lastWakeupTime
}

// guardItem contains a per-item fault so that one bad entity does not abort
// the rest of the pass. It also recovers a panic, since some collaborators
// may raise on corrupt input and the loop must still make progress on
// siblings.
func (m *Manager) guardItem(pass, id string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("pass item panicked", "pass", pass, "id", id, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		m.logger.Error("pass item failed", "pass", pass, "id", id, "error", err)
	}
}
