// Package depgraph implements the in-memory dependency graph that decides
// refresh timing and cascading failure across reflections. It is kept
// out-of-band from ReflectionEntry records (keyed by id, not embedded
// pointers) so entries remain flat, storable records.
package depgraph

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// node is the graph's per-reflection bookkeeping: the set of dataset and
// reflection ids it was last observed to depend on, whether any dependency
// was ever learned, whether some dependent path mandates infinite retry,
// and the wall-clock time of its last successful refresh.
type node struct {
	deps               mapset.Set[string]
	knownDependencies  bool
	dontGiveUp         bool
	lastRefresh        time.Time
}

// Manager is the dependency graph. All methods are safe for concurrent use,
// though the reconciliation loop only ever calls it from run() — the lock
// protects against the httpapi status surface reading graph state
// concurrently.
type Manager struct {
	mu    sync.Mutex
	nodes map[string]*node
	// dependents maps a dependency id to the set of reflection ids that
	// currently declare a dependency on it, for cascading recomputation on Delete.
	dependents map[string]mapset.Set[string]
}

func New() *Manager {
	return &Manager{
		nodes:      make(map[string]*node),
		dependents: make(map[string]mapset.Set[string]),
	}
}

// UpdateDependencies records the dependency edges learned for a reflection
// after a successful refresh (see the RefreshDecision in pkg/manager). deps
// is the set of dataset/reflection ids the refresh observed it read from.
func (m *Manager) UpdateDependencies(reflectionID string, deps []string, dontGiveUp bool, refreshedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[reflectionID]
	if !ok {
		n = &node{deps: mapset.NewThreadUnsafeSet[string]()}
		m.nodes[reflectionID] = n
	}

	for _, d := range n.deps.ToSlice() {
		if set, ok := m.dependents[d]; ok {
			set.Remove(reflectionID)
		}
	}

	n.deps = mapset.NewThreadUnsafeSet(deps...)
	n.knownDependencies = len(deps) > 0
	n.dontGiveUp = dontGiveUp
	n.lastRefresh = refreshedAt

	for _, d := range deps {
		set, ok := m.dependents[d]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			m.dependents[d] = set
		}
		set.Add(reflectionID)
	}
}

// ShouldRefresh reports whether a reflection is due for refresh: true if any
// of its known dependencies has a newer modification time than its last
// refresh, or — when it has no known dependencies — if floorPeriod has
// elapsed since its last refresh.
func (m *Manager) ShouldRefresh(reflectionID string, floorPeriod time.Duration, datasetModTimes map[string]time.Time, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[reflectionID]
	if !ok || !n.knownDependencies {
		if !ok || n.lastRefresh.IsZero() {
			return true
		}
		return now.Sub(n.lastRefresh) >= floorPeriod
	}

	for _, dep := range n.deps.ToSlice() {
		if mt, ok := datasetModTimes[dep]; ok && mt.After(n.lastRefresh) {
			return true
		}
	}
	return false
}

// DontGiveUp reports whether this reflection, or anything depending on it
// transitively, mandates infinite retry rather than quiescing into FAILED.
func (m *Manager) DontGiveUp(reflectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dontGiveUpLocked(reflectionID, mapset.NewThreadUnsafeSet[string]())
}

func (m *Manager) dontGiveUpLocked(id string, visited mapset.Set[string]) bool {
	if visited.Contains(id) {
		return false
	}
	visited.Add(id)

	n, ok := m.nodes[id]
	if ok && n.dontGiveUp {
		return true
	}
	dependents, ok := m.dependents[id]
	if !ok {
		return false
	}
	for _, dep := range dependents.ToSlice() {
		if m.dontGiveUpLocked(dep, visited) {
			return true
		}
	}
	return false
}

// ReflectionHasKnownDependencies reports whether dependencies were ever
// learned for this reflection (i.e. it has completed at least one refresh
// whose RefreshDecision reported upstream reads).
func (m *Manager) ReflectionHasKnownDependencies(reflectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[reflectionID]
	return ok && n.knownDependencies
}

// Delete removes a reflection's node, drops it from the dependents index of
// each of its dependencies, and drops its own dependents index, so the
// DontGiveUp cascade no longer passes through it. It does not
// recursively delete dependents: a dependent reflection's own dependency
// set continues to include the removed id until its next successful
// refresh relearns dependencies (at which point UpdateDependencies prunes
// it), matching the "best-effort, never fatal" stance on dependency-learning
// faults.
func (m *Manager) Delete(reflectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[reflectionID]
	if ok {
		for _, d := range n.deps.ToSlice() {
			if set, ok := m.dependents[d]; ok {
				set.Remove(reflectionID)
			}
		}
	}
	delete(m.nodes, reflectionID)
	delete(m.dependents, reflectionID)
}
