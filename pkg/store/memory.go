package store

import (
	"context"
	"sync"
	"time"

	"github.com/harunoni/reflection-manager/pkg/model"
)

// MemoryStores bundles in-memory, mutex-guarded implementations of all four
// store interfaces, used to drive the reconciliation loop deterministically
// in unit tests without a database: the eight-pass loop needs to inspect
// intermediate state between wakeups more closely than an eventual-
// consistency poll against a real database allows for.
type MemoryStores struct {
	Goals      *MemoryGoalStore
	Entries    *MemoryEntryStore
	Materializations *MemoryMaterializationStore
	External   *MemoryExternalReflectionStore
}

func NewMemoryStores() *MemoryStores {
	return &MemoryStores{
		Goals:            NewMemoryGoalStore(),
		Entries:          NewMemoryEntryStore(),
		Materializations: NewMemoryMaterializationStore(),
		External:         NewMemoryExternalReflectionStore(),
	}
}

type MemoryGoalStore struct {
	mu   sync.Mutex
	rows map[string]model.ReflectionGoal
}

func NewMemoryGoalStore() *MemoryGoalStore {
	return &MemoryGoalStore{rows: make(map[string]model.ReflectionGoal)}
}

func (s *MemoryGoalStore) Get(_ context.Context, id string) (*model.ReflectionGoal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (s *MemoryGoalStore) Save(_ context.Context, goal *model.ReflectionGoal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[goal.ID]
	if goal.Version == 0 {
		goal.Version = 1
		s.rows[goal.ID] = *goal
		return nil
	}
	if !ok || existing.Version != goal.Version {
		return ErrConcurrentModification
	}
	goal.Version++
	s.rows[goal.ID] = *goal
	return nil
}

func (s *MemoryGoalStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *MemoryGoalStore) GetAllNotDeleted(_ context.Context) ([]model.ReflectionGoal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ReflectionGoal
	for _, g := range s.rows {
		if g.State != model.GoalDeleted {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *MemoryGoalStore) GetModifiedOrCreatedSince(_ context.Context, since time.Time) ([]model.ReflectionGoal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ReflectionGoal
	for _, g := range s.rows {
		if !g.ModifiedAt.Before(since) || !g.CreatedAt.Before(since) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *MemoryGoalStore) GetDeletedBefore(_ context.Context, cutoff time.Time) ([]model.ReflectionGoal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ReflectionGoal
	for _, g := range s.rows {
		if g.State == model.GoalDeleted && g.ModifiedAt.Before(cutoff) {
			out = append(out, g)
		}
	}
	return out, nil
}

type MemoryEntryStore struct {
	mu   sync.Mutex
	rows map[string]model.ReflectionEntry
}

func NewMemoryEntryStore() *MemoryEntryStore {
	return &MemoryEntryStore{rows: make(map[string]model.ReflectionEntry)}
}

func (s *MemoryEntryStore) Get(_ context.Context, id string) (*model.ReflectionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemoryEntryStore) Save(_ context.Context, entry *model.ReflectionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[entry.ID]
	if entry.Version == 0 {
		entry.Version = 1
		s.rows[entry.ID] = *entry
		return nil
	}
	if !ok || existing.Version != entry.Version {
		return ErrConcurrentModification
	}
	entry.Version++
	s.rows[entry.ID] = *entry
	return nil
}

func (s *MemoryEntryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *MemoryEntryStore) Find(_ context.Context) ([]model.ReflectionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ReflectionEntry, 0, len(s.rows))
	for _, e := range s.rows {
		out = append(out, e)
	}
	return out, nil
}

type MemoryMaterializationStore struct {
	mu   sync.Mutex
	rows map[string]model.Materialization
}

func NewMemoryMaterializationStore() *MemoryMaterializationStore {
	return &MemoryMaterializationStore{rows: make(map[string]model.Materialization)}
}

func (s *MemoryMaterializationStore) Get(_ context.Context, id string) (*model.Materialization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *MemoryMaterializationStore) Save(_ context.Context, m *model.Materialization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[m.ID]
	if m.Version == 0 {
		m.Version = 1
		if m.CreatedAt.IsZero() {
			m.CreatedAt = m.ModifiedAt
		}
		s.rows[m.ID] = *m
		return nil
	}
	if !ok || existing.Version != m.Version {
		return ErrConcurrentModification
	}
	m.CreatedAt = existing.CreatedAt
	m.Version++
	s.rows[m.ID] = *m
	return nil
}

func (s *MemoryMaterializationStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *MemoryMaterializationStore) GetLast(_ context.Context, reflectionID string) (*model.Materialization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *model.Materialization
	for _, m := range s.rows {
		if m.ReflectionID != reflectionID {
			continue
		}
		m := m
		if last == nil || m.CreatedAt.After(last.CreatedAt) {
			last = &m
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	return last, nil
}

func (s *MemoryMaterializationStore) GetRunning(_ context.Context, reflectionID string) (*model.Materialization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.rows {
		if m.ReflectionID == reflectionID && m.State == model.MaterializationRunning {
			m := m
			return &m, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryMaterializationStore) GetAllDone(_ context.Context, reflectionID string) ([]model.Materialization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Materialization
	for _, m := range s.rows {
		if m.ReflectionID == reflectionID && m.State == model.MaterializationDone {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryMaterializationStore) GetAllExpiredWhen(_ context.Context, when time.Time) ([]model.Materialization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Materialization
	for _, m := range s.rows {
		if !m.Expiry.IsZero() && !m.Expiry.After(when) {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetDeletableEntriesModifiedBefore returns DEPRECATED rows past cutoff
// plus DELETED rows with no drop job submitted yet (DropJobID empty). A
// DELETED row with a drop job already outstanding is left for
// GetDeletedAwaitingDrop to resolve, so a completed or still-running drop
// job is never resubmitted.
func (s *MemoryMaterializationStore) GetDeletableEntriesModifiedBefore(_ context.Context, cutoff time.Time, limit int) ([]model.Materialization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Materialization
	for _, m := range s.rows {
		if !m.ModifiedAt.Before(cutoff) {
			continue
		}
		eligible := m.State == model.MaterializationDeprecated ||
			(m.State == model.MaterializationDeleted && m.DropJobID == "")
		if eligible {
			out = append(out, m)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// GetDeletedAwaitingDrop returns DELETED rows with a drop job outstanding.
func (s *MemoryMaterializationStore) GetDeletedAwaitingDrop(_ context.Context, limit int) ([]model.Materialization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Materialization
	for _, m := range s.rows {
		if m.State == model.MaterializationDeleted && m.DropJobID != "" {
			out = append(out, m)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryMaterializationStore) GetRefreshes(_ context.Context, materializationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[materializationID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Refreshes, nil
}

func (s *MemoryMaterializationStore) GetRefreshesExclusivelyOwnedBy(_ context.Context, materializationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[materializationID]
	if !ok {
		return nil, ErrNotFound
	}
	claimed := make(map[string]bool)
	for id, other := range s.rows {
		if id == materializationID {
			continue
		}
		if other.ReflectionID != m.ReflectionID {
			continue
		}
		for _, r := range other.Refreshes {
			claimed[r] = true
		}
	}
	var exclusive []string
	for _, r := range m.Refreshes {
		if !claimed[r] {
			exclusive = append(exclusive, r)
		}
	}
	return exclusive, nil
}

type MemoryExternalReflectionStore struct {
	mu   sync.Mutex
	rows map[string]model.ExternalReflection
}

func NewMemoryExternalReflectionStore() *MemoryExternalReflectionStore {
	return &MemoryExternalReflectionStore{rows: make(map[string]model.ExternalReflection)}
}

func (s *MemoryExternalReflectionStore) Put(r model.ExternalReflection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[r.ID] = r
}

func (s *MemoryExternalReflectionStore) GetAll(_ context.Context) ([]model.ExternalReflection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ExternalReflection, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryExternalReflectionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}
