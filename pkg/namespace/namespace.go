// Package namespace defines the dataset-lookup contract the reflection
// manager depends on, and a stub implementation backed by an in-memory map
// for tests and single-node deployments without a real catalog service.
package namespace

import (
	"context"
	"sync"

	"github.com/harunoni/reflection-manager/pkg/model"
)

// Service looks up dataset metadata by id. A nil return with no error
// means the dataset no longer exists — the manager's dataset-deletion
// sweep (pass 2) depends on this signal.
type Service interface {
	FindDatasetByUUID(ctx context.Context, id string) (*model.DatasetConfig, error)
}

// Stub is an in-memory Service backed by a map the caller populates and
// mutates directly (via Put/Remove) to simulate dataset lifecycle events.
type Stub struct {
	mu       sync.RWMutex
	datasets map[string]model.DatasetConfig
}

func NewStub() *Stub {
	return &Stub{datasets: make(map[string]model.DatasetConfig)}
}

func (s *Stub) Put(ds model.DatasetConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[ds.ID] = ds
}

func (s *Stub) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.datasets, id)
}

func (s *Stub) FindDatasetByUUID(_ context.Context, id string) (*model.DatasetConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.datasets[id]
	if !ok {
		return nil, nil
	}
	return &ds, nil
}
