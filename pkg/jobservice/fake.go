package jobservice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FakeService is an in-memory Service double. It never executes real SQL;
// jobs sit PENDING until a test calls Resolve, or — when AutoComplete is
// configured — a background loop resolves them after a delay, close enough
// to a real ticker-driven claim loop to exercise the manager's polling and
// wake-up-callback plumbing without a database.
type FakeService struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	listeners map[string]Listener
	now       func() time.Time

	autoDelay  time.Duration
	autoResult func(Request) (State, string)
	cancelCh   map[string]chan struct{}
}

// NewFakeService creates a FakeService. now defaults to time.Now if nil.
func NewFakeService(now func() time.Time) *FakeService {
	if now == nil {
		now = time.Now
	}
	return &FakeService{
		jobs:      make(map[string]*Job),
		listeners: make(map[string]Listener),
		now:       now,
		cancelCh:  make(map[string]chan struct{}),
	}
}

// SetAutoComplete enables background auto-resolution: every submitted job
// resolves after delay using result(req) to decide its terminal state.
func (f *FakeService) SetAutoComplete(delay time.Duration, result func(Request) (State, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoDelay = delay
	f.autoResult = result
}

func (f *FakeService) SubmitJob(_ context.Context, req Request, listener Listener) (*Job, error) {
	f.mu.Lock()
	job := &Job{
		ID:          uuid.New().String(),
		State:       StatePending,
		SubmittedAt: f.now(),
	}
	f.jobs[job.ID] = job
	if listener != nil {
		f.listeners[job.ID] = listener
	}
	cancel := make(chan struct{})
	f.cancelCh[job.ID] = cancel
	autoDelay, autoResult := f.autoDelay, f.autoResult
	f.mu.Unlock()

	if autoResult != nil {
		go func() {
			select {
			case <-time.After(autoDelay):
				state, failure := autoResult(req)
				_ = f.resolve(job.ID, state, failure, nil)
			case <-cancel:
			}
		}()
	}

	copyJob := *job
	return &copyJob, nil
}

func (f *FakeService) GetJobFromStore(_ context.Context, jobID string) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	copyJob := *job
	return &copyJob, nil
}

func (f *FakeService) Cancel(_ context.Context, _, jobID string) error {
	return f.resolve(jobID, StateCanceled, "", nil)
}

// Resolve is the test-facing hook that drives a pending job to a terminal
// state and synchronously invokes its listener, the way the real job
// service's completion callback would — but deterministically, so manager
// tests can assert state after a single call rather than polling.
func (f *FakeService) Resolve(jobID string, state State, failure string) error {
	return f.resolve(jobID, state, failure, nil)
}

// ResolveWithRefreshes is Resolve plus the refresh ids a COMPLETED build
// produced, so tests can drive the empty-incremental and non-empty-build
// branches of handleRefreshSuccess.
func (f *FakeService) ResolveWithRefreshes(jobID string, state State, failure string, refreshes []string) error {
	return f.resolve(jobID, state, failure, refreshes)
}

func (f *FakeService) resolve(jobID string, state State, failure string, refreshes []string) error {
	f.mu.Lock()
	job, ok := f.jobs[jobID]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("resolve %s: %w", jobID, ErrJobNotFound)
	}
	if job.State.IsTerminal() {
		f.mu.Unlock()
		return nil
	}
	job.State = state
	job.Failure = failure
	job.Refreshes = refreshes
	job.CompletedAt = f.now()
	listener := f.listeners[jobID]
	delete(f.listeners, jobID)
	if cancel, ok := f.cancelCh[jobID]; ok {
		close(cancel)
		delete(f.cancelCh, jobID)
	}
	copyJob := *job
	f.mu.Unlock()

	if listener != nil {
		listener(copyJob)
	}
	return nil
}

// Forget removes a job as if it had been purged from the real job store —
// used to simulate the "job not found" fault the manager must recover from.
func (f *FakeService) Forget(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, jobID)
	delete(f.listeners, jobID)
}
