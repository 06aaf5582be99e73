// Package jobservice defines the contract the reflection manager uses to
// submit and poll asynchronous SQL jobs (refreshes, metadata loads, drops),
// and ships an in-memory test double implementing it. The real SQL job
// service that executes these jobs is a separate, out-of-process system.
package jobservice

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned by GetJobFromStore when no job exists for the
// given id. The manager treats this as a missing-referent fault.
var ErrJobNotFound = errors.New("jobservice: job not found")

// QueryType identifies the kind of opaque job being submitted. The manager
// never plans or executes SQL itself; it only submits these and interprets
// terminal states.
type QueryType string

const (
	QueryAcceleratorCreate       QueryType = "ACCELERATOR_CREATE"
	QueryAcceleratorDrop         QueryType = "ACCELERATOR_DROP"
	QueryLoadMaterializationMeta QueryType = "LOAD_MATERIALIZATION_METADATA"
)

// State is the terminal/non-terminal lifecycle state of a submitted job.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateCanceled  State = "CANCELED"
	StateFailed    State = "FAILED"
)

// IsTerminal reports whether s is a state the manager should stop polling.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCanceled || s == StateFailed
}

// Request describes a job to submit. SQL is the literal statement emitted
// for LOAD_MATERIALIZATION_METADATA and ACCELERATOR_DROP jobs.
type Request struct {
	QueryType QueryType
	SQL       string
	User      string
}

// Job is the async job record the manager polls. Refreshes is populated on
// a COMPLETED ACCELERATOR_CREATE job with the ids of the file-level
// artifacts the build produced; an empty slice signals an empty
// incremental refresh (no new data since the last build).
type Job struct {
	ID          string
	State       State
	Failure     string
	SubmittedAt time.Time
	CompletedAt time.Time
	Refreshes   []string
}

// Listener is invoked exactly once, on a job's terminal transition. The
// manager's implementation (pkg/manager) never mutates reconciliation state
// from inside a Listener call — it only fires the wake-up callback so the
// next run() picks up the result, keeping all state mutation on the single
// reconciliation goroutine.
type Listener func(job Job)

// Service is the job-service contract consumed by the core.
type Service interface {
	SubmitJob(ctx context.Context, req Request, listener Listener) (*Job, error)
	GetJobFromStore(ctx context.Context, jobID string) (*Job, error)
	Cancel(ctx context.Context, user, jobID string) error
}
