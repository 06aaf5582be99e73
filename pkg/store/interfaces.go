package store

import (
	"context"
	"time"

	"github.com/harunoni/reflection-manager/pkg/model"
)

// GoalStore is the durable collection of user-declared ReflectionGoals.
// Save uses optimistic concurrency: a stale Version returns
// ErrConcurrentModification and the caller must re-read and retry.
type GoalStore interface {
	Get(ctx context.Context, id string) (*model.ReflectionGoal, error)
	Save(ctx context.Context, goal *model.ReflectionGoal) error
	Delete(ctx context.Context, id string) error

	// GetAllNotDeleted returns every goal whose State != GoalDeleted.
	GetAllNotDeleted(ctx context.Context) ([]model.ReflectionGoal, error)
	// GetModifiedOrCreatedSince returns goals with ModifiedAt or CreatedAt
	// >= since. The manager passes its last wakeup time minus an overlap to
	// tolerate clock-skew on write visibility.
	GetModifiedOrCreatedSince(ctx context.Context, since time.Time) ([]model.ReflectionGoal, error)
	// GetDeletedBefore returns DELETED goals older than the cutoff, for GC.
	GetDeletedBefore(ctx context.Context, cutoff time.Time) ([]model.ReflectionGoal, error)
}

// EntryStore is the durable collection of ReflectionEntry records, the
// manager's internal view of reconciliation state for each reflection.
type EntryStore interface {
	Get(ctx context.Context, id string) (*model.ReflectionEntry, error)
	Save(ctx context.Context, entry *model.ReflectionEntry) error
	Delete(ctx context.Context, id string) error
	// Find returns every entry. Iteration must tolerate concurrent writes;
	// the manager is idempotent across wakeups.
	Find(ctx context.Context) ([]model.ReflectionEntry, error)
}

// MaterializationStore is the durable collection of build attempts.
type MaterializationStore interface {
	Get(ctx context.Context, id string) (*model.Materialization, error)
	Save(ctx context.Context, m *model.Materialization) error
	Delete(ctx context.Context, id string) error

	// GetLast returns the most recently created materialization for rid.
	GetLast(ctx context.Context, reflectionID string) (*model.Materialization, error)
	// GetRunning returns the RUNNING materialization for rid, if any.
	GetRunning(ctx context.Context, reflectionID string) (*model.Materialization, error)
	// GetAllDone returns every DONE materialization for rid.
	GetAllDone(ctx context.Context, reflectionID string) ([]model.Materialization, error)
	// GetAllExpiredWhen returns materializations whose Expiry <= when.
	GetAllExpiredWhen(ctx context.Context, when time.Time) ([]model.Materialization, error)
	// GetDeletableEntriesModifiedBefore returns up to limit DEPRECATED
	// materializations past cutoff, plus DELETED ones with no drop job
	// submitted yet, for the GC pass to act on.
	GetDeletableEntriesModifiedBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Materialization, error)
	// GetDeletedAwaitingDrop returns DELETED materializations with a drop
	// job outstanding, for the drop-completion poll pass.
	GetDeletedAwaitingDrop(ctx context.Context, limit int) ([]model.Materialization, error)
	// GetRefreshes returns the refresh ids owned by m.
	GetRefreshes(ctx context.Context, materializationID string) ([]string, error)
	// GetRefreshesExclusivelyOwnedBy returns the subset of m's refreshes that
	// no other materialization of the same reflection also references.
	GetRefreshesExclusivelyOwnedBy(ctx context.Context, materializationID string) ([]string, error)
}

// ExternalReflectionStore is the observed-only collection of user-managed
// reflections. The core never schedules refreshes for these; it only
// watches for their backing dataset disappearing.
type ExternalReflectionStore interface {
	GetAll(ctx context.Context) ([]model.ExternalReflection, error)
	Delete(ctx context.Context, id string) error
}
