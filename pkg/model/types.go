// Package model holds the data types the reflection manager reconciles:
// user-declared goals, the manager's internal entries, build attempts
// (materializations), and externally-managed reflections.
package model

import "time"

// GoalState is the lifecycle state of a user-declared ReflectionGoal.
type GoalState string

const (
	GoalEnabled  GoalState = "ENABLED"
	GoalDisabled GoalState = "DISABLED"
	GoalDeleted  GoalState = "DELETED"
)

// ReflectionType distinguishes the kind of materialized acceleration requested.
type ReflectionType string

const (
	ReflectionRaw        ReflectionType = "RAW"
	ReflectionAggregation ReflectionType = "AGGREGATION"
)

// ReflectionGoal is the user-facing record of a reflection request.
// The core mutates only State, and only to transition it to GoalDeleted
// when the backing dataset disappears.
type ReflectionGoal struct {
	ID         string
	DatasetID  string
	Version    int64
	Name       string
	Type       ReflectionType
	State      GoalState
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// ReflectionState is the manager's internal reconciliation state for a
// reflection entry. See pkg/manager for the transition table.
type ReflectionState string

const (
	StateRefresh         ReflectionState = "REFRESH"
	StateRefreshing       ReflectionState = "REFRESHING"
	StateMetadataRefresh  ReflectionState = "METADATA_REFRESH"
	StateActive           ReflectionState = "ACTIVE"
	StateUpdate           ReflectionState = "UPDATE"
	StateDeprecate        ReflectionState = "DEPRECATE"
	StateFailed           ReflectionState = "FAILED"
)

// ReflectionEntry is the core's internal record of reconciliation state
// for one reflection. Its ID equals the originating goal's ID.
type ReflectionEntry struct {
	ID                   string
	GoalVersion          int64
	DatasetID            string
	DatasetVersion       string
	Name                 string
	Type                 ReflectionType
	State                ReflectionState
	RefreshJobID         string
	LastSubmittedRefresh time.Time
	LastSuccessfulRefresh time.Time
	RefreshMethod        string
	RefreshField         string
	DatasetHash          string
	NumFailures          int
	DontGiveUp           bool

	// Version is the store's optimistic-concurrency token, bumped on every save.
	Version int64
	ModifiedAt time.Time
}

// MaterializationState is the lifecycle state of one build attempt.
type MaterializationState string

const (
	MaterializationRunning    MaterializationState = "RUNNING"
	MaterializationDone       MaterializationState = "DONE"
	MaterializationDeprecated MaterializationState = "DEPRECATED"
	MaterializationDeleted    MaterializationState = "DELETED"
	MaterializationFailed     MaterializationState = "FAILED"
	MaterializationCanceled   MaterializationState = "CANCELED"
)

// Materialization is one concrete build of a reflection. It owns zero or
// more Refreshes (file-level artifacts); exactly one materialization per
// reflection may be RUNNING at a time, and materializations for a single
// reflection form a total order by CreatedAt.
type Materialization struct {
	ID                    string
	ReflectionID          string
	ReflectionGoalVersion int64
	State                 MaterializationState
	Failure               string
	Expiry                time.Time
	Refreshes             []string

	// DropJobID is the id of the ACCELERATOR_DROP job submitted to remove
	// this materialization's backing table, set once DELETED. Empty means
	// either no drop has been submitted yet, or a prior attempt did not
	// complete and is eligible for resubmission.
	DropJobID string

	CreatedAt  time.Time
	ModifiedAt time.Time
	Version    int64
}

// ExternalReflection is a user-managed reflection observed only to detect
// dataset deletion; the core never schedules refreshes for it.
type ExternalReflection struct {
	ID            string
	QueryDatasetID string
}

// DatasetConfig is the subset of namespace-service metadata the manager needs.
type DatasetConfig struct {
	ID           string
	FullPathList []string
	Version      string
}
