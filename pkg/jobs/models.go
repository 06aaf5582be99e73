package jobs

import (
	"time"
)

// RefreshJobRecord is the GORM model for a logged refresh job: a local
// mirror of a job submitted to the external job service (pkg/jobservice),
// kept for operator visibility and retention bookkeeping. The manager
// writes a record when it submits a job; the cancel endpoint and the
// Housekeeper change its state afterwards.
type RefreshJobRecord struct {
	ID           string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	ReflectionID string     `gorm:"column:reflection_id;index:idx_job_reflection_state,priority:1;not null"`
	QueryType    string     `gorm:"column:query_type;not null"`
	SQL          string     `gorm:"column:sql"`
	RequestedBy  string     `gorm:"column:requested_by"`
	RequestedAt  time.Time  `gorm:"column:requested_at;not null"`
	State        string     `gorm:"column:state;index:idx_job_reflection_state,priority:2;index:idx_job_state;not null;default:PENDING"`
	Message      string     `gorm:"column:message"`
	StartedAt    *time.Time `gorm:"column:started_at"`
	FinishedAt   *time.Time `gorm:"column:finished_at"`
	AttemptCount int        `gorm:"column:attempt_count;default:0"`
	LastError    string     `gorm:"column:last_error"`
	DurationMs   int64      `gorm:"column:duration_ms"`
}

// TableName returns the GORM table name.
func (RefreshJobRecord) TableName() string { return "refresh_job_records" }

// IsTerminal returns true if the job is in a terminal state.
func (j *RefreshJobRecord) IsTerminal() bool {
	switch j.State {
	case "COMPLETED", "FAILED", "CANCELED":
		return true
	}
	return false
}
