package jobs

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// JobStore provides database operations for the refresh job log. The
// manager records each job it submits to the external job service, in the
// state that service reported at submission; later transitions of the job
// are not written back by the manager. The cancel endpoint and the
// Housekeeper also update records. It never claims or executes jobs itself.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// AutoMigrate creates or updates the refresh_job_records table.
func (s *JobStore) AutoMigrate() error {
	return s.db.AutoMigrate(&RefreshJobRecord{})
}

// JobListFilter defines filters for listing jobs.
type JobListFilter struct {
	ReflectionID string
	State        string
	RequestedBy  string
}

// Record persists a newly submitted job in PENDING state.
func (s *JobStore) Record(job *RefreshJobRecord) (*RefreshJobRecord, error) {
	if job.State == "" {
		job.State = "PENDING"
	}
	if err := s.db.Create(job).Error; err != nil {
		return nil, fmt.Errorf("record job: %w", err)
	}
	return job, nil
}

// MarkRunning transitions a job to RUNNING, incrementing its attempt count.
func (s *JobStore) MarkRunning(jobID string) error {
	now := time.Now()
	result := s.db.Model(&RefreshJobRecord{}).Where("id = ?", jobID).
		Updates(map[string]any{
			"state":         "RUNNING",
			"started_at":    now,
			"attempt_count": gorm.Expr("attempt_count + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("mark job running: %w", result.Error)
	}
	return nil
}

// Complete marks a job as completed.
func (s *JobStore) Complete(jobID string, durationMs int64) error {
	now := time.Now()
	result := s.db.Model(&RefreshJobRecord{}).Where("id = ?", jobID).Updates(map[string]any{
		"state":       "COMPLETED",
		"finished_at": now,
		"duration_ms": durationMs,
	})
	if result.Error != nil {
		return fmt.Errorf("complete job: %w", result.Error)
	}
	return nil
}

// Fail marks a job as failed with the reported failure message.
func (s *JobStore) Fail(jobID string, failure string) error {
	now := time.Now()
	result := s.db.Model(&RefreshJobRecord{}).Where("id = ?", jobID).Updates(map[string]any{
		"state":       "FAILED",
		"finished_at": now,
		"last_error":  failure,
	})
	if result.Error != nil {
		return fmt.Errorf("fail job: %w", result.Error)
	}
	return nil
}

// Cancel marks a non-terminal job as canceled. Returns an error if the job
// is already in a terminal state or does not exist.
func (s *JobStore) Cancel(jobID string) error {
	now := time.Now()
	result := s.db.Model(&RefreshJobRecord{}).
		Where("id = ? AND state IN ?", jobID, []string{"PENDING", "RUNNING"}).
		Updates(map[string]any{
			"state":       "CANCELED",
			"finished_at": now,
			"message":     "canceled by operator",
		})
	if result.Error != nil {
		return fmt.Errorf("cancel job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var job RefreshJobRecord
		if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return fmt.Errorf("job not found: %s", jobID)
			}
			return fmt.Errorf("check job: %w", err)
		}
		return fmt.Errorf("job %s is in state %s, only pending or running jobs can be canceled", jobID, job.State)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *JobStore) Get(jobID string) (*RefreshJobRecord, error) {
	var job RefreshJobRecord
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// List returns paginated jobs matching the given filter, most recent first.
func (s *JobStore) List(filter JobListFilter, pageSize int, pageToken string) ([]RefreshJobRecord, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&RefreshJobRecord{})
		if filter.ReflectionID != "" {
			q = q.Where("reflection_id = ?", filter.ReflectionID)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		if filter.RequestedBy != "" {
			q = q.Where("requested_by = ?", filter.RequestedBy)
		}
		return q
	}

	var totalSize int64
	if err := buildQuery(s.db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count jobs: %w", err)
	}

	query := buildQuery(s.db).Order("requested_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("requested_at < ?", t)
	}

	var records []RefreshJobRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list jobs: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].RequestedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// CleanupStuckJobs transitions jobs that have been RUNNING longer than
// claimTimeout to FAILED. The manager does not write completions into this
// log, so a record left RUNNING stays so until this sweep or a cancel.
func (s *JobStore) CleanupStuckJobs(claimTimeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-claimTimeout)
	now := time.Now()
	result := s.db.Model(&RefreshJobRecord{}).
		Where("state = ? AND started_at < ?", "RUNNING", cutoff).
		Updates(map[string]any{
			"state":       "FAILED",
			"finished_at": now,
			"last_error":  "timed out waiting for job service callback",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup stuck jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan removes terminal jobs older than the given cutoff.
func (s *JobStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result := s.db.Where("state IN ? AND finished_at < ?",
		[]string{"COMPLETED", "FAILED", "CANCELED"}, cutoff).
		Delete(&RefreshJobRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
