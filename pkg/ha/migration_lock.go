package ha

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// MigrationLocker is the interface for acquiring a lock around database
// migrations to prevent concurrent AutoMigrate calls from multiple replicas.
type MigrationLocker interface {
	// WithLock executes fn while holding the migration lock.
	// It waits for the lock and releases it after fn returns; an
	// implementation may give up and return an error without running fn
	// (the fallback lock after 30 attempts, or once ctx is done).
	WithLock(ctx context.Context, fn func() error) error
}

// migrationLockKey identifies this daemon's migration critical section,
// both as the Postgres advisory-lock id and as the fallback lock row's
// primary key. A single constant keeps the two strategies interchangeable
// if a deployment switches dialect between runs.
const migrationLockKey = "reflectiond-migration"

// NewMigrationLocker creates a MigrationLocker appropriate for the database
// dialect. PostgreSQL uses advisory locks; other databases use a table-based
// fallback. The lock table is created immediately for the fallback strategy.
// cfg tunes the fallback strategy's retry cadence and stale-lock threshold
// to this deployment's own leader-election timings rather than fixed
// constants: a cluster configured with a long LeaseDuration (tolerant of
// slow failover) should also tolerate a correspondingly stale migration
// lock before assuming its holder crashed. A nil cfg uses DefaultHAConfig.
func NewMigrationLocker(db *gorm.DB, cfg *HAConfig) MigrationLocker {
	if db == nil {
		return &noopMigrationLock{}
	}
	if cfg == nil {
		cfg = DefaultHAConfig()
	}
	dialector := db.Dialector.Name()
	if dialector == "postgres" {
		return &pgAdvisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte(migrationLockKey))),
		}
	}
	lock := &fallbackMigrationLock{
		db:            db,
		retryInterval: cfg.RetryPeriod,
		staleLockAge:  cfg.LeaseDuration * 20,
	}
	if lock.retryInterval <= 0 {
		lock.retryInterval = 1 * time.Second
	}
	if lock.staleLockAge <= 0 {
		lock.staleLockAge = 5 * time.Minute
	}
	// Create the lock table immediately so that concurrent callers never
	// hit "no such table" errors on their first WithLock call.
	_ = db.AutoMigrate(&migrationLockRecord{})
	return lock
}

// noopMigrationLock is used when no database is configured.
type noopMigrationLock struct{}

func (n *noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

// pgAdvisoryLock uses PostgreSQL advisory locks for migration serialization.
type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	// Acquire advisory lock (blocks until available).
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
		return fmt.Errorf("failed to acquire migration advisory lock: %w", err)
	}

	// Always release the lock.
	defer func() {
		_ = l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
	}()

	return fn()
}

// migrationLockRecord is the table-based lock row for non-PostgreSQL databases.
type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "migration_lock" }

// fallbackMigrationLock uses a database table for locking on non-PostgreSQL
// databases (SQLite, MySQL). It uses INSERT-or-fail semantics to ensure only
// one holder at a time, with stale lock cleanup for crash recovery.
// retryInterval and staleLockAge are derived from the deployment's own
// HAConfig (see NewMigrationLocker) rather than fixed constants.
type fallbackMigrationLock struct {
	db            *gorm.DB
	retryInterval time.Duration
	staleLockAge  time.Duration
}

func (l *fallbackMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	lockRow := migrationLockRecord{
		ID:       migrationLockKey,
		LockedBy: hostname,
	}

	const maxRetries = 30

	acquired := false
	for i := 0; i < maxRetries; i++ {
		// Delete stale locks (older than staleLockAge) to handle crash recovery.
		l.db.WithContext(ctx).Where("id = ? AND locked_at < ?", migrationLockKey, time.Now().Add(-l.staleLockAge)).Delete(&migrationLockRecord{})

		// Update lockRow timestamp for each attempt.
		lockRow.LockedAt = time.Now()

		// Try to insert (fails if row already exists).
		result := l.db.WithContext(ctx).Create(&lockRow)
		if result.Error == nil {
			acquired = true
			break
		}

		if i == maxRetries-1 {
			return fmt.Errorf("failed to acquire migration lock after %d retries: %w", maxRetries, result.Error)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}

	if !acquired {
		return fmt.Errorf("failed to acquire migration lock")
	}

	// Always release the lock.
	defer func() {
		l.db.Where("id = ?", migrationLockKey).Delete(&migrationLockRecord{})
	}()

	return fn()
}
