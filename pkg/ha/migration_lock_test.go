package ha

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Use shared cache so all goroutines see the same in-memory database.
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	return db
}

// fastMigrationLockCfg tunes the fallback lock's retry cadence down to
// milliseconds, matching the aggressive RetryPeriod a reflectiond
// single-node dev deployment (short LeaseDuration) would configure, so
// these tests run quickly instead of waiting out a multi-second default.
func fastMigrationLockCfg() *HAConfig {
	return &HAConfig{RetryPeriod: 10 * time.Millisecond, LeaseDuration: 50 * time.Millisecond}
}

func TestNewMigrationLocker_NilDB(t *testing.T) {
	locker := NewMigrationLocker(nil, fastMigrationLockCfg())
	called := false
	err := locker.WithLock(context.Background(), func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("function was not called")
	}
}

func TestNewMigrationLocker_NilConfigUsesDefaults(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, nil)
	fb, ok := locker.(*fallbackMigrationLock)
	if !ok {
		t.Fatalf("expected *fallbackMigrationLock for sqlite dialect, got %T", locker)
	}
	if fb.retryInterval != 2*time.Second {
		t.Errorf("retryInterval = %v, want the 2s default RetryPeriod", fb.retryInterval)
	}
	if fb.staleLockAge != 5*time.Minute {
		t.Errorf("staleLockAge = %v, want the 5m default", fb.staleLockAge)
	}
}

func TestNewMigrationLocker_ConfigDrivesRetryTiming(t *testing.T) {
	db := setupTestDB(t)
	cfg := &HAConfig{RetryPeriod: 250 * time.Millisecond, LeaseDuration: 3 * time.Second}
	locker := NewMigrationLocker(db, cfg)
	fb, ok := locker.(*fallbackMigrationLock)
	if !ok {
		t.Fatalf("expected *fallbackMigrationLock for sqlite dialect, got %T", locker)
	}
	if fb.retryInterval != cfg.RetryPeriod {
		t.Errorf("retryInterval = %v, want %v (cfg.RetryPeriod)", fb.retryInterval, cfg.RetryPeriod)
	}
	wantStale := cfg.LeaseDuration * 20
	if fb.staleLockAge != wantStale {
		t.Errorf("staleLockAge = %v, want %v (cfg.LeaseDuration*20)", fb.staleLockAge, wantStale)
	}
}

func TestFallbackMigrationLock_WithLock(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, fastMigrationLockCfg())

	called := false
	err := locker.WithLock(context.Background(), func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("function was not called")
	}

	// Verify lock was released: lock table should be empty.
	var count int64
	db.Model(&migrationLockRecord{}).Count(&count)
	if count != 0 {
		t.Errorf("expected lock table to be empty after WithLock, got %d rows", count)
	}
}

func TestFallbackMigrationLock_ErrorPropagation(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, fastMigrationLockCfg())

	expectedErr := "migration failed"
	err := locker.WithLock(context.Background(), func() error {
		return &testError{msg: expectedErr}
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err.Error() != expectedErr {
		t.Errorf("error = %q, want %q", err.Error(), expectedErr)
	}

	// Lock should still be released after error.
	var count int64
	db.Model(&migrationLockRecord{}).Count(&count)
	if count != 0 {
		t.Errorf("expected lock table to be empty after error, got %d rows", count)
	}
}

func TestFallbackMigrationLock_Serialization(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, fastMigrationLockCfg())

	// Verify that two concurrent WithLock calls serialize: only one
	// runs the critical section at a time.
	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locker.WithLock(context.Background(), func() error {
				cur := concurrent.Add(1)
				// Track the maximum concurrency observed.
				for {
					prev := maxConcurrent.Load()
					if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				concurrent.Add(-1)
				return nil
			})
		}()
	}

	wg.Wait()

	if maxConcurrent.Load() > 1 {
		t.Errorf("expected max concurrency of 1, got %d", maxConcurrent.Load())
	}
}

func TestFallbackMigrationLock_ContextCancellation(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, fastMigrationLockCfg())

	// Acquire the lock first.
	err := locker.WithLock(context.Background(), func() error {
		// While holding the lock, try to acquire it again with a cancelled context.
		ctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately.

		err2 := locker.WithLock(ctx, func() error {
			t.Error("should not have acquired the lock")
			return nil
		})
		if err2 == nil {
			t.Error("expected context cancellation error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer WithLock error: %v", err)
	}
}

// TestFallbackMigrationLock_StaleLockCleared verifies that a lock row left
// behind by a crashed holder, older than cfg's derived staleLockAge, is
// cleaned up rather than blocking every future migration attempt forever.
func TestFallbackMigrationLock_StaleLockCleared(t *testing.T) {
	db := setupTestDB(t)
	cfg := &HAConfig{RetryPeriod: 10 * time.Millisecond, LeaseDuration: 1 * time.Millisecond}
	locker := NewMigrationLocker(db, cfg)

	stale := migrationLockRecord{
		ID:       migrationLockKey,
		LockedAt: time.Now().Add(-1 * time.Hour),
		LockedBy: "crashed-replica",
	}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("seeding stale lock row: %v", err)
	}

	called := false
	err := locker.WithLock(context.Background(), func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("WithLock should have cleared the stale lock and proceeded")
	}
}

type testError struct {
	msg string
}

func (e *testError) Error() string { return e.msg }
