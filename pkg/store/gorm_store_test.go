package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/harunoni/reflection-manager/pkg/model"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestGormGoalStore(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewGormGoalStore(db)
	require.NoError(t, s.AutoMigrate())

	now := time.Now().UTC().Truncate(time.Second)
	goal := &model.ReflectionGoal{
		ID: "g1", DatasetID: "ds-1", Name: "r1",
		Type: model.ReflectionRaw, State: model.GoalEnabled,
		CreatedAt: now, ModifiedAt: now,
	}
	require.NoError(t, s.Save(ctx, goal))
	assert.Equal(t, int64(1), goal.Version)

	fetched, err := s.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "ds-1", fetched.DatasetID)
	assert.Equal(t, model.GoalEnabled, fetched.State)

	fetched.State = model.GoalDeleted
	fetched.ModifiedAt = now.Add(time.Minute)
	require.NoError(t, s.Save(ctx, fetched))
	assert.Equal(t, int64(2), fetched.Version)

	stale := &model.ReflectionGoal{ID: "g1", Version: 1, State: model.GoalEnabled, ModifiedAt: now}
	err = s.Save(ctx, stale)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	notDeleted, err := s.GetAllNotDeleted(ctx)
	require.NoError(t, err)
	assert.Len(t, notDeleted, 0)

	deleted, err := s.GetDeletedBefore(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "g1", deleted[0].ID)

	require.NoError(t, s.Delete(ctx, "g1"))
	_, err = s.Get(ctx, "g1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormGoalStoreModifiedSince(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewGormGoalStore(db)
	require.NoError(t, s.AutoMigrate())

	cutoff := time.Now().UTC()
	require.NoError(t, s.Save(ctx, &model.ReflectionGoal{
		ID: "old", DatasetID: "ds-1", State: model.GoalEnabled,
		CreatedAt: cutoff.Add(-time.Hour), ModifiedAt: cutoff.Add(-time.Hour),
	}))
	require.NoError(t, s.Save(ctx, &model.ReflectionGoal{
		ID: "new", DatasetID: "ds-1", State: model.GoalEnabled,
		CreatedAt: cutoff.Add(time.Minute), ModifiedAt: cutoff.Add(time.Minute),
	}))

	changed, err := s.GetModifiedOrCreatedSince(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "new", changed[0].ID)
}

func TestGormEntryStore(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewGormEntryStore(db)
	require.NoError(t, s.AutoMigrate())

	now := time.Now().UTC().Truncate(time.Second)
	entry := &model.ReflectionEntry{
		ID: "refl-1", DatasetID: "ds-1", State: model.StateRefresh, ModifiedAt: now,
	}
	require.NoError(t, s.Save(ctx, entry))
	assert.Equal(t, int64(1), entry.Version)

	entry.State = model.StateRefreshing
	entry.RefreshJobID = "job-1"
	entry.ModifiedAt = now.Add(time.Second)
	require.NoError(t, s.Save(ctx, entry))
	assert.Equal(t, int64(2), entry.Version)

	all, err := s.Find(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "job-1", all[0].RefreshJobID)

	stale := &model.ReflectionEntry{ID: "refl-1", Version: 1, ModifiedAt: now}
	err = s.Save(ctx, stale)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	require.NoError(t, s.Delete(ctx, "refl-1"))
	_, err = s.Get(ctx, "refl-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormMaterializationStore(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewGormMaterializationStore(db)
	require.NoError(t, s.AutoMigrate())

	now := time.Now().UTC().Truncate(time.Second)
	mat := &model.Materialization{
		ID: "m1", ReflectionID: "refl-1", State: model.MaterializationRunning,
		CreatedAt: now, ModifiedAt: now,
	}
	require.NoError(t, s.Save(ctx, mat))

	running, err := s.GetRunning(ctx, "refl-1")
	require.NoError(t, err)
	assert.Equal(t, "m1", running.ID)

	mat.State = model.MaterializationDone
	mat.Refreshes = []string{"r-a", "r-b"}
	mat.ModifiedAt = now.Add(time.Minute)
	mat.Expiry = now.Add(time.Hour)
	require.NoError(t, s.Save(ctx, mat))

	_, err = s.GetRunning(ctx, "refl-1")
	assert.ErrorIs(t, err, ErrNotFound)

	done, err := s.GetAllDone(ctx, "refl-1")
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, []string{"r-a", "r-b"}, done[0].Refreshes)

	last, err := s.GetLast(ctx, "refl-1")
	require.NoError(t, err)
	assert.Equal(t, "m1", last.ID)

	expired, err := s.GetAllExpiredWhen(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)

	mat2 := &model.Materialization{
		ID: "m2", ReflectionID: "refl-1", State: model.MaterializationDeprecated,
		Refreshes: []string{"r-a"}, CreatedAt: now, ModifiedAt: now.Add(-2 * time.Hour),
	}
	require.NoError(t, s.Save(ctx, mat2))

	exclusive, err := s.GetRefreshesExclusivelyOwnedBy(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r-b"}, exclusive)

	deletable, err := s.GetDeletableEntriesModifiedBefore(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, deletable, 1)
	assert.Equal(t, "m2", deletable[0].ID)

	require.NoError(t, s.Delete(ctx, "m2"))
	_, err = s.Get(ctx, "m2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormExternalReflectionStore(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewGormExternalReflectionStore(db)
	require.NoError(t, s.AutoMigrate())

	require.NoError(t, db.Create(&externalReflectionRow{ID: "e1", QueryDatasetID: "ds-1"}).Error)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "ds-1", all[0].QueryDatasetID)

	require.NoError(t, s.Delete(ctx, "e1"))
	all, err = s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 0)
}
