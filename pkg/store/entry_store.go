package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/harunoni/reflection-manager/pkg/model"
)

// GormEntryStore is a gorm-backed EntryStore.
type GormEntryStore struct {
	db *gorm.DB
}

func NewGormEntryStore(db *gorm.DB) *GormEntryStore {
	return &GormEntryStore{db: db}
}

func (s *GormEntryStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&entryRow{}); err != nil {
		return fmt.Errorf("auto-migrate reflection_entries: %w", err)
	}
	return nil
}

func (s *GormEntryStore) Get(ctx context.Context, id string) (*model.ReflectionEntry, error) {
	var row entryRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	return rowToEntry(&row), nil
}

func (s *GormEntryStore) Save(ctx context.Context, entry *model.ReflectionEntry) error {
	row := entryToRow(entry)

	if entry.Version == 0 {
		row.Version = 1
		if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
			return fmt.Errorf("create entry %s: %w", entry.ID, err)
		}
		entry.Version = row.Version
		return nil
	}

	newVersion := entry.Version + 1
	result := s.db.WithContext(ctx).Model(&entryRow{}).
		Where("id = ? AND version = ?", entry.ID, entry.Version).
		Updates(map[string]any{
			"goal_version":            entry.GoalVersion,
			"dataset_id":              entry.DatasetID,
			"dataset_version":         entry.DatasetVersion,
			"name":                    entry.Name,
			"type":                    string(entry.Type),
			"state":                   string(entry.State),
			"refresh_job_id":          entry.RefreshJobID,
			"last_submitted_refresh":  entry.LastSubmittedRefresh,
			"last_successful_refresh": entry.LastSuccessfulRefresh,
			"refresh_method":          entry.RefreshMethod,
			"refresh_field":           entry.RefreshField,
			"dataset_hash":            entry.DatasetHash,
			"num_failures":            entry.NumFailures,
			"dont_give_up":            entry.DontGiveUp,
			"modified_at":             entry.ModifiedAt,
			"version":                 newVersion,
		})
	if result.Error != nil {
		return fmt.Errorf("save entry %s: %w", entry.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, entry.ID); err != nil {
			return err
		}
		return ErrConcurrentModification
	}
	entry.Version = newVersion
	return nil
}

func (s *GormEntryStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&entryRow{}).Error; err != nil {
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	return nil
}

func (s *GormEntryStore) Find(ctx context.Context) ([]model.ReflectionEntry, error) {
	var rows []entryRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find entries: %w", err)
	}
	out := make([]model.ReflectionEntry, len(rows))
	for i := range rows {
		out[i] = *rowToEntry(&rows[i])
	}
	return out, nil
}
