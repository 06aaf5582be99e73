package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/harunoni/reflection-manager/pkg/model"
)

// GormMaterializationStore is a gorm-backed MaterializationStore.
type GormMaterializationStore struct {
	db *gorm.DB
}

func NewGormMaterializationStore(db *gorm.DB) *GormMaterializationStore {
	return &GormMaterializationStore{db: db}
}

func (s *GormMaterializationStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&materializationRow{}); err != nil {
		return fmt.Errorf("auto-migrate materializations: %w", err)
	}
	return nil
}

func (s *GormMaterializationStore) Get(ctx context.Context, id string) (*model.Materialization, error) {
	var row materializationRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get materialization %s: %w", id, err)
	}
	return rowToMaterialization(&row), nil
}

func (s *GormMaterializationStore) Save(ctx context.Context, m *model.Materialization) error {
	row := materializationToRow(m)

	if m.Version == 0 {
		row.Version = 1
		if row.CreatedAt.IsZero() {
			row.CreatedAt = row.ModifiedAt
		}
		if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
			return fmt.Errorf("create materialization %s: %w", m.ID, err)
		}
		m.Version = row.Version
		return nil
	}

	newVersion := m.Version + 1
	result := s.db.WithContext(ctx).Model(&materializationRow{}).
		Where("id = ? AND version = ?", m.ID, m.Version).
		Updates(map[string]any{
			"state":        string(m.State),
			"failure":      m.Failure,
			"expiry":       m.Expiry,
			"refreshes":    row.Refreshes,
			"drop_job_id":  row.DropJobID,
			"modified_at":  m.ModifiedAt,
			"version":      newVersion,
		})
	if result.Error != nil {
		return fmt.Errorf("save materialization %s: %w", m.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, m.ID); err != nil {
			return err
		}
		return ErrConcurrentModification
	}
	m.Version = newVersion
	return nil
}

func (s *GormMaterializationStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&materializationRow{}).Error; err != nil {
		return fmt.Errorf("delete materialization %s: %w", id, err)
	}
	return nil
}

func (s *GormMaterializationStore) GetLast(ctx context.Context, reflectionID string) (*model.Materialization, error) {
	var row materializationRow
	err := s.db.WithContext(ctx).
		Where("reflection_id = ?", reflectionID).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get last materialization for %s: %w", reflectionID, err)
	}
	return rowToMaterialization(&row), nil
}

func (s *GormMaterializationStore) GetRunning(ctx context.Context, reflectionID string) (*model.Materialization, error) {
	var row materializationRow
	err := s.db.WithContext(ctx).
		Where("reflection_id = ? AND state = ?", reflectionID, string(model.MaterializationRunning)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get running materialization for %s: %w", reflectionID, err)
	}
	return rowToMaterialization(&row), nil
}

func (s *GormMaterializationStore) GetAllDone(ctx context.Context, reflectionID string) ([]model.Materialization, error) {
	var rows []materializationRow
	err := s.db.WithContext(ctx).
		Where("reflection_id = ? AND state = ?", reflectionID, string(model.MaterializationDone)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get done materializations for %s: %w", reflectionID, err)
	}
	return rowsToMaterializations(rows), nil
}

func (s *GormMaterializationStore) GetAllExpiredWhen(ctx context.Context, when time.Time) ([]model.Materialization, error) {
	var rows []materializationRow
	err := s.db.WithContext(ctx).
		Where("expiry <= ? AND expiry > ?", when, time.Time{}).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get expired materializations: %w", err)
	}
	return rowsToMaterializations(rows), nil
}

// GetDeletableEntriesModifiedBefore returns DEPRECATED rows past the grace
// period, plus DELETED rows whose prior drop attempt never got a job
// submitted (DropJobID empty) — both are eligible for (re)submitting an
// ACCELERATOR_DROP job. A DELETED row with a DropJobID set has an async
// drop already in flight or completed and must not be re-selected here;
// pollMaterializationDrops owns that row until its job resolves.
func (s *GormMaterializationStore) GetDeletableEntriesModifiedBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Materialization, error) {
	var rows []materializationRow
	err := s.db.WithContext(ctx).
		Where(
			"(state = ? AND modified_at < ?) OR (state = ? AND drop_job_id = '' AND modified_at < ?)",
			string(model.MaterializationDeprecated), cutoff,
			string(model.MaterializationDeleted), cutoff,
		).
		Order("modified_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get deletable materializations: %w", err)
	}
	return rowsToMaterializations(rows), nil
}

// GetDeletedAwaitingDrop returns DELETED rows with a drop job outstanding,
// for pollMaterializationDrops to check for completion.
func (s *GormMaterializationStore) GetDeletedAwaitingDrop(ctx context.Context, limit int) ([]model.Materialization, error) {
	var rows []materializationRow
	err := s.db.WithContext(ctx).
		Where("state = ? AND drop_job_id != ''", string(model.MaterializationDeleted)).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get materializations awaiting drop: %w", err)
	}
	return rowsToMaterializations(rows), nil
}

func (s *GormMaterializationStore) GetRefreshes(ctx context.Context, materializationID string) ([]string, error) {
	m, err := s.Get(ctx, materializationID)
	if err != nil {
		return nil, err
	}
	return m.Refreshes, nil
}

// GetRefreshesExclusivelyOwnedBy returns the subset of m's refreshes not
// also referenced by another materialization row of the same reflection.
func (s *GormMaterializationStore) GetRefreshesExclusivelyOwnedBy(ctx context.Context, materializationID string) ([]string, error) {
	m, err := s.Get(ctx, materializationID)
	if err != nil {
		return nil, err
	}
	if len(m.Refreshes) == 0 {
		return nil, nil
	}

	var others []materializationRow
	err = s.db.WithContext(ctx).
		Where("id != ? AND reflection_id = ?", materializationID, m.ReflectionID).
		Find(&others).Error
	if err != nil {
		return nil, fmt.Errorf("list sibling materializations for %s: %w", materializationID, err)
	}

	claimed := make(map[string]bool)
	for _, o := range others {
		for _, r := range rowToMaterialization(&o).Refreshes {
			claimed[r] = true
		}
	}

	var exclusive []string
	for _, r := range m.Refreshes {
		if !claimed[r] {
			exclusive = append(exclusive, r)
		}
	}
	return exclusive, nil
}

func rowsToMaterializations(rows []materializationRow) []model.Materialization {
	out := make([]model.Materialization, len(rows))
	for i := range rows {
		out[i] = *rowToMaterialization(&rows[i])
	}
	return out
}
