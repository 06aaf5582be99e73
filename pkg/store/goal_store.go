package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/harunoni/reflection-manager/pkg/model"
)

// GormGoalStore is a gorm-backed GoalStore: writes land via an UPDATE
// guarded by the caller's version, and a zero RowsAffected after
// confirming the row exists means a conflicting write already landed.
type GormGoalStore struct {
	db *gorm.DB
}

func NewGormGoalStore(db *gorm.DB) *GormGoalStore {
	return &GormGoalStore{db: db}
}

func (s *GormGoalStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&goalRow{}); err != nil {
		return fmt.Errorf("auto-migrate reflection_goals: %w", err)
	}
	return nil
}

func (s *GormGoalStore) Get(ctx context.Context, id string) (*model.ReflectionGoal, error) {
	var row goalRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get goal %s: %w", id, err)
	}
	return rowToGoal(&row), nil
}

func (s *GormGoalStore) Save(ctx context.Context, goal *model.ReflectionGoal) error {
	row := goalToRow(goal)

	if goal.Version == 0 {
		row.Version = 1
		if row.CreatedAt.IsZero() {
			row.CreatedAt = row.ModifiedAt
		}
		if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
			return fmt.Errorf("create goal %s: %w", goal.ID, err)
		}
		goal.Version = row.Version
		return nil
	}

	newVersion := goal.Version + 1
	result := s.db.WithContext(ctx).Model(&goalRow{}).
		Where("id = ? AND version = ?", goal.ID, goal.Version).
		Updates(map[string]any{
			"dataset_id":  goal.DatasetID,
			"name":        goal.Name,
			"type":        string(goal.Type),
			"state":       string(goal.State),
			"modified_at": goal.ModifiedAt,
			"version":     newVersion,
		})
	if result.Error != nil {
		return fmt.Errorf("save goal %s: %w", goal.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, goal.ID); err != nil {
			return err
		}
		return ErrConcurrentModification
	}
	goal.Version = newVersion
	return nil
}

func (s *GormGoalStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&goalRow{})
	if result.Error != nil {
		return fmt.Errorf("delete goal %s: %w", id, result.Error)
	}
	return nil
}

func (s *GormGoalStore) GetAllNotDeleted(ctx context.Context) ([]model.ReflectionGoal, error) {
	var rows []goalRow
	if err := s.db.WithContext(ctx).Where("state != ?", string(model.GoalDeleted)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get all not-deleted goals: %w", err)
	}
	return rowsToGoals(rows), nil
}

func (s *GormGoalStore) GetModifiedOrCreatedSince(ctx context.Context, since time.Time) ([]model.ReflectionGoal, error) {
	var rows []goalRow
	if err := s.db.WithContext(ctx).Where("modified_at >= ? OR created_at >= ?", since, since).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get goals modified since %s: %w", since, err)
	}
	return rowsToGoals(rows), nil
}

func (s *GormGoalStore) GetDeletedBefore(ctx context.Context, cutoff time.Time) ([]model.ReflectionGoal, error) {
	var rows []goalRow
	err := s.db.WithContext(ctx).
		Where("state = ? AND modified_at < ?", string(model.GoalDeleted), cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get goals deleted before %s: %w", cutoff, err)
	}
	return rowsToGoals(rows), nil
}

func rowsToGoals(rows []goalRow) []model.ReflectionGoal {
	out := make([]model.ReflectionGoal, len(rows))
	for i := range rows {
		out[i] = *rowToGoal(&rows[i])
	}
	return out
}
