package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/harunoni/reflection-manager/pkg/model"
)

// GormExternalReflectionStore is a gorm-backed ExternalReflectionStore.
// External reflections are observed only; this store has no Save because
// the core never creates or mutates them, only deletes them once their
// backing dataset disappears.
type GormExternalReflectionStore struct {
	db *gorm.DB
}

func NewGormExternalReflectionStore(db *gorm.DB) *GormExternalReflectionStore {
	return &GormExternalReflectionStore{db: db}
}

func (s *GormExternalReflectionStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&externalReflectionRow{}); err != nil {
		return fmt.Errorf("auto-migrate external_reflections: %w", err)
	}
	return nil
}

func (s *GormExternalReflectionStore) GetAll(ctx context.Context) ([]model.ExternalReflection, error) {
	var rows []externalReflectionRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get all external reflections: %w", err)
	}
	out := make([]model.ExternalReflection, len(rows))
	for i, r := range rows {
		out[i] = model.ExternalReflection{ID: r.ID, QueryDatasetID: r.QueryDatasetID}
	}
	return out, nil
}

func (s *GormExternalReflectionStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&externalReflectionRow{}).Error; err != nil {
		return fmt.Errorf("delete external reflection %s: %w", id, err)
	}
	return nil
}
