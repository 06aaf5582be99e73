package store

import (
	"strings"
	"time"

	"github.com/harunoni/reflection-manager/pkg/model"
)

// goalRow is the gorm-mapped representation of a ReflectionGoal.
type goalRow struct {
	ID         string `gorm:"primaryKey;column:id"`
	DatasetID  string `gorm:"column:dataset_id;index"`
	Version    int64  `gorm:"column:version"`
	Name       string `gorm:"column:name"`
	Type       string `gorm:"column:type"`
	State      string `gorm:"column:state;index"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	ModifiedAt time.Time `gorm:"column:modified_at;index"`
}

func (goalRow) TableName() string { return "reflection_goals" }

func goalToRow(g *model.ReflectionGoal) *goalRow {
	return &goalRow{
		ID:         g.ID,
		DatasetID:  g.DatasetID,
		Version:    g.Version,
		Name:       g.Name,
		Type:       string(g.Type),
		State:      string(g.State),
		CreatedAt:  g.CreatedAt,
		ModifiedAt: g.ModifiedAt,
	}
}

func rowToGoal(r *goalRow) *model.ReflectionGoal {
	return &model.ReflectionGoal{
		ID:         r.ID,
		DatasetID:  r.DatasetID,
		Version:    r.Version,
		Name:       r.Name,
		Type:       model.ReflectionType(r.Type),
		State:      model.GoalState(r.State),
		CreatedAt:  r.CreatedAt,
		ModifiedAt: r.ModifiedAt,
	}
}

// entryRow is the gorm-mapped representation of a ReflectionEntry.
type entryRow struct {
	ID                    string `gorm:"primaryKey;column:id"`
	GoalVersion           int64  `gorm:"column:goal_version"`
	DatasetID             string `gorm:"column:dataset_id"`
	DatasetVersion        string `gorm:"column:dataset_version"`
	Name                  string `gorm:"column:name"`
	Type                  string `gorm:"column:type"`
	State                 string `gorm:"column:state;index"`
	RefreshJobID          string `gorm:"column:refresh_job_id"`
	LastSubmittedRefresh  time.Time `gorm:"column:last_submitted_refresh"`
	LastSuccessfulRefresh time.Time `gorm:"column:last_successful_refresh"`
	RefreshMethod         string `gorm:"column:refresh_method"`
	RefreshField          string `gorm:"column:refresh_field"`
	DatasetHash           string `gorm:"column:dataset_hash"`
	NumFailures           int    `gorm:"column:num_failures"`
	DontGiveUp            bool   `gorm:"column:dont_give_up"`
	Version               int64  `gorm:"column:version"`
	ModifiedAt            time.Time `gorm:"column:modified_at"`
}

func (entryRow) TableName() string { return "reflection_entries" }

func entryToRow(e *model.ReflectionEntry) *entryRow {
	return &entryRow{
		ID:                    e.ID,
		GoalVersion:           e.GoalVersion,
		DatasetID:             e.DatasetID,
		DatasetVersion:        e.DatasetVersion,
		Name:                  e.Name,
		Type:                  string(e.Type),
		State:                 string(e.State),
		RefreshJobID:          e.RefreshJobID,
		LastSubmittedRefresh:  e.LastSubmittedRefresh,
		LastSuccessfulRefresh: e.LastSuccessfulRefresh,
		RefreshMethod:         e.RefreshMethod,
		RefreshField:          e.RefreshField,
		DatasetHash:           e.DatasetHash,
		NumFailures:           e.NumFailures,
		DontGiveUp:            e.DontGiveUp,
		Version:               e.Version,
		ModifiedAt:            e.ModifiedAt,
	}
}

func rowToEntry(r *entryRow) *model.ReflectionEntry {
	return &model.ReflectionEntry{
		ID:                    r.ID,
		GoalVersion:           r.GoalVersion,
		DatasetID:             r.DatasetID,
		DatasetVersion:        r.DatasetVersion,
		Name:                  r.Name,
		Type:                  model.ReflectionType(r.Type),
		State:                 model.ReflectionState(r.State),
		RefreshJobID:          r.RefreshJobID,
		LastSubmittedRefresh:  r.LastSubmittedRefresh,
		LastSuccessfulRefresh: r.LastSuccessfulRefresh,
		RefreshMethod:         r.RefreshMethod,
		RefreshField:          r.RefreshField,
		DatasetHash:           r.DatasetHash,
		NumFailures:           r.NumFailures,
		DontGiveUp:            r.DontGiveUp,
		Version:               r.Version,
		ModifiedAt:            r.ModifiedAt,
	}
}

// materializationRow is the gorm-mapped representation of a Materialization.
// Refreshes is stored as a comma-joined list; the domain never needs to
// query by individual refresh id, only enumerate or count them.
type materializationRow struct {
	ID                    string `gorm:"primaryKey;column:id"`
	ReflectionID          string `gorm:"column:reflection_id;index"`
	ReflectionGoalVersion int64  `gorm:"column:reflection_goal_version"`
	State                 string `gorm:"column:state;index"`
	Failure               string `gorm:"column:failure"`
	Expiry                time.Time `gorm:"column:expiry;index"`
	Refreshes             string `gorm:"column:refreshes"`
	DropJobID             string `gorm:"column:drop_job_id;index"`
	CreatedAt             time.Time `gorm:"column:created_at;index"`
	ModifiedAt            time.Time `gorm:"column:modified_at;index"`
	Version               int64  `gorm:"column:version"`
}

func (materializationRow) TableName() string { return "materializations" }

func materializationToRow(m *model.Materialization) *materializationRow {
	return &materializationRow{
		ID:                    m.ID,
		ReflectionID:          m.ReflectionID,
		ReflectionGoalVersion: m.ReflectionGoalVersion,
		State:                 string(m.State),
		Failure:               m.Failure,
		Expiry:                m.Expiry,
		Refreshes:             strings.Join(m.Refreshes, ","),
		DropJobID:             m.DropJobID,
		CreatedAt:             m.CreatedAt,
		ModifiedAt:            m.ModifiedAt,
		Version:               m.Version,
	}
}

func rowToMaterialization(r *materializationRow) *model.Materialization {
	var refreshes []string
	if r.Refreshes != "" {
		refreshes = strings.Split(r.Refreshes, ",")
	}
	return &model.Materialization{
		ID:                    r.ID,
		ReflectionID:          r.ReflectionID,
		ReflectionGoalVersion: r.ReflectionGoalVersion,
		State:                 model.MaterializationState(r.State),
		Failure:               r.Failure,
		Expiry:                r.Expiry,
		Refreshes:             refreshes,
		DropJobID:             r.DropJobID,
		CreatedAt:             r.CreatedAt,
		ModifiedAt:            r.ModifiedAt,
		Version:               r.Version,
	}
}

// externalReflectionRow is the gorm-mapped representation of an ExternalReflection.
type externalReflectionRow struct {
	ID             string `gorm:"primaryKey;column:id"`
	QueryDatasetID string `gorm:"column:query_dataset_id"`
}

func (externalReflectionRow) TableName() string { return "external_reflections" }
