package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/durable-flows/pkg/core"
)

// GormFlowRunStore persists flow runs. Updates are last-write-wins.
type GormFlowRunStore struct {
	db *gorm.DB
}

// NewGormFlowRunStore creates a flow run store on db.
// Tables are created by GormStorage.Migrate.
func NewGormFlowRunStore(db *gorm.DB) *GormFlowRunStore {
	return &GormFlowRunStore{db: db}
}

// Create inserts run, assigning an ID and start time when missing.
func (s *GormFlowRunStore) Create(ctx context.Context, run *core.FlowRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = core.RunCreated
	}
	if run.Environment == "" {
		run.Environment = core.EnvProduction
	}
	if run.StartTime.IsZero() {
		run.StartTime = time.Now()
	}
	run.StartTime = run.StartTime.UTC()
	return s.db.WithContext(ctx).Create(run).Error
}

// GetByID returns the run, or nil when it does not exist.
func (s *GormFlowRunStore) GetByID(ctx context.Context, id string) (*core.FlowRun, error) {
	var run core.FlowRun
	err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Update applies patch to the run with id.
func (s *GormFlowRunStore) Update(ctx context.Context, id string, patch core.FlowRunPatch) error {
	updates := map[string]any{}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.FlowVersionID != nil {
		updates["flow_version_id"] = *patch.FlowVersionID
	}
	switch {
	case patch.ClearPause:
		updates["pause_metadata"] = nil
	case patch.PauseMetadata != nil:
		updates["pause_metadata"] = *patch.PauseMetadata
	}
	if patch.Tasks != nil {
		updates["tasks"] = *patch.Tasks
	}
	if patch.LogsRef != nil {
		updates["logs_ref"] = *patch.LogsRef
	}
	if patch.TerminationReason != nil {
		updates["termination_reason"] = *patch.TerminationReason
	}
	if patch.StartTime != nil {
		updates["start_time"] = patch.StartTime.UTC()
	}
	switch {
	case patch.ClearFinish:
		updates["finish_time"] = nil
	case patch.FinishTime != nil:
		updates["finish_time"] = patch.FinishTime.UTC()
	}
	if len(updates) == 0 {
		return nil
	}

	result := s.db.WithContext(ctx).Model(&core.FlowRun{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.NotFound("flow run", id)
	}
	return nil
}

// CountRunsSince counts a project's production runs started at or after since.
func (s *GormFlowRunStore) CountRunsSince(ctx context.Context, projectID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&core.FlowRun{}).
		Where("project_id = ? AND environment = ? AND start_time >= ?", projectID, core.EnvProduction, since.UTC()).
		Count(&n).Error
	return n, err
}
