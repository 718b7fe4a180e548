// Package storage provides storage implementations for the flows package.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/security"
)

// DefaultLockDuration is how long a dequeued job stays locked without a heartbeat.
const DefaultLockDuration = 5 * time.Minute

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying connection.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage runs on SQLite, which has no row locks.
func (s *GormStorage) IsSQLite() bool {
	return s.db != nil && s.db.Dialector != nil && s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Job{},
		&core.RepeatSchedule{},
		&core.RepeatMapping{},
		&core.FlowRun{},
	)
}

// Enqueue adds a job to the queue.
// A finished job with the same ID is replaced; a pending or running one
// yields core.ErrDuplicateJob.
func (s *GormStorage) Enqueue(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	if job.Queue == "" {
		job.Queue = core.QueueFor(job.Kind)
	}
	if job.RunAt != nil {
		// SQLite compares timestamps as text, so every stored time is UTC.
		runAt := job.RunAt.UTC()
		job.RunAt = &runAt
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing core.Job
		err := s.forUpdate(tx).First(&existing, "id = ?", job.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case existing.Status == core.StatusPending || existing.Status == core.StatusRunning:
			return core.ErrDuplicateJob
		default:
			if err := tx.Delete(&core.Job{}, "id = ?", job.ID).Error; err != nil {
				return err
			}
		}
		return tx.Create(job).Error
	})
}

// Dequeue fetches and locks the next available job.
func (s *GormStorage) Dequeue(ctx context.Context, queues []core.QueueName, workerID string) (*core.Job, error) {
	var job core.Job
	now := time.Now().UTC()
	lockUntil := now.Add(DefaultLockDuration)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("queue IN ?", queues).
			Where("status = ?", core.StatusPending).
			Where("(run_at IS NULL OR run_at <= ?)", now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("priority DESC, created_at ASC")
		if !s.IsSQLite() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		result := q.First(&job)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		// Guard on status so a concurrent claimer on SQLite cannot take it too.
		claim := tx.Model(&core.Job{}).
			Where("id = ? AND status = ?", job.ID, core.StatusPending).
			Updates(map[string]any{
				"status":            core.StatusRunning,
				"locked_by":         workerID,
				"locked_until":      lockUntil,
				"started_at":        now,
				"last_heartbeat_at": now,
				"attempt":           gorm.Expr("attempt + 1"),
			})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			job = core.Job{}
			return nil
		}

		job.Status = core.StatusRunning
		job.LockedBy = workerID
		job.LockedUntil = &lockUntil
		job.StartedAt = &now
		job.LastHeartbeatAt = &now
		job.Attempt++
		return nil
	})

	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

// Complete marks a job as successfully completed.
// Validates that the worker owns the job before completing.
func (s *GormStorage) Complete(ctx context.Context, jobID string, workerID string) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Updates(map[string]any{
			"status":       core.StatusCompleted,
			"completed_at": now,
			"locked_by":    "",
			"locked_until": nil,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// Fail marks a job as failed, optionally scheduling a retry.
// Validates that the worker owns the job before failing.
// Error messages are sanitized before storage.
func (s *GormStorage) Fail(ctx context.Context, jobID string, workerID string, errMsg string, retryAt *time.Time) error {
	updates := map[string]any{
		"last_error":   security.SanitizeErrorMessage(errMsg),
		"locked_by":    "",
		"locked_until": nil,
	}

	if retryAt != nil {
		updates["status"] = core.StatusPending
		updates["run_at"] = retryAt.UTC()
	} else {
		updates["status"] = core.StatusFailed
		updates["completed_at"] = time.Now().UTC()
	}

	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// Heartbeat extends the lock on a running job.
func (s *GormStorage) Heartbeat(ctx context.Context, jobID string, workerID string) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Updates(map[string]any{
			"locked_until":      now.Add(DefaultLockDuration),
			"last_heartbeat_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// ReleaseStaleLocks releases locks on jobs that haven't had a heartbeat.
func (s *GormStorage) ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleDuration)
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("status = ?", core.StatusRunning).
		Where("locked_until < ?", cutoff).
		Updates(map[string]any{
			"status":       core.StatusPending,
			"locked_by":    "",
			"locked_until": nil,
		})
	return result.RowsAffected, result.Error
}

// GetJob retrieves a job by ID. It returns nil when the job does not exist.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobsByStatus retrieves jobs by status.
func (s *GormStorage) GetJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	var jobList []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobList).Error
	return jobList, err
}

// GetPendingJobs returns every job in queue that has not started yet.
func (s *GormStorage) GetPendingJobs(ctx context.Context, queue core.QueueName) ([]*core.Job, error) {
	var jobList []*core.Job
	err := s.db.WithContext(ctx).
		Where("queue = ? AND status = ?", queue, core.StatusPending).
		Order("created_at ASC").
		Find(&jobList).Error
	return jobList, err
}

// DeleteJob removes a pending job.
func (s *GormStorage) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", jobID, core.StatusPending).
		Delete(&core.Job{})
	return result.RowsAffected > 0, result.Error
}

// UpdateJobPayload rewrites the payload of a pending job.
func (s *GormStorage) UpdateJobPayload(ctx context.Context, jobID string, schemaVersion int, payload []byte) error {
	return s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ?", jobID, core.StatusPending).
		Updates(map[string]any{
			"schema_version": schemaVersion,
			"payload":        payload,
		}).Error
}

// CreateRepeat stores a repeat schedule together with the mapping from its
// job id.
func (s *GormStorage) CreateRepeat(ctx context.Context, r *core.RepeatSchedule) error {
	if r.Key == "" {
		r.Key = uuid.New().String()
	}
	if r.Timezone == "" {
		r.Timezone = time.UTC.String()
	}
	r.NextRunAt = r.NextRunAt.UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		return tx.Create(&core.RepeatMapping{JobID: r.JobID, RepeatKey: r.Key}).Error
	})
}

// GetRepeat returns the schedule for key, or nil.
func (s *GormStorage) GetRepeat(ctx context.Context, key string) (*core.RepeatSchedule, error) {
	var r core.RepeatSchedule
	err := s.db.WithContext(ctx).First(&r, "repeat_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRepeatMapping returns the mapping for a caller-supplied job id, or nil.
func (s *GormStorage) GetRepeatMapping(ctx context.Context, jobID string) (*core.RepeatMapping, error) {
	var m core.RepeatMapping
	err := s.db.WithContext(ctx).First(&m, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CancelRepeatMapping deletes the schedule registered under jobID together
// with its mapping. It reports false when jobID has no mapping. A mapping
// whose schedule is gone fails with ENTITY_NOT_FOUND and nothing is deleted.
func (s *GormStorage) CancelRepeatMapping(ctx context.Context, jobID string) (bool, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m core.RepeatMapping
		if err := tx.First(&m, "job_id = ?", jobID).Error; err != nil {
			return err
		}
		result := tx.Where("repeat_key = ?", m.RepeatKey).Delete(&core.RepeatSchedule{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return core.NotFound("repeat schedule", m.RepeatKey)
		}
		return tx.Where("job_id = ?", jobID).Delete(&core.RepeatMapping{}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListRepeats returns all registered schedules.
func (s *GormStorage) ListRepeats(ctx context.Context) ([]*core.RepeatSchedule, error) {
	var out []*core.RepeatSchedule
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&out).Error
	return out, err
}

// GetDueRepeats returns schedules whose next occurrence is at or before now.
func (s *GormStorage) GetDueRepeats(ctx context.Context, now time.Time, limit int) ([]*core.RepeatSchedule, error) {
	var out []*core.RepeatSchedule
	err := s.db.WithContext(ctx).
		Where("next_run_at <= ?", now.UTC()).
		Order("next_run_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ClaimRepeat moves a schedule's next occurrence forward, but only if it is
// still at expectedNext.
func (s *GormStorage) ClaimRepeat(ctx context.Context, key string, expectedNext, nextRun time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.RepeatSchedule{}).
		Where("repeat_key = ? AND next_run_at = ?", key, expectedNext.UTC()).
		Updates(map[string]any{
			"next_run_at": nextRun.UTC(),
			"last_run_at": expectedNext.UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpdateRepeatPayload rewrites the payload template of a schedule.
func (s *GormStorage) UpdateRepeatPayload(ctx context.Context, key string, schemaVersion int, payload []byte) error {
	result := s.db.WithContext(ctx).
		Model(&core.RepeatSchedule{}).
		Where("repeat_key = ?", key).
		Updates(map[string]any{
			"schema_version": schemaVersion,
			"payload":        payload,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.NotFound("repeat schedule", key)
	}
	return nil
}

func (s *GormStorage) forUpdate(tx *gorm.DB) *gorm.DB {
	if s.IsSQLite() {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

var _ core.Storage = (*GormStorage)(nil)
