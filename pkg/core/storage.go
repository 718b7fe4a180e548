package core

import (
	"context"
	"time"
)

// Storage defines the persistence layer for jobs and repeat schedules.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Job lifecycle
	Enqueue(ctx context.Context, job *Job) error
	Dequeue(ctx context.Context, queues []QueueName, workerID string) (*Job, error)
	Complete(ctx context.Context, jobID string, workerID string) error
	Fail(ctx context.Context, jobID string, workerID string, errMsg string, retryAt *time.Time) error

	// Locking
	Heartbeat(ctx context.Context, jobID string, workerID string) error
	ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error)

	// Queries
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]*Job, error)
	GetPendingJobs(ctx context.Context, queue QueueName) ([]*Job, error)

	// DeleteJob removes a job that has not started; it reports whether a row was removed.
	DeleteJob(ctx context.Context, jobID string) (bool, error)
	UpdateJobPayload(ctx context.Context, jobID string, schemaVersion int, payload []byte) error

	// Repeat schedules. CreateRepeat stores the schedule and its mapping atomically.
	CreateRepeat(ctx context.Context, r *RepeatSchedule) error
	GetRepeat(ctx context.Context, key string) (*RepeatSchedule, error)
	GetRepeatMapping(ctx context.Context, jobID string) (*RepeatMapping, error)
	// CancelRepeatMapping deletes a schedule and its mapping atomically and
	// reports whether jobID had a mapping.
	CancelRepeatMapping(ctx context.Context, jobID string) (bool, error)
	ListRepeats(ctx context.Context) ([]*RepeatSchedule, error)
	GetDueRepeats(ctx context.Context, now time.Time, limit int) ([]*RepeatSchedule, error)
	// ClaimRepeat advances a schedule from expectedNext to nextRun.
	// It returns false when another worker claimed the occurrence first.
	ClaimRepeat(ctx context.Context, key string, expectedNext, nextRun time.Time) (bool, error)
	UpdateRepeatPayload(ctx context.Context, key string, schemaVersion int, payload []byte) error
}
