// Package core provides the domain models and interfaces for the flows package.
package core

import (
	"time"
)

// JobKind discriminates how a job is scheduled.
type JobKind string

const (
	KindOneTime   JobKind = "one_time"
	KindRepeating JobKind = "repeating"
	KindDelayed   JobKind = "delayed"
)

// QueueName names one of the two logical queues.
type QueueName string

const (
	// QueueOneTime carries flow executions that begin immediately.
	QueueOneTime QueueName = "one-time"
	// QueueScheduled carries both repeating and delayed jobs.
	QueueScheduled QueueName = "scheduled"
)

// QueueFor returns the logical queue a job kind is routed to.
func QueueFor(kind JobKind) QueueName {
	if kind == KindOneTime {
		return QueueOneTime
	}
	return QueueScheduled
}

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Job represents a unit of work to be processed.
type Job struct {
	ID              string     `gorm:"primaryKey;size:191"`
	Kind            JobKind    `gorm:"index;size:20;not null"`
	Queue           QueueName  `gorm:"index;size:32;not null"`
	SchemaVersion   int        `gorm:"not null;default:1"`
	Payload         []byte     `gorm:"type:bytes"`
	Priority        int        `gorm:"index;default:0"`
	Status          JobStatus  `gorm:"index;size:20;default:'pending'"`
	Attempt         int        `gorm:"default:0"`
	MaxRetries      int        `gorm:"default:3"`
	LastError       string     `gorm:"type:text"`
	RunAt           *time.Time `gorm:"index"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time  `gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime"`
	LockedBy        string     `gorm:"size:255"`
	LockedUntil     *time.Time `gorm:"index"`
	LastHeartbeatAt *time.Time

	// RepeatKey links a fired occurrence back to the schedule that produced it.
	RepeatKey string `gorm:"index;size:64"`
}

// RepeatSchedule is the backend's record of a cron-driven repeating job.
// Each firing enqueues a Job in the scheduled queue carrying a copy of Payload.
type RepeatSchedule struct {
	Key            string    `gorm:"primaryKey;column:repeat_key;size:64"`
	JobID          string    `gorm:"index;size:191;not null"`
	CronExpression string    `gorm:"size:255;not null"`
	Timezone       string    `gorm:"size:64;not null;default:'UTC'"`
	SchemaVersion  int       `gorm:"not null;default:1"`
	Payload        []byte    `gorm:"type:bytes"`
	Priority       int       `gorm:"default:0"`
	NextRunAt      time.Time `gorm:"index;not null"`
	LastRunAt      *time.Time
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// RepeatMapping maps a caller-supplied job id to the repeat key the backend
// assigned, so the schedule can be cancelled later.
type RepeatMapping struct {
	JobID     string    `gorm:"primaryKey;size:191"`
	RepeatKey string    `gorm:"uniqueIndex;size:64;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
