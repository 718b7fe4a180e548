package core

import (
	"time"
)

// Environment distinguishes production runs from test runs.
type Environment string

const (
	EnvProduction Environment = "PRODUCTION"
	EnvTesting    Environment = "TESTING"
)

// FlowRunStatus is the state of a flow run.
type FlowRunStatus string

const (
	RunCreated   FlowRunStatus = "CREATED"
	RunRunning   FlowRunStatus = "RUNNING"
	RunPaused    FlowRunStatus = "PAUSED"
	RunSucceeded FlowRunStatus = "SUCCEEDED"
	RunFailed    FlowRunStatus = "FAILED"
	RunStopped   FlowRunStatus = "STOPPED"
	RunTimeout   FlowRunStatus = "TIMEOUT"
)

// runEdges lists the allowed status transitions.
// Retrying a FAILED or TIMEOUT run reopens it as RUNNING.
var runEdges = map[FlowRunStatus][]FlowRunStatus{
	RunCreated: {RunRunning},
	RunRunning: {RunPaused, RunSucceeded, RunFailed, RunStopped, RunTimeout},
	RunPaused:  {RunRunning},
	RunFailed:  {RunRunning},
	RunTimeout: {RunRunning},
}

// IsTerminal reports whether the status ends a run.
func (s FlowRunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunStopped, RunTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a run in this status may be retried.
func (s FlowRunStatus) IsRetryable() bool {
	return s == RunFailed || s == RunTimeout
}

// CanTransition reports whether from -> to is a defined edge.
func CanTransition(from, to FlowRunStatus) bool {
	for _, next := range runEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FlowRun is one execution instance of a flow version.
type FlowRun struct {
	ID                string         `gorm:"primaryKey;size:36"`
	FlowID            string         `gorm:"index;size:36;not null"`
	FlowVersionID     string         `gorm:"index;size:36;not null"`
	ProjectID         string         `gorm:"index;size:36;not null"`
	Environment       Environment    `gorm:"size:20;not null;default:'PRODUCTION'"`
	Status            FlowRunStatus  `gorm:"index;size:20;not null"`
	PauseMetadata     *PauseMetadata `gorm:"type:text"`
	Tasks             int            `gorm:"default:0"`
	LogsRef           string         `gorm:"size:255"`
	TerminationReason string         `gorm:"size:255"`
	StartTime         time.Time      `gorm:"index"`
	FinishTime        *time.Time
	CreatedAt         time.Time `gorm:"autoCreateTime"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}

// FlowRunPatch is a partial update applied to a flow run row.
// Nil fields are left untouched.
type FlowRunPatch struct {
	Status            *FlowRunStatus
	FlowVersionID     *string
	PauseMetadata     *PauseMetadata
	ClearPause        bool
	Tasks             *int
	LogsRef           *string
	TerminationReason *string
	StartTime         *time.Time
	FinishTime        *time.Time
	ClearFinish       bool
}
