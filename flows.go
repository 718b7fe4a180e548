// Package flows runs automation flows as durable jobs.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages and builds the process context, App, that
// owns every component.
//
// Basic usage:
//
//	cfg := config.NewDefaultConfig()
//	if err := cfg.LoadFromEnv(); err != nil {
//	    log.Fatal(err)
//	}
//	app, err := flows.New(ctx, cfg, flows.Deps{Versions: versions})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Close()
//
//	// Start a run, then process jobs until ctx is cancelled
//	app.Orchestrator.Start(ctx, flows.StartRequest{FlowVersionID: "v1"})
//	app.Start(ctx)
package flows

import (
	"context"
	"time"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/flowrun"
	"github.com/jdziat/durable-flows/pkg/jobctx"
	"github.com/jdziat/durable-flows/pkg/payload"
	"github.com/jdziat/durable-flows/pkg/queue"
	"github.com/jdziat/durable-flows/pkg/security"
)

type (
	// Job is one stored unit of work.
	Job = core.Job

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// FlowRun is one execution of a flow version.
	FlowRun = core.FlowRun

	// FlowRunStatus is the lifecycle state of a run.
	FlowRunStatus = core.FlowRunStatus

	// FlowVersion is an immutable snapshot of a flow.
	FlowVersion = core.FlowVersion

	// PauseMetadata says how a paused run is resumed.
	PauseMetadata = core.PauseMetadata

	// Environment separates production runs from test runs.
	Environment = core.Environment

	// ExecutionType tells the engine to begin or resume a run.
	ExecutionType = payload.ExecutionType

	// Error carries one of the error codes.
	Error = core.Error

	// Event is the interface for all queue events.
	Event = core.Event

	// JobStarted is emitted when a job starts processing.
	JobStarted = core.JobStarted

	// JobFailed is emitted when a job fails permanently.
	JobFailed = core.JobFailed

	// Queue is the job store.
	Queue = queue.Queue

	// Orchestrator owns flow run state.
	Orchestrator = flowrun.Orchestrator

	// StartRequest asks the Orchestrator to start or reopen a run.
	StartRequest = flowrun.StartRequest

	// ResumeRequest continues a paused run.
	ResumeRequest = flowrun.ResumeRequest

	// RetryStrategy selects how a finished run is retried.
	RetryStrategy = flowrun.RetryStrategy

	// FlowVersions looks up flow versions for the orchestrator.
	FlowVersions = flowrun.FlowVersions

	// Notifier is told about every finished run.
	Notifier = flowrun.Notifier
)

// Run statuses
const (
	RunCreated   = core.RunCreated
	RunRunning   = core.RunRunning
	RunPaused    = core.RunPaused
	RunSucceeded = core.RunSucceeded
	RunFailed    = core.RunFailed
	RunStopped   = core.RunStopped
	RunTimeout   = core.RunTimeout
)

// Execution types
const (
	Begin  = payload.Begin
	Resume = payload.Resume
)

// Environments
const (
	EnvProduction = core.EnvProduction
	EnvTesting    = core.EnvTesting
)

// Retry strategies
const (
	FromFailedStep  = flowrun.FromFailedStep
	OnLatestVersion = flowrun.OnLatestVersion
)

// Error variables
var (
	ErrValidation        = core.ErrValidation
	ErrEntityNotFound    = core.ErrEntityNotFound
	ErrExecutionTimeout  = core.ErrExecutionTimeout
	ErrJobRemovalFailure = core.ErrJobRemovalFailure
	ErrTaskQuotaExceeded = core.ErrTaskQuotaExceeded
	ErrAuthorization     = core.ErrAuthorization
	ErrDuplicateJob      = core.ErrDuplicateJob
)

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to FlowRunStatus) bool {
	return core.CanTransition(from, to)
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	return security.SanitizeErrorMessage(msg)
}

// JobFromContext returns the current Job from context, or nil if not in a job handler.
func JobFromContext(ctx context.Context) *Job {
	return jobctx.JobFromContext(ctx)
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a job handler.
func JobIDFromContext(ctx context.Context) string {
	return jobctx.JobIDFromContext(ctx)
}
