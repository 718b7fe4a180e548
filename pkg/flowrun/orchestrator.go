package flowrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/payload"
	"github.com/jdziat/durable-flows/pkg/queue"
	"github.com/jdziat/durable-flows/pkg/schedule"
)

// RetryStrategy selects where a retried run picks up.
type RetryStrategy string

const (
	// FromFailedStep resumes the run on its current flow version.
	FromFailedStep RetryStrategy = "FROM_FAILED_STEP"
	// OnLatestVersion repoints the run to the published version and begins
	// it again.
	OnLatestVersion RetryStrategy = "ON_LATEST_VERSION"
)

// StartRequest describes a run to start.
type StartRequest struct {
	// FlowVersionID may be empty when RunID names an existing run.
	FlowVersionID string
	// RunID names an existing run to continue. When no run with that id
	// exists a new one is created under it.
	RunID          string
	Environment    core.Environment
	ExecutionType  payload.ExecutionType
	TriggerPayload json.RawMessage
	ResumePayload  json.RawMessage
}

// PauseRequest suspends a running run.
type PauseRequest struct {
	RunID    string
	Metadata core.PauseMetadata
	// LogsRef points at the partial execution logs.
	LogsRef string
	Tasks   int
}

// ResumeRequest continues a paused run.
type ResumeRequest struct {
	RunID string
	// Action must be one of the actions a webhook pause declared.
	Action    string
	RequestID string
	Payload   json.RawMessage
	// Scheduled marks a resume fired by a delayed job. It only continues
	// DELAY pauses.
	Scheduled bool
}

// FinishRequest closes a run.
type FinishRequest struct {
	RunID             string
	Status            core.FlowRunStatus
	Tasks             int
	LogsRef           string
	TerminationReason string
}

// Orchestrator moves flow runs through their lifecycle.
type Orchestrator struct {
	store    Store
	versions FlowVersions
	jobs     Enqueuer
	policy   Policy
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	notifyTimeout time.Duration
	notifications sync.WaitGroup
}

// New creates an Orchestrator.
func New(store Store, versions FlowVersions, jobs Enqueuer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		versions:      versions,
		jobs:          jobs,
		logger:        slog.Default(),
		now:           time.Now,
		notifyTimeout: DefaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Get returns the run with id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*core.FlowRun, error) {
	run, err := o.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("flowrun: load run %s: %w", id, err)
	}
	if run == nil {
		return nil, core.NotFound("flow run", id)
	}
	return run, nil
}

// Start creates a run, or reopens the run named by req.RunID, after the
// policy allows it, and enqueues the one-time job that executes it.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*core.FlowRun, error) {
	if req.ExecutionType == "" {
		req.ExecutionType = payload.Begin
	}
	if err := req.ExecutionType.Validate(); err != nil {
		return nil, err
	}
	if req.Environment == "" {
		req.Environment = core.EnvProduction
	}

	if req.RunID == "" && req.ExecutionType == payload.Resume {
		return nil, core.Errorf(core.CodeValidation, "resuming requires a run id")
	}

	var run *core.FlowRun
	if req.RunID != "" {
		existing, err := o.store.GetByID(ctx, req.RunID)
		if err != nil {
			return nil, fmt.Errorf("flowrun: load run %s: %w", req.RunID, err)
		}
		run = existing
	}
	if run == nil && req.ExecutionType == payload.Resume {
		return nil, core.NotFound("flow run", req.RunID)
	}

	versionID := req.FlowVersionID
	if versionID == "" && run != nil {
		versionID = run.FlowVersionID
	}
	version, err := o.version(ctx, versionID)
	if err != nil {
		return nil, err
	}

	if run == nil {
		run = &core.FlowRun{
			ID:            req.RunID,
			FlowID:        version.FlowID,
			FlowVersionID: version.ID,
			ProjectID:     version.ProjectID,
			Environment:   req.Environment,
			Status:        core.RunCreated,
			StartTime:     o.now(),
		}
		err := o.admit(ctx, run, func(ctx context.Context) error {
			if err := o.store.Create(ctx, run); err != nil {
				return fmt.Errorf("flowrun: create run: %w", err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else if err := o.reopen(ctx, run, version, req.ExecutionType); err != nil {
		return nil, err
	}

	if err := o.enqueue(ctx, run, req.ExecutionType, req.TriggerPayload, req.ResumePayload); err != nil {
		return nil, err
	}
	runsStarted.WithLabelValues(string(run.Environment)).Inc()
	o.logger.Info("flow run started", "run_id", run.ID, "flow_version_id", run.FlowVersionID, "execution_type", req.ExecutionType)
	return run, nil
}

// reopen moves an existing PAUSED, FAILED or TIMEOUT run back to RUNNING.
// A CREATED run is only re-enqueued.
func (o *Orchestrator) reopen(ctx context.Context, run *core.FlowRun, version *core.FlowVersion, exec payload.ExecutionType) error {
	if run.Status == core.RunCreated {
		return nil
	}
	if !core.CanTransition(run.Status, core.RunRunning) {
		return core.Errorf(core.CodeValidation, "run %s is %s and cannot be started", run.ID, run.Status)
	}
	status := core.RunRunning
	noReason := ""
	patch := core.FlowRunPatch{
		Status:            &status,
		ClearPause:        true,
		ClearFinish:       true,
		TerminationReason: &noReason,
	}
	if version.ID != run.FlowVersionID {
		patch.FlowVersionID = &version.ID
	}
	if exec == payload.Begin {
		zero := 0
		patch.Tasks = &zero
		run.Tasks = 0
	}
	err := o.admit(ctx, run, func(ctx context.Context) error {
		if err := o.store.Update(ctx, run.ID, patch); err != nil {
			return fmt.Errorf("flowrun: reopen run %s: %w", run.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	run.Status = status
	run.FlowVersionID = version.ID
	run.PauseMetadata = nil
	run.FinishTime = nil
	run.TerminationReason = ""
	return nil
}

// Begin is called when a run's one-time job is dequeued. It moves a
// CREATED run to RUNNING. A run that already finished is returned as is
// and the caller must skip it.
func (o *Orchestrator) Begin(ctx context.Context, runID string) (*core.FlowRun, error) {
	run, err := o.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch {
	case run.Status == core.RunCreated:
		status := core.RunRunning
		if err := o.store.Update(ctx, run.ID, core.FlowRunPatch{Status: &status}); err != nil {
			return nil, fmt.Errorf("flowrun: begin run %s: %w", run.ID, err)
		}
		run.Status = status
	case run.Status == core.RunRunning:
	case run.Status.IsTerminal():
		o.logger.Info("flow run already finished, skipping", "run_id", run.ID, "status", run.Status)
	default:
		return nil, core.Errorf(core.CodeValidation, "run %s is %s and cannot begin", run.ID, run.Status)
	}
	return run, nil
}

// Pause suspends a running run. A DELAY pause enqueues the delayed job
// that resumes it; a resume time in the past resumes immediately. A
// WEBHOOK pause enqueues nothing.
func (o *Orchestrator) Pause(ctx context.Context, req PauseRequest) error {
	meta := req.Metadata
	if err := meta.Validate(); err != nil {
		return err
	}
	run, err := o.Get(ctx, req.RunID)
	if err != nil {
		return err
	}
	if !core.CanTransition(run.Status, core.RunPaused) {
		return core.Errorf(core.CodeValidation, "run %s is %s and cannot pause", run.ID, run.Status)
	}

	status := core.RunPaused
	patch := core.FlowRunPatch{Status: &status, PauseMetadata: &meta}
	if req.LogsRef != "" {
		patch.LogsRef = &req.LogsRef
	}
	if req.Tasks > 0 {
		patch.Tasks = &req.Tasks
	}
	if err := o.store.Update(ctx, run.ID, patch); err != nil {
		return fmt.Errorf("flowrun: pause run %s: %w", run.ID, err)
	}
	runsPaused.WithLabelValues(string(meta.Type)).Inc()

	if meta.Type != core.PauseDelay {
		o.logger.Info("flow run paused", "run_id", run.ID, "type", meta.Type, "actions", meta.Actions)
		return nil
	}
	delay := schedule.DelayUntil(*meta.ResumeAt, o.now())
	o.logger.Info("flow run paused", "run_id", run.ID, "type", meta.Type, "delay", delay)
	return o.scheduleResume(ctx, run, delay)
}

func (o *Orchestrator) scheduleResume(ctx context.Context, run *core.FlowRun, delay time.Duration) error {
	spec := queue.DelayedJob{
		ID:    queue.DelayedJobID(run.ID),
		Delay: delay,
		Payload: payload.Delayed{
			RunID:         run.ID,
			ProjectID:     run.ProjectID,
			FlowID:        run.FlowID,
			FlowVersionID: run.FlowVersionID,
			Environment:   run.Environment,
		},
	}
	_, err := o.jobs.Add(ctx, spec)
	if errors.Is(err, core.ErrDuplicateJob) {
		// A resume still pending from an earlier pause is superseded.
		if err := o.jobs.Remove(ctx, spec.ID); err != nil {
			return fmt.Errorf("flowrun: replace resume of run %s: %w", run.ID, err)
		}
		_, err = o.jobs.Add(ctx, spec)
	}
	if err != nil {
		return fmt.Errorf("flowrun: schedule resume of run %s: %w", run.ID, err)
	}
	return nil
}

// Resume continues a paused run by enqueueing a RESUME execution.
func (o *Orchestrator) Resume(ctx context.Context, req ResumeRequest) (*core.FlowRun, error) {
	run, err := o.Get(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status != core.RunPaused {
		return nil, core.Errorf(core.CodeValidation, "run %s is %s, not paused", run.ID, run.Status)
	}

	meta := run.PauseMetadata
	switch {
	case meta == nil:
	case req.Scheduled && meta.Type != core.PauseDelay:
		return nil, core.Errorf(core.CodeValidation, "run %s waits for a webhook", run.ID)
	case meta.Type == core.PauseWebhook:
		if !meta.Allows(req.Action) {
			return nil, core.Errorf(core.CodeValidation, "action %q does not resume run %s", req.Action, run.ID)
		}
		if meta.RequestID != "" && meta.RequestID != req.RequestID {
			return nil, core.Errorf(core.CodeValidation, "request %q does not match run %s", req.RequestID, run.ID)
		}
	}

	status := core.RunRunning
	if err := o.store.Update(ctx, run.ID, core.FlowRunPatch{Status: &status, ClearPause: true}); err != nil {
		return nil, fmt.Errorf("flowrun: resume run %s: %w", run.ID, err)
	}
	run.Status = status
	run.PauseMetadata = nil

	if err := o.enqueue(ctx, run, payload.Resume, nil, req.Payload); err != nil {
		return nil, err
	}
	o.logger.Info("flow run resumed", "run_id", run.ID, "action", req.Action, "scheduled", req.Scheduled)
	return run, nil
}

// Finish records a terminal status. The notifier is called in the
// background; its failure does not affect the stored result.
func (o *Orchestrator) Finish(ctx context.Context, req FinishRequest) (*core.FlowRun, error) {
	if !req.Status.IsTerminal() {
		return nil, core.Errorf(core.CodeValidation, "status %s is not terminal", req.Status)
	}
	run, err := o.Get(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if !core.CanTransition(run.Status, req.Status) {
		return nil, core.Errorf(core.CodeValidation, "run %s is %s and cannot finish as %s", run.ID, run.Status, req.Status)
	}

	finished := o.now()
	patch := core.FlowRunPatch{
		Status:            &req.Status,
		Tasks:             &req.Tasks,
		TerminationReason: &req.TerminationReason,
		FinishTime:        &finished,
		ClearPause:        true,
	}
	if req.LogsRef != "" {
		patch.LogsRef = &req.LogsRef
		run.LogsRef = req.LogsRef
	}
	if err := o.store.Update(ctx, run.ID, patch); err != nil {
		return nil, fmt.Errorf("flowrun: finish run %s: %w", run.ID, err)
	}
	run.Status = req.Status
	run.Tasks = req.Tasks
	run.TerminationReason = req.TerminationReason
	run.FinishTime = &finished
	run.PauseMetadata = nil

	runsFinished.WithLabelValues(string(req.Status)).Inc()
	o.logger.Info("flow run finished", "run_id", run.ID, "status", run.Status, "tasks", run.Tasks)
	o.notify(ctx, run)
	return run, nil
}

// Retry reopens a FAILED or TIMEOUT run.
func (o *Orchestrator) Retry(ctx context.Context, runID string, strategy RetryStrategy) (*core.FlowRun, error) {
	run, err := o.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.IsRetryable() {
		return nil, core.Errorf(core.CodeValidation, "run %s is %s and cannot be retried", run.ID, run.Status)
	}

	req := StartRequest{RunID: run.ID, Environment: run.Environment}
	switch strategy {
	case FromFailedStep:
		req.FlowVersionID = run.FlowVersionID
		req.ExecutionType = payload.Resume
	case OnLatestVersion:
		published, err := o.versions.Published(ctx, run.FlowID)
		if err != nil {
			return nil, fmt.Errorf("flowrun: load published version of flow %s: %w", run.FlowID, err)
		}
		if published == nil {
			return nil, core.NotFound("published flow version", run.FlowID)
		}
		req.FlowVersionID = published.ID
		req.ExecutionType = payload.Begin
	default:
		return nil, core.Errorf(core.CodeValidation, "unknown retry strategy %q", strategy)
	}
	return o.Start(ctx, req)
}

// Wait blocks until background notifications have returned.
func (o *Orchestrator) Wait() {
	o.notifications.Wait()
}

func (o *Orchestrator) version(ctx context.Context, id string) (*core.FlowVersion, error) {
	if id == "" {
		return nil, core.Errorf(core.CodeValidation, "flow version id is required")
	}
	v, err := o.versions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("flowrun: load flow version %s: %w", id, err)
	}
	if v == nil {
		return nil, core.NotFound("flow version", id)
	}
	return v, nil
}

// admit runs apply through the policy. Only errors returned before apply
// ran count as denials.
func (o *Orchestrator) admit(ctx context.Context, run *core.FlowRun, apply func(context.Context) error) error {
	if o.policy == nil {
		return apply(ctx)
	}
	applied := false
	err := o.policy.Admit(ctx, run, func(ctx context.Context) error {
		applied = true
		return apply(ctx)
	})
	if err != nil && !applied {
		startsDenied.Inc()
		o.logger.Warn("flow run start denied", "project_id", run.ProjectID, "error", err)
	}
	return err
}

func (o *Orchestrator) enqueue(ctx context.Context, run *core.FlowRun, exec payload.ExecutionType, trigger, resume json.RawMessage) error {
	var opts []queue.Option
	if run.Environment == core.EnvTesting {
		opts = append(opts, queue.Priority(TestingPriority))
	}
	_, err := o.jobs.Add(ctx, queue.OneTimeJob{Payload: payload.OneTime{
		RunID:          run.ID,
		ProjectID:      run.ProjectID,
		FlowID:         run.FlowID,
		FlowVersionID:  run.FlowVersionID,
		Environment:    run.Environment,
		ExecutionType:  exec,
		TriggerPayload: trigger,
		ResumePayload:  resume,
	}}, opts...)
	if err != nil {
		return fmt.Errorf("flowrun: enqueue run %s: %w", run.ID, err)
	}
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, run *core.FlowRun) {
	if o.notifier == nil {
		return
	}
	snapshot := *run
	o.notifications.Add(1)
	go func() {
		defer o.notifications.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("run notification panicked", "run_id", snapshot.ID, "panic", r)
			}
		}()

		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.notifyTimeout)
		defer cancel()
		if err := o.notifier.NotifyRun(nctx, &snapshot); err != nil {
			o.logger.Warn("run notification failed", "run_id", snapshot.ID, "error", err)
		}
	}()
}
