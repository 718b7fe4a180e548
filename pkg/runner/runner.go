package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/engine"
	"github.com/jdziat/durable-flows/pkg/flowrun"
	"github.com/jdziat/durable-flows/pkg/jobctx"
	"github.com/jdziat/durable-flows/pkg/payload"
	"github.com/jdziat/durable-flows/pkg/queue"
	"github.com/jdziat/durable-flows/pkg/sandbox"
	"github.com/jdziat/durable-flows/pkg/security"
	"github.com/jdziat/durable-flows/pkg/worker"
)

// DefaultPollingCron is used for polling triggers that name no schedule.
const DefaultPollingCron = "*/5 * * * *"

// maxReasonLength matches the termination_reason column.
const maxReasonLength = 255

// Sandboxes prepares sandboxes. *sandbox.Cache satisfies it.
type Sandboxes interface {
	Prepare(ctx context.Context, pieces []core.PieceRef, archives []core.CodeArtifact) (*sandbox.Sandbox, error)
}

// Executor runs engine operations. *engine.Gateway satisfies it.
type Executor interface {
	Execute(ctx context.Context, lease engine.Lease, op engine.Operation) (*engine.Result, error)
}

// LogStore keeps execution logs. *blob.Store satisfies it.
type LogStore interface {
	SaveCompressed(ctx context.Context, data []byte) (string, error)
	GetDecompressed(ctx context.Context, ref string) ([]byte, error)
}

var (
	_ Sandboxes = (*sandbox.Cache)(nil)
	_ Executor  = (*engine.Gateway)(nil)
)

// Deps are the collaborators a Runner routes jobs to.
type Deps struct {
	Orchestrator *flowrun.Orchestrator
	Versions     flowrun.FlowVersions
	Jobs         flowrun.Enqueuer
	Sandboxes    Sandboxes
	Gateway      Executor
	Logs         LogStore
	// Triggers defaults to EngineTriggers over Sandboxes and Gateway.
	Triggers Triggers
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger used outside of job handling.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// Runner handles the jobs of both queues.
type Runner struct {
	orch      *flowrun.Orchestrator
	versions  flowrun.FlowVersions
	jobs      flowrun.Enqueuer
	sandboxes Sandboxes
	gateway   Executor
	logs      LogStore
	triggers  Triggers
	logger    *slog.Logger
}

var _ worker.Handler = (*Runner)(nil)

// New creates a Runner.
func New(d Deps, opts ...Option) *Runner {
	r := &Runner{
		orch:      d.Orchestrator,
		versions:  d.Versions,
		jobs:      d.Jobs,
		sandboxes: d.Sandboxes,
		gateway:   d.Gateway,
		logs:      d.Logs,
		triggers:  d.Triggers,
		logger:    slog.Default(),
	}
	if r.triggers == nil {
		r.triggers = NewEngineTriggers(d.Sandboxes, d.Gateway, "")
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleOneTime executes a flow run and records its outcome.
func (r *Runner) HandleOneTime(ctx context.Context, p payload.OneTime) error {
	logger := jobctx.Logger(ctx).With("run_id", p.RunID)

	run, err := r.orch.Begin(ctx, p.RunID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	version, err := r.versions.Get(ctx, run.FlowVersionID)
	if err != nil {
		return fmt.Errorf("runner: load flow version %s: %w", run.FlowVersionID, err)
	}
	if version == nil {
		return r.finish(ctx, run, core.RunFailed, run.Tasks, "", fmt.Sprintf("flow version %s not found", run.FlowVersionID))
	}

	op := engine.ExecuteFlow{
		FlowVersion:    *version,
		RunID:          run.ID,
		ProjectID:      run.ProjectID,
		Environment:    run.Environment,
		ExecutionType:  p.ExecutionType,
		TriggerPayload: p.TriggerPayload,
		ResumePayload:  p.ResumePayload,
		TasksSoFar:     run.Tasks,
	}
	if p.ExecutionType == payload.Resume && run.LogsRef != "" && r.logs != nil {
		state, err := r.logs.GetDecompressed(ctx, run.LogsRef)
		if err != nil {
			return fmt.Errorf("runner: load state of run %s: %w", run.ID, err)
		}
		op.ExecutionState = state
	}

	sb, err := r.sandboxes.Prepare(ctx, version.Pieces, version.Artifacts)
	if err != nil {
		return fmt.Errorf("runner: prepare sandbox for run %s: %w", run.ID, err)
	}
	res, err := r.gateway.Execute(ctx, sb, op)
	if errors.Is(err, engine.ErrExecutionTimeout) {
		logger.Warn("flow run timed out")
		return r.finish(ctx, run, core.RunTimeout, run.Tasks, "", "execution exceeded its time limit")
	}
	if err != nil {
		return fmt.Errorf("runner: execute run %s: %w", run.ID, err)
	}
	return r.record(ctx, logger, run, res)
}

// record persists what the engine reported for run.
func (r *Runner) record(ctx context.Context, logger *slog.Logger, run *core.FlowRun, res *engine.Result) error {
	fr, err := engine.DecodeFlowResponse(res)
	if err != nil {
		logger.Warn("unreadable engine response", "error", err)
		return r.finish(ctx, run, core.RunFailed, run.Tasks, "", err.Error())
	}

	logsRef := ""
	if len(fr.Logs) > 0 && r.logs != nil {
		logsRef, err = r.logs.SaveCompressed(ctx, fr.Logs)
		if err != nil {
			return fmt.Errorf("runner: save logs of run %s: %w", run.ID, err)
		}
	}

	switch {
	case fr.Status == core.RunPaused:
		if fr.PauseMetadata == nil {
			return r.finish(ctx, run, core.RunFailed, fr.Tasks, logsRef, "engine paused without pause metadata")
		}
		err := r.orch.Pause(ctx, flowrun.PauseRequest{
			RunID:    run.ID,
			Metadata: *fr.PauseMetadata,
			LogsRef:  logsRef,
			Tasks:    fr.Tasks,
		})
		if errors.Is(err, core.ErrValidation) {
			return r.finish(ctx, run, core.RunFailed, fr.Tasks, logsRef, err.Error())
		}
		return err
	case fr.Status.IsTerminal():
		return r.finish(ctx, run, fr.Status, fr.Tasks, logsRef, terminationReason(fr))
	default:
		return r.finish(ctx, run, core.RunFailed, fr.Tasks, logsRef, fmt.Sprintf("engine returned status %s", fr.Status))
	}
}

func (r *Runner) finish(ctx context.Context, run *core.FlowRun, status core.FlowRunStatus, tasks int, logsRef, reason string) error {
	_, err := r.orch.Finish(ctx, flowrun.FinishRequest{
		RunID:             run.ID,
		Status:            status,
		Tasks:             tasks,
		LogsRef:           logsRef,
		TerminationReason: truncateReason(reason),
	})
	return err
}

// HandleScheduled polls a trigger or resumes a delayed run.
func (r *Runner) HandleScheduled(ctx context.Context, p payload.Scheduled) error {
	switch p := p.(type) {
	case payload.Repeating:
		return r.poll(ctx, p)
	case payload.Delayed:
		return r.resume(ctx, p)
	}
	return core.NoRetry(core.Errorf(core.CodeValidation, "unknown scheduled payload %T", p))
}

func (r *Runner) poll(ctx context.Context, p payload.Repeating) error {
	logger := jobctx.Logger(ctx).With("flow_id", p.FlowID, "flow_version_id", p.FlowVersionID)

	published, err := r.versions.Published(ctx, p.FlowID)
	if err != nil {
		return fmt.Errorf("runner: load published version of flow %s: %w", p.FlowID, err)
	}
	if published == nil || published.ID != p.FlowVersionID || published.State != core.FlowEnabled {
		logger.Info("cancelling stale polling schedule")
		schedulesCancelled.WithLabelValues(reasonStale).Inc()
		return r.jobs.Remove(ctx, p.FlowVersionID)
	}

	payloads, err := r.triggers.Execute(ctx, published, nil, false)
	if err != nil {
		return err
	}
	triggerPayloads.Add(float64(len(payloads)))
	logger.Debug("trigger polled", "payloads", len(payloads))

	for _, tp := range payloads {
		_, err := r.orch.Start(ctx, flowrun.StartRequest{
			FlowVersionID:  published.ID,
			Environment:    p.Environment,
			ExecutionType:  payload.Begin,
			TriggerPayload: tp,
		})
		if errors.Is(err, core.ErrTaskQuotaExceeded) {
			logger.Warn("run quota exceeded, disabling flow", "error", err)
			schedulesCancelled.WithLabelValues(reasonQuota).Inc()
			return r.DisableFlow(ctx, published)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) resume(ctx context.Context, p payload.Delayed) error {
	_, err := r.orch.Resume(ctx, flowrun.ResumeRequest{RunID: p.RunID, Scheduled: true})
	if errors.Is(err, core.ErrValidation) || errors.Is(err, core.ErrEntityNotFound) {
		// The run moved on since this resume was scheduled.
		jobctx.Logger(ctx).Info("skipping stale resume", "run_id", p.RunID, "error", err)
		return nil
	}
	return err
}

// EnableFlow runs the trigger's enable hook and, for polling triggers,
// registers the schedule that polls it. The schedule is keyed by the
// version id.
func (r *Runner) EnableFlow(ctx context.Context, version *core.FlowVersion) error {
	if err := r.triggers.Enable(ctx, version); err != nil {
		return err
	}
	if version.TriggerType != core.TriggerPolling {
		return nil
	}
	cron := version.Cron
	if cron == "" {
		cron = DefaultPollingCron
	}
	_, err := r.jobs.Add(ctx, queue.RepeatingJob{
		ID:       version.ID,
		Cron:     cron,
		Timezone: version.Timezone,
		Payload: payload.Repeating{
			ProjectID:     version.ProjectID,
			FlowID:        version.FlowID,
			FlowVersionID: version.ID,
			Environment:   core.EnvProduction,
		},
	})
	return err
}

// DisableFlow cancels the flow's polling schedule and runs the trigger's
// disable hook.
func (r *Runner) DisableFlow(ctx context.Context, version *core.FlowVersion) error {
	if err := r.jobs.Remove(ctx, version.ID); err != nil {
		return err
	}
	if err := r.triggers.Disable(ctx, version); err != nil {
		r.logger.Warn("trigger disable hook failed", "flow_version_id", version.ID, "error", err)
		return err
	}
	return nil
}

// OnJobFailed marks the run of a one-time job that ran out of attempts as
// FAILED. Register it with Queue.OnJobFail.
func (r *Runner) OnJobFailed(ctx context.Context, job *core.Job, jobErr error) {
	if job.Queue != core.QueueOneTime {
		return
	}
	p, err := payload.DecodeOneTime(job.SchemaVersion, job.Payload)
	if err != nil {
		r.logger.Warn("cannot decode failed job", "job_id", job.ID, "error", err)
		return
	}
	run, err := r.orch.Get(ctx, p.RunID)
	if err != nil {
		r.logger.Warn("cannot load run of failed job", "job_id", job.ID, "run_id", p.RunID, "error", err)
		return
	}
	if run.Status != core.RunRunning {
		return
	}
	if err := r.finish(ctx, run, core.RunFailed, run.Tasks, "", jobErr.Error()); err != nil {
		r.logger.Warn("cannot fail run of failed job", "job_id", job.ID, "run_id", p.RunID, "error", err)
	}
}

func terminationReason(fr *engine.FlowResponse) string {
	if fr.TerminationReason != "" {
		return fr.TerminationReason
	}
	if len(fr.Error) == 0 {
		return ""
	}
	e := gjson.ParseBytes(fr.Error)
	if e.Type == gjson.String {
		return e.String()
	}
	if msg := e.Get("message"); msg.Exists() {
		return msg.String()
	}
	return e.Raw
}

func truncateReason(s string) string {
	s = security.SanitizeErrorMessage(s)
	runes := []rune(s)
	if len(runes) > maxReasonLength {
		return string(runes[:maxReasonLength-3]) + "..."
	}
	return s
}
