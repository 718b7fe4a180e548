package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/lock"
	"github.com/jdziat/durable-flows/pkg/payload"
	"github.com/jdziat/durable-flows/pkg/schedule"
	"github.com/jdziat/durable-flows/pkg/security"
)

// Queue is the job store: it adds, removes and migrates jobs and carries
// the hooks and event stream workers report through.
type Queue struct {
	storage core.Storage
	locker  lock.Locker
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.RWMutex

	migrationLockTimeout time.Duration

	// Hooks
	onStart    []func(context.Context, *core.Job)
	onComplete []func(context.Context, *core.Job)
	onFail     []func(context.Context, *core.Job, error)
	onRetry    []func(context.Context, *core.Job, int, error)

	// Event stream
	eventSubs []chan core.Event
}

// New creates a Queue over s. locker serializes Migrate across processes.
func New(s core.Storage, locker lock.Locker, opts ...QueueOption) *Queue {
	q := &Queue{
		storage:              s,
		locker:               locker,
		logger:               slog.Default(),
		now:                  time.Now,
		migrationLockTimeout: DefaultMigrationLockTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Storage returns the underlying storage.
func (q *Queue) Storage() core.Storage {
	return q.storage
}

// Now returns the current time on the queue's clock.
func (q *Queue) Now() time.Time {
	return q.now()
}

// Add stores spec and returns the id the job can be removed by.
func (q *Queue) Add(ctx context.Context, spec JobSpec, opts ...Option) (string, error) {
	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}

	switch s := spec.(type) {
	case OneTimeJob:
		return q.enqueue(ctx, s.ID, core.KindOneTime, s.Payload, nil, options)
	case DelayedJob:
		runAt := q.now().Add(max(s.Delay, 0))
		return q.enqueue(ctx, s.ID, core.KindDelayed, s.Payload, &runAt, options)
	case RepeatingJob:
		return q.addRepeating(ctx, s, options)
	}
	return "", core.Errorf(core.CodeValidation, "unsupported job spec %T", spec)
}

func (q *Queue) enqueue(ctx context.Context, id string, kind core.JobKind, p payload.Payload, runAt *time.Time, o *Options) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if err := security.ValidateJobID(id); err != nil {
		return "", err
	}
	data, err := payload.Encode(p)
	if err != nil {
		return "", fmt.Errorf("flows: encode payload: %w", err)
	}
	if err := security.ValidatePayloadSize(data); err != nil {
		return "", err
	}

	job := &core.Job{
		ID:            id,
		Kind:          kind,
		Queue:         core.QueueFor(kind),
		SchemaVersion: payload.LatestVersion,
		Payload:       data,
		Priority:      o.Priority,
		MaxRetries:    o.MaxRetries,
		Status:        core.StatusPending,
		RunAt:         runAt,
	}
	if err := q.storage.Enqueue(ctx, job); err != nil {
		if errors.Is(err, core.ErrDuplicateJob) {
			return "", err
		}
		return "", fmt.Errorf("flows: failed to enqueue: %w", err)
	}
	q.logger.Debug("job added", "job_id", id, "kind", kind)
	return id, nil
}

func (q *Queue) addRepeating(ctx context.Context, s RepeatingJob, o *Options) (string, error) {
	if err := security.ValidateJobID(s.ID); err != nil {
		return "", err
	}
	sched, err := schedule.Cron(s.Cron, s.Timezone)
	if err != nil {
		return "", core.Wrap(core.CodeValidation, err, "repeating job "+s.ID)
	}
	desc, err := schedule.Describe(s.Cron, s.Timezone)
	if err != nil {
		return "", core.Wrap(core.CodeValidation, err, "repeating job "+s.ID)
	}

	// Re-adding replaces the previous schedule.
	if err := q.Remove(ctx, s.ID); err != nil {
		return "", err
	}

	p := s.Payload
	p.Cron = &desc
	data, err := payload.Encode(p)
	if err != nil {
		return "", fmt.Errorf("flows: encode payload: %w", err)
	}
	if err := security.ValidatePayloadSize(data); err != nil {
		return "", err
	}

	r := &core.RepeatSchedule{
		JobID:          s.ID,
		CronExpression: desc.Expression,
		Timezone:       desc.Timezone,
		SchemaVersion:  payload.LatestVersion,
		Payload:        data,
		Priority:       o.Priority,
		NextRunAt:      sched.Next(q.now()),
	}
	if err := q.storage.CreateRepeat(ctx, r); err != nil {
		return "", fmt.Errorf("flows: failed to register repeating job: %w", err)
	}
	q.logger.Debug("repeating job added", "job_id", s.ID, "repeat_key", r.Key, "next_run_at", r.NextRunAt)
	return s.ID, nil
}

// Remove cancels the job or repeat schedule registered under id.
// Removing an id that is already gone is a no-op. Failing to cancel a
// schedule that is still mapped returns a JOB_REMOVAL_FAILURE error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	removed, err := q.storage.CancelRepeatMapping(ctx, id)
	if err != nil {
		return core.Wrap(core.CodeJobRemovalFailure, err, "cancel repeating job "+id)
	}

	deleted, err := q.storage.DeleteJob(ctx, id)
	if err != nil {
		return core.Wrap(core.CodeJobRemovalFailure, err, "delete job "+id)
	}
	removed = removed || deleted

	if !removed {
		q.logger.Info("job already removed", "job_id", id)
		return nil
	}
	q.Emit(&core.JobRemoved{JobID: id, Timestamp: q.now()})
	return nil
}

// Get returns the stored job with id.
func (q *Queue) Get(ctx context.Context, id string) (*core.Job, error) {
	job, err := q.storage.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, core.NotFound("job", id)
	}
	return job, nil
}

// GetRepeat returns the schedule registered under id.
func (q *Queue) GetRepeat(ctx context.Context, id string) (*core.RepeatSchedule, error) {
	m, err := q.storage.GetRepeatMapping(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, core.NotFound("repeating job", id)
	}
	r, err := q.storage.GetRepeat(ctx, m.RepeatKey)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, core.NotFound("repeat schedule", m.RepeatKey)
	}
	return r, nil
}

// OnJobStart registers a callback for when a job starts.
func (q *Queue) OnJobStart(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onStart = append(q.onStart, fn)
	q.mu.Unlock()
}

// OnJobComplete registers a callback for when a job completes successfully.
func (q *Queue) OnJobComplete(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnJobFail registers a callback for when a job fails permanently.
func (q *Queue) OnJobFail(fn func(context.Context, *core.Job, error)) {
	q.mu.Lock()
	q.onFail = append(q.onFail, fn)
	q.mu.Unlock()
}

// OnRetry registers a callback for when a job is retried.
func (q *Queue) OnRetry(fn func(context.Context, *core.Job, int, error)) {
	q.mu.Lock()
	q.onRetry = append(q.onRetry, fn)
	q.mu.Unlock()
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed; after Unsubscribe returns no further events
// are sent to it.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers. Slow subscribers miss events.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// CallStartHooks calls all registered start hooks.
func (q *Queue) CallStartHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onStart))
	copy(hooks, q.onStart)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (q *Queue) CallCompleteHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onComplete))
	copy(hooks, q.onComplete)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallFailHooks calls all registered fail hooks.
func (q *Queue) CallFailHooks(ctx context.Context, job *core.Job, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, error), len(q.onFail))
	copy(hooks, q.onFail)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, err)
	}
}

// CallRetryHooks calls all registered retry hooks.
func (q *Queue) CallRetryHooks(ctx context.Context, job *core.Job, attempt int, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, int, error), len(q.onRetry))
	copy(hooks, q.onRetry)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, attempt, err)
	}
}
