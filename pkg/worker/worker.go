package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/durable-flows/pkg/core"
	intctx "github.com/jdziat/durable-flows/pkg/internal/context"
	"github.com/jdziat/durable-flows/pkg/payload"
	"github.com/jdziat/durable-flows/pkg/queue"
)

// Worker processes jobs from the queue.
type Worker struct {
	queue   *queue.Queue
	handler Handler
	config  WorkerConfig
	logger  *slog.Logger
}

// NewWorker creates a worker that pulls jobs from q and hands them to h.
func NewWorker(q *queue.Queue, h Handler, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		PollInterval:      DefaultPollInterval,
		WorkerID:          uuid.New().String(),
		SchedulerInterval: DefaultSchedulerInterval,
		RepeatBatch:       DefaultRepeatBatch,
		HeartbeatInterval: DefaultHeartbeatInterval,
		StaleLockInterval: DefaultStaleLockInterval,
		StaleLockGrace:    DefaultStaleLockGrace,
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if len(config.Queues) == 0 {
		width := config.defaultWidth
		if width == 0 {
			width = DefaultConcurrency
		}
		config.Queues = map[core.QueueName]int{
			core.QueueOneTime:   width,
			core.QueueScheduled: width,
		}
	}

	if config.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		config.StorageRetry = &defaultCfg
	}
	if config.DequeueRetry == nil {
		dequeueCfg := defaultDequeueRetryConfig()
		config.DequeueRetry = &dequeueCfg
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		queue:   q,
		handler: h,
		config:  config,
		logger:  logger.With("worker_id", config.WorkerID),
	}
}

// ID returns the id the worker locks jobs under.
func (w *Worker) ID() string {
	return w.config.WorkerID
}

// Start begins processing jobs. Blocks until context is cancelled and every
// in-flight job has finished.
func (w *Worker) Start(ctx context.Context) error {
	var wg sync.WaitGroup

	if w.config.EnableScheduler {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runScheduler(ctx)
		}()
	}
	if w.config.StaleLockInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runStaleLockReclaim(ctx)
		}()
	}

	for name, width := range w.config.Queues {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runQueue(ctx, name, width)
		}()
	}

	w.logger.Info("worker started", "queues", w.config.Queues, "scheduler", w.config.EnableScheduler)
	wg.Wait()
	w.logger.Info("worker stopped")
	return ctx.Err()
}

// runQueue polls one logical queue and feeds a pool of width goroutines.
// The channel is unbuffered so a job is only claimed once a goroutine can
// take it.
func (w *Worker) runQueue(ctx context.Context, name core.QueueName, width int) {
	jobs := make(chan *core.Job)
	var pool sync.WaitGroup
	for i := 0; i < width; i++ {
		pool.Add(1)
		go func() {
			defer pool.Done()
			for job := range jobs {
				w.processJob(ctx, job)
			}
		}()
	}
	defer func() {
		close(jobs)
		pool.Wait()
	}()

	queues := []core.QueueName{name}
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for ctx.Err() == nil {
			job, err := w.dequeueWithRetry(ctx, queues)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					w.logger.Error("failed to dequeue after retries", "queue", name, "error", err)
				}
				break
			}
			if job == nil {
				break
			}
			select {
			case jobs <- job:
			case <-ctx.Done():
				w.release(job)
				return
			}
		}
	}
}

// dequeueWithRetry attempts to dequeue a job with exponential backoff on failure.
func (w *Worker) dequeueWithRetry(ctx context.Context, queues []core.QueueName) (*core.Job, error) {
	var job *core.Job
	err := retryWithBackoff(ctx, *w.config.DequeueRetry, func() error {
		var dequeueErr error
		job, dequeueErr = w.queue.Storage().Dequeue(ctx, queues, w.config.WorkerID)
		return dequeueErr
	})
	return job, err
}

// release hands a claimed but unstarted job back to the queue on shutdown.
func (w *Worker) release(job *core.Job) {
	now := w.queue.Now()
	w.failWithRetry(context.Background(), job.ID, "worker shutting down", &now)
}

func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	startTime := time.Now()
	queueLabel := string(job.Queue)

	activeJobs.WithLabelValues(queueLabel).Inc()
	defer activeJobs.WithLabelValues(queueLabel).Dec()

	w.queue.CallStartHooks(ctx, job)
	w.queue.Emit(&core.JobStarted{Job: job, Timestamp: startTime})

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job)

	err := w.executeHandler(ctx, job)

	cancelHeartbeat()
	jobDuration.WithLabelValues(queueLabel).Observe(time.Since(startTime).Seconds())

	// Outcomes are recorded even when shutdown cancelled the handler.
	storeCtx := context.WithoutCancel(ctx)
	if err != nil {
		w.handleError(storeCtx, job, err)
		return
	}

	if completeErr := w.completeWithRetry(storeCtx, job.ID); completeErr != nil {
		w.logger.Error("failed to complete job after retries", "job_id", job.ID, "error", completeErr)
		return
	}
	jobsTotal.WithLabelValues(queueLabel, outcomeCompleted).Inc()
	w.queue.CallCompleteHooks(storeCtx, job)
	w.queue.Emit(&core.JobCompleted{Job: job, Duration: time.Since(startTime), Timestamp: time.Now()})
}

// completeWithRetry marks a job complete with retry on transient failures.
func (w *Worker) completeWithRetry(ctx context.Context, jobID string) error {
	return retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Storage().Complete(ctx, jobID, w.config.WorkerID)
	})
}

// runHeartbeat periodically extends the job lock during execution.
func (w *Worker) runHeartbeat(ctx context.Context, job *core.Job) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
				return w.queue.Storage().Heartbeat(ctx, job.ID, w.config.WorkerID)
			})
			switch {
			case err == nil:
				w.logger.Debug("heartbeat sent", "job_id", job.ID)
			case errors.Is(err, core.ErrJobNotOwned):
				w.logger.Warn("job lock lost to another worker", "job_id", job.ID)
				return
			case ctx.Err() == nil:
				w.logger.Warn("heartbeat failed after retries", "job_id", job.ID, "error", err)
			}
		}
	}
}

func (w *Worker) executeHandler(ctx context.Context, job *core.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	jc := &intctx.JobContext{
		Job:      job,
		WorkerID: w.config.WorkerID,
		Logger:   w.logger.With("job_id", job.ID, "queue", job.Queue, "attempt", job.Attempt),
	}
	jobCtx := intctx.WithJobContext(ctx, jc)

	switch job.Queue {
	case core.QueueOneTime:
		p, decodeErr := payload.DecodeOneTime(job.SchemaVersion, job.Payload)
		if decodeErr != nil {
			return core.NoRetry(decodeErr)
		}
		return w.handler.HandleOneTime(jobCtx, p)
	case core.QueueScheduled:
		src, srcErr := w.sourceFor(ctx, job)
		if srcErr != nil {
			return srcErr
		}
		p, decodeErr := payload.DecodeScheduled(job.SchemaVersion, job.Payload, src)
		if decodeErr != nil {
			return core.NoRetry(decodeErr)
		}
		return w.handler.HandleScheduled(jobCtx, p)
	}
	return core.NoRetry(core.Errorf(core.CodeValidation, "job %q routed to unknown queue %q", job.ID, job.Queue))
}

// sourceFor returns the kind of job and the schedule a fired occurrence
// came from. The schedule is only loaded when an old payload still has to
// be upcast in flight.
func (w *Worker) sourceFor(ctx context.Context, job *core.Job) (payload.Source, error) {
	src := payload.Source{Kind: job.Kind}
	if job.RepeatKey == "" || !payload.NeedsUpcast(job.SchemaVersion) {
		return src, nil
	}
	r, err := w.queue.Storage().GetRepeat(ctx, job.RepeatKey)
	if err != nil {
		return src, fmt.Errorf("load repeat %s: %w", job.RepeatKey, err)
	}
	if r == nil {
		return src, nil
	}
	src.Cron, src.Timezone = r.CronExpression, r.Timezone
	return src, nil
}

func (w *Worker) handleError(ctx context.Context, job *core.Job, err error) {
	queueLabel := string(job.Queue)

	if isPermanent(err) || job.Attempt >= job.MaxRetries {
		w.failWithRetry(ctx, job.ID, err.Error(), nil)
		jobsTotal.WithLabelValues(queueLabel, outcomeFailed).Inc()
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempt, "error", err)
		w.queue.CallFailHooks(ctx, job, err)
		w.queue.Emit(&core.JobFailed{Job: job, Error: err, Timestamp: time.Now()})
		return
	}

	delay := w.calculateBackoff(job.Attempt)
	var retryAfter *core.RetryAfterError
	if errors.As(err, &retryAfter) {
		delay = retryAfter.Delay
	}
	retryAt := w.queue.Now().Add(delay)
	w.failWithRetry(ctx, job.ID, err.Error(), &retryAt)
	jobsTotal.WithLabelValues(queueLabel, outcomeRetried).Inc()
	w.logger.Info("job will be retried", "job_id", job.ID, "attempt", job.Attempt, "retry_at", retryAt, "error", err)
	w.queue.CallRetryHooks(ctx, job, job.Attempt, err)
	w.queue.Emit(&core.JobRetrying{Job: job, Attempt: job.Attempt, Error: err, NextRunAt: retryAt, Timestamp: time.Now()})
}

// isPermanent reports whether retrying err could never succeed.
func isPermanent(err error) bool {
	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		return true
	}
	switch core.CodeOf(err) {
	case core.CodeValidation, core.CodeEntityNotFound, core.CodeAuthorization, core.CodeTaskQuotaExceeded:
		return true
	}
	return false
}

// failWithRetry marks a job as failed with retry on transient storage failures.
func (w *Worker) failWithRetry(ctx context.Context, jobID string, errMsg string, retryAt *time.Time) {
	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Storage().Fail(ctx, jobID, w.config.WorkerID, errMsg, retryAt)
	})
	if err != nil {
		w.logger.Error("failed to mark job as failed after retries", "job_id", jobID, "error", err)
	}
}

func (w *Worker) calculateBackoff(attempt int) time.Duration {
	base := time.Second
	backoff := base * (1 << min(attempt, 16))
	if backoff > time.Minute {
		backoff = time.Minute
	}
	return backoff
}
