// Package worker provides the Worker job processor for the flows package.
package worker

import (
	"log/slog"
	"time"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/security"
)

// Defaults applied by NewWorker.
const (
	DefaultConcurrency       = 10
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultSchedulerInterval = time.Second
	DefaultHeartbeatInterval = time.Minute
	DefaultStaleLockInterval = time.Minute
	DefaultStaleLockGrace    = 30 * time.Second
	DefaultRepeatBatch       = 100
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Queues       map[core.QueueName]int // queue name -> concurrency
	PollInterval time.Duration
	WorkerID     string
	Logger       *slog.Logger

	// EnableScheduler turns on the loop that fires due repeat schedules.
	EnableScheduler   bool
	SchedulerInterval time.Duration
	RepeatBatch       int

	HeartbeatInterval time.Duration

	// StaleLockInterval is how often expired job locks are reclaimed; zero disables it.
	StaleLockInterval time.Duration
	StaleLockGrace    time.Duration

	// StorageRetry configures retry for Complete, Fail and Heartbeat calls.
	StorageRetry *RetryConfig
	// DequeueRetry configures retry for Dequeue calls.
	DequeueRetry *RetryConfig

	// defaultWidth is the concurrency for default queues when none are named.
	defaultWidth int
}

// Concurrency sets the concurrency for a queue. Outside WorkerQueue it
// applies to every queue configured so far, or to the default queues.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		clamped := security.ClampConcurrency(n)
		if len(c.Queues) == 0 {
			c.defaultWidth = clamped
			return
		}
		for k := range c.Queues {
			c.Queues[k] = clamped
		}
	})
}

// WithScheduler enables the repeat schedule loop in the worker.
func WithScheduler(enabled bool) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.EnableScheduler = enabled
	})
}

// WorkerQueue adds a queue to process with optional concurrency.
func WorkerQueue(name core.QueueName, opts ...WorkerOption) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		scoped := WorkerConfig{Queues: map[core.QueueName]int{name: DefaultConcurrency}}
		for _, opt := range opts {
			opt.ApplyWorker(&scoped)
		}
		if c.Queues == nil {
			c.Queues = make(map[core.QueueName]int)
		}
		c.Queues[name] = scoped.Queues[name]
	})
}

// WithPollInterval sets how often each queue is polled when idle.
func WithPollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// WithWorkerID overrides the generated worker id used for job locks.
func WithWorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if id != "" {
			c.WorkerID = id
		}
	})
}

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// WithSchedulerInterval sets how often due repeat schedules are checked.
func WithSchedulerInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.SchedulerInterval = d
		}
	})
}

// WithHeartbeatInterval sets how often a running job's lock is extended.
func WithHeartbeatInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.HeartbeatInterval = d
		}
	})
}

// WithStaleLockReclaim sets how often expired locks are released and how long
// past expiry a lock must be before it is. A zero interval disables reclaim.
func WithStaleLockReclaim(interval, grace time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StaleLockInterval = interval
		c.StaleLockGrace = grace
	})
}

// WithStorageRetry overrides the retry policy for storage writes.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithDequeueRetry overrides the retry policy for dequeue.
func WithDequeueRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DequeueRetry = &cfg
	})
}

// WithRetryAttempts sets the attempt count for storage writes, keeping the
// default backoff.
func WithRetryAttempts(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		cfg.MaxAttempts = max(n, 1)
		c.StorageRetry = &cfg
	})
}

// DisableRetry makes every storage call a single attempt.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		storageCfg := DefaultRetryConfig()
		storageCfg.MaxAttempts = 1
		dequeueCfg := defaultDequeueRetryConfig()
		dequeueCfg.MaxAttempts = 1
		c.StorageRetry = &storageCfg
		c.DequeueRetry = &dequeueCfg
	})
}
