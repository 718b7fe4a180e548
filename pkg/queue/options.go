package queue

import (
	"log/slog"
	"time"

	"github.com/jdziat/durable-flows/pkg/security"
)

// Options holds per-job configuration for Add.
type Options struct {
	Priority   int
	MaxRetries int
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		Priority:   0,
		MaxRetries: DefaultJobRetries,
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// Priority sets the job priority (higher = runs first).
func Priority(p int) Option {
	return optionFunc(func(o *Options) {
		o.Priority = p
	})
}

// Retries sets the maximum retry count.
// Values are clamped to [0, MaxRetries] (100).
func Retries(n int) Option {
	return optionFunc(func(o *Options) {
		o.MaxRetries = security.ClampRetries(n)
	})
}

// DefaultJobRetries is the retry budget of a job added without Retries.
var DefaultJobRetries = 2

// DefaultMigrationLockTimeout bounds the wait for the migration lock.
const DefaultMigrationLockTimeout = 30 * time.Second

// MigrationLockKey serializes job-schema migration across processes.
const MigrationLockKey = "job-schema-migration"

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// WithClock overrides the time source used for schedules and delays.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// WithMigrationLockTimeout sets how long Migrate waits for the global lock.
func WithMigrationLockTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.migrationLockTimeout = d }
}
