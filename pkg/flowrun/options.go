package flowrun

import (
	"log/slog"
	"time"
)

// DefaultNotifyTimeout bounds a single notification.
const DefaultNotifyTimeout = 30 * time.Second

// TestingPriority is the job priority of TESTING runs, so interactive test
// runs are not stuck behind production backlog.
const TestingPriority = 10

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy sets the policy that admits starts.
func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithNotifier sets the notifier told about finished runs.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the time source used for pause delays and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithNotifyTimeout bounds each notification call.
func WithNotifyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.notifyTimeout = d
		}
	}
}
