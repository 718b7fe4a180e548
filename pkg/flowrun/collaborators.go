package flowrun

import (
	"context"
	"time"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/queue"
)

// Store persists flow runs. GetByID returns nil, nil for a missing run.
type Store interface {
	Create(ctx context.Context, run *core.FlowRun) error
	GetByID(ctx context.Context, id string) (*core.FlowRun, error)
	Update(ctx context.Context, id string, patch core.FlowRunPatch) error
}

// RunCounter counts a project's production runs.
type RunCounter interface {
	CountRunsSince(ctx context.Context, projectID string, since time.Time) (int64, error)
}

// FlowVersions looks up flow versions. Both methods return nil, nil when
// nothing matches.
type FlowVersions interface {
	Get(ctx context.Context, versionID string) (*core.FlowVersion, error)
	// Published returns the version currently published for flowID.
	Published(ctx context.Context, flowID string) (*core.FlowVersion, error)
}

// Policy admits a run before it is started or reopened. Admit returns an
// error to deny the start; otherwise it calls apply, which persists the
// start, and returns apply's error. Whatever a policy checks must still
// hold while apply runs.
type Policy interface {
	Admit(ctx context.Context, run *core.FlowRun, apply func(context.Context) error) error
}

// PolicyFunc adapts a stateless check to Policy. apply runs once the
// check passes.
type PolicyFunc func(ctx context.Context, run *core.FlowRun) error

func (f PolicyFunc) Admit(ctx context.Context, run *core.FlowRun, apply func(context.Context) error) error {
	if err := f(ctx, run); err != nil {
		return err
	}
	return apply(ctx)
}

// Notifier is told about finished runs.
type Notifier interface {
	NotifyRun(ctx context.Context, run *core.FlowRun) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, run *core.FlowRun) error

func (f NotifierFunc) NotifyRun(ctx context.Context, run *core.FlowRun) error {
	return f(ctx, run)
}

// Enqueuer adds and removes jobs. *queue.Queue satisfies it.
type Enqueuer interface {
	Add(ctx context.Context, spec queue.JobSpec, opts ...queue.Option) (string, error)
	Remove(ctx context.Context, id string) error
}

var _ Enqueuer = (*queue.Queue)(nil)
