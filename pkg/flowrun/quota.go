package flowrun

import (
	"context"
	"fmt"
	"time"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/lock"
)

// DefaultQuotaLockTimeout bounds the wait for a project's quota lock.
const DefaultQuotaLockTimeout = 30 * time.Second

// quotaRetryDelay is how long a caller should wait after the quota lock
// could not be taken.
const quotaRetryDelay = 5 * time.Second

// QuotaPolicy denies production runs once a project has used its monthly
// run quota. The count and the insert of the new run happen under one
// per-project lock, so concurrent starts across processes see each
// other's runs.
type QuotaPolicy struct {
	runs        RunCounter
	locker      lock.Locker
	limit       int64
	lockTimeout time.Duration
	now         func() time.Time
}

// NewQuotaPolicy creates a QuotaPolicy allowing limit production runs per
// calendar month (UTC). A limit of zero or less is unlimited.
func NewQuotaPolicy(runs RunCounter, locker lock.Locker, limit int64) *QuotaPolicy {
	return &QuotaPolicy{
		runs:        runs,
		locker:      locker,
		limit:       limit,
		lockTimeout: DefaultQuotaLockTimeout,
		now:         time.Now,
	}
}

// WithClock sets the policy's time source.
func (p *QuotaPolicy) WithClock(now func() time.Time) *QuotaPolicy {
	p.now = now
	return p
}

// WithLockTimeout sets how long to wait for the project lock.
func (p *QuotaPolicy) WithLockTimeout(d time.Duration) *QuotaPolicy {
	if d > 0 {
		p.lockTimeout = d
	}
	return p
}

// Admit implements Policy. TESTING runs are not counted.
func (p *QuotaPolicy) Admit(ctx context.Context, run *core.FlowRun, apply func(context.Context) error) error {
	if p.limit <= 0 || run.Environment == core.EnvTesting {
		return apply(ctx)
	}

	err := lock.WithLock(ctx, p.locker, "quota:"+run.ProjectID, p.lockTimeout, func(ctx context.Context) error {
		used, err := p.runs.CountRunsSince(ctx, run.ProjectID, monthStart(p.now()))
		if err != nil {
			return fmt.Errorf("flowrun: count runs of project %s: %w", run.ProjectID, err)
		}
		if used >= p.limit {
			return core.Errorf(core.CodeTaskQuotaExceeded, "project %s used %d of %d runs this month", run.ProjectID, used, p.limit)
		}
		return apply(ctx)
	})
	if lock.IsTimeout(err) {
		return core.RetryAfter(quotaRetryDelay, err)
	}
	return err
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
