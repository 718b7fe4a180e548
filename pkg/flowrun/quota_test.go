package flowrun

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/lock"
)

func allow(context.Context) error { return nil }

func TestQuotaPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	policy := NewQuotaPolicy(f.runs, lock.NewMemoryLocker(), 2).WithClock(func() time.Time { return f.now })

	lastMonth := time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.runs.Create(ctx, &core.FlowRun{ID: "old", FlowID: "f1", FlowVersionID: "v1", ProjectID: "p1", StartTime: lastMonth}))

	candidate := &core.FlowRun{ProjectID: "p1", Environment: core.EnvProduction}
	require.NoError(t, policy.Admit(ctx, candidate, allow), "last month's runs do not count")

	for _, id := range []string{"a", "b"} {
		require.NoError(t, f.runs.Create(ctx, &core.FlowRun{ID: id, FlowID: "f1", FlowVersionID: "v1", ProjectID: "p1", StartTime: f.now}))
	}

	err := policy.Admit(ctx, candidate, allow)
	assert.ErrorIs(t, err, core.ErrTaskQuotaExceeded)

	assert.NoError(t, policy.Admit(ctx, &core.FlowRun{ProjectID: "p1", Environment: core.EnvTesting}, allow))
	assert.NoError(t, policy.Admit(ctx, &core.FlowRun{ProjectID: "p2", Environment: core.EnvProduction}, allow))
	assert.NoError(t, NewQuotaPolicy(f.runs, lock.NewMemoryLocker(), 0).Admit(ctx, candidate, allow))
}

func TestQuotaPolicy_DeniedStartSkipsApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	policy := NewQuotaPolicy(f.runs, lock.NewMemoryLocker(), 1).WithClock(func() time.Time { return f.now })
	require.NoError(t, f.runs.Create(ctx, &core.FlowRun{ID: "a", FlowID: "f1", FlowVersionID: "v1", ProjectID: "p1", StartTime: f.now}))

	applied := false
	err := policy.Admit(ctx, &core.FlowRun{ProjectID: "p1", Environment: core.EnvProduction}, func(context.Context) error {
		applied = true
		return nil
	})
	assert.ErrorIs(t, err, core.ErrTaskQuotaExceeded)
	assert.False(t, applied)

	boom := errors.New("insert failed")
	err = policy.Admit(ctx, &core.FlowRun{ProjectID: "p2", Environment: core.EnvProduction}, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestQuotaPolicy_DeniesStartThroughOrchestrator(t *testing.T) {
	f := newFixture(t)
	f.orch.policy = NewQuotaPolicy(f.runs, lock.NewMemoryLocker(), 1).WithClock(func() time.Time { return f.now })
	ctx := context.Background()

	_, err := f.orch.Start(ctx, StartRequest{FlowVersionID: "v1"})
	require.NoError(t, err)
	_, err = f.orch.Start(ctx, StartRequest{FlowVersionID: "v1"})
	assert.ErrorIs(t, err, core.ErrTaskQuotaExceeded)
	assert.Len(t, f.oneTimeJobs(t), 1)
}

// slowCreateStore widens the window between counting runs and inserting one.
type slowCreateStore struct {
	Store
	delay time.Duration
}

func (s *slowCreateStore) Create(ctx context.Context, run *core.FlowRun) error {
	time.Sleep(s.delay)
	return s.Store.Create(ctx, run)
}

func TestQuotaPolicy_ConcurrentStartsRespectLimit(t *testing.T) {
	f := newFixture(t)
	policy := NewQuotaPolicy(f.runs, lock.NewMemoryLocker(), 1).
		WithClock(func() time.Time { return f.now }).
		WithLockTimeout(5 * time.Second)
	f.orch.store = &slowCreateStore{Store: f.runs, delay: 20 * time.Millisecond}
	f.orch.policy = policy

	const starts = 5
	errs := make(chan error, starts)
	var wg sync.WaitGroup
	for i := 0; i < starts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Start(context.Background(), StartRequest{FlowVersionID: "v1"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var started, denied int
	for err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, core.ErrTaskQuotaExceeded):
			denied++
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, starts-1, denied)

	used, err := f.runs.CountRunsSince(context.Background(), "p1", monthStart(f.now))
	require.NoError(t, err)
	assert.EqualValues(t, 1, used)
}

func TestQuotaPolicy_LockTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	locker := lock.NewMemoryLocker()

	held, err := locker.Acquire(ctx, "quota:p1", time.Second)
	require.NoError(t, err)
	defer held.Release(ctx)

	policy := NewQuotaPolicy(f.runs, locker, 10).WithLockTimeout(20 * time.Millisecond)
	err = policy.Admit(ctx, &core.FlowRun{ProjectID: "p1", Environment: core.EnvProduction}, allow)
	require.Error(t, err)

	var retry *core.RetryAfterError
	require.True(t, errors.As(err, &retry))
	assert.Equal(t, quotaRetryDelay, retry.Delay)
	assert.True(t, lock.IsTimeout(err))
}

func TestMonthStart(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	got := monthStart(time.Date(2026, 4, 1, 2, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got)
}
