package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/lock"
	"github.com/jdziat/durable-flows/pkg/payload"
	"github.com/jdziat/durable-flows/pkg/storage"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestStorage(t *testing.T) *storage.GormStorage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s := storage.NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestQueue(t *testing.T, s core.Storage) *Queue {
	t.Helper()
	return New(s, lock.NewMemoryLocker(), WithClock(func() time.Time { return testNow }))
}

// failingCancel makes cancelling a repeat schedule fail.
type failingCancel struct {
	core.Storage
}

func (failingCancel) CancelRepeatMapping(context.Context, string) (bool, error) {
	return false, errors.New("backend unavailable")
}

func repeatingJob(id, cron, tz string) RepeatingJob {
	return RepeatingJob{
		ID:       id,
		Cron:     cron,
		Timezone: tz,
		Payload:  payload.Repeating{ProjectID: "p1", FlowID: "f1", FlowVersionID: id, Environment: core.EnvProduction},
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Add
// ──────────────────────────────────────────────────────────────────────────────

func TestAdd_OneTime(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newTestStorage(t))

	id, err := q.Add(ctx, OneTimeJob{Payload: payload.OneTime{RunID: "r1", ExecutionType: payload.Begin}}, Priority(3))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.KindOneTime, job.Kind)
	assert.Equal(t, core.QueueOneTime, job.Queue)
	assert.Equal(t, payload.LatestVersion, job.SchemaVersion)
	assert.Equal(t, 3, job.Priority)
	assert.Nil(t, job.RunAt)

	p, err := payload.DecodeOneTime(job.SchemaVersion, job.Payload)
	require.NoError(t, err)
	assert.Equal(t, "r1", p.RunID)
}

func TestAdd_DelayedComputesRunAt(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newTestStorage(t))

	id, err := q.Add(ctx, DelayedJob{ID: DelayedJobID("r1"), Delay: 90 * time.Second, Payload: payload.Delayed{RunID: "r1"}})
	require.NoError(t, err)
	assert.Equal(t, "resume:r1", id)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.QueueScheduled, job.Queue)
	require.NotNil(t, job.RunAt)
	assert.True(t, job.RunAt.Equal(testNow.Add(90*time.Second)))
}

func TestAdd_DelayedNegativeDelayRunsNow(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newTestStorage(t))

	id, err := q.Add(ctx, DelayedJob{Delay: -time.Hour, Payload: payload.Delayed{RunID: "r1"}})
	require.NoError(t, err)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job.RunAt)
	assert.True(t, job.RunAt.Equal(testNow))
}

func TestAdd_DelayedDuplicatePending(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newTestStorage(t))

	spec := DelayedJob{ID: DelayedJobID("r1"), Payload: payload.Delayed{RunID: "r1"}}
	_, err := q.Add(ctx, spec)
	require.NoError(t, err)

	_, err = q.Add(ctx, spec)
	assert.ErrorIs(t, err, core.ErrDuplicateJob)
}

func TestAdd_RejectsInvalidID(t *testing.T) {
	q := newTestQueue(t, newTestStorage(t))
	_, err := q.Add(context.Background(), OneTimeJob{ID: "has space", Payload: payload.OneTime{RunID: "r"}})
	assert.ErrorIs(t, err, core.ErrInvalidJobID)
}

func TestAdd_RepeatingRegistersScheduleAndMapping(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newTestStorage(t))

	id, err := q.Add(ctx, repeatingJob("fv1", "0 9 * * *", "America/New_York"))
	require.NoError(t, err)
	assert.Equal(t, "fv1", id)

	r, err := q.GetRepeat(ctx, "fv1")
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", r.CronExpression)
	assert.Equal(t, "America/New_York", r.Timezone)

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// 12:00 UTC is 08:00 in New York on the day DST starts.
	assert.True(t, r.NextRunAt.Equal(time.Date(2024, 3, 10, 9, 0, 0, 0, ny)),
		"next fire is 09:00 local time, got %s", r.NextRunAt)

	var env payload.V3
	require.NoError(t, json.Unmarshal(r.Payload, &env))
	require.NotNil(t, env.Cron)
	assert.Equal(t, "0 9 * * *", env.Cron.Expression)
	assert.Equal(t, payload.Begin, env.ExecutionType)
}

func TestAdd_RepeatingInvalidCron(t *testing.T) {
	q := newTestQueue(t, newTestStorage(t))

	_, err := q.Add(context.Background(), repeatingJob("fv1", "every day", ""))
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = q.Add(context.Background(), repeatingJob("fv1", "@hourly", "Mars/Olympus"))
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestAdd_RepeatingTwiceReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	q := newTestQueue(t, s)

	_, err := q.Add(ctx, repeatingJob("fv1", "@hourly", ""))
	require.NoError(t, err)
	_, err = q.Add(ctx, repeatingJob("fv1", "@daily", ""))
	require.NoError(t, err)

	all, err := s.ListRepeats(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "@daily", all[0].CronExpression)
}

// ──────────────────────────────────────────────────────────────────────────────
// Remove
// ──────────────────────────────────────────────────────────────────────────────

func TestRemove_RepeatingLeavesNothingBehind(t *testing.T) {
	cases := []struct {
		cron, tz string
	}{
		{"*/5 * * * *", ""},
		{"0 0 1 * *", "Asia/Tokyo"},
		{"@every 90s", "UTC"},
		{"30 2 * * 0", "Europe/London"},
	}
	for _, tc := range cases {
		t.Run(tc.cron, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStorage(t)
			q := newTestQueue(t, s)

			_, err := q.Add(ctx, repeatingJob("fv1", tc.cron, tc.tz))
			require.NoError(t, err)

			require.NoError(t, q.Remove(ctx, "fv1"))

			repeats, err := s.ListRepeats(ctx)
			require.NoError(t, err)
			assert.Empty(t, repeats)
			m, err := s.GetRepeatMapping(ctx, "fv1")
			require.NoError(t, err)
			assert.Nil(t, m)

			assert.NoError(t, q.Remove(ctx, "fv1"), "second remove is a no-op")
		})
	}
}

func TestRemove_UnknownIDIsNoop(t *testing.T) {
	q := newTestQueue(t, newTestStorage(t))
	events := q.Events()

	require.NoError(t, q.Remove(context.Background(), "never-added"))
	assert.Empty(t, events, "nothing was removed so nothing is reported")
}

func TestRemove_PendingDelayedJob(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, newTestStorage(t))

	id, err := q.Add(ctx, DelayedJob{ID: DelayedJobID("r1"), Delay: time.Hour, Payload: payload.Delayed{RunID: "r1"}})
	require.NoError(t, err)
	events := q.Events()

	require.NoError(t, q.Remove(ctx, id))

	_, err = q.Get(ctx, id)
	assert.ErrorIs(t, err, core.ErrEntityNotFound)

	select {
	case e := <-events:
		removed, ok := e.(*core.JobRemoved)
		require.True(t, ok)
		assert.Equal(t, id, removed.JobID)
	default:
		t.Fatal("expected JobRemoved event")
	}
}

func TestRemove_CancelFailureIsRemovalFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := newTestQueue(t, s).Add(ctx, repeatingJob("fv1", "@hourly", ""))
	require.NoError(t, err)

	q := newTestQueue(t, failingCancel{Storage: s})
	err = q.Remove(ctx, "fv1")
	assert.ErrorIs(t, err, core.ErrJobRemovalFailure)

	m, err := s.GetRepeatMapping(ctx, "fv1")
	require.NoError(t, err)
	assert.NotNil(t, m, "mapping is kept so removal can be retried")
}

func TestRemove_MappingWithoutScheduleIsRemovalFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	q := newTestQueue(t, s)

	_, err := q.Add(ctx, repeatingJob("fv1", "@hourly", ""))
	require.NoError(t, err)
	m, err := s.GetRepeatMapping(ctx, "fv1")
	require.NoError(t, err)
	require.NoError(t, s.DB().Where("repeat_key = ?", m.RepeatKey).Delete(&core.RepeatSchedule{}).Error)

	assert.ErrorIs(t, q.Remove(ctx, "fv1"), core.ErrJobRemovalFailure)
}

// ──────────────────────────────────────────────────────────────────────────────
// Events and hooks
// ──────────────────────────────────────────────────────────────────────────────

func TestQueue_Events(t *testing.T) {
	q := New(nil, nil)

	ch := q.Events()
	require.NotNil(t, ch)

	event := &core.JobStarted{Job: &core.Job{ID: "test"}}
	q.Emit(event)

	select {
	case received := <-ch:
		assert.Equal(t, event, received)
	default:
		t.Fatal("expected to receive event")
	}
}

func TestQueue_Emit_DropsWhenFull(t *testing.T) {
	q := New(nil, nil)
	ch := q.Events()

	// Fill the channel (buffer size is 100)
	for i := 0; i < 100; i++ {
		q.Emit(&core.JobStarted{Job: &core.Job{ID: "test"}})
	}

	// This should not block
	q.Emit(&core.JobStarted{Job: &core.Job{ID: "dropped"}})

	assert.Len(t, ch, 100)
}

func TestQueue_Unsubscribe_StopsDelivery(t *testing.T) {
	q := New(nil, nil)
	ch := q.Events()

	q.Emit(&core.JobStarted{Job: &core.Job{ID: "before"}})
	select {
	case e := <-ch:
		assert.Equal(t, "before", e.(*core.JobStarted).Job.ID)
	default:
		t.Fatal("expected event before unsubscribe")
	}

	q.Unsubscribe(ch)

	q.Emit(&core.JobStarted{Job: &core.Job{ID: "after"}})
	select {
	case <-ch:
		t.Fatal("should not receive events after unsubscribe")
	default:
	}
}

func TestQueue_Unsubscribe_ConcurrentWithEmit(t *testing.T) {
	q := New(nil, nil)

	const subscribers = 10
	channels := make([]<-chan core.Event, subscribers)
	for i := range channels {
		channels[i] = q.Events()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			q.Emit(&core.JobStarted{Job: &core.Job{ID: "concurrent"}})
		}
	}()

	for _, ch := range channels {
		q.Unsubscribe(ch)
	}
	<-done
}

func TestQueue_Hooks(t *testing.T) {
	q := New(nil, nil)

	var startCalled, completeCalled, failCalled, retryCalled bool

	q.OnJobStart(func(ctx context.Context, job *core.Job) {
		startCalled = true
	})
	q.OnJobComplete(func(ctx context.Context, job *core.Job) {
		completeCalled = true
	})
	q.OnJobFail(func(ctx context.Context, job *core.Job, err error) {
		failCalled = true
	})
	q.OnRetry(func(ctx context.Context, job *core.Job, attempt int, err error) {
		retryCalled = true
	})

	job := &core.Job{ID: "test"}
	ctx := context.Background()

	q.CallStartHooks(ctx, job)
	assert.True(t, startCalled)

	q.CallCompleteHooks(ctx, job)
	assert.True(t, completeCalled)

	q.CallFailHooks(ctx, job, nil)
	assert.True(t, failCalled)

	q.CallRetryHooks(ctx, job, 1, nil)
	assert.True(t, retryCalled)
}
