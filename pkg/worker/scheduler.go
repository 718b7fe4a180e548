package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/queue"
	"github.com/jdziat/durable-flows/pkg/schedule"
)

// runScheduler fires due repeat schedules until ctx is cancelled.
func (w *Worker) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(w.config.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.FireDueRepeats(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("failed to fire repeat schedules", "error", err)
			}
		}
	}
}

// FireDueRepeats enqueues one occurrence for every schedule whose next run
// has passed and returns how many were enqueued. Each schedule is advanced
// with a compare-and-swap on its next run time, so when several workers
// race only one enqueues the occurrence. Missed occurrences are collapsed
// into one.
func (w *Worker) FireDueRepeats(ctx context.Context) (int, error) {
	s := w.queue.Storage()
	now := w.queue.Now()

	due, err := s.GetDueRepeats(ctx, now, w.config.RepeatBatch)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, r := range due {
		sched, err := schedule.Cron(r.CronExpression, r.Timezone)
		if err != nil {
			w.logger.Error("repeat schedule has invalid cron", "repeat_key", r.Key, "cron", r.CronExpression, "error", err)
			continue
		}
		next := sched.Next(now)

		claimed, err := s.ClaimRepeat(ctx, r.Key, r.NextRunAt, next)
		if err != nil {
			return fired, err
		}
		if !claimed {
			continue
		}

		job := &core.Job{
			ID:            uuid.New().String(),
			Kind:          core.KindRepeating,
			Queue:         core.QueueScheduled,
			SchemaVersion: r.SchemaVersion,
			Payload:       r.Payload,
			Priority:      r.Priority,
			Status:        core.StatusPending,
			MaxRetries:    queue.DefaultJobRetries,
			RepeatKey:     r.Key,
		}
		if err := s.Enqueue(ctx, job); err != nil {
			w.logger.Error("failed to enqueue repeat occurrence", "repeat_key", r.Key, "error", err)
			continue
		}

		fired++
		repeatsFired.Inc()
		w.logger.Debug("repeat fired", "repeat_key", r.Key, "job_id", job.ID, "next_run_at", next)
		w.queue.Emit(&core.RepeatFired{RepeatKey: r.Key, JobID: job.ID, NextRunAt: next, Timestamp: now})
	}
	return fired, nil
}

// runStaleLockReclaim returns jobs whose lock expired back to pending so a
// crashed worker's jobs are picked up again.
func (w *Worker) runStaleLockReclaim(ctx context.Context) {
	ticker := time.NewTicker(w.config.StaleLockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.Storage().ReleaseStaleLocks(ctx, w.config.StaleLockGrace)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("failed to release stale locks", "error", err)
				}
				continue
			}
			if n > 0 {
				staleLocksReleased.Add(float64(n))
				w.logger.Warn("released stale job locks", "count", n)
			}
		}
	}
}
