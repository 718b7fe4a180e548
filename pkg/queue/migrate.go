package queue

import (
	"context"
	"fmt"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/lock"
	"github.com/jdziat/durable-flows/pkg/payload"
)

// MigrationReport summarizes one Migrate pass.
type MigrationReport struct {
	Scanned  int
	Upgraded int
}

// Migrate upcasts every stored payload that is behind payload.LatestVersion.
// It runs under a global lock, so concurrent processes migrate one at a
// time, and re-running it on migrated data changes nothing. Any error
// should abort startup.
func (q *Queue) Migrate(ctx context.Context) (MigrationReport, error) {
	var report MigrationReport
	err := lock.WithLock(ctx, q.locker, MigrationLockKey, q.migrationLockTimeout, func(ctx context.Context) error {
		var err error
		report, err = q.migrate(ctx)
		return err
	})
	if err != nil {
		return report, fmt.Errorf("flows: job schema migration: %w", err)
	}

	q.logger.Info("job schema migration finished", "scanned", report.Scanned, "upgraded", report.Upgraded)
	q.Emit(&core.JobsMigrated{Scanned: report.Scanned, Upgraded: report.Upgraded, Timestamp: q.now()})
	return report, nil
}

func (q *Queue) migrate(ctx context.Context) (MigrationReport, error) {
	var report MigrationReport

	repeats, err := q.storage.ListRepeats(ctx)
	if err != nil {
		return report, err
	}
	sources := make(map[string]payload.Source, len(repeats))
	for _, r := range repeats {
		src := payload.Source{Kind: core.KindRepeating, Cron: r.CronExpression, Timezone: r.Timezone}
		sources[r.Key] = src
		report.Scanned++

		if !payload.NeedsUpcast(r.SchemaVersion) {
			continue
		}
		out, version, err := payload.Upcast(r.SchemaVersion, r.Payload, src)
		if err != nil {
			return report, fmt.Errorf("repeat %s: %w", r.JobID, err)
		}
		if err := q.storage.UpdateRepeatPayload(ctx, r.Key, version, out); err != nil {
			return report, fmt.Errorf("repeat %s: %w", r.JobID, err)
		}
		report.Upgraded++
	}

	for _, name := range []core.QueueName{core.QueueScheduled, core.QueueOneTime} {
		jobs, err := q.storage.GetPendingJobs(ctx, name)
		if err != nil {
			return report, err
		}
		for _, job := range jobs {
			report.Scanned++
			if !payload.NeedsUpcast(job.SchemaVersion) {
				continue
			}
			src := sources[job.RepeatKey]
			src.Kind = job.Kind
			out, version, err := payload.Upcast(job.SchemaVersion, job.Payload, src)
			if err != nil {
				return report, fmt.Errorf("job %s: %w", job.ID, err)
			}
			if err := q.storage.UpdateJobPayload(ctx, job.ID, version, out); err != nil {
				return report, fmt.Errorf("job %s: %w", job.ID, err)
			}
			report.Upgraded++
		}
	}
	return report, nil
}
