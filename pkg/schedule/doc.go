// Package schedule provides the scheduling primitives used by the job store.
//
// This package includes:
//   - Schedule interface for defining job schedules
//   - Every() for fixed-interval schedules
//   - Cron() for cron expression-based schedules evaluated in a timezone
//   - DelayUntil() for the non-negative delay of a delayed job
//   - Describe() for the queryable cron descriptor stored with repeating jobs
package schedule
