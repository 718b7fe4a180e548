// Package storage persists jobs, repeat schedules and flow runs with GORM.
//
// GormStorage implements core.Storage and GormFlowRunStore backs the flow
// run orchestrator. Both share one *gorm.DB, usually obtained from Open:
// the memory backend is an in-process SQLite database and the postgres
// backend is safe to share between several worker processes, since dequeues
// use FOR UPDATE SKIP LOCKED and repeat firings are claimed with a
// compare-and-swap on next_run_at.
package storage
