// Package worker provides the Worker type for job processing.
//
// A Worker runs one poll loop per logical queue, each feeding a fixed pool
// of goroutines, and hands decoded payloads to a Handler. With the
// scheduler enabled it also fires due repeat schedules into the scheduled
// queue. Any number of workers may share one storage backend: dequeue and
// repeat firing are both claim-based, so each job and each occurrence is
// processed by exactly one of them.
package worker
