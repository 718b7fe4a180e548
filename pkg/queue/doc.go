// Package queue is the job store: it adds one-time, repeating and delayed
// jobs, removes them again, and migrates stored payloads to the latest
// schema at startup.
//
// Jobs are described by the sealed JobSpec variants OneTimeJob, RepeatingJob
// and DelayedJob. Repeating jobs are registered as a core.RepeatSchedule plus
// a mapping from the caller's id, so Remove can find and cancel them later.
// Workers report progress through the queue's hooks and event stream.
package queue
