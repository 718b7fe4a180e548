package queue

import (
	"time"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/payload"
)

// JobSpec describes a job to add. The set of implementations is closed.
type JobSpec interface {
	jobKind() core.JobKind
}

// OneTimeJob runs as soon as a worker is free.
type OneTimeJob struct {
	// ID is optional; a random one is assigned when empty.
	ID      string
	Payload payload.OneTime
}

// RepeatingJob fires on a cron schedule until removed.
type RepeatingJob struct {
	// ID is the caller's handle for Remove, usually the flow version id.
	ID       string
	Cron     string
	Timezone string
	Payload  payload.Repeating
}

// DelayedJob runs once after Delay. A non-positive delay runs immediately.
type DelayedJob struct {
	ID      string
	Delay   time.Duration
	Payload payload.Delayed
}

func (OneTimeJob) jobKind() core.JobKind   { return core.KindOneTime }
func (RepeatingJob) jobKind() core.JobKind { return core.KindRepeating }
func (DelayedJob) jobKind() core.JobKind   { return core.KindDelayed }

// DelayedJobID is the id of the delayed job that resumes runID.
func DelayedJobID(runID string) string {
	return "resume:" + runID
}
