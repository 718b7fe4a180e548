// Package runner routes dequeued jobs to the flow run lifecycle.
//
// One-time jobs execute a flow run in a prepared sandbox and record the
// outcome through the orchestrator. Scheduled jobs either poll a flow's
// trigger and start a run per returned payload, or resume a delayed run.
// A polling schedule whose flow version is no longer the published, enabled
// one is cancelled instead of fired.
package runner
