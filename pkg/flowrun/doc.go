// Package flowrun drives the flow run state machine.
//
// A run is created by Start, moved to RUNNING by Begin when its one-time job
// is dequeued, suspended by Pause and continued by Resume, and closed by
// Finish. Retry reopens a FAILED or TIMEOUT run.
//
//	CREATED -> RUNNING -> SUCCEEDED | FAILED | STOPPED | TIMEOUT
//	           RUNNING <-> PAUSED
//
// Every transition is checked against core.CanTransition before it is
// persisted. Rows are last-write-wins; two racing Resume calls for the same
// run may both pass the PAUSED check.
package flowrun
