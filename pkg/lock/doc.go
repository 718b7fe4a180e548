// Package lock provides the mutual exclusion primitive shared by the job
// store, the flow run orchestrator and the sandbox cache.
//
// Two implementations satisfy Locker:
//   - MemoryLocker, a process-local mutex keyed by string
//   - RedisLocker, a networked lease with bounded-wait acquisition,
//     clock-drift allowance and background lease renewal
//
// New selects one of them once, from configuration.
package lock
