// Package workers implements the bounded pool that runs node tasks.
//
// The pool keeps a fixed number of goroutines shared by every run in the
// process:
//   - The executor submits one task per RUNNING node
//   - Submit blocks the submitting goroutine, never the scheduler loop
//   - A panicking task is logged and the worker keeps serving
//
// The health monitor tracks worker status, logs it and records metrics.
package workers
