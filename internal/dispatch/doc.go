// Package dispatch implements the selection dispatcher: the priority queue
// and worker pool that serialize every enrollment mutation.
//
// Intents enter as Tasks (select at priority 0, deselect at 10 so freed
// seats surface quickly) and drain through a fixed worker pool. A worker
// takes the per-course lock before touching state, runs the mutation in a
// single transaction via the course package, and records the outcome in a
// TTL-bounded journal for polling. Transient storage failures are retried
// with exponential backoff up to a fixed attempt budget; rule failures are
// final on the first attempt.
package dispatch
