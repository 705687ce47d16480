// Package events carries job lifecycle notifications from the queue to
// pluggable sinks. Emit never blocks the caller: events are buffered, batched
// on a background goroutine, and fanned out to sinks such as structured logs,
// Prometheus counters, a Pub/Sub publisher, or the wake-up channel workers
// use for notified dequeue.
package events
