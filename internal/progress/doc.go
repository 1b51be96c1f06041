// Package progress carries run and target milestones from the workers to
// observers. Workers emit through the non-blocking Hub; a background
// goroutine batches events and fans them out to sinks (logs, Prometheus,
// Pub/Sub, the status endpoint) without ever stalling a worker.
package progress
