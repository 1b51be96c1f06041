// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors, Pub/Sub notifications and the in-memory status view
// served by the API. Each sink satisfies progress.Sink and is safe for
// repeated Consume/Close cycles.
package sinks
