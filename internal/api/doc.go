// Package api hosts the operator HTTP surface that runs beside a batch.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the live totals of the current run.
package api
