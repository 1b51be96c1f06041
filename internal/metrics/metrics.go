// Package metrics exposes the process-wide Prometheus collectors used by the
// worker pool, the fetcher and the status server.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchBytesTotal            *prometheus.CounterVec
	retryBackoffSeconds        *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_fetch_attempts_total",
				Help: "Fetch attempts, labeled by target kind and result (ok or an error kind).",
			},
			[]string{"kind", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_fetch_duration_seconds",
				Help:    "Histogram of single fetch attempt latencies, labeled by target kind.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_fetch_bytes_total",
				Help: "Total number of bytes downloaded, labeled by site.",
			},
			[]string{"site"},
		)

		retryBackoffSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_retry_backoff_seconds",
				Help:    "Backoff waited before a retry, labeled by error kind.",
				Buckets: []float64{1, 2, 4, 8, 16, 32},
			},
			[]string{"error_kind"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_active_workers",
				Help: "Number of workers currently processing a partition.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of status server requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of status server latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler serves the default registry plus any extra gatherers.
func Handler(extra ...prometheus.Gatherer) http.Handler {
	if len(extra) == 0 {
		return promhttp.Handler()
	}
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer}
	gatherers = append(gatherers, extra...)
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

// ObserveFetch records one fetch attempt. result is "ok" or an error kind.
func ObserveFetch(kind, result string, duration time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(kind, result).Inc()
	fetchDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveBytes adds downloaded bytes for the site of rawURL.
func ObserveBytes(rawURL string, n int) {
	if n <= 0 {
		return
	}
	Init()
	fetchBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(n))
}

// ObserveBackoff records a scheduled retry delay.
func ObserveBackoff(errorKind string, delay time.Duration) {
	Init()
	retryBackoffSeconds.WithLabelValues(errorKind).Observe(delay.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
