package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/media-orchestrator/internal/progress"
)

// PrometheusSink exports run progress via Prometheus. It owns the collectors
// for runs started/completed/running and per-target outcome counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	targets        *prometheus.CounterVec
	items          *prometheus.CounterVec
	retries        *prometheus.CounterVec
	targetDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_runs_started_total",
			Help: "Total batch runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_runs_completed_total",
			Help: "Total batch runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_runs_running",
			Help: "Current number of running batch runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_targets_total",
			Help: "Targets that reached a terminal state partitioned by kind and outcome.",
		}, []string{"kind", "outcome"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_items_fetched_total",
			Help: "Fetched items partitioned by category.",
		}, []string{"category"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_target_retries_total",
			Help: "Scheduled retries partitioned by error kind.",
		}, []string{"error_kind"}),
		targetDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_target_duration_seconds",
			Help:    "Time from first attempt to terminal outcome per target.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.targets,
		s.items,
		s.retries,
		s.targetDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, events []progress.Event) error {
	for _, evt := range events {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StageTargetDone:
		s.targets.WithLabelValues(string(evt.TargetKind), "succeeded").Inc()
		s.observeTarget(evt, "succeeded")
		s.addItems(evt)
	case progress.StageTargetFailed:
		s.targets.WithLabelValues(string(evt.TargetKind), "failed").Inc()
		s.observeTarget(evt, "failed")
	case progress.StageTargetSkipped:
		s.targets.WithLabelValues(string(evt.TargetKind), "skipped").Inc()
	case progress.StageTargetRetry:
		s.retries.WithLabelValues(string(evt.ErrorKind)).Inc()
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		return
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) observeTarget(evt progress.Event, outcome string) {
	if evt.Dur > 0 {
		s.targetDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) addItems(evt progress.Event) {
	for category, n := range map[string]int{
		"images":  evt.Items.Images,
		"videos":  evt.Items.Videos,
		"stories": evt.Items.Stories,
		"reels":   evt.Items.Reels,
	} {
		if n > 0 {
			s.items.WithLabelValues(category).Add(float64(n))
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
