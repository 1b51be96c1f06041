// Package stats aggregates per-target outcomes into run totals.
package stats

import (
	"sync"
	"time"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
)

// Aggregator is the single owner of a run's counters. All methods are safe
// for concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	clock    batch.Clock
	summary  batch.AggregateStats
	finished bool
}

// New creates an Aggregator stamped by clock.
func New(clock batch.Clock) *Aggregator {
	return &Aggregator{clock: clock}
}

// Start resets the counters for a run over total targets.
func (a *Aggregator) Start(runID string, run batch.RunIdentity, total int, resumed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary = batch.AggregateStats{
		RunID:       runID,
		RunIdentity: run,
		Total:       total,
		Resumed:     resumed,
		StartedAt:   a.now(),
	}
	a.finished = false
}

// RecordSuccess counts a completed target and its items.
func (a *Aggregator) RecordSuccess(items batch.ItemCounts) batch.Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary.Succeeded++
	a.summary.Items = a.summary.Items.Add(items)
	return a.totalsLocked()
}

// RecordFailure counts a target that gave up.
func (a *Aggregator) RecordFailure() batch.Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary.Failed++
	return a.totalsLocked()
}

// RecordSkipped counts a target that was already complete.
func (a *Aggregator) RecordSkipped() batch.Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary.Skipped++
	return a.totalsLocked()
}

// RecordRetry counts a scheduled retry.
func (a *Aggregator) RecordRetry() batch.Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary.Retries++
	return a.totalsLocked()
}

// Totals returns the running counters.
func (a *Aggregator) Totals() batch.Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalsLocked()
}

// Finish stamps the end time and derives the unfinished count. Only the
// first call has effect.
func (a *Aggregator) Finish(interrupted bool) batch.AggregateStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.finished {
		a.finished = true
		a.summary.FinishedAt = a.now()
		a.summary.Interrupted = interrupted
		a.summary.Unfinished = a.summary.Total - (a.summary.Succeeded + a.summary.Failed + a.summary.Skipped)
		if a.summary.Unfinished < 0 {
			a.summary.Unfinished = 0
		}
	}
	return a.summary
}

func (a *Aggregator) totalsLocked() batch.Totals {
	return batch.Totals{
		Succeeded: a.summary.Succeeded,
		Failed:    a.summary.Failed,
		Skipped:   a.summary.Skipped,
		Retries:   a.summary.Retries,
		Items:     a.summary.Items,
	}
}

func (a *Aggregator) now() time.Time {
	if a.clock == nil {
		return time.Now().UTC()
	}
	return a.clock.Now()
}
