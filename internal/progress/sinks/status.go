package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
	"github.com/JakeFAU/media-orchestrator/internal/progress"
)

// RunStatus is the latest known state of the current or last run.
type RunStatus struct {
	RunID       string            `json:"run_id,omitempty"`
	RunIdentity batch.RunIdentity `json:"run_identity,omitempty"`
	State       string            `json:"state"`
	Total       int               `json:"total"`
	Totals      batch.Totals      `json:"totals"`
	StartedAt   time.Time         `json:"started_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
}

// Run states reported by StatusSink.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateDone    = "done"
	StateErrored = "error"
)

// StatusSink keeps the most recent totals for the status endpoint.
type StatusSink struct {
	mu     sync.RWMutex
	status RunStatus
}

// NewStatusSink returns a sink reporting StateIdle until a run starts.
func NewStatusSink() *StatusSink {
	return &StatusSink{status: RunStatus{State: StateIdle}}
}

// Consume folds events into the latest status.
func (s *StatusSink) Consume(_ context.Context, events []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range events {
		switch evt.Stage {
		case progress.StageRunStart:
			s.status = RunStatus{
				RunID:       evt.RunUUID().String(),
				RunIdentity: evt.RunIdentity,
				State:       StateRunning,
				Total:       evt.Total,
				StartedAt:   evt.TS,
			}
		case progress.StageRunDone:
			s.status.State = StateDone
		case progress.StageRunError:
			s.status.State = StateErrored
			s.status.LastError = evt.Note
		}
		if evt.Totals.Processed() >= s.status.Totals.Processed() {
			s.status.Totals = evt.Totals
		}
		if evt.TS.After(s.status.UpdatedAt) {
			s.status.UpdatedAt = evt.TS
		}
	}
	return nil
}

// Status returns a copy of the latest status.
func (s *StatusSink) Status() RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Close implements the Sink interface; it performs no action.
func (s *StatusSink) Close(context.Context) error {
	return nil
}
