package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
	"github.com/JakeFAU/media-orchestrator/internal/progress"
)

// RunNotification is the payload published when a run starts or ends.
type RunNotification struct {
	RunID       string            `json:"run_id"`
	RunIdentity batch.RunIdentity `json:"run_identity"`
	Stage       progress.Stage    `json:"stage"`
	Timestamp   string            `json:"timestamp"`
	Total       int               `json:"total"`
	Totals      batch.Totals      `json:"totals"`
	DurationMs  int64             `json:"duration_ms"`
	Note        string            `json:"note,omitempty"`
}

// FailureNotification is published for each target that gave up.
type FailureNotification struct {
	RunID       string            `json:"run_id"`
	RunIdentity batch.RunIdentity `json:"run_identity"`
	TargetKey   string            `json:"target_key"`
	TargetKind  batch.TargetKind  `json:"target_kind"`
	ErrorKind   batch.ErrorKind   `json:"error_kind"`
	Attempts    int               `json:"attempts"`
	Timestamp   string            `json:"timestamp"`
	Error       string            `json:"error,omitempty"`
}

// PublisherSink forwards run lifecycle events and permanent failures to a
// batch.Publisher. Target successes, retries and skips are not published.
type PublisherSink struct {
	publisher    batch.Publisher
	runTopic     string
	failureTopic string
}

// NewPublisherSink builds the sink. An empty failureTopic disables failure
// notifications.
func NewPublisherSink(publisher batch.Publisher, runTopic, failureTopic string) (*PublisherSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if runTopic == "" {
		return nil, errors.New("run topic is required")
	}
	return &PublisherSink{publisher: publisher, runTopic: runTopic, failureTopic: failureTopic}, nil
}

// Consume publishes the relevant events of the batch. All publishes are
// attempted; the errors are joined.
func (s *PublisherSink) Consume(ctx context.Context, events []progress.Event) error {
	var errs []error
	for _, evt := range events {
		topic, payload, ok := s.payloadFor(evt)
		if !ok {
			continue
		}
		if _, err := s.publisher.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Stage, err))
		}
	}
	return errors.Join(errs...)
}

func (s *PublisherSink) payloadFor(evt progress.Event) (string, any, bool) {
	ts := evt.TS.UTC().Format(time.RFC3339)
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		return s.runTopic, RunNotification{
			RunID:       evt.RunUUID().String(),
			RunIdentity: evt.RunIdentity,
			Stage:       evt.Stage,
			Timestamp:   ts,
			Total:       evt.Total,
			Totals:      evt.Totals,
			DurationMs:  evt.Dur.Milliseconds(),
			Note:        evt.Note,
		}, true
	case progress.StageTargetFailed:
		if s.failureTopic == "" {
			return "", nil, false
		}
		return s.failureTopic, FailureNotification{
			RunID:       evt.RunUUID().String(),
			RunIdentity: evt.RunIdentity,
			TargetKey:   evt.TargetKey,
			TargetKind:  evt.TargetKind,
			ErrorKind:   evt.ErrorKind,
			Attempts:    evt.Attempt,
			Timestamp:   ts,
			Error:       evt.Note,
		}, true
	default:
		return "", nil, false
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
