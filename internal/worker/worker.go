// Package worker drives targets through fetch, retry and terminal bookkeeping.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
	"github.com/JakeFAU/media-orchestrator/internal/clock/system"
	"github.com/JakeFAU/media-orchestrator/internal/logging"
	"github.com/JakeFAU/media-orchestrator/internal/metrics"
	"github.com/JakeFAU/media-orchestrator/internal/progress"
	"github.com/JakeFAU/media-orchestrator/internal/stats"
	"github.com/JakeFAU/media-orchestrator/internal/telemetry"
)

// ErrInterrupted marks a target that was abandoned because the run was
// canceled before it reached a terminal state.
var ErrInterrupted = errors.New("target interrupted")

// Config identifies the run a worker belongs to.
type Config struct {
	RunID       string
	EventRunID  [16]byte
	RunIdentity batch.RunIdentity
	// AttemptTimeout bounds a single fetch attempt. Zero means no bound.
	AttemptTimeout time.Duration
	// MaxPosts is forwarded to every fetch request.
	MaxPosts int
}

// Deps are the collaborators shared by all workers of a run.
type Deps struct {
	Fetcher batch.Fetcher
	Resume  batch.ResumeStore
	Ledger  batch.FailureLedger
	Policy  batch.RetryPolicy
	Stats   *stats.Aggregator
	Sleeper batch.Sleeper
	Clock   batch.Clock
	Events  progress.Emitter
	Tracer  trace.Tracer
	Logger  *zap.Logger
}

// Worker processes one partition of targets sequentially.
type Worker struct {
	index int
	cfg   Config
	deps  Deps
	log   *zap.Logger
}

// New constructs a Worker. Sleeper and Clock default to the system clock.
func New(index int, cfg Config, deps Deps) (*Worker, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("worker requires a fetcher")
	case deps.Resume == nil:
		return nil, errors.New("worker requires a resume store")
	case deps.Ledger == nil:
		return nil, errors.New("worker requires a failure ledger")
	case deps.Policy == nil:
		return nil, errors.New("worker requires a retry policy")
	case deps.Stats == nil:
		return nil, errors.New("worker requires a stats aggregator")
	}
	if deps.Sleeper == nil || deps.Clock == nil {
		sys := system.New()
		if deps.Sleeper == nil {
			deps.Sleeper = sys
		}
		if deps.Clock == nil {
			deps.Clock = sys
		}
	}
	if deps.Events == nil {
		deps.Events = progress.Nop
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer()
	}
	deps.Logger = logging.OrNop(deps.Logger)
	return &Worker{
		index: index,
		cfg:   cfg,
		deps:  deps,
		log: deps.Logger.Named("worker").With(
			zap.Int("index", index),
			zap.String("run_identity", string(cfg.RunIdentity)),
		),
	}, nil
}

// Run processes targets in order. It stops taking new targets once ctx is
// done and returns nil; only fatal errors are returned.
func (w *Worker) Run(ctx context.Context, targets []batch.Target) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	w.log.Debug("worker started", zap.Int("targets", len(targets)))
	for _, target := range targets {
		if ctx.Err() != nil {
			w.log.Info("worker stopping on cancellation", zap.String("next_target", target.Key))
			return nil
		}
		if _, err := w.Process(ctx, target); err != nil {
			if errors.Is(err, ErrInterrupted) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Process drives a single target to a terminal state. It returns
// ErrInterrupted when ctx ends during a backoff, or a fatal error.
func (w *Worker) Process(ctx context.Context, target batch.Target) (batch.AttemptOutcome, error) {
	ctx, span := w.deps.Tracer.Start(ctx, "worker.process_target", trace.WithAttributes(
		attribute.String("target.key", target.Key),
		attribute.String("target.kind", string(target.Kind)),
		attribute.String("run.identity", string(w.cfg.RunIdentity)),
	))
	defer span.End()

	start := w.deps.Clock.Now()
	log := w.log.With(zap.String("target_key", target.Key))

	for attempt := 1; ; attempt++ {
		result, err := w.attempt(ctx, target, attempt)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			return w.succeed(ctx, target, attempt, result, start)
		}
		if batch.IsFatal(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fatal")
			log.Error("fatal error, aborting run", zap.Int("attempt", attempt), zap.Error(err))
			return batch.AttemptOutcome{Target: target, Attempts: attempt, Err: err}, err
		}

		kind := batch.ClassifyError(err)
		decision := w.deps.Policy.ShouldRetry(attempt, kind)
		if !decision.Retry {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(kind))
			return w.giveUp(ctx, target, attempt, kind, err, start)
		}

		totals := w.deps.Stats.RecordRetry()
		metrics.ObserveBackoff(string(kind), decision.Delay)
		log.Warn("attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("error_kind", string(kind)),
			zap.Duration("delay", decision.Delay),
			zap.Error(err))
		w.emit(progress.Event{
			Stage:      progress.StageTargetRetry,
			TargetKey:  target.Key,
			TargetKind: target.Kind,
			Attempt:    attempt,
			ErrorKind:  kind,
			Delay:      decision.Delay,
			Totals:     totals,
			Note:       err.Error(),
		})

		if err := w.deps.Sleeper.Sleep(ctx, decision.Delay); err != nil || ctx.Err() != nil {
			log.Info("backoff interrupted, target left unfinished", zap.Int("attempt", attempt))
			return batch.AttemptOutcome{Target: target, Attempts: attempt, ErrorKind: kind, Err: err},
				fmt.Errorf("%w: %s", ErrInterrupted, target.Key)
		}
	}
}

// attempt runs one fetch detached from run cancellation so an in-flight
// request completes; AttemptTimeout still bounds it.
func (w *Worker) attempt(ctx context.Context, target batch.Target, attempt int) (batch.FetchResult, error) {
	attemptCtx := context.WithoutCancel(ctx)
	if w.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(attemptCtx, w.cfg.AttemptTimeout)
		defer cancel()
	}
	result, err := w.deps.Fetcher.Fetch(attemptCtx, batch.FetchRequest{
		RunIdentity: w.cfg.RunIdentity,
		Target:      target,
		Attempt:     attempt,
		MaxPosts:    w.cfg.MaxPosts,
	})
	if err != nil {
		return batch.FetchResult{}, fmt.Errorf("fetch %s attempt %d: %w", target.Key, attempt, err)
	}
	return result, nil
}

func (w *Worker) succeed(
	ctx context.Context,
	target batch.Target,
	attempts int,
	result batch.FetchResult,
	start time.Time,
) (batch.AttemptOutcome, error) {
	// The target is done; its completion is recorded even if the run was canceled meanwhile.
	if err := w.deps.Resume.MarkCompleted(context.WithoutCancel(ctx), w.cfg.RunIdentity, target.Key); err != nil {
		fatal := batch.Fatal(fmt.Errorf("mark %s completed: %w", target.Key, err))
		w.log.Error("resume store write failed", zap.String("target_key", target.Key), zap.Error(err))
		return batch.AttemptOutcome{Target: target, Attempts: attempts, Err: fatal}, fatal
	}

	dur := w.deps.Clock.Now().Sub(start)
	totals := w.deps.Stats.RecordSuccess(result.Items)
	w.log.Debug("target completed",
		zap.String("target_key", target.Key),
		zap.Int("attempt", attempts),
		zap.Int("items", result.Items.Total()))
	w.emit(progress.Event{
		Stage:      progress.StageTargetDone,
		TargetKey:  target.Key,
		TargetKind: target.Kind,
		Attempt:    attempts,
		Items:      result.Items,
		Dur:        nonNegative(dur),
		Totals:     totals,
	})
	return batch.AttemptOutcome{
		Target:   target,
		Success:  true,
		Items:    result.Items,
		Attempts: attempts,
		Duration: dur,
	}, nil
}

func (w *Worker) giveUp(
	ctx context.Context,
	target batch.Target,
	attempts int,
	kind batch.ErrorKind,
	cause error,
	start time.Time,
) (batch.AttemptOutcome, error) {
	entry := batch.FailureEntry{
		RunID:     w.cfg.RunID,
		Key:       target.Key,
		Locator:   target.Locator,
		Kind:      target.Kind,
		ErrorKind: kind,
		Message:   cause.Error(),
		Attempts:  attempts,
		Timestamp: w.deps.Clock.Now(),
	}
	if err := w.deps.Ledger.Append(context.WithoutCancel(ctx), entry); err != nil {
		w.log.Warn("failure ledger append failed", zap.String("target_key", target.Key), zap.Error(err))
	}

	dur := w.deps.Clock.Now().Sub(start)
	totals := w.deps.Stats.RecordFailure()
	w.log.Warn("target failed",
		zap.String("target_key", target.Key),
		zap.Int("attempt", attempts),
		zap.String("error_kind", string(kind)),
		zap.Error(cause))
	w.emit(progress.Event{
		Stage:      progress.StageTargetFailed,
		TargetKey:  target.Key,
		TargetKind: target.Kind,
		Attempt:    attempts,
		ErrorKind:  kind,
		Dur:        nonNegative(dur),
		Totals:     totals,
		Note:       cause.Error(),
	})
	return batch.AttemptOutcome{
		Target:    target,
		ErrorKind: kind,
		Err:       cause,
		Attempts:  attempts,
		Duration:  dur,
	}, nil
}

func (w *Worker) emit(evt progress.Event) {
	evt.RunID = w.cfg.EventRunID
	evt.RunIdentity = w.cfg.RunIdentity
	if evt.TS.IsZero() {
		evt.TS = w.deps.Clock.Now()
	}
	w.deps.Events.Emit(evt)
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
