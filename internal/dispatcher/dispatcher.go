// Package dispatcher fans a target list out over a bounded worker pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
	"github.com/JakeFAU/media-orchestrator/internal/clock/system"
	uuidgen "github.com/JakeFAU/media-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/media-orchestrator/internal/logging"
	"github.com/JakeFAU/media-orchestrator/internal/progress"
	"github.com/JakeFAU/media-orchestrator/internal/stats"
	"github.com/JakeFAU/media-orchestrator/internal/worker"
)

// Worker pool bounds.
const (
	DefaultConcurrency = 1
	MaxConcurrency     = 8
)

// Options control a single run.
type Options struct {
	// Concurrency is clamped to [1, MaxConcurrency].
	Concurrency int
	// Resume skips targets already recorded as completed for the run identity.
	Resume bool
	// RunID overrides the generated run ID.
	RunID string
}

// Config holds settings shared by every run.
type Config struct {
	AttemptTimeout time.Duration
	// MaxPosts caps user-timeline downloads. Zero means no cap.
	MaxPosts int
}

// Dispatcher runs batches. Each Run gets its own stats aggregator; the
// collaborators in deps are shared across runs.
type Dispatcher struct {
	cfg  Config
	deps worker.Deps
	ids  batch.IDGenerator
	log  *zap.Logger
}

// New builds a Dispatcher. deps.Stats is ignored; ids defaults to UUIDv7.
func New(cfg Config, deps worker.Deps, ids batch.IDGenerator) (*Dispatcher, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("dispatcher requires a fetcher")
	case deps.Resume == nil:
		return nil, errors.New("dispatcher requires a resume store")
	case deps.Ledger == nil:
		return nil, errors.New("dispatcher requires a failure ledger")
	case deps.Policy == nil:
		return nil, errors.New("dispatcher requires a retry policy")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Events == nil {
		deps.Events = progress.Nop
	}
	if ids == nil {
		ids = uuidgen.New()
	}
	deps.Logger = logging.OrNop(deps.Logger)
	return &Dispatcher{
		cfg:  cfg,
		deps: deps,
		ids:  ids,
		log:  deps.Logger.Named("dispatcher"),
	}, nil
}

// ClampConcurrency bounds n to [1, MaxConcurrency]; non-positive values
// select DefaultConcurrency.
func ClampConcurrency(n int) int {
	switch {
	case n <= 0:
		return DefaultConcurrency
	case n > MaxConcurrency:
		return MaxConcurrency
	default:
		return n
	}
}

// Partition splits targets round-robin into n slices: slice i holds
// positions i, i+n, i+2n, ...
func Partition(targets []batch.Target, n int) [][]batch.Target {
	if n < 1 {
		n = 1
	}
	parts := make([][]batch.Target, n)
	for i, t := range targets {
		parts[i%n] = append(parts[i%n], t)
	}
	return parts
}

// Run processes targets for run and returns the aggregate stats. Per-target
// failures never fail the run; the returned error is non-nil only for fatal
// conditions, in which case the stats reflect what finished before the abort.
// Canceling ctx stops workers from taking new targets; the stats then report
// the remainder as unfinished.
func (d *Dispatcher) Run(
	ctx context.Context,
	run batch.RunIdentity,
	targets []batch.Target,
	opts Options,
) (batch.AggregateStats, error) {
	runID, err := d.runID(opts.RunID)
	if err != nil {
		return batch.AggregateStats{}, batch.Fatal(err)
	}
	eventID := eventRunID(runID)
	log := d.log.With(zap.String("run_id", runID), zap.String("run_identity", string(run)))

	agg := stats.New(d.deps.Clock)
	emit := func(evt progress.Event) {
		evt.RunID = eventID
		evt.RunIdentity = run
		evt.TS = d.deps.Clock.Now()
		d.deps.Events.Emit(evt)
	}
	abort := func(cause error) (batch.AggregateStats, error) {
		snap := agg.Finish(true)
		emit(progress.Event{Stage: progress.StageRunError, Total: snap.Total, Dur: snap.Duration(), Totals: totalsOf(snap), Note: cause.Error()})
		log.Error("run aborted", zap.Error(cause))
		return snap, cause
	}

	if err := run.Validate(); err != nil {
		agg.Start(runID, run, len(targets), false)
		return abort(batch.Fatal(fmt.Errorf("run identity: %w", err)))
	}

	completed := batch.NewKeySet()
	if opts.Resume {
		loaded, err := d.deps.Resume.Load(ctx, run)
		if err != nil {
			agg.Start(runID, run, len(targets), false)
			return abort(batch.Fatal(fmt.Errorf("load resume state: %w", err)))
		}
		completed = loaded
	}

	pending, skipped := splitCompleted(targets, completed)
	agg.Start(runID, run, len(targets), opts.Resume && len(completed) > 0)

	concurrency := ClampConcurrency(opts.Concurrency)
	log.Info("run started",
		zap.Int("targets", len(targets)),
		zap.Int("pending", len(pending)),
		zap.Int("skipped", len(skipped)),
		zap.Int("concurrency", concurrency),
		zap.Bool("resume", opts.Resume))
	emit(progress.Event{Stage: progress.StageRunStart, Total: len(targets)})

	for _, t := range skipped {
		totals := agg.RecordSkipped()
		emit(progress.Event{
			Stage:      progress.StageTargetSkipped,
			TargetKey:  t.Key,
			TargetKind: t.Kind,
			Totals:     totals,
		})
	}

	workerDeps := d.deps
	workerDeps.Stats = agg
	workerDeps.Logger = d.deps.Logger.With(zap.String("run_id", runID))
	cfg := worker.Config{
		RunID:          runID,
		EventRunID:     eventID,
		RunIdentity:    run,
		AttemptTimeout: d.cfg.AttemptTimeout,
		MaxPosts:       d.cfg.MaxPosts,
	}

	parts := Partition(pending, concurrency)
	workers := make([]*worker.Worker, len(parts))
	for i := range parts {
		w, err := worker.New(i, cfg, workerDeps)
		if err != nil {
			return abort(batch.Fatal(err))
		}
		workers[i] = w
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		if len(part) == 0 {
			continue
		}
		w := workers[i]
		g.Go(func() error {
			return w.Run(gctx, part)
		})
	}
	runErr := g.Wait()

	// A cancel that lands after the last target finished leaves nothing to resume.
	canceled := ctx.Err() != nil && agg.Totals().Processed() < len(targets)
	snap := agg.Finish(runErr != nil || canceled)
	if runErr != nil {
		emit(progress.Event{Stage: progress.StageRunError, Total: snap.Total, Dur: snap.Duration(), Totals: totalsOf(snap), Note: runErr.Error()})
		log.Error("run aborted", zap.Error(runErr), zap.Int("unfinished", snap.Unfinished))
		return snap, runErr
	}

	emit(progress.Event{Stage: progress.StageRunDone, Total: snap.Total, Dur: snap.Duration(), Totals: totalsOf(snap), Note: noteFor(snap)})
	log.Info("run finished",
		zap.Int("succeeded", snap.Succeeded),
		zap.Int("failed", snap.Failed),
		zap.Int("skipped", snap.Skipped),
		zap.Int("unfinished", snap.Unfinished),
		zap.Bool("interrupted", snap.Interrupted),
		zap.Duration("duration", snap.Duration()))
	return snap, nil
}

func (d *Dispatcher) runID(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	id, err := d.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}

// splitCompleted separates targets that still need work from those already
// completed. Repeated keys in the input count as skipped after the first.
func splitCompleted(targets []batch.Target, completed batch.KeySet) (pending, skipped []batch.Target) {
	seen := batch.NewKeySet()
	for _, t := range targets {
		if completed.Has(t.Key) || seen.Has(t.Key) {
			skipped = append(skipped, t)
			continue
		}
		seen.Add(t.Key)
		pending = append(pending, t)
	}
	return pending, skipped
}

// eventRunID maps a run ID onto the 16-byte event form. Non-UUID IDs are
// hashed into a name-based UUID.
func eventRunID(runID string) [16]byte {
	id, err := uuid.Parse(runID)
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID))
	}
	return progress.UUIDToBytes(id)
}

func totalsOf(s batch.AggregateStats) batch.Totals {
	return batch.Totals{
		Succeeded: s.Succeeded,
		Failed:    s.Failed,
		Skipped:   s.Skipped,
		Retries:   s.Retries,
		Items:     s.Items,
	}
}

func noteFor(s batch.AggregateStats) string {
	if s.Interrupted {
		return "interrupted"
	}
	return ""
}
