// Package app builds the long-lived services of the orchestrator from
// configuration and runs batches through them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-orchestrator/internal/api"
	"github.com/JakeFAU/media-orchestrator/internal/batch"
	"github.com/JakeFAU/media-orchestrator/internal/clock/system"
	"github.com/JakeFAU/media-orchestrator/internal/config"
	"github.com/JakeFAU/media-orchestrator/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/media-orchestrator/internal/fetcher/colly"
	"github.com/JakeFAU/media-orchestrator/internal/hash/sha256"
	uuidgen "github.com/JakeFAU/media-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/media-orchestrator/internal/ledger"
	"github.com/JakeFAU/media-orchestrator/internal/logging"
	"github.com/JakeFAU/media-orchestrator/internal/metrics"
	"github.com/JakeFAU/media-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/media-orchestrator/internal/progress"
	"github.com/JakeFAU/media-orchestrator/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/media-orchestrator/internal/publisher/pubsub"
	"github.com/JakeFAU/media-orchestrator/internal/report"
	"github.com/JakeFAU/media-orchestrator/internal/storage/gcs"
	"github.com/JakeFAU/media-orchestrator/internal/storage/local"
	"github.com/JakeFAU/media-orchestrator/internal/storage/memory"
	"github.com/JakeFAU/media-orchestrator/internal/storage/postgres"
	"github.com/JakeFAU/media-orchestrator/internal/storage/sqlite"
	"github.com/JakeFAU/media-orchestrator/internal/telemetry"
	"github.com/JakeFAU/media-orchestrator/internal/worker"
)

// Version is reported as the tracing service version.
var Version = "dev"

// SQLiteFileName is the default resume database inside the output directory.
const SQLiteFileName = "resume.db"

// Option customizes App construction.
type Option func(*options)

type options struct {
	publisher      batch.Publisher
	blobs          batch.BlobStore
	spanProcessors []trace.SpanProcessor
}

// WithPublisher replaces the Pub/Sub publisher built from configuration.
func WithPublisher(p batch.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithBlobStore replaces the blob store built from configuration.
func WithBlobStore(s batch.BlobStore) Option {
	return func(o *options) { o.blobs = s }
}

// WithSpanProcessor attaches a span processor when tracing is enabled.
func WithSpanProcessor(p trace.SpanProcessor) Option {
	return func(o *options) { o.spanProcessors = append(o.spanProcessors, p) }
}

// App holds the shared services for batch runs. Runs are serialized.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	clock    *system.Clock
	ids      batch.IDGenerator
	policy   batch.RetryPolicy
	resume   batch.ResumeStore
	blobs    batch.BlobStore
	fetcher  *collyfetcher.Fetcher
	reports  *report.Writer
	hub      *progress.Hub
	status   *sinks.StatusSink
	registry *prometheus.Registry
	tracer   *trace.TracerProvider

	server     *api.Server
	serverAddr string
	stopServer context.CancelFunc
	serverDone chan error

	closers []func() error

	mu   sync.Mutex
	last report.Summary
}

// New wires every service named by cfg. The output directory is created up
// front; failing to create it is fatal.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger = logging.OrNop(logger)
	if err := os.MkdirAll(cfg.OutputDir, 0o750); err != nil {
		return nil, batch.Fatal(fmt.Errorf("create output directory: %w", err))
	}

	clock := system.New()
	a = &App{
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
		ids:      uuidgen.New(),
		policy:   batch.NewLinearRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay),
		status:   sinks.NewStatusSink(),
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			if a.hub != nil {
				_ = a.hub.Close(context.WithoutCancel(ctx))
			}
			_ = a.closeAll()
		}
	}()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: Version,
			SampleRatio:    cfg.Tracing.SampleRatio,
		}, o.spanProcessors...)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.tracer = tp
		a.closers = append(a.closers, func() error {
			return tp.Shutdown(context.Background())
		})
	}

	if a.resume, err = a.openResumeStore(ctx); err != nil {
		return nil, err
	}
	if o.blobs != nil {
		a.blobs = o.blobs
	} else if a.blobs, err = a.openBlobStore(ctx); err != nil {
		return nil, err
	}
	if a.reports, err = report.NewWriter(a.blobs, cfg.Storage.ReportPrefix); err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Fetch.RateLimitRPS,
		DefaultBurst: cfg.Fetch.RateLimitBurst,
	})
	a.fetcher, err = collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.Fetch.Timeout,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	}, a.blobs, sha256.New(), limiter, logger)
	if err != nil {
		return nil, fmt.Errorf("init fetcher: %w", err)
	}

	hubSinks, err := a.buildSinks(ctx, o.publisher)
	if err != nil {
		return nil, err
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.BatchSize,
		MaxBatchWait:   cfg.Progress.FlushInterval,
		Logger:         logger.Named("progress"),
	}, hubSinks...)

	if cfg.Metrics.Addr != "" {
		if err := a.startServer(ctx); err != nil {
			return nil, err
		}
	}

	logger.Info("application services initialized",
		zap.String("output_dir", cfg.OutputDir),
		zap.String("resume_backend", cfg.ResumeStore.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("pubsub", cfg.PubSub.Enabled || o.publisher != nil),
		zap.Bool("tracing", cfg.Tracing.Enabled),
	)
	return a, nil
}

func (a *App) openResumeStore(ctx context.Context) (batch.ResumeStore, error) {
	cfg := a.cfg.ResumeStore
	switch cfg.Backend {
	case config.ResumeBackendFile:
		store, err := local.NewResumeStore(a.cfg.OutputDir, a.clock, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init file resume store: %w", err)
		}
		return store, nil
	case config.ResumeBackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(a.cfg.OutputDir, SQLiteFileName)
		}
		store, err := sqlite.NewResumeStore(path, a.clock, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init sqlite resume store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.ResumeBackendPostgres:
		store, err := postgres.NewResumeStore(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			RunsTable:       cfg.Postgres.RunsTable,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		}, a.clock, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init postgres resume store: %w", err)
		}
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		return store, nil
	case config.ResumeBackendMemory:
		return memory.NewResumeStore(), nil
	default:
		return nil, fmt.Errorf("unknown resume store backend: %s", cfg.Backend)
	}
}

func (a *App) openBlobStore(ctx context.Context) (batch.BlobStore, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case config.StorageBackendLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.OutputDir})
		if err != nil {
			return nil, batch.Fatal(fmt.Errorf("init local storage: %w", err))
		}
		return store, nil
	case config.StorageBackendGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.StorageBackendMemory:
		return memory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func (a *App) buildSinks(ctx context.Context, pub batch.Publisher) ([]progress.Sink, error) {
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	out := []progress.Sink{sinks.NewLogSink(a.logger.Named("progress")), promSink, a.status}

	ps := a.cfg.PubSub
	if pub == nil && ps.Enabled {
		client, err := pubsubpublisher.New(ctx, ps.ProjectID, ps.RunTopic)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		pub = client
	}
	if pub != nil {
		pubSink, err := sinks.NewPublisherSink(pub, ps.RunTopic, ps.FailureTopic)
		if err != nil {
			return nil, fmt.Errorf("init publisher sink: %w", err)
		}
		out = append(out, pubSink)
	}
	return out, nil
}

func (a *App) startServer(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Metrics.Addr, err)
	}
	a.server = api.NewServer(a.status, metrics.Handler(a.registry), a.logger.Named("api"))
	a.serverAddr = ln.Addr().String()

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopServer = cancel
	a.serverDone = make(chan error, 1)
	go func() {
		a.serverDone <- a.server.Serve(serveCtx, ln)
	}()
	a.server.SetReady(true)
	a.logger.Info("status server started", zap.String("addr", a.serverAddr))
	return nil
}

// StatusAddr is the bound address of the status server, or "" when it is
// disabled.
func (a *App) StatusAddr() string {
	return a.serverAddr
}

// Status returns the latest run status seen by the progress hub.
func (a *App) Status() sinks.RunStatus {
	return a.status.Status()
}

// LastSummary returns the summary of the most recent RunBatch.
func (a *App) LastSummary() report.Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// RunBatch processes targets under the configured run identity. With resume
// false the completion record is not read but still updated. Failures are
// flushed to the ledger file and a run report is stored in the blob store.
func (a *App) RunBatch(
	ctx context.Context,
	targets []batch.Target,
	concurrency int,
	resume bool,
) (batch.AggregateStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	run := batch.RunIdentity(a.cfg.RunIdentity)
	journal := ""
	if a.cfg.Ledger.Journal {
		journal = filepath.Join(a.cfg.OutputDir, string(run), ledger.JournalFileName)
	}
	failures := ledger.New(ledger.Options{JournalPath: journal, Logger: a.logger.Named("ledger")})

	tracer := telemetry.Tracer()
	if a.tracer != nil {
		tracer = a.tracer.Tracer(telemetry.TracerName)
	}
	disp, err := dispatcher.New(dispatcher.Config{
		AttemptTimeout: a.cfg.Fetch.AttemptTimeout,
		MaxPosts:       a.cfg.Fetch.MaxPosts,
	}, worker.Deps{
		Fetcher: a.fetcher,
		Resume:  a.resume,
		Ledger:  failures,
		Policy:  a.policy,
		Sleeper: a.clock,
		Clock:   a.clock,
		Events:  a.hub,
		Tracer:  tracer,
		Logger:  a.logger,
	}, a.ids)
	if err != nil {
		return batch.AggregateStats{}, fmt.Errorf("init dispatcher: %w", err)
	}

	stats, runErr := disp.Run(ctx, run, targets, dispatcher.Options{
		Concurrency: concurrency,
		Resume:      resume,
	})
	if stats.RunID == "" {
		return stats, runErr
	}

	summary := report.NewSummary(stats, a.cfg.OutputDir)
	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}

	ledgerPath := filepath.Join(a.cfg.OutputDir, a.cfg.Ledger.FileName)
	wrote, err := failures.FlushToFile(ledgerPath)
	switch {
	case err != nil:
		a.logger.Error("failure report not written", zap.String("path", ledgerPath), zap.Error(err))
		errs = append(errs, fmt.Errorf("flush failure ledger: %w", err))
	case wrote:
		summary.FailureReport = ledgerPath
	}

	uri, err := a.reports.Write(context.WithoutCancel(ctx), summary, failures.Entries())
	if err != nil {
		a.logger.Error("run report not stored", zap.String("run_id", stats.RunID), zap.Error(err))
		errs = append(errs, fmt.Errorf("write run report: %w", err))
	} else {
		a.logger.Info("run report stored",
			zap.String("run_id", stats.RunID),
			zap.String("uri", uri),
			zap.Int("failures", failures.Len()))
	}

	a.last = summary
	if len(errs) == 0 {
		return stats, nil
	}
	if runErr != nil && len(errs) == 1 {
		return stats, runErr
	}
	return stats, errors.Join(errs...)
}

// Close drains the progress hub and releases every service.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
		if dropped := a.hub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("dropped", dropped))
		}
	}
	if a.stopServer != nil {
		a.stopServer()
		if err := <-a.serverDone; err != nil {
			errs = append(errs, fmt.Errorf("status server: %w", err))
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
