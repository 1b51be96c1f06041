// Package app_test contains end-to-end tests for the app package.
package app_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-orchestrator/internal/app"
	"github.com/JakeFAU/media-orchestrator/internal/batch"
	"github.com/JakeFAU/media-orchestrator/internal/config"
	"github.com/JakeFAU/media-orchestrator/internal/ledger"
	"github.com/JakeFAU/media-orchestrator/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/media-orchestrator/internal/publisher/memory"
	"github.com/JakeFAU/media-orchestrator/internal/report"
	"github.com/JakeFAU/media-orchestrator/internal/storage/memory"
	"github.com/JakeFAU/media-orchestrator/internal/targets"
)

func newMediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.jpg":
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("jpeg-bytes:" + r.URL.Path))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.OutputDir = t.TempDir()
	cfg.RunIdentity = "natgeo"
	cfg.Fetch.RateLimitRPS = 0
	cfg.Fetch.Timeout = 5 * time.Second
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Progress.FlushInterval = 10 * time.Millisecond
	return cfg
}

func parseTargets(t *testing.T, srv *httptest.Server, paths ...string) []batch.Target {
	t.Helper()
	raws := make([]string, 0, len(paths))
	for _, p := range paths {
		raws = append(raws, srv.URL+p)
	}
	out, err := targets.ParseAll(raws)
	require.NoError(t, err)
	return out
}

func closeApp(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.ResumeStore.Backend = "etcd"

	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resume_store.backend")
}

func TestNew_UnwritableOutputIsFatal(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	blocker := filepath.Join(cfg.OutputDir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cfg.OutputDir = filepath.Join(blocker, "downloads")

	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	require.True(t, batch.IsFatal(err))
}

func TestRunBatch_WritesLedgerAndReport(t *testing.T) {
	t.Parallel()

	srv := newMediaServer(t)
	cfg := testConfig(t)
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeApp(t, a)

	tgts := parseTargets(t, srv, "/a.jpg", "/b.jpg", "/missing.jpg")
	stats, err := a.RunBatch(context.Background(), tgts, 2, true)
	require.NoError(t, err)

	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.Succeeded)
	require.Equal(t, 1, stats.Failed)
	require.Zero(t, stats.Skipped)
	require.Equal(t, 2, stats.Items.Images)

	ledgerPath := filepath.Join(cfg.OutputDir, ledger.DefaultFileName)
	entries, err := ledger.ReadFile(ledgerPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, batch.ErrorKindNotFound, entries[0].ErrorKind)
	require.Equal(t, 1, entries[0].Attempts)

	summary := a.LastSummary()
	require.Equal(t, ledgerPath, summary.FailureReport)
	require.Equal(t, 2, summary.TotalFiles)

	summaryPath := filepath.Join(cfg.OutputDir, "runs", "natgeo", stats.RunID, report.SummaryObject)
	data, err := os.ReadFile(summaryPath)
	require.NoError(t, err)
	var stored report.Summary
	require.NoError(t, json.Unmarshal(data, &stored))
	require.Equal(t, stats.RunID, stored.RunID)
	require.Equal(t, 2, stored.Succeeded)
	require.FileExists(t, filepath.Join(filepath.Dir(summaryPath), report.FailuresObject))
}

func TestRunBatch_SecondRunResumes(t *testing.T) {
	t.Parallel()

	srv := newMediaServer(t)
	cfg := testConfig(t)
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeApp(t, a)

	tgts := parseTargets(t, srv, "/a.jpg", "/b.jpg", "/c.jpg")
	first, err := a.RunBatch(context.Background(), tgts, 1, true)
	require.NoError(t, err)
	require.Equal(t, 3, first.Succeeded)

	second, err := a.RunBatch(context.Background(), tgts, 4, true)
	require.NoError(t, err)
	require.Equal(t, 3, second.Skipped)
	require.Zero(t, second.Succeeded)
	require.NotEqual(t, first.RunID, second.RunID)
	require.NoFileExists(t, filepath.Join(cfg.OutputDir, ledger.DefaultFileName))

	fresh, err := a.RunBatch(context.Background(), tgts, 4, false)
	require.NoError(t, err)
	require.Zero(t, fresh.Skipped)
	require.Equal(t, 3, fresh.Succeeded)
}

func TestRunBatch_CleanRunClearsOldFailureReport(t *testing.T) {
	t.Parallel()

	var available atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !available.Load() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeApp(t, a)

	tgts := parseTargets(t, srv, "/later.jpg")
	ledgerPath := filepath.Join(cfg.OutputDir, ledger.DefaultFileName)

	first, err := a.RunBatch(context.Background(), tgts, 1, true)
	require.NoError(t, err)
	require.Equal(t, 1, first.Failed)
	require.FileExists(t, ledgerPath)

	available.Store(true)
	second, err := a.RunBatch(context.Background(), tgts, 1, true)
	require.NoError(t, err)
	require.Equal(t, 1, second.Succeeded)
	require.Zero(t, second.Failed)
	require.NoFileExists(t, ledgerPath)
	require.Empty(t, a.LastSummary().FailureReport)
}

func TestRunBatch_SQLiteAndMemoryBackends(t *testing.T) {
	t.Parallel()

	srv := newMediaServer(t)
	cfg := testConfig(t)
	cfg.ResumeStore.Backend = config.ResumeBackendSQLite
	cfg.Storage.Backend = config.StorageBackendMemory
	blobs := memory.NewBlobStore()
	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithBlobStore(blobs))
	require.NoError(t, err)
	defer closeApp(t, a)

	tgts := parseTargets(t, srv, "/a.jpg", "/b.jpg")
	_, err = a.RunBatch(context.Background(), tgts, 2, true)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(cfg.OutputDir, app.SQLiteFileName))

	again, err := a.RunBatch(context.Background(), tgts, 2, true)
	require.NoError(t, err)
	require.Equal(t, 2, again.Skipped)

	var summaries int
	for _, p := range blobs.Paths() {
		if filepath.Base(p) == report.SummaryObject {
			summaries++
		}
	}
	require.Equal(t, 2, summaries)
}

func TestRunBatch_PublishesRunNotifications(t *testing.T) {
	t.Parallel()

	srv := newMediaServer(t)
	cfg := testConfig(t)
	cfg.PubSub.RunTopic = "runs"
	cfg.PubSub.FailureTopic = "failures"
	pub := memorypublisher.New()
	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithPublisher(pub))
	require.NoError(t, err)

	_, err = a.RunBatch(context.Background(), parseTargets(t, srv, "/a.jpg", "/missing.jpg"), 1, true)
	require.NoError(t, err)
	closeApp(t, a)

	topics := map[string]int{}
	for _, msg := range pub.Messages() {
		topics[msg.Topic]++
	}
	require.Equal(t, 2, topics["runs"])
	require.Equal(t, 1, topics["failures"])
}

func TestRunBatch_StatusServer(t *testing.T) {
	t.Parallel()

	srv := newMediaServer(t)
	cfg := testConfig(t)
	cfg.Metrics.Addr = "127.0.0.1:0"
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeApp(t, a)
	require.NotEmpty(t, a.StatusAddr())

	stats, err := a.RunBatch(context.Background(), parseTargets(t, srv, "/a.jpg"), 1, true)
	require.NoError(t, err)

	base := "http://" + a.StatusAddr()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/v1/run")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status sinks.RunStatus
		if json.NewDecoder(resp.Body).Decode(&status) != nil {
			return false
		}
		return status.State == sinks.StateDone && status.Totals.Succeeded == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, stats.Succeeded, a.Status().Totals.Succeeded)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	require.Contains(t, string(body), "orchestrator_runs_started_total")
}

func TestRunBatch_RecordsSpans(t *testing.T) {
	t.Parallel()

	srv := newMediaServer(t)
	cfg := testConfig(t)
	cfg.Tracing.Enabled = true
	recorder := tracetest.NewSpanRecorder()
	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithSpanProcessor(recorder))
	require.NoError(t, err)
	defer closeApp(t, a)

	_, err = a.RunBatch(context.Background(), parseTargets(t, srv, "/a.jpg", "/b.jpg"), 2, true)
	require.NoError(t, err)

	var processed int
	for _, span := range recorder.Ended() {
		if span.Name() != "worker.process_target" {
			continue
		}
		for _, kv := range span.Attributes() {
			if kv.Key == "target.key" && strings.Contains(kv.Value.AsString(), srv.URL) {
				processed++
			}
		}
	}
	require.Equal(t, 2, processed)
}
