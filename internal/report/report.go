// Package report renders and stores run summaries.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
	"github.com/JakeFAU/media-orchestrator/internal/ledger"
)

// Object names written under each run prefix.
const (
	SummaryObject  = "summary.json"
	FailuresObject = "failures.yaml"
)

// Summary is the persisted form of a finished run.
type Summary struct {
	batch.AggregateStats
	OutputDir       string  `json:"output_dir,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	TotalFiles      int     `json:"total_files"`
	FailureReport   string  `json:"failure_report,omitempty"`
}

// NewSummary derives the persisted summary from stats.
func NewSummary(stats batch.AggregateStats, outputDir string) Summary {
	return Summary{
		AggregateStats:  stats,
		OutputDir:       outputDir,
		DurationSeconds: stats.Duration().Seconds(),
		TotalFiles:      stats.TotalFiles(),
	}
}

// Writer stores run artifacts in a BlobStore.
type Writer struct {
	store  batch.BlobStore
	prefix string
}

// NewWriter builds a Writer. prefix defaults to "runs".
func NewWriter(store batch.BlobStore, prefix string) (*Writer, error) {
	if store == nil {
		return nil, errors.New("report writer requires a blob store")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "runs"
	}
	return &Writer{store: store, prefix: prefix}, nil
}

// Dir is the object prefix for one run.
func (w *Writer) Dir(stats batch.AggregateStats) string {
	return path.Join(w.prefix, string(stats.RunIdentity), stats.RunID)
}

// Write stores summary.json and, when there are failures, failures.yaml.
// It returns the summary URI.
func (w *Writer) Write(ctx context.Context, summary Summary, failures []batch.FailureEntry) (string, error) {
	dir := w.Dir(summary.AggregateStats)
	if len(failures) > 0 {
		data, err := ledger.Marshal(failures)
		if err != nil {
			return "", err
		}
		uri, err := w.store.PutObject(ctx, path.Join(dir, FailuresObject), "application/yaml", data)
		if err != nil {
			return "", fmt.Errorf("store failure report: %w", err)
		}
		summary.FailureReport = uri
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	uri, err := w.store.PutObject(ctx, path.Join(dir, SummaryObject), "application/json", data)
	if err != nil {
		return "", fmt.Errorf("store summary: %w", err)
	}
	return uri, nil
}

// Print writes a human-readable summary.
func Print(out io.Writer, summary Summary) error {
	s := summary.AggregateStats
	rule := strings.Repeat("=", 60)
	thin := strings.Repeat("-", 60)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\nDownload summary\n%s\n", rule, rule)
	fmt.Fprintf(&b, "Run identity:  %s\n", s.RunIdentity)
	fmt.Fprintf(&b, "Run ID:        %s\n", s.RunID)
	if summary.OutputDir != "" {
		fmt.Fprintf(&b, "Output dir:    %s\n", summary.OutputDir)
	}
	fmt.Fprintln(&b, thin)
	fmt.Fprintf(&b, "Targets:       %d\n", s.Total)
	fmt.Fprintf(&b, "  succeeded:   %d\n", s.Succeeded)
	fmt.Fprintf(&b, "  failed:      %d\n", s.Failed)
	fmt.Fprintf(&b, "  skipped:     %d\n", s.Skipped)
	if s.Unfinished > 0 {
		fmt.Fprintf(&b, "  unfinished:  %d\n", s.Unfinished)
	}
	fmt.Fprintf(&b, "Retries:       %d\n", s.Retries)
	fmt.Fprintln(&b, thin)
	fmt.Fprintf(&b, "Images:        %d\n", s.Items.Images)
	fmt.Fprintf(&b, "Videos:        %d\n", s.Items.Videos)
	if s.Items.Stories > 0 {
		fmt.Fprintf(&b, "Stories:       %d\n", s.Items.Stories)
	}
	if s.Items.Reels > 0 {
		fmt.Fprintf(&b, "Reels:         %d\n", s.Items.Reels)
	}
	fmt.Fprintf(&b, "Total files:   %d\n", s.TotalFiles())
	fmt.Fprintln(&b, thin)
	if s.Resumed {
		fmt.Fprintln(&b, "Mode:          resumed from previous progress")
	}
	if s.Interrupted {
		fmt.Fprintln(&b, "Status:        interrupted")
	}
	fmt.Fprintf(&b, "Duration:      %s\n", FormatDuration(s.Duration()))
	if summary.FailureReport != "" {
		fmt.Fprintf(&b, "Failures:      %s\n", summary.FailureReport)
	}
	fmt.Fprintln(&b, rule)

	if _, err := io.WriteString(out, b.String()); err != nil {
		return fmt.Errorf("print summary: %w", err)
	}
	return nil
}

// FormatDuration renders d as "1h 2m 3s", dropping leading zero units.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	sec := int(d % time.Minute / time.Second)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, sec)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, sec)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}
