// Package ledger records targets that permanently failed during a run.
//
// The ledger is append-only. Entries are held in memory for the final
// report and, when a journal path is configured, each one is also appended
// to a JSON-lines journal as soon as it is recorded. A later success for the
// same target does not remove an earlier entry.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
	"github.com/JakeFAU/media-orchestrator/internal/logging"
)

// DefaultFileName is the report written at the end of a run with failures.
const DefaultFileName = "failed_downloads.yaml"

// JournalFileName is the per-run JSON-lines journal.
const JournalFileName = ".failures.jsonl"

// Ledger implements batch.FailureLedger.
type Ledger struct {
	mu          sync.Mutex
	entries     []batch.FailureEntry
	journalPath string
	logger      *zap.Logger
}

// Options configures a Ledger.
type Options struct {
	// JournalPath enables the durable journal when non-empty.
	JournalPath string
	Logger      *zap.Logger
}

// New creates an empty ledger.
func New(opts Options) *Ledger {
	return &Ledger{
		journalPath: opts.JournalPath,
		logger:      logging.OrNop(opts.Logger),
	}
}

// Append records entry. The in-memory copy is always kept; an error reports
// that the journal write failed.
func (l *Ledger) Append(_ context.Context, entry batch.FailureEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if l.journalPath == "" {
		return nil
	}
	if err := l.appendJournalLocked(entry); err != nil {
		return fmt.Errorf("append failure journal: %w", err)
	}
	return nil
}

// Entries returns a copy of the recorded entries in append order.
func (l *Ledger) Entries() []batch.FailureEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]batch.FailureEntry(nil), l.entries...)
}

// Len is the number of entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) appendJournalLocked(entry batch.FailureEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(l.journalPath), 0o750); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	f, err := os.OpenFile(l.journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) // #nosec G304 -- configured output path.
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}

// Report is the on-disk shape of the failure report.
type Report struct {
	FailedDownloads []batch.FailureEntry `yaml:"failed_downloads"`
}

// Marshal renders entries in the failure report format.
func Marshal(entries []batch.FailureEntry) ([]byte, error) {
	data, err := yaml.Marshal(Report{FailedDownloads: entries})
	if err != nil {
		return nil, fmt.Errorf("marshal failure report: %w", err)
	}
	return data, nil
}

// FlushToFile writes every entry to path in a single pass. With no entries
// nothing is written, wrote is false, and a report left by an earlier run is
// removed.
func (l *Ledger) FlushToFile(path string) (wrote bool, err error) {
	entries := l.Entries()
	if len(entries) == 0 {
		err := os.Remove(path)
		switch {
		case err == nil:
			l.logger.Info("stale failure report removed", zap.String("path", path))
		case !errors.Is(err, os.ErrNotExist):
			return false, fmt.Errorf("remove stale failure report: %w", err)
		}
		return false, nil
	}
	data, err := Marshal(entries)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return false, fmt.Errorf("create report directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { // #nosec G306 -- report is meant to be shared.
		return false, fmt.Errorf("write failure report: %w", err)
	}
	l.logger.Info("failure report written", zap.String("path", path), zap.Int("failures", len(entries)))
	return true, nil
}

// ReadFile parses a failure report written by FlushToFile.
func ReadFile(path string) ([]batch.FailureEntry, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- caller-supplied report path.
	if err != nil {
		return nil, fmt.Errorf("read failure report: %w", err)
	}
	var rep Report
	if err := yaml.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("parse failure report: %w", err)
	}
	return rep.FailedDownloads, nil
}
