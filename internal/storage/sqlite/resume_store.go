// Package sqlite provides a single-file SQLite resume store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/media-orchestrator/internal/batch"
	"github.com/JakeFAU/media-orchestrator/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS resume_runs (
    run_identity TEXT PRIMARY KEY,
    last_updated TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS completed_targets (
    run_identity TEXT NOT NULL,
    target_key   TEXT NOT NULL,
    completed_at TEXT NOT NULL,
    PRIMARY KEY (run_identity, target_key)
);
`

// ResumeStore keeps completed target keys in a SQLite database.
type ResumeStore struct {
	db     *sql.DB
	clock  batch.Clock
	logger *zap.Logger

	mu sync.Mutex
}

// NewResumeStore opens (or creates) the database at dbPath and applies the schema.
func NewResumeStore(dbPath string, clock batch.Clock, logger *zap.Logger) (*ResumeStore, error) {
	if dbPath == "" {
		return nil, errors.New("resume_store.sqlite_path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &ResumeStore{db: db, clock: clock, logger: logging.OrNop(logger)}, nil
}

// Close closes the database connection.
func (s *ResumeStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Load returns the completed keys for run. Read failures yield an empty set.
func (s *ResumeStore) Load(ctx context.Context, run batch.RunIdentity) (batch.KeySet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_key FROM completed_targets WHERE run_identity = ?`, string(run))
	if err != nil {
		s.warnUnreadable(run, err)
		return batch.NewKeySet(), nil
	}
	defer func() { _ = rows.Close() }()

	set := batch.NewKeySet()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			s.warnUnreadable(run, err)
			return batch.NewKeySet(), nil
		}
		set.Add(key)
	}
	if err := rows.Err(); err != nil {
		s.warnUnreadable(run, err)
		return batch.NewKeySet(), nil
	}

	fields := []zap.Field{zap.String("run_identity", string(run)), zap.Int("completed", len(set))}
	if ts, ok, err := s.LastUpdated(ctx, run); err != nil {
		s.logger.Debug("resume last_updated unavailable", zap.String("run_identity", string(run)), zap.Error(err))
	} else if ok {
		fields = append(fields, zap.Time("last_updated", ts))
	}
	s.logger.Info("loaded progress record", fields...)
	return set, nil
}

// MarkCompleted records key and bumps the run's last_updated in one transaction.
func (s *ResumeStore) MarkCompleted(ctx context.Context, run batch.RunIdentity, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Format(time.RFC3339Nano)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO resume_runs (run_identity, last_updated) VALUES (?, ?)
		 ON CONFLICT (run_identity) DO UPDATE SET last_updated = excluded.last_updated`,
		string(run), now,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert resume run: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO completed_targets (run_identity, target_key, completed_at) VALUES (?, ?, ?)`,
		string(run), key, now,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert completed target: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite tx: %w", err)
	}
	return nil
}

// LastUpdated returns when run last recorded a completion.
func (s *ResumeStore) LastUpdated(ctx context.Context, run batch.RunIdentity) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_updated FROM resume_runs WHERE run_identity = ?`, string(run)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last_updated: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last_updated: %w", err)
	}
	return ts, true, nil
}

func (s *ResumeStore) warnUnreadable(run batch.RunIdentity, err error) {
	s.logger.Warn("resume state unreadable, starting fresh",
		zap.String("run_identity", string(run)),
		zap.Error(err),
	)
}

func (s *ResumeStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
