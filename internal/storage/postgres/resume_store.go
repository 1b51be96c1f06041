// Package postgres provides the Postgres-backed resume store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
	"github.com/JakeFAU/media-orchestrator/internal/logging"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	Table           string
	RunsTable       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// ResumeStore keeps completed target keys in Postgres.
type ResumeStore struct {
	pool      querier
	table     string
	runsTable string
	clock     batch.Clock
	logger    *zap.Logger

	mu sync.Mutex
}

// NewResumeStore connects to Postgres and ensures the schema exists.
func NewResumeStore(ctx context.Context, cfg Config, clock batch.Clock, logger *zap.Logger) (*ResumeStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("resume_store.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewResumeStoreWithPool(pool, cfg.Table, cfg.RunsTable, clock, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewResumeStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewResumeStoreWithPool(pool querier, table, runsTable string, clock batch.Clock, logger *zap.Logger) (*ResumeStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "completed_targets"
	}
	if runsTable == "" {
		runsTable = "resume_runs"
	}
	for _, name := range []string{table, runsTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &ResumeStore{
		pool:      pool,
		table:     table,
		runsTable: runsTable,
		clock:     clock,
		logger:    logging.OrNop(logger),
	}, nil
}

// EnsureSchema creates the resume tables when missing.
func (s *ResumeStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	run_identity TEXT PRIMARY KEY,
	last_updated TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS %[2]s (
	run_identity TEXT NOT NULL,
	target_key   TEXT NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_identity, target_key)
)`, s.runsTable, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create resume schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ResumeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Load returns the completed keys for run. Query failures are logged and
// treated as no prior progress.
func (s *ResumeStore) Load(ctx context.Context, run batch.RunIdentity) (batch.KeySet, error) {
	query := fmt.Sprintf(`SELECT target_key FROM %s WHERE run_identity = $1`, s.table)
	rows, err := s.pool.Query(ctx, query, string(run))
	if err != nil {
		s.warnUnreadable(run, err)
		return batch.NewKeySet(), nil
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		s.warnUnreadable(run, err)
		return batch.NewKeySet(), nil
	}
	return batch.NewKeySet(keys...), nil
}

// MarkCompleted upserts the run row and the completed key in one statement.
func (s *ResumeStore) MarkCompleted(ctx context.Context, run batch.RunIdentity, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf(`
WITH touched AS (
	INSERT INTO %[1]s (run_identity, last_updated) VALUES ($1, $3)
	ON CONFLICT (run_identity) DO UPDATE SET last_updated = EXCLUDED.last_updated
)
INSERT INTO %[2]s (run_identity, target_key, completed_at) VALUES ($1, $2, $3)
ON CONFLICT (run_identity, target_key) DO NOTHING`, s.runsTable, s.table)

	if _, err := s.pool.Exec(ctx, query, string(run), key, s.now()); err != nil {
		return fmt.Errorf("insert completed target: %w", err)
	}
	return nil
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
