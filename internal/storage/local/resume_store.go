package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
	"github.com/JakeFAU/media-orchestrator/internal/logging"
)

// ProgressFileName is the resume record kept in each run directory.
const ProgressFileName = ".download_progress.json"

type progressRecord struct {
	RunIdentity   string   `json:"run_identity"`
	LastUpdated   string   `json:"last_updated"`
	CompletedKeys []string `json:"completed_keys"`

	// Older progress files tracked post and reel shortcodes separately.
	Username        string   `json:"username,omitempty"`
	DownloadedPosts []string `json:"downloaded_posts,omitempty"`
	DownloadedReels []string `json:"downloaded_reels,omitempty"`
}

// ResumeStore keeps one JSON progress record per run identity under baseDir.
type ResumeStore struct {
	baseDir string
	clock   batch.Clock
	logger  *zap.Logger

	mu   sync.Mutex
	runs map[batch.RunIdentity]batch.KeySet
}

// NewResumeStore builds a file-backed store rooted at baseDir.
func NewResumeStore(baseDir string, clock batch.Clock, logger *zap.Logger) (*ResumeStore, error) {
	if baseDir == "" {
		return nil, errors.New("base directory is required")
	}
	return &ResumeStore{
		baseDir: baseDir,
		clock:   clock,
		logger:  logging.OrNop(logger),
		runs:    make(map[batch.RunIdentity]batch.KeySet),
	}, nil
}

// Path returns the record location for run.
func (s *ResumeStore) Path(run batch.RunIdentity) string {
	return filepath.Join(s.baseDir, string(run), ProgressFileName)
}

// Load returns the completed keys for run, creating the run directory if needed.
func (s *ResumeStore) Load(_ context.Context, run batch.RunIdentity) (batch.KeySet, error) {
	if err := run.Validate(); err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	if err := ensureWritableDir(filepath.Dir(s.Path(run))); err != nil {
		return nil, fmt.Errorf("prepare progress directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.stateLocked(run)
	out := make(batch.KeySet, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out, nil
}

// MarkCompleted adds key and rewrites the whole record before returning.
func (s *ResumeStore) MarkCompleted(_ context.Context, run batch.RunIdentity, key string) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.stateLocked(run)
	_, existed := set[key]
	set.Add(key)
	if err := s.writeLocked(run, set); err != nil {
		if !existed {
			delete(set, key)
		}
		return err
	}
	return nil
}

func (s *ResumeStore) stateLocked(run batch.RunIdentity) batch.KeySet {
	if set, ok := s.runs[run]; ok {
		return set
	}
	set := s.readRecord(run)
	s.runs[run] = set
	return set
}

// readRecord treats a missing or unreadable record as empty.
func (s *ResumeStore) readRecord(run batch.RunIdentity) batch.KeySet {
	path := s.Path(run)
	data, err := os.ReadFile(path) // #nosec G304 -- path is built from the configured base dir.
	if errors.Is(err, os.ErrNotExist) {
		return batch.NewKeySet()
	}
	if err != nil {
		s.logger.Warn("progress record unreadable, starting fresh",
			zap.String("run_identity", string(run)),
			zap.String("path", path),
			zap.Error(err),
		)
		return batch.NewKeySet()
	}

	var rec progressRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("progress record corrupt, starting fresh",
			zap.String("run_identity", string(run)),
			zap.String("path", path),
			zap.Error(err),
		)
		return batch.NewKeySet()
	}

	set := batch.NewKeySet(rec.CompletedKeys...)
	for _, code := range rec.DownloadedPosts {
		set.Add(string(batch.KindSinglePost) + ":" + code)
	}
	for _, code := range rec.DownloadedReels {
		set.Add(string(batch.KindSinglePost) + ":" + code)
	}
	s.logger.Info("loaded progress record",
		zap.String("run_identity", string(run)),
		zap.Int("completed", len(set)),
		zap.String("last_updated", rec.LastUpdated),
	)
	return set
}

func (s *ResumeStore) writeLocked(run batch.RunIdentity, set batch.KeySet) error {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rec := progressRecord{
		RunIdentity:   string(run),
		LastUpdated:   s.now().Format(time.RFC3339Nano),
		CompletedKeys: keys,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress record: %w", err)
	}
	data = append(data, '\n')
	if err := writeAtomic(s.Path(run), data, 0o644); err != nil {
		return fmt.Errorf("persist progress record: %w", err)
	}
	return nil
}

func (s *ResumeStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
