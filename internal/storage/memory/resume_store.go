package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
)

// ResumeStore keeps completed keys in memory. State survives only as long as
// the process.
type ResumeStore struct {
	mu    sync.Mutex
	runs  map[batch.RunIdentity]batch.KeySet
	marks int

	// FailOn makes MarkCompleted fail for the given key; used in tests.
	FailOn map[string]error
}

// NewResumeStore creates an empty store.
func NewResumeStore() *ResumeStore {
	return &ResumeStore{runs: make(map[batch.RunIdentity]batch.KeySet)}
}

// Load returns a copy of the completed keys for run.
func (s *ResumeStore) Load(_ context.Context, run batch.RunIdentity) (batch.KeySet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(batch.KeySet, len(s.runs[run]))
	for k := range s.runs[run] {
		out[k] = struct{}{}
	}
	return out, nil
}

// MarkCompleted records key for run.
func (s *ResumeStore) MarkCompleted(_ context.Context, run batch.RunIdentity, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.FailOn[key]; ok {
		return err
	}
	set, ok := s.runs[run]
	if !ok {
		set = batch.NewKeySet()
		s.runs[run] = set
	}
	set.Add(key)
	s.marks++
	return nil
}

// Marks is the number of successful MarkCompleted calls.
func (s *ResumeStore) Marks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks
}
