// Package batch defines the core types and ports shared by the orchestrator subsystems.
package batch

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TargetKind names the unit of work a target represents.
type TargetKind string

// Supported target kinds.
const (
	KindUserTimeline TargetKind = "user-timeline"
	KindSinglePost   TargetKind = "single-post"
	KindStorySet     TargetKind = "story-set"
	KindReelSet      TargetKind = "reel-set"
)

// Valid reports whether k is one of the known target kinds.
func (k TargetKind) Valid() bool {
	switch k {
	case KindUserTimeline, KindSinglePost, KindStorySet, KindReelSet:
		return true
	default:
		return false
	}
}

// ErrInvalidTarget is returned when a target cannot be constructed.
var ErrInvalidTarget = errors.New("invalid target")

// Target describes one independent unit of download work.
type Target struct {
	ID      string     `json:"id"`
	Kind    TargetKind `json:"kind"`
	Key     string     `json:"key"`
	Locator string     `json:"locator"`
}

// NewTarget validates its inputs and derives the canonical key.
func NewTarget(kind TargetKind, id, locator string) (Target, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Target{}, fmt.Errorf("%w: empty id", ErrInvalidTarget)
	}
	if !kind.Valid() {
		return Target{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTarget, kind)
	}
	if locator == "" {
		locator = id
	}
	return Target{
		ID:      id,
		Kind:    kind,
		Key:     string(kind) + ":" + id,
		Locator: locator,
	}, nil
}

// RunIdentity scopes resume state. Targets completed under one identity are
// skipped by later runs that share it.
type RunIdentity string

// Validate ensures the identity is usable as a single storage path segment.
func (r RunIdentity) Validate() error {
	s := string(r)
	switch {
	case strings.TrimSpace(s) == "":
		return errors.New("run identity is empty")
	case s == "." || s == "..":
		return fmt.Errorf("run identity %q is reserved", s)
	case strings.ContainsAny(s, `/\`):
		return fmt.Errorf("run identity %q must not contain path separators", s)
	}
	return nil
}

// KeySet is a set of completed target keys.
type KeySet map[string]struct{}

// NewKeySet builds a set from keys.
func NewKeySet(keys ...string) KeySet {
	set := make(KeySet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s KeySet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Add inserts key.
func (s KeySet) Add(key string) {
	s[key] = struct{}{}
}

// ItemCounts tallies fetched items by category.
type ItemCounts struct {
	Images  int `json:"images" yaml:"images"`
	Videos  int `json:"videos" yaml:"videos"`
	Stories int `json:"stories" yaml:"stories"`
	Reels   int `json:"reels" yaml:"reels"`
}

// Add returns the element-wise sum of c and o.
func (c ItemCounts) Add(o ItemCounts) ItemCounts {
	return ItemCounts{
		Images:  c.Images + o.Images,
		Videos:  c.Videos + o.Videos,
		Stories: c.Stories + o.Stories,
		Reels:   c.Reels + o.Reels,
	}
}

// Total is the number of items across categories.
func (c ItemCounts) Total() int {
	return c.Images + c.Videos + c.Stories + c.Reels
}

// FetchRequest is handed to a Fetcher for a single attempt.
type FetchRequest struct {
	RunIdentity RunIdentity
	Target      Target
	Attempt     int
	// MaxPosts caps how many posts a user-timeline fetch downloads. Zero
	// means no cap.
	MaxPosts int
}

// FetchResult is returned by a successful fetch attempt.
type FetchResult struct {
	Items ItemCounts
	URIs  []string
}

// AttemptOutcome is the terminal result for one target.
type AttemptOutcome struct {
	Target    Target
	Success   bool
	Items     ItemCounts
	ErrorKind ErrorKind
	Err       error
	Attempts  int
	Duration  time.Duration
}

// FailureEntry records a target that exhausted its retries or hit a
// non-retryable error. Entries are never mutated after they are appended.
type FailureEntry struct {
	RunID     string     `json:"run_id" yaml:"run_id,omitempty"`
	Key       string     `json:"key" yaml:"key"`
	Locator   string     `json:"url" yaml:"url"`
	Kind      TargetKind `json:"kind" yaml:"kind"`
	ErrorKind ErrorKind  `json:"error_kind" yaml:"error_kind"`
	Message   string     `json:"error" yaml:"error"`
	Attempts  int        `json:"attempts" yaml:"attempts"`
	Timestamp time.Time  `json:"timestamp" yaml:"timestamp"`
}

// Totals carries running counters while a run is in progress.
type Totals struct {
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Retries   int        `json:"retries"`
	Items     ItemCounts `json:"items"`
}

// Processed is the number of targets that reached a terminal state.
func (t Totals) Processed() int {
	return t.Succeeded + t.Failed + t.Skipped
}

// AggregateStats summarizes a finished run.
type AggregateStats struct {
	RunID       string      `json:"run_id"`
	RunIdentity RunIdentity `json:"run_identity"`
	Total       int         `json:"total"`
	Succeeded   int         `json:"succeeded"`
	Failed      int         `json:"failed"`
	Skipped     int         `json:"skipped"`
	Unfinished  int         `json:"unfinished"`
	Retries     int         `json:"retries"`
	Items       ItemCounts  `json:"items"`
	Resumed     bool        `json:"resumed_from_previous"`
	Interrupted bool        `json:"interrupted"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at"`
}

// Duration is the wall time between start and finish.
func (s AggregateStats) Duration() time.Duration {
	if s.FinishedAt.IsZero() || s.StartedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// TotalFiles is the number of fetched items.
func (s AggregateStats) TotalFiles() int {
	return s.Items.Total()
}

// Processed is the number of targets that reached a terminal state.
func (s AggregateStats) Processed() int {
	return s.Succeeded + s.Failed + s.Skipped
}
