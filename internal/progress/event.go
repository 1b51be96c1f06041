package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunDone       Stage = "RUN_DONE"
	StageRunError      Stage = "RUN_ERROR"
	StageTargetSkipped Stage = "TARGET_SKIPPED"
	StageTargetRetry   Stage = "TARGET_RETRY"
	StageTargetDone    Stage = "TARGET_DONE"
	StageTargetFailed  Stage = "TARGET_FAILED"
)

// IsTarget reports whether the stage describes a single target.
func (s Stage) IsTarget() bool {
	switch s {
	case StageTargetSkipped, StageTargetRetry, StageTargetDone, StageTargetFailed:
		return true
	default:
		return false
	}
}

// Event captures one milestone of a batch run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which run or target milestone occurred.
	Stage Stage
	// RunIdentity is the resume scope of the run.
	RunIdentity batch.RunIdentity
	// TargetKey and TargetKind describe the target for target stages.
	TargetKey  string
	TargetKind batch.TargetKind
	// Attempt is the 1-based attempt that produced the event.
	Attempt int
	// Items counts what a successful target fetched.
	Items batch.ItemCounts
	// ErrorKind classifies retry and failure events.
	ErrorKind batch.ErrorKind
	// Delay is the backoff scheduled by a retry event.
	Delay time.Duration
	// Dur is the target or run latency.
	Dur time.Duration
	// Totals are the running counters after this event was recorded.
	Totals batch.Totals
	// Total is the number of targets in the run (run stages only).
	Total int
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageTargetSkipped, StageTargetDone:
		if e.TargetKey == "" {
			return fmt.Errorf("%s requires target key", e.Stage)
		}
	case StageTargetRetry, StageTargetFailed:
		if e.TargetKey == "" {
			return fmt.Errorf("%s requires target key", e.Stage)
		}
		if e.ErrorKind == batch.ErrorKindNone {
			return fmt.Errorf("%s requires error kind", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 || e.Delay < 0 {
		return errors.New("durations must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
