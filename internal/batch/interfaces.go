package batch

import (
	"context"
	"time"
)

// Fetcher performs a single fetch attempt for a target.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// ResumeStore persists the set of completed target keys per run identity.
type ResumeStore interface {
	// Load returns the completed keys for run. Missing or unreadable state
	// yields an empty set. An error means the storage location is unusable.
	Load(ctx context.Context, run RunIdentity) (KeySet, error)
	// MarkCompleted records key and persists the full record before returning.
	MarkCompleted(ctx context.Context, run RunIdentity, key string) error
}

// FailureLedger is an append-only record of permanently failed targets.
type FailureLedger interface {
	Append(ctx context.Context, entry FailureEntry) error
	Entries() []FailureEntry
}

// RetryPolicy decides whether a failed attempt is retried.
type RetryPolicy interface {
	ShouldRetry(attempt int, kind ErrorKind) Decision
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used to name stored artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper waits between retry attempts. Implementations return early with
// the context error when ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
