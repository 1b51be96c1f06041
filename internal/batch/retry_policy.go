package batch

import "time"

// Retry defaults: three attempts in total, waiting attempt*2s between them.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
)

// Decision is the answer of a RetryPolicy for one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the terminal decision.
var GiveUp = Decision{}

// RetryAfter schedules another attempt after d.
func RetryAfter(d time.Duration) Decision {
	return Decision{Retry: true, Delay: d}
}

// LinearRetryPolicy waits attempt*base before each retry of a retryable error.
type LinearRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

// NewLinearRetryPolicy builds a policy. Non-positive values fall back to the defaults.
func NewLinearRetryPolicy(maxAttempts int, baseDelay time.Duration) *LinearRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return &LinearRetryPolicy{maxAttempts: maxAttempts, baseDelay: baseDelay}
}

// ShouldRetry is called after attempt (1-based) failed with kind.
func (p *LinearRetryPolicy) ShouldRetry(attempt int, kind ErrorKind) Decision {
	if !kind.Retryable() {
		return GiveUp
	}
	if attempt < 1 || attempt >= p.maxAttempts {
		return GiveUp
	}
	return RetryAfter(time.Duration(attempt) * p.baseDelay)
}
