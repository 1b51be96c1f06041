package batch

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed fetch attempt.
type ErrorKind string

// Error kinds reported by Fetcher implementations.
const (
	ErrorKindNone         ErrorKind = ""
	ErrorKindNotFound     ErrorKind = "not_found"
	ErrorKindAccessDenied ErrorKind = "access_denied"
	ErrorKindTransient    ErrorKind = "transient"
	ErrorKindMalformed    ErrorKind = "malformed"
)

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransient
}

// FetchError is a typed fetch failure.
type FetchError struct {
	Kind ErrorKind
	Err  error
}

// NewFetchError wraps err with kind.
func NewFetchError(kind ErrorKind, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &FetchError{Kind: kind, Err: err}
}

// Error implements error.
func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// ClassifyError maps err to an ErrorKind. Errors without a FetchError in
// their chain are treated as transient.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}
	var fe *FetchError
	if errors.As(err, &fe) && fe.Kind != ErrorKindNone {
		return fe.Kind
	}
	return ErrorKindTransient
}

// ErrFatal marks errors that abort the whole run.
var ErrFatal = errors.New("fatal")

// Fatal wraps err so that IsFatal reports true.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFatal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsFatal reports whether err aborts the run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
