package renderer

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds reported through ErrorClassifier.
const (
	KindTimeout    = "timeout"
	KindResource   = "resource"
	KindStorage    = "storage"
	KindScene      = "scene"
	KindAsset      = "missing_asset"
	KindPolicy     = "policy"
	KindPanic      = "panic"
	KindFrameCount = "frame_count"
	KindConfig     = "configuration"
)

// ErrorClassifier lets an error declare its kind so the retry controller can
// route it without string matching.
type ErrorClassifier interface {
	ErrorKind() string
	Transient() bool
}

// TransientError is a failure worth retrying: timeouts, resource pressure,
// storage hiccups.
type TransientError struct {
	Kind string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error     { return e.Err }
func (e *TransientError) ErrorKind() string { return e.Kind }
func (e *TransientError) Transient() bool   { return true }

// PermanentError will fail the same way on every attempt.
type PermanentError struct {
	Kind string
	Err  error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent %s failure: %v", e.Kind, e.Err)
}

func (e *PermanentError) Unwrap() error     { return e.Err }
func (e *PermanentError) ErrorKind() string { return e.Kind }
func (e *PermanentError) Transient() bool   { return false }

// Transient wraps err as a retryable failure of the given kind.
func Transient(kind string, err error) error {
	return &TransientError{Kind: kind, Err: err}
}

// Permanent wraps err as a non-retryable failure of the given kind.
func Permanent(kind string, err error) error {
	return &PermanentError{Kind: kind, Err: err}
}

// FromContext converts a context error into the matching render failure.
// Deadline overruns are transient; cancellation is passed through.
func FromContext(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Transient(KindTimeout, err)
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	default:
		return err
	}
}
