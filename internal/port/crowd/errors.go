package crowd

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnidentifiedWorker is returned when request parameters do not resolve to
// a worker identity.
var ErrUnidentifiedWorker = errors.New("worker could not be identified")

// transientError marks a failure the caller may retry (network, timeout,
// 5xx-equivalents).
type transientError struct{ err error }

func (e *transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e *transientError) Unwrap() error { return e.err }

// permanentError marks an explicit rejection by the platform. The caller must
// not retry and must propagate.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e *permanentError) Unwrap() error { return e.err }

// Transient wraps err as a retryable platform failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Permanent wraps err as a non-retryable platform rejection.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient reports whether err is a retryable platform failure. Context
// deadline and cancellation count as transient.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// IsPermanent reports whether err is an explicit platform rejection.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
