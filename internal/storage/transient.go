package storage

import (
	"errors"
	"net"
)

// TransientError marks a storage failure that is safe to retry at the batch
// level: timeouts, dropped connections, serialization conflicts, deadlocks.
// Constraint violations and SQL errors are never transient.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "storage: transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient wraps err as retryable. Nil passes through.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (anywhere in its chain) is retryable.
// Connection-level net errors count even when a backend forgot to mark them.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
