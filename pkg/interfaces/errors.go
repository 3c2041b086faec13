package interfaces

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Common interface errors used across components
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrAuthentication = errors.New("could not validate credentials")
	ErrTransient      = errors.New("transient infrastructure failure")
)

// IsTransient reports whether err is a connectivity failure worth retrying.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Transient marks err as a retryable connectivity failure
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() []error { return []error{e.err, ErrTransient} }
