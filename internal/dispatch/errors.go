package dispatch

import "errors"

// Dispatch service errors
var (
	ErrAlreadyRunning    = errors.New("dispatch service is already running")
	ErrNotRunning        = errors.New("dispatch service is not running")
	ErrUnexpectedPayload = errors.New("unexpected payload type")
	ErrPanic             = errors.New("panic while processing payload")
)
