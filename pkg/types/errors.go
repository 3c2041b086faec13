package types

import (
	"errors"
	"fmt"
)

// Validation errors returned by the Validate methods
var (
	ErrEmptyChatIDs    = errors.New("chat_ids must contain at least one chat id")
	ErrTextLength      = fmt.Errorf("text must be between 1 and %d characters", MaxTextLength)
	ErrEmptyPushText   = errors.New("message cannot be empty")
	ErrMissingSender   = errors.New("user_id is required")
	ErrMalformedJSON   = errors.New("malformed JSON")
	ErrMissingAction   = errors.New("action is required")
	ErrUnexpectedInput = errors.New("unexpected payload type")
)

// ProtocolError is a terminal decoding or validation failure. Reason is safe
// to send back to the client that produced the payload.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	return e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func newProtocolError(err error, reason string) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: err}
}

// IsProtocolError reports whether err is, or wraps, a ProtocolError
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// UnknownActionError names the offending tag
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return "Unknown action: " + e.Action
}
