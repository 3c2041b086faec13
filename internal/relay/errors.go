package relay

import "errors"

// Relay errors
var (
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrNoChannels         = errors.New("at least one channel is required")
)
