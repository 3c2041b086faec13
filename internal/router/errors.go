package router

import "errors"

// Router errors
var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrNilSender   = errors.New("sender cannot be nil")
)
