package router

import "errors"

// Dispatch errors. Every one of them means the message was dropped.
var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrNoSession         = errors.New("message names no session")
	ErrUnknownEvent      = errors.New("unknown or empty event")
	ErrInvalidSubject    = errors.New("event subject is not a participant id")
	ErrUnexpectedEvent   = errors.New("event is server-originated only")
)
