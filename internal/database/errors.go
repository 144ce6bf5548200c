package database

import "errors"

// Database manager error types
var (
	ErrClosed            = errors.New("database manager is closed")
	ErrWriteTimeout      = errors.New("write operation timeout")
	ErrMissingSID        = errors.New("recording record requires a sid")
	ErrRecordingNotFound = errors.New("recording record not found")
)
