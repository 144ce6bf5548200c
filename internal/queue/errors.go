package queue

import "errors"

// ErrNotConnected is returned when no broker channel is available.
var ErrNotConnected = errors.New("queue connection is not established")
