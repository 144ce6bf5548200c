package session

import (
	"errors"

	"liveclass/pkg/interfaces"
)

// Session registry error types
var (
	ErrSessionNotFound = interfaces.ErrSessionNotFound
	ErrEmptyUserID     = errors.New("user id cannot be empty")
	ErrCorruptState    = errors.New("cached session state could not be decoded")
)
