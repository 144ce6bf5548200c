package recording

import "errors"

// Recording error types
var (
	ErrProviderDisabled = errors.New("recording provider is disabled")
	ErrAlreadyStopped   = errors.New("recording already stopped")
	ErrProviderResponse = errors.New("unexpected recording provider response")
	ErrMissingSecret    = errors.New("token secret is not configured")
	ErrUnknownSession   = errors.New("recording callback names no session")
)

// ErrInvalidTarget rejects a recording command that names no reachable state.
var ErrInvalidTarget = errors.New("invalid recording state target")
