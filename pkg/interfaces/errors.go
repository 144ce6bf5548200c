package interfaces

import "errors"

// ErrSessionNotFound means no definition exists for an acronym. Sources,
// the registry and the API all match it with errors.Is.
var ErrSessionNotFound = errors.New("session not found")
