package lock

import "errors"

// ErrNotLocked is the panic value when releasing a mutex nobody holds.
var ErrNotLocked = errors.New("lock: release of unlocked mutex")
