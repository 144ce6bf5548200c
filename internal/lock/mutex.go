// Package lock provides the context-aware mutex used for session state and
// the session registry.
package lock

import (
	"context"
	"sync"
)

// Mutex is a one-owner-at-a-time lock whose Acquire can be abandoned through
// a context. The zero value is an unlocked mutex.
// ARCHITECTURAL DISCOVERY: a buffered channel of size one doubles as the lock
// token; blocked senders are woken in arrival order so no waiter starves.
type Mutex struct {
	once  sync.Once
	token chan struct{}
}

func (m *Mutex) init() {
	m.once.Do(func() {
		m.token = make(chan struct{}, 1)
	})
}

// Acquire blocks until the caller owns the mutex or ctx is done.
func (m *Mutex) Acquire(ctx context.Context) error {
	m.init()

	// Fast path keeps an already cancelled context from racing a free lock.
	select {
	case m.token <- struct{}{}:
		return nil
	default:
	}

	select {
	case m.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the mutex only if it is free.
func (m *Mutex) TryAcquire() bool {
	m.init()
	select {
	case m.token <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release hands ownership to the next waiter.
func (m *Mutex) Release() {
	m.init()
	select {
	case <-m.token:
	default:
		panic(ErrNotLocked)
	}
}

// Locked reports whether some caller currently owns the mutex.
func (m *Mutex) Locked() bool {
	m.init()
	return len(m.token) == 1
}

// With runs fn while holding the mutex and releases it on every exit path,
// panics included.
func (m *Mutex) With(ctx context.Context, fn func() error) error {
	if err := m.Acquire(ctx); err != nil {
		return err
	}
	defer m.Release()
	return fn()
}
