package session

import "time"

// Clock supplies wall-clock time to session predicates. Effective time is
// always derived from it, never from time.Now directly.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the production clock.
var SystemClock Clock = ClockFunc(time.Now)

// FixedClock returns a clock frozen at t, for tests and backfill.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}
