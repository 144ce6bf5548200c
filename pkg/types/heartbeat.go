package types

import "sync"

// Heartbeat tracks the one outstanding application-level heartbeat of a
// connection. Timestamps are unix milliseconds; zero means none pending.
type Heartbeat struct {
	mu      sync.Mutex
	pending int64
}

// Sent records a newly sent heartbeat and returns the one still unanswered,
// if any.
func (h *Heartbeat) Sent(ts int64) (outstanding int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	outstanding = h.pending
	h.pending = ts
	return outstanding
}

// Reply clears the pending marker. ok is false when the reply does not
// carry the pending timestamp.
func (h *Heartbeat) Reply(ts int64) (expected int64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	expected = h.pending
	h.pending = 0
	return expected, expected != 0 && expected == ts
}

// Pending returns the unanswered heartbeat timestamp.
func (h *Heartbeat) Pending() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending
}
