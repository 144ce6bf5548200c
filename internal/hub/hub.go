package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

const defaultInterval = 60 * time.Second

// SessionManager runs one maintenance pass over every live session and
// returns the events it produced.
type SessionManager interface {
	ManageSessions(ctx context.Context) []*types.Event
}

// ConnectionLimiter holds per-connection state that must be released.
type ConnectionLimiter interface {
	Forget(connID string)
	Cleanup()
}

// Hub owns the background work that is not driven by a client message:
// periodic session maintenance and per-connection cleanup.
// ARCHITECTURAL DISCOVERY: a single goroutine serializes the maintenance
// pass with cleanup so a slow pass never overlaps the next tick
type Hub struct {
	manager  SessionManager
	notifier interfaces.GroupNotifier
	limiter  ConnectionLimiter
	interval time.Duration
	logger   zerolog.Logger

	// FUNCTIONAL DISCOVERY: buffered so socket teardown never waits on a
	// maintenance pass
	disconnects chan string
	shutdown    chan struct{}
	done        chan struct{}

	running bool
	mu      sync.RWMutex
}

// Option configures a Hub.
type Option func(*Hub)

// WithLimiter releases limiter state when connections close.
func WithLimiter(l ConnectionLimiter) Option { return func(h *Hub) { h.limiter = l } }

// NewHub creates a hub. interval <= 0 falls back to one minute.
func NewHub(manager SessionManager, notifier interfaces.GroupNotifier, interval time.Duration, logger zerolog.Logger, opts ...Option) *Hub {
	if interval <= 0 {
		interval = defaultInterval
	}
	h := &Hub{
		manager:     manager,
		notifier:    notifier,
		interval:    interval,
		logger:      logger.With().Str("component", "hub").Logger(),
		disconnects: make(chan string, 100),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start launches the hub goroutine.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info().Dur("interval", h.interval).Msg("Starting hub")
	go h.run(h.logger.WithContext(ctx), h.shutdown, h.done)
	return nil
}

// Stop signals the hub and waits for the current pass to finish.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info().Msg("Hub stopped")
	return nil
}

// Disconnected queues cleanup for a closed connection.
func (h *Hub) Disconnected(connID string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}
	select {
	case h.disconnects <- connID:
		return nil
	default:
		return ErrDisconnectChannelFull
	}
}

func (h *Hub) run(ctx context.Context, shutdown, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.RunMaintenance(ctx)
		case id := <-h.disconnects:
			if h.limiter != nil {
				h.limiter.Forget(id)
			}
		case <-shutdown:
			return
		case <-ctx.Done():
			h.logger.Info().Msg("Hub context cancelled")
			return
		}
	}
}

// RunMaintenance performs one maintenance pass and fans its events out to
// each session's group. It returns the number of events produced.
func (h *Hub) RunMaintenance(ctx context.Context) int {
	start := time.Now()
	events := h.manager.ManageSessions(ctx)

	delivered := 0
	for _, evt := range events {
		delivered += h.notifier.Notify(evt.SessionID, evt)
	}
	if h.limiter != nil {
		h.limiter.Cleanup()
	}

	h.logger.Debug().
		Int("events", len(events)).
		Int("delivered", delivered).
		Dur("took", time.Since(start)).
		Msg("Maintenance pass complete")
	return len(events)
}
