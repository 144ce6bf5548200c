package websocket

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

const (
	defaultReadTimeout  = 60 * time.Second
	defaultPingInterval = 30 * time.Second
	controlWriteTimeout = 10 * time.Second
)

// FUNCTIONAL DISCOVERY: clients are browsers on arbitrary origins; access
// control belongs to the video provider, not this socket
var upgrader = websocket.Upgrader{
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// HandlerConfig tunes connection liveness.
type HandlerConfig struct {
	Options

	// HeartbeatInterval enables application-level HB events when > 0.
	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	c.Options = c.Options.withDefaults()
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	return c
}

// Handler upgrades HTTP requests and feeds each socket's messages to the
// dispatcher.
type Handler struct {
	registry   *Registry
	dispatcher interfaces.MessageDispatcher
	cfg        HandlerConfig
	logger     zerolog.Logger
	onClose    func(connID string)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithDisconnectHook is called with the connection id after a socket closes.
func WithDisconnectHook(fn func(connID string)) HandlerOption {
	return func(h *Handler) { h.onClose = fn }
}

// NewHandler creates a websocket handler.
func NewHandler(registry *Registry, dispatcher interfaces.MessageDispatcher, cfg HandlerConfig, logger zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		logger:     logger.With().Str("component", "websocket").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleWebSocket serves GET /ws?user_id=. The user id is optional and only
// used for logging; sessions are joined through the protocol.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID != "" && !types.IsValidUserID(userID) {
		http.Error(w, "Invalid user_id format", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := NewConnection(ws, userID, h.cfg.Options)
	if err := h.registry.Register(conn); err != nil {
		h.logger.Error().Err(err).Msg("Failed to register connection")
		_ = conn.Close()
		return
	}

	go h.handleConnection(conn)
}

// handleConnection runs the read loop. Messages from one socket are
// dispatched one at a time in arrival order.
func (h *Handler) handleConnection(conn *Connection) {
	log := h.logger.With().Str("conn", conn.ID()).Str("user", conn.UserID()).Logger()
	ctx := log.WithContext(conn.ctx)
	p := newPeer(conn, h.registry)

	log.Info().Msg("Connection opened")
	defer func() {
		groups := h.registry.Unregister(conn)
		_ = conn.Close()
		if h.onClose != nil {
			h.onClose(conn.ID())
		}
		log.Info().Strs("groups", groups).Msg("Connection closed")
	}()

	extend := func() error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	}
	if err := extend(); err != nil {
		log.Warn().Err(err).Msg("Failed to set read deadline")
		return
	}
	conn.conn.SetPongHandler(func(string) error { return extend() })

	go h.keepAlive(conn, log)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		if err := extend(); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		evt, err := types.ParseEvent(data)
		if err != nil {
			log.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed message")
			continue
		}
		log.Debug().Interface("message", evt).Msg("IN")
		if err := h.dispatcher.OnInboundMessage(ctx, p, evt); err != nil {
			log.Debug().Err(err).Msg("Message not applied")
		}
	}
}

// keepAlive sends transport pings and, when enabled, protocol heartbeats.
func (h *Handler) keepAlive(conn *Connection, log zerolog.Logger) {
	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()

	var heartbeat <-chan time.Time
	if h.cfg.HeartbeatInterval > 0 {
		t := time.NewTicker(h.cfg.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		select {
		case <-ping.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteTimeout)); err != nil {
				return
			}
		case now := <-heartbeat:
			ts := now.UnixMilli()
			if outstanding := conn.Heartbeat().Sent(ts); outstanding != 0 {
				log.Warn().Int64("outstanding", outstanding).Msg("Previous heartbeat was not answered")
			}
			evt := types.NewEvent(types.ClassNotify, types.EventHeartbeat, types.ServerSubject, types.NoSession, strconv.FormatInt(ts, 10))
			if err := conn.Emit(evt); errors.Is(err, ErrConnectionClosed) {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
