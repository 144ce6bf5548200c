package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"liveclass/pkg/types"
)

const (
	defaultBufferSize   = 100
	defaultWriteTimeout = 5 * time.Second
)

// Options tunes a connection's outbound queue.
type Options struct {
	BufferSize   int
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	return o
}

// Connection wraps one client socket.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized, so every
// write goes through writeCh to a single writer goroutine
type Connection struct {
	conn      *websocket.Conn
	id        string
	userID    string
	writeCh   chan []byte
	timeout   time.Duration
	hb        types.Heartbeat
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps conn and starts its writer.
func NewConnection(conn *websocket.Conn, userID string, opts Options) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		id:      uuid.NewString(),
		userID:  userID,
		writeCh: make(chan []byte, opts.BufferSize),
		timeout: opts.WriteTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()

	return c
}

// ID is unique per socket, unlike the user id.
func (c *Connection) ID() string { return c.id }

func (c *Connection) UserID() string { return c.userID }

// Heartbeat returns the application-level heartbeat tracker.
func (c *Connection) Heartbeat() *types.Heartbeat { return &c.hb }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v, waiting at most the write timeout for buffer space.
func (c *Connection) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.send(data)
}

// Emit implements the single-recipient half of interfaces.Peer.
func (c *Connection) Emit(evt *types.Event) error {
	return c.WriteJSON(evt)
}

func (c *Connection) send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// trySend queues data without waiting. Fan-out uses it so one slow
// client cannot stall a broadcast.
func (c *Connection) trySend(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	case c.writeCh <- data:
		return nil
	default:
		return ErrWriteTimeout
	}
}

// Close is idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
