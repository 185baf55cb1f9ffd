// Package websocket adapts a gorilla/websocket connection to the small
// read/write/close surface a subscription session needs.
package websocket

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var ErrConnectionClosed = errors.New("connection is closed")

// Config holds per-connection limits. Zero values disable the corresponding
// deadline or limit.
type Config struct {
	// ReadTimeout bounds the silence allowed between frames (including pongs).
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxMessageSize is the largest inbound frame accepted, in bytes.
	MaxMessageSize int64
}

// Connection wraps a websocket. Reads must come from a single goroutine;
// writes and Close may be called from any goroutine.
type Connection struct {
	conn        *websocket.Conn
	config      Config
	connectedAt time.Time
	closed      atomic.Bool

	writeMu sync.Mutex

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
}

func NewConnection(conn *websocket.Conn, config Config) *Connection {
	c := &Connection{
		conn:        conn,
		config:      config,
		connectedAt: time.Now(),
	}
	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(config.MaxMessageSize)
	}
	c.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	return c
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// ReadMessage blocks for the next text or binary frame. A close frame from the
// peer is reported as io.EOF.
func (c *Connection) ReadMessage() ([]byte, error) {
	for {
		if c.IsClosed() {
			return nil, ErrConnectionClosed
		}

		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				return nil, io.EOF
			}
			if c.IsClosed() {
				return nil, ErrConnectionClosed
			}
			return nil, errors.Wrap(err, "failed to read message")
		}

		c.extendReadDeadline()
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		c.messagesReceived.Add(1)
		c.bytesReceived.Add(uint64(len(data)))
		return data, nil
	}
}

// WriteMessage sends data as one text frame.
func (c *Connection) WriteMessage(data []byte) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "failed to write message")
	}

	c.messagesSent.Add(1)
	c.bytesSent.Add(uint64(len(data)))
	return nil
}

// Ping sends a ping control frame; the peer's pong extends the read deadline.
func (c *Connection) Ping() error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	deadline := time.Now().Add(time.Second)
	if c.config.WriteTimeout > 0 {
		deadline = time.Now().Add(c.config.WriteTimeout)
	}
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return errors.Wrap(err, "failed to write ping")
	}
	return nil
}

func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Close closes the connection with a normal-closure frame.
func (c *Connection) Close() error {
	return c.CloseWithReason("connection closed")
}

// CloseWithReason sends a close frame and closes the socket, which also
// unblocks a pending ReadMessage. Only the first call has any effect.
func (c *Connection) CloseWithReason(reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))

	return c.conn.Close()
}

// Stats is a point-in-time copy of the connection counters.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
}

func (c *Connection) Stats() Stats {
	return Stats{
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
	}
}

func (c *Connection) extendReadDeadline() {
	if c.config.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}
