// Package client provides a Go subscriber for a worldsync server.
//
// A Client holds one websocket subscription. Notifications are buffered in a
// mailbox and read with Receive, or observed synchronously through
// OnNotification handlers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/zeusync/worldsync/internal/core/mailbox"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
	"github.com/zeusync/worldsync/internal/core/protocol/websocket"
	"github.com/zeusync/worldsync/internal/core/world"
)

// Client represents a worldsync subscription
type Client struct {
	// Connection management, replaced on every Connect
	mu    sync.RWMutex
	conn  *websocket.Connection
	inbox *mailbox.Mailbox
	ended chan struct{} // closed when the receive loop exits

	// Event handlers
	notificationHandlers []NotificationHandler
	eventHandlers        map[EventType][]EventHandler
	handlerMutex         sync.RWMutex

	// Lifecycle
	connected atomic.Bool
	closed    atomic.Bool

	config Config
	logger log.Log

	workerGroup sync.WaitGroup
}

// Config holds configuration for the client
type Config struct {
	// URL of the subscription endpoint, e.g. ws://localhost:8080/subscribe.
	URL            string
	Header         http.Header
	ConnectTimeout time.Duration

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64

	// BufferCapacity bounds the receive buffer; 0 keeps it unbounded. A full
	// buffer drops its oldest notification.
	BufferCapacity int
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		URL:            "ws://localhost:8080/subscribe",
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1024 * 1024, // 1MB
	}
}

// NotificationHandler observes every notification before it is buffered. It
// runs on the receive goroutine and must not block or call Disconnect.
type NotificationHandler func(n world.Notification)

// EventHandler defines a function type for handling client events
type EventHandler func(event Event)

// EventType represents different types of client events
type EventType string

const (
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeError        EventType = "error"
)

// Event represents a client event
type Event struct {
	Type      EventType
	Timestamp time.Time
	Error     error
}

// NewClient creates a client. A nil logger discards output.
func NewClient(config Config, logger log.Log) *Client {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Client{
		eventHandlers: make(map[EventType][]EventHandler),
		config:        config,
		logger:        logger.With(log.String("component", "client")),
	}
}

// Connect dials the server and starts receiving notifications.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.config.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	c.logger.Info("Connecting to server", log.String("url", c.config.URL))

	dialer := gorilla.Dialer{HandshakeTimeout: c.config.ConnectTimeout}
	ws, resp, err := dialer.DialContext(ctx, c.config.URL, c.config.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.logger.Error("Failed to connect to server",
			log.String("url", c.config.URL),
			log.Error(err))
		return fmt.Errorf("dial %s: %w", c.config.URL, err)
	}

	conn := websocket.NewConnection(ws, websocket.Config{
		ReadTimeout:    c.config.ReadTimeout,
		WriteTimeout:   c.config.WriteTimeout,
		MaxMessageSize: c.config.MaxMessageSize,
	})
	inbox := mailbox.New("client", mailbox.Options{
		Capacity: c.config.BufferCapacity,
		Overflow: mailbox.OverflowDropOldest,
	})

	if !c.connected.CompareAndSwap(false, true) {
		_ = conn.CloseWithReason("duplicate connect")
		return ErrAlreadyConnected
	}

	ended := make(chan struct{})
	c.mu.Lock()
	if c.inbox != nil {
		c.inbox.Close()
	}
	c.conn = conn
	c.inbox = inbox
	c.ended = ended
	c.mu.Unlock()

	c.workerGroup.Add(1)
	go func() {
		defer c.workerGroup.Done()
		defer close(ended)
		c.receive(conn, inbox)
	}()

	c.logger.Info("Connected to server", log.String("remote_addr", conn.RemoteAddr().String()))
	c.emitEvent(Event{Type: EventTypeConnected, Timestamp: time.Now()})
	return nil
}

// Disconnect closes the connection. Buffered notifications stay readable
// until the next Connect.
func (c *Client) Disconnect() error {
	if !c.connected.CompareAndSwap(true, false) {
		return ErrNotConnected
	}

	c.logger.Info("Disconnecting from server")

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	_ = conn.CloseWithReason("client disconnect")
	c.workerGroup.Wait()

	c.emitEvent(Event{Type: EventTypeDisconnected, Timestamp: time.Now()})
	return nil
}

// Close disconnects and makes the client unusable.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.inbox != nil {
		c.inbox.Close()
	}
	c.mu.Unlock()

	c.workerGroup.Wait()
	c.logger.Info("Client closed")
	return nil
}

// Create stores payload under a key the server derives from this connection.
// The payload must carry the identifying field.
func (c *Client) Create(payload world.Entity) error {
	if _, ok := payload[protocol.IdentifyingField]; !ok {
		return fmt.Errorf("%w: payload needs field %q", ErrInvalidMessage, protocol.IdentifyingField)
	}
	return c.send(payload)
}

// Update replaces every entity in entities.
func (c *Client) Update(entities map[string]world.Entity) error {
	if len(entities) == 0 {
		return fmt.Errorf("%w: no entities", ErrInvalidMessage)
	}
	if _, ok := entities[protocol.IdentifyingField]; ok {
		// The server would read this as an anonymous create.
		return fmt.Errorf("%w: entity key %q is reserved", ErrInvalidMessage, protocol.IdentifyingField)
	}

	msg := make(map[string]world.Entity, len(entities))
	for key, value := range entities {
		if value == nil {
			value = world.Entity{}
		}
		msg[key] = value
	}
	return c.send(msg)
}

// Replace replaces a single entity.
func (c *Client) Replace(key string, value world.Entity) error {
	return c.Update(map[string]world.Entity{key: value})
}

func (c *Client) send(v any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if err = conn.WriteMessage(data); err != nil {
		if errors.Is(err, websocket.ErrConnectionClosed) {
			return ErrNotConnected
		}
		return err
	}
	return nil
}

// Receive blocks until the next notification arrives. Once the connection is
// gone and the buffer is drained it returns ErrConnectionClosed.
func (c *Client) Receive(ctx context.Context) (world.Notification, error) {
	if c.closed.Load() {
		return world.Notification{}, ErrClientClosed
	}

	c.mu.RLock()
	inbox, ended := c.inbox, c.ended
	c.mu.RUnlock()
	if inbox == nil {
		return world.Notification{}, ErrNotConnected
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ended:
			cancel()
		case <-rctx.Done():
		}
	}()

	n, err := inbox.Receive(rctx)
	switch {
	case err == nil:
		return n, nil
	case ctx.Err() != nil:
		return world.Notification{}, ctx.Err()
	case errors.Is(err, mailbox.ErrClosed):
		return world.Notification{}, ErrClientClosed
	}

	// The connection ended; hand out what is still buffered.
	if n, err = inbox.Receive(rctx); err == nil {
		return n, nil
	}
	return world.Notification{}, ErrConnectionClosed
}

// OnNotification registers a notification handler
func (c *Client) OnNotification(handler NotificationHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.notificationHandlers = append(c.notificationHandlers, handler)
}

// OnEvent registers an event handler
func (c *Client) OnEvent(eventType EventType, handler EventHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// IsClosed returns true if the client is closed
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// Stats returns the counters of the current connection.
func (c *Client) Stats() websocket.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return websocket.Stats{}
	}
	return c.conn.Stats()
}

// receive reads until the connection ends.
func (c *Client) receive(conn *websocket.Connection, inbox *mailbox.Mailbox) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, websocket.ErrConnectionClosed) && !conn.IsClosed() {
				c.logger.Warn("Connection read failed", log.Error(err))
				c.emitEvent(Event{Type: EventTypeError, Timestamp: time.Now(), Error: err})
			}
			_ = conn.Close()
			if c.connected.CompareAndSwap(true, false) {
				c.logger.Info("Disconnected by server")
				c.emitEvent(Event{Type: EventTypeDisconnected, Timestamp: time.Now(), Error: ErrConnectionClosed})
			}
			return
		}

		n, err := protocol.DecodeNotification(data)
		if err != nil {
			c.logger.Warn("Dropping malformed notification", log.Error(err))
			c.emitEvent(Event{Type: EventTypeError, Timestamp: time.Now(), Error: err})
			continue
		}

		c.dispatch(n)
		if n.Clear {
			inbox.Clear()
		} else {
			inbox.Put(n.Key, n.Value)
		}
	}
}

func (c *Client) dispatch(n world.Notification) {
	c.handlerMutex.RLock()
	handlers := c.notificationHandlers
	c.handlerMutex.RUnlock()

	for _, handler := range handlers {
		handler(n)
	}
}

// emitEvent emits an event to registered handlers
func (c *Client) emitEvent(event Event) {
	c.handlerMutex.RLock()
	handlers := c.eventHandlers[event.Type]
	c.handlerMutex.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
