// Package mailbox implements the per-listener FIFO queue that decouples the
// World's synchronous fan-out from a connection's outbound writer.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zeusync/worldsync/internal/core/world"
	"github.com/zeusync/worldsync/pkg/sequence"
)

var (
	ErrClosed   = errors.New("mailbox is closed")
	ErrOverflow = errors.New("mailbox capacity exceeded")
)

// Policy decides what a bounded mailbox does when it is full.
type Policy uint8

const (
	// OverflowDropOldest discards the oldest pending message.
	OverflowDropOldest Policy = iota
	// OverflowDisconnect closes the mailbox with ErrOverflow.
	OverflowDisconnect
)

func (p Policy) String() string {
	switch p {
	case OverflowDropOldest:
		return "drop-oldest"
	case OverflowDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("policy(%d)", p)
	}
}

// ParsePolicy accepts "drop-oldest" and "disconnect".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest":
		return OverflowDropOldest, nil
	case "disconnect":
		return OverflowDisconnect, nil
	default:
		return OverflowDropOldest, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Options configures a Mailbox. Capacity 0 means unbounded.
type Options struct {
	Capacity int
	Overflow Policy
	// OnClear runs synchronously inside Clear, before the signal is queued.
	OnClear func()
}

var _ world.Listener = (*Mailbox)(nil)

// Mailbox is a FIFO of notifications for one listener. Put and Clear never
// block; Receive is the only suspension point.
type Mailbox struct {
	id   world.ListenerID
	opts Options

	mu     sync.Mutex
	queue  *sequence.Queue[world.Notification]
	closed bool
	err    error

	ready chan struct{}
	done  chan struct{}

	dropped atomic.Uint64
}

func New(id world.ListenerID, opts Options) *Mailbox {
	return &Mailbox{
		id:    id,
		opts:  opts,
		queue: sequence.NewQueue[world.Notification](0),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (m *Mailbox) ID() world.ListenerID {
	return m.id
}

// Put enqueues an update message.
func (m *Mailbox) Put(key string, value world.Entity) {
	m.enqueue(world.UpdateNotification(key, value))
}

// Clear enqueues a clear signal in order with the updates around it.
func (m *Mailbox) Clear() {
	if m.opts.OnClear != nil {
		m.opts.OnClear()
	}
	m.enqueue(world.ClearNotification())
}

func (m *Mailbox) enqueue(n world.Notification) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.opts.Capacity > 0 && m.queue.Len() >= m.opts.Capacity {
		switch m.opts.Overflow {
		case OverflowDisconnect:
			m.closeLocked(ErrOverflow)
			m.mu.Unlock()
			return
		default:
			m.queue.Dequeue()
			m.dropped.Add(1)
		}
	}
	m.queue.Enqueue(n)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Receive blocks until a message is available, ctx is done or the mailbox is
// closed. Messages come out in enqueue order.
func (m *Mailbox) Receive(ctx context.Context) (world.Notification, error) {
	for {
		m.mu.Lock()
		if m.closed {
			err := m.err
			m.mu.Unlock()
			return world.Notification{}, err
		}
		if n, ok := m.queue.Dequeue(); ok {
			m.mu.Unlock()
			return n, nil
		}
		m.mu.Unlock()

		select {
		case <-m.ready:
		case <-m.done:
		case <-ctx.Done():
			return world.Notification{}, ctx.Err()
		}
	}
}

// Close releases pending messages and wakes any blocked Receive. Safe to call
// more than once.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(ErrClosed)
}

// Err reports why the mailbox was closed, or nil while open.
func (m *Mailbox) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed when the mailbox closes.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// Len returns the number of pending messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// Dropped returns how many messages the drop-oldest policy discarded.
func (m *Mailbox) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *Mailbox) closeLocked(err error) {
	if m.closed {
		return
	}
	m.closed = true
	m.err = err
	m.queue.Reset()
	close(m.done)
}
