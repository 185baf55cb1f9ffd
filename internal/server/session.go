package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/worldsync/internal/core/mailbox"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
	"github.com/zeusync/worldsync/internal/core/protocol/websocket"
	"github.com/zeusync/worldsync/internal/core/world"
)

// session owns one subscription connection. It runs a reader that applies
// inbound messages to the World and a writer that drains the mailbox onto the
// socket. Transport failure on either side tears the whole session down; a
// malformed inbound message only stops the reader.
type session struct {
	id      world.ListenerID
	conn    *websocket.Connection
	mailbox *mailbox.Mailbox
	world   *world.World
	metrics *Metrics
	logger  log.Log

	pingInterval time.Duration

	// counter names anonymous entities; reset when this listener sees a clear.
	counter atomic.Int64

	cancel    context.CancelFunc
	cancelMu  sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func newSession(id world.ListenerID, conn *websocket.Connection, w *world.World, metrics *Metrics, logger log.Log, config Config, overflow mailbox.Policy) *session {
	s := &session{
		id:           id,
		conn:         conn,
		world:        w,
		metrics:      metrics,
		pingInterval: config.PingInterval,
		logger: logger.With(
			log.String("listener_id", string(id)),
			log.String("remote_addr", conn.RemoteAddr().String())),
	}
	s.mailbox = mailbox.New(id, mailbox.Options{
		Capacity: config.MailboxCapacity,
		Overflow: overflow,
		OnClear:  func() { s.counter.Store(0) },
	})
	return s
}

// run registers the session with the World and blocks until the connection
// is closed by either side or ctx is cancelled.
func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()
	defer s.close("session ended")

	s.world.AddListener(s.mailbox)
	if s.closed.Load() {
		// Closed before registration; close already ran its RemoveListener.
		s.world.RemoveListener(s.id)
		return nil
	}
	s.logger.Info("Client connected")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.readLoop(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return s.writeLoop(gctx)
	})
	g.Go(func() error {
		// Closing the socket is what interrupts a blocked read.
		<-gctx.Done()
		s.close("session ended")
		return nil
	})
	if s.pingInterval > 0 {
		g.Go(func() error {
			return s.keepAlive(gctx)
		})
	}

	return g.Wait()
}

// readLoop applies inbound messages until the peer goes away. After a
// malformed message it keeps reading, so close frames, pongs and dropped
// sockets are still seen, but discards everything it reads.
func (s *session) readLoop(ctx context.Context) error {
	ignoring := false
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.close("peer closed")
				return nil
			}
			if ctx.Err() != nil || errors.Is(err, websocket.ErrConnectionClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.metrics.MessagesReceived.Inc()
		if ignoring {
			continue
		}

		in, err := protocol.ParseInbound(data)
		if err != nil {
			// Updates keep flowing to this listener; its input is ignored
			// from here on.
			s.metrics.MalformedMessages.Inc()
			s.logger.Warn("Malformed message, ignoring further input",
				log.Int("bytes", len(data)),
				log.Error(err))
			ignoring = true
			continue
		}
		s.apply(in)
	}
}

func (s *session) apply(in protocol.Inbound) {
	switch msg := in.(type) {
	case protocol.AnonymousCreate:
		// The key is taken under the World lock so a concurrent clear cannot
		// reset the counter between naming and storing.
		s.world.Insert(func() string {
			return protocol.AnonymousKey(s.id, s.counter.Add(1)-1)
		}, msg.Payload)
	case protocol.BulkUpdate:
		for _, key := range msg.Keys() {
			s.world.Set(key, msg.Entities[key])
		}
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	for {
		n, err := s.mailbox.Receive(ctx)
		if err != nil {
			if errors.Is(err, mailbox.ErrOverflow) {
				s.logger.Warn("Mailbox overflow, disconnecting slow client")
				s.close("mailbox overflow")
				return err
			}
			return nil
		}

		data, err := protocol.EncodeNotification(n)
		if err != nil {
			s.logger.Error("Failed to encode notification",
				log.String("key", n.Key),
				log.Error(err))
			continue
		}

		if err = s.conn.WriteMessage(data); err != nil {
			if ctx.Err() != nil || errors.Is(err, websocket.ErrConnectionClosed) {
				return nil
			}
			return fmt.Errorf("write: %w", err)
		}
		s.metrics.MessagesSent.Inc()
	}
}

func (s *session) keepAlive(ctx context.Context) error {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.conn.Ping(); err != nil {
				if ctx.Err() != nil || errors.Is(err, websocket.ErrConnectionClosed) {
					return nil
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// close tears the session down exactly once: deregister, stop both loops,
// release the mailbox and close the socket.
func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.world.RemoveListener(s.id)

		s.cancelMu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.cancelMu.Unlock()

		s.mailbox.Close()
		_ = s.conn.CloseWithReason(reason)

		if dropped := s.mailbox.Dropped(); dropped > 0 {
			s.metrics.NotificationsDropped.Add(float64(dropped))
		}

		stats := s.conn.Stats()
		s.logger.Info("Client disconnected",
			log.String("reason", reason),
			log.Duration("duration", time.Since(s.conn.ConnectedAt())),
			log.Uint64("messages_received", stats.MessagesReceived),
			log.Uint64("messages_sent", stats.MessagesSent))
	})
}
