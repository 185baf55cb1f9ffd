package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zeusync/worldsync/internal/core/events/bus"
	"github.com/zeusync/worldsync/internal/core/mailbox"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/world"
)

// Server exposes the World over HTTP and websocket subscriptions.
type Server struct {
	world      *world.World
	events     bus.EventBus
	registry   *prometheus.Registry
	metrics    *Metrics
	metricsSub bus.Subscription

	httpServer *http.Server
	listener   net.Listener
	handler    http.Handler
	upgrader   gorilla.Upgrader
	overflow   mailbox.Policy

	// Session management
	sessions     sync.Map // map[world.ListenerID]*session
	sessionCount atomic.Int64

	// Server state
	running atomic.Bool
	closed  atomic.Bool

	// ctx bounds every session; cancelled on Close.
	ctx    context.Context
	cancel context.CancelFunc

	config Config
	logger log.Log

	serveDone chan struct{}
	stopOnce  sync.Once
}

// Stats contains server statistics
type Stats struct {
	Sessions  int64
	Entities  int
	Listeners int
	Running   bool
}

// NewServer wires a server around an existing World. registry receives the
// server metrics and is served on /metrics.
func NewServer(config Config, w *world.World, events bus.EventBus, registry *prometheus.Registry, logger log.Log) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	overflow, _ := mailbox.ParsePolicy(config.MailboxOverflow)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		world:    w,
		events:   events,
		registry: registry,
		metrics:  NewMetrics(registry),
		overflow: overflow,
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// No authentication: any origin may subscribe.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:       ctx,
		cancel:    cancel,
		config:    config,
		logger:    logger.With(log.String("component", "server")),
		serveDone: make(chan struct{}),
	}

	if events != nil {
		sub, err := s.metrics.Observe(events, w)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe metrics: %w", err)
		}
		s.metricsSub = sub
	}

	s.handler = s.routes()

	s.logger.Info("Server created",
		log.String("listen_addr", config.ListenAddr),
		log.Int("max_sessions", config.MaxSessions),
		log.Int("mailbox_capacity", config.MailboxCapacity),
		log.String("mailbox_overflow", overflow.String()))

	return s, nil
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	s.logger.Info("Starting server")

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.ListenAddr)
	if err != nil {
		s.running.Store(false)
		s.logger.Error("Failed to create listener", log.Error(err))
		return fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	go func() {
		defer close(s.serveDone)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", log.Error(err))
		}
	}()

	s.logger.Info("Server listening", log.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting requests and closes every open session.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrServerNotRunning
	}

	s.logger.Info("Stopping server")

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	s.cancel()
	s.closeSessions("server shutting down")
	err := s.httpServer.Shutdown(ctx)

	select {
	case <-s.serveDone:
	case <-ctx.Done():
	}

	s.logger.Info("Server stopped")
	return err
}

// Close stops the server if running and releases all resources. The World is
// left intact; it belongs to the caller.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.logger.Info("Closing server")

	var err error
	if s.running.Load() {
		err = s.Stop(context.Background())
	}
	s.cancel()
	s.closeSessions("server closed")
	if s.metricsSub != nil {
		_ = s.metricsSub.Cancel()
	}

	s.logger.Info("Server closed")
	return err
}

// GetStats returns server statistics
func (s *Server) GetStats() Stats {
	return Stats{
		Sessions:  s.sessionCount.Load(),
		Entities:  s.world.Len(),
		Listeners: s.world.ListenerCount(),
		Running:   s.running.Load(),
	}
}

func (s *Server) closeSessions(reason string) {
	s.sessions.Range(func(_, value any) bool {
		if sess, ok := value.(*session); ok {
			sess.close(reason)
		}
		return true
	})
}
