package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol/websocket"
	"github.com/zeusync/worldsync/internal/core/world"
)

// handleSubscribe upgrades the request and runs a session until it closes.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	// Reserve the slot before upgrading so concurrent upgrades cannot
	// overshoot the limit.
	if n := s.sessionCount.Add(1); s.config.MaxSessions > 0 && n > int64(s.config.MaxSessions) {
		s.sessionCount.Add(-1)
		s.metrics.SessionsRejected.Inc()
		s.logger.Warn("Maximum sessions reached, rejecting subscription",
			log.String("remote_addr", r.RemoteAddr))
		http.Error(w, ErrMaxSessionsReached.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.sessionCount.Add(-1)
		// Upgrade has already replied to the client.
		s.logger.Warn("Websocket upgrade failed",
			log.String("remote_addr", r.RemoteAddr),
			log.Error(err))
		return
	}

	conn := websocket.NewConnection(ws, websocket.Config{
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxMessageSize: s.config.MaxMessageSize,
	})
	id := world.ListenerID(uuid.NewString())
	sess := newSession(id, conn, s.world, s.metrics, s.logger, s.config, s.overflow)

	s.sessions.Store(id, sess)
	s.metrics.ActiveSessions.Inc()
	s.metrics.SessionsTotal.Inc()
	defer func() {
		s.sessions.Delete(id)
		s.sessionCount.Add(-1)
		s.metrics.ActiveSessions.Dec()
	}()

	if err = sess.run(s.ctx); err != nil {
		s.logger.Info("Session ended with error",
			log.String("listener_id", string(id)),
			log.Error(err))
	}
}
