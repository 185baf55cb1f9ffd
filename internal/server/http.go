package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
	"github.com/zeusync/worldsync/internal/core/world"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /world", s.handleWorld)
	mux.HandleFunc("POST /world", s.handleWorld)
	mux.HandleFunc("GET /entity/{key}", s.handleGetEntity)
	mux.HandleFunc("PUT /entity/{key}", s.handlePutEntity)
	mux.HandleFunc("POST /entity/{key}", s.handlePutEntity)
	mux.HandleFunc("DELETE /entity/{key}", s.handleDeleteEntity)
	mux.HandleFunc("GET /clear", s.handleClear)
	mux.HandleFunc("POST /clear", s.handleClear)
	mux.HandleFunc("GET /subscribe", s.handleSubscribe)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	if s.config.StaticDir != "" {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.config.StaticDir))))
		mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/static/index.html", http.StatusFound)
		})
	}

	return s.logRequests(mux)
}

func (s *Server) handleWorld(w http.ResponseWriter, r *http.Request) {
	s.writeCacheableJSON(w, r, s.world.Snapshot())
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	s.writeCacheableJSON(w, r, s.world.Get(r.PathValue("key")))
}

// handlePutEntity replaces the whole entity with the request body and echoes
// the stored value.
func (s *Server) handlePutEntity(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	body := io.Reader(r.Body)
	if s.config.MaxMessageSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.MaxMessageSize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	entity, err := protocol.DecodeEntity(data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.world.Set(key, entity)
	s.writeJSON(w, r, http.StatusOK, s.world.Get(key))
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	s.world.Delete(r.PathValue("key"))
	s.writeJSON(w, r, http.StatusOK, world.Entity{})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.world.Clear()
	s.writeJSON(w, r, http.StatusOK, world.Entity{})
}

type healthResponse struct {
	Status    string `json:"status"`
	Entities  int    `json:"entities"`
	Listeners int    `json:"listeners"`
	Sessions  int64  `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.GetStats()
	s.writeJSON(w, r, http.StatusOK, healthResponse{
		Status:    "ok",
		Entities:  stats.Entities,
		Listeners: stats.Listeners,
		Sessions:  stats.Sessions,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	s.respond(w, r, status, v, false)
}

// writeCacheableJSON is for read-only routes: GET responses carry an ETag and
// honour If-None-Match.
func (s *Server) writeCacheableJSON(w http.ResponseWriter, r *http.Request, v any) {
	s.respond(w, r, http.StatusOK, v, true)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, v any, cacheable bool) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response",
			log.String("path", r.URL.Path),
			log.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if cacheable && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		tag := entityTag(body)
		w.Header().Set("ETag", tag)
		if etagMatches(r.Header.Get("If-None-Match"), tag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func entityTag(body []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
}

func etagMatches(header, tag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == "*" || candidate == tag {
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("Handled request",
			log.String("method", r.Method),
			log.String("path", r.URL.Path),
			log.Int("status", rec.status),
			log.Duration("duration", time.Since(start)))
	})
}
