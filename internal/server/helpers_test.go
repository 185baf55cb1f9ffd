package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldsync/internal/core/events/bus"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/world"
)

type testEnv struct {
	server *Server
	world  *world.World
	http   *httptest.Server
	wsURL  string
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	config := DefaultServerConfig()
	config.ReadTimeout = 5 * time.Second
	config.PingInterval = time.Second
	for _, m := range mutate {
		m(&config)
	}

	events := bus.New()
	w := world.New(log.NewNop(), events)
	srv, err := NewServer(config, w, events, prometheus.NewRegistry(), log.NewNop())
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		hs.Close()
	})

	return &testEnv{
		server: srv,
		world:  w,
		http:   hs,
		wsURL:  "ws" + strings.TrimPrefix(hs.URL, "http") + "/subscribe",
	}
}

func (e *testEnv) dial(t *testing.T) *gorilla.Conn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(e.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitListeners blocks until the World has exactly n registered listeners.
func (e *testEnv) waitListeners(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.world.ListenerCount() == n
	}, 2*time.Second, 5*time.Millisecond, "expected %d listeners", n)
}

func readNotification(t *testing.T, conn *gorilla.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// singleEntry returns the only key/value pair of an update notification.
func singleEntry(t *testing.T, msg map[string]any) (string, map[string]any) {
	t.Helper()
	require.Len(t, msg, 1, "notification %v", msg)
	for k, v := range msg {
		value, ok := v.(map[string]any)
		require.True(t, ok, "value of %q is %T", k, v)
		return k, value
	}
	return "", nil
}
