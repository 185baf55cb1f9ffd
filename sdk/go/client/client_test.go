package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldsync/internal/core/events/bus"
	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/world"
	"github.com/zeusync/worldsync/internal/server"
)

type testServer struct {
	server *server.Server
	world  *world.World
	http   *httptest.Server
	url    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	events := bus.New()
	w := world.New(log.NewNop(), events)
	srv, err := server.NewServer(server.DefaultServerConfig(), w, events, prometheus.NewRegistry(), log.NewNop())
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		hs.Close()
	})

	return &testServer{
		server: srv,
		world:  w,
		http:   hs,
		url:    "ws" + strings.TrimPrefix(hs.URL, "http") + "/subscribe",
	}
}

func (ts *testServer) connect(t *testing.T) *Client {
	t.Helper()

	config := DefaultClientConfig()
	config.URL = ts.url
	c := NewClient(config, nil)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background()))
	return c
}

func (ts *testServer) waitListeners(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ts.world.ListenerCount() == n
	}, 2*time.Second, 5*time.Millisecond)
}

func receive(t *testing.T, c *Client) world.Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := c.Receive(ctx)
	require.NoError(t, err)
	return n
}

func TestClient_CreateAndReplace(t *testing.T) {
	ts := newTestServer(t)
	a := ts.connect(t)
	b := ts.connect(t)
	ts.waitListeners(t, 2)

	require.NoError(t, a.Create(world.Entity{"x": 1, "y": 2}))

	na := receive(t, a)
	nb := receive(t, b)
	assert.True(t, strings.HasSuffix(na.Key, "-0"), na.Key)
	assert.Equal(t, na, nb)
	assert.Equal(t, world.Entity{"x": json.Number("1"), "y": json.Number("2")}, na.Value)

	require.NoError(t, b.Replace(na.Key, world.Entity{"x": 5}))
	assert.Equal(t, world.UpdateNotification(na.Key, world.Entity{"x": json.Number("5")}), receive(t, a))
	assert.Equal(t, world.Entity{"x": json.Number("5")}, ts.world.Get(na.Key))
}

func TestClient_ReceivesClear(t *testing.T) {
	ts := newTestServer(t)
	c := ts.connect(t)
	ts.waitListeners(t, 1)

	resp, err := http.Post(ts.http.URL+"/clear", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.True(t, receive(t, c).Clear)
}

func TestClient_Validation(t *testing.T) {
	ts := newTestServer(t)
	c := ts.connect(t)

	assert.ErrorIs(t, c.Create(world.Entity{"y": 1}), ErrInvalidMessage)
	assert.ErrorIs(t, c.Update(nil), ErrInvalidMessage)
	assert.ErrorIs(t, c.Update(map[string]world.Entity{"x": {}}), ErrInvalidMessage)
	assert.ErrorIs(t, c.Create(world.Entity{"x": make(chan int)}), ErrInvalidMessage)
}

func TestClient_NilValueIsSentAsEmptyEntity(t *testing.T) {
	ts := newTestServer(t)
	c := ts.connect(t)
	ts.waitListeners(t, 1)

	require.NoError(t, c.Replace("empty", nil))
	assert.Equal(t, world.UpdateNotification("empty", world.Entity{}), receive(t, c))
}

func TestClient_Handlers(t *testing.T) {
	ts := newTestServer(t)

	config := DefaultClientConfig()
	config.URL = ts.url
	c := NewClient(config, log.NewNop())
	t.Cleanup(func() { _ = c.Close() })

	var (
		mu     sync.Mutex
		seen   []string
		events []EventType
	)
	c.OnNotification(func(n world.Notification) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, n.Key)
	})
	for _, typ := range []EventType{EventTypeConnected, EventTypeDisconnected} {
		c.OnEvent(typ, func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e.Type)
		})
	}

	require.NoError(t, c.Connect(context.Background()))
	ts.waitListeners(t, 1)

	ts.world.Set("door", world.Entity{"open": true})
	_ = receive(t, c)

	require.NoError(t, c.Disconnect())
	ts.waitListeners(t, 0)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"door"}, seen)
	assert.Equal(t, []EventType{EventTypeConnected, EventTypeDisconnected}, events)
}

func TestClient_Lifecycle(t *testing.T) {
	ts := newTestServer(t)

	config := DefaultClientConfig()
	config.URL = ts.url
	c := NewClient(config, nil)

	_, err := c.Receive(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Create(world.Entity{"x": 1}), ErrNotConnected)
	assert.ErrorIs(t, c.Disconnect(), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)

	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())

	// Reconnecting is allowed until Close.
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
	_, err = c.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_ServerCloseDrainsThenEnds(t *testing.T) {
	ts := newTestServer(t)
	c := ts.connect(t)
	ts.waitListeners(t, 1)

	disconnected := make(chan struct{})
	c.OnEvent(EventTypeDisconnected, func(Event) { close(disconnected) })

	ts.world.Set("a", world.Entity{"v": 1.0})
	require.Eventually(t, func() bool { return c.Stats().MessagesReceived == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ts.server.Close())

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect event not emitted")
	}
	assert.False(t, c.IsConnected())

	// The notification buffered before the close is still delivered.
	assert.Equal(t, "a", receive(t, c).Key)

	_, err := c.Receive(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestClient_ConnectFailure(t *testing.T) {
	config := DefaultClientConfig()
	config.URL = "ws://127.0.0.1:1/subscribe"
	config.ConnectTimeout = time.Second
	c := NewClient(config, nil)

	assert.Error(t, c.Connect(context.Background()))
	assert.False(t, c.IsConnected())

	config.URL = ""
	assert.ErrorIs(t, NewClient(config, nil).Connect(context.Background()), ErrInvalidConfig)
}
