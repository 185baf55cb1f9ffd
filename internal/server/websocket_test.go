package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldsync/internal/core/world"
)

func TestSubscribe_AnonymousCreateReachesEveryListener(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	b := env.dial(t)
	env.waitListeners(t, 2)

	require.NoError(t, a.WriteMessage(gorilla.TextMessage, []byte(`{"x": 1, "y": 2}`)))

	keyA, valueA := singleEntry(t, readNotification(t, a))
	keyB, valueB := singleEntry(t, readNotification(t, b))

	assert.True(t, strings.HasSuffix(keyA, "-0"), "key %q", keyA)
	assert.Equal(t, keyA, keyB)
	assert.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, valueA)
	assert.Equal(t, valueA, valueB)
	assert.Equal(t, world.Entity{"x": json.Number("1"), "y": json.Number("2")}, env.world.Get(keyA))

	// A second anonymous entity from the same connection gets the next key.
	require.NoError(t, a.WriteMessage(gorilla.TextMessage, []byte(`{"x": 3}`)))
	next, _ := singleEntry(t, readNotification(t, a))
	assert.Equal(t, strings.TrimSuffix(keyA, "-0")+"-1", next)
	assert.Equal(t, world.Entity{"x": json.Number("3")}, env.world.Get(next))
	assert.Equal(t, 2, env.world.Len())
}

func TestSubscribe_BulkUpdateReplacesWholeEntity(t *testing.T) {
	env := newTestEnv(t)
	env.world.Set("A-0", world.Entity{"x": 1.0, "y": 2.0})

	a := env.dial(t)
	b := env.dial(t)
	env.waitListeners(t, 2)

	require.NoError(t, b.WriteMessage(gorilla.TextMessage, []byte(`{"A-0": {"x": 5}}`)))

	for _, conn := range []*gorilla.Conn{a, b} {
		key, value := singleEntry(t, readNotification(t, conn))
		assert.Equal(t, "A-0", key)
		assert.Equal(t, map[string]any{"x": 5.0}, value)
	}
	assert.Equal(t, world.Entity{"x": json.Number("5")}, env.world.Get("A-0"))
}

func TestSubscribe_BulkUpdateSeveralEntities(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	env.waitListeners(t, 1)

	require.NoError(t, a.WriteMessage(gorilla.TextMessage, []byte(`{"b": {"v": 2}, "a": {"v": 1}}`)))

	first, _ := singleEntry(t, readNotification(t, a))
	second, _ := singleEntry(t, readNotification(t, a))
	assert.Equal(t, []string{"a", "b"}, []string{first, second})
}

func TestSubscribe_ClearReachesEveryListenerAndResetsCounter(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	b := env.dial(t)
	env.waitListeners(t, 2)

	require.NoError(t, a.WriteMessage(gorilla.TextMessage, []byte(`{"x": 1}`)))
	key, _ := singleEntry(t, readNotification(t, a))
	_ = readNotification(t, b)

	resp, err := http.Get(env.http.URL + "/clear")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Empty(t, env.world.Snapshot())
	assert.Equal(t, map[string]any{"clear": true}, readNotification(t, a))
	assert.Equal(t, map[string]any{"clear": true}, readNotification(t, b))

	// The connection's local counter starts over after a clear.
	require.NoError(t, a.WriteMessage(gorilla.TextMessage, []byte(`{"x": 2}`)))
	again, _ := singleEntry(t, readNotification(t, a))
	assert.Equal(t, key, again)
}

func TestSubscribe_HTTPReplaceIsBroadcast(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	env.waitListeners(t, 1)

	resp, err := http.Post(env.http.URL+"/entity/door", "application/json", strings.NewReader(`{"open": true}`))
	require.NoError(t, err)
	_ = resp.Body.Close()

	key, value := singleEntry(t, readNotification(t, a))
	assert.Equal(t, "door", key)
	assert.Equal(t, map[string]any{"open": true}, value)
}

func TestSubscribe_MalformedMessageStopsOnlyThatReader(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	b := env.dial(t)
	env.waitListeners(t, 2)

	require.NoError(t, a.WriteMessage(gorilla.TextMessage, []byte(`this is not json`)))
	// Input after the malformed message is ignored.
	require.NoError(t, a.WriteMessage(gorilla.TextMessage, []byte(`{"ignored": {"v": 1}}`)))

	// A stays registered and keeps receiving updates.
	require.NoError(t, b.WriteMessage(gorilla.TextMessage, []byte(`{"marker": {"v": 2}}`)))
	for _, conn := range []*gorilla.Conn{a, b} {
		key, value := singleEntry(t, readNotification(t, conn))
		assert.Equal(t, "marker", key)
		assert.Equal(t, map[string]any{"v": 2.0}, value)
	}

	assert.Equal(t, 2, env.world.ListenerCount())
	assert.Equal(t, world.Entity{}, env.world.Get("ignored"))
	assert.Equal(t, 1, env.world.Len())
}

func TestSubscribe_CloseAfterMalformedMessageDeregisters(t *testing.T) {
	// No pings and no read deadline: only the reader can notice the peer.
	quiet := func(c *Config) {
		c.PingInterval = 0
		c.ReadTimeout = 0
	}

	t.Run("close frame", func(t *testing.T) {
		env := newTestEnv(t, quiet)
		a := env.dial(t)
		env.waitListeners(t, 1)

		require.NoError(t, a.WriteMessage(gorilla.TextMessage, []byte(`not json`)))
		msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "bye")
		require.NoError(t, a.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(time.Second)))
		_ = a.Close()

		env.waitListeners(t, 0)
		require.Eventually(t, func() bool {
			return env.server.GetStats().Sessions == 0
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("dropped socket", func(t *testing.T) {
		env := newTestEnv(t, quiet)
		a := env.dial(t)
		env.waitListeners(t, 1)

		require.NoError(t, a.WriteMessage(gorilla.TextMessage, []byte(`not json`)))
		require.NoError(t, a.UnderlyingConn().Close())

		env.waitListeners(t, 0)
	})
}

func TestSubscribe_NonObjectBulkValueIsMalformed(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	env.waitListeners(t, 1)

	require.NoError(t, a.WriteMessage(gorilla.TextMessage, []byte(`{"k": 5}`)))
	require.NoError(t, a.WriteMessage(gorilla.TextMessage, []byte(`{"x": 1}`)))

	env.world.Set("marker", world.Entity{})
	key, _ := singleEntry(t, readNotification(t, a))
	assert.Equal(t, "marker", key)
	assert.Equal(t, 1, env.world.Len())
}

func TestSubscribe_DisconnectDeregisters(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	env.waitListeners(t, 1)

	msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "bye")
	require.NoError(t, a.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(time.Second)))

	env.waitListeners(t, 0)
	require.Eventually(t, func() bool {
		return env.server.GetStats().Sessions == 0
	}, 2*time.Second, 5*time.Millisecond)

	// World keeps working with nobody listening.
	env.world.Set("k", world.Entity{"v": 1.0})
	assert.Equal(t, world.Entity{"v": 1.0}, env.world.Get("k"))
}

func TestSubscribe_AbruptDisconnectDeregisters(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	env.waitListeners(t, 1)

	require.NoError(t, a.UnderlyingConn().Close())

	env.waitListeners(t, 0)
}

func TestSubscribe_ServerCloseEndsSessions(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	env.waitListeners(t, 1)

	require.NoError(t, env.server.Close())

	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ReadMessage()
	assert.Error(t, err)
	env.waitListeners(t, 0)

	_, resp, err := gorilla.DefaultDialer.Dial(env.wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSubscribe_MaxSessions(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxSessions = 1 })
	_ = env.dial(t)
	require.Eventually(t, func() bool {
		return env.server.GetStats().Sessions == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, resp, err := gorilla.DefaultDialer.Dial(env.wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSubscribe_MaxSessionsUnderConcurrentDials(t *testing.T) {
	const limit = 2
	env := newTestEnv(t, func(c *Config) { c.MaxSessions = limit })

	const attempts = 20
	var (
		mu       sync.Mutex
		accepted int
		wg       sync.WaitGroup
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := gorilla.DefaultDialer.Dial(env.wsURL, nil)
			if err != nil {
				return
			}
			t.Cleanup(func() { _ = conn.Close() })
			mu.Lock()
			accepted++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, accepted)
	assert.Equal(t, int64(limit), env.server.GetStats().Sessions)
}

func TestSubscribe_OrderPerKeyIsPreserved(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t)
	env.waitListeners(t, 1)

	const n = 100
	for i := 0; i < n; i++ {
		env.world.Update("counter", "n", float64(i))
	}
	for i := 0; i < n; i++ {
		_, value := singleEntry(t, readNotification(t, a))
		require.Equal(t, float64(i), value["n"])
	}
}
