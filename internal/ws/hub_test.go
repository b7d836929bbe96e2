package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leafsii/keyv/internal/events"
)

type countingMetrics struct {
	up   atomic.Int64
	down atomic.Int64
}

func (m *countingMetrics) IncrementConnections(ctx context.Context) { m.up.Add(1) }
func (m *countingMetrics) DecrementConnections(ctx context.Context) { m.down.Add(1) }

type hubFixture struct {
	hub     *Hub
	bus     *events.Bus
	srv     *httptest.Server
	metrics *countingMetrics
	cancel  context.CancelFunc
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	bus := events.NewBus(nil)
	m := &countingMetrics{}
	hub := NewHub(bus, []string{"http://allowed.example"}, zap.NewNop().Sugar(), m)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		bus.Close()
	})
	return &hubFixture{hub: hub, bus: bus, srv: srv, metrics: m, cancel: cancel}
}

func (f *hubFixture) url(query string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + query
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msg := readMessage(t, conn)
	require.Equal(t, "connected", msg.Type)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubStreamsMatchingEvents(t *testing.T) {
	f := newHubFixture(t)
	conn := dial(t, f.url("/?prefix=user:"))

	f.bus.Publish(events.Event{Op: events.OpSet, Keys: []string{"session:1"}, Value: json.RawMessage(`1`)})
	f.bus.Publish(events.Event{Op: events.OpSet, Keys: []string{"user:1"}, Value: json.RawMessage(`{"name":"ada"}`)})

	msg := readMessage(t, conn)
	require.Equal(t, "event", msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, events.OpSet, msg.Event.Op)
	assert.Equal(t, []string{"user:1"}, msg.Event.Keys)
	assert.JSONEq(t, `{"name":"ada"}`, string(msg.Event.Value))
	assert.Equal(t, uint64(2), msg.Event.Seq)

	// clear reaches every filter
	f.bus.Publish(events.Event{Op: events.OpClear})
	msg = readMessage(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, events.OpClear, msg.Event.Op)
}

func TestHubSubscribeAndUnsubscribe(t *testing.T) {
	f := newHubFixture(t)
	conn := dial(t, f.url("/"))

	require.NoError(t, conn.WriteJSON(WSSubscriptionRequest{Type: "subscribe", Prefixes: []string{"b:", "a:"}}))
	msg := readMessage(t, conn)
	assert.Equal(t, "subscribed", msg.Type)
	assert.Equal(t, []string{"a:", "b:"}, msg.Prefixes)

	require.NoError(t, conn.WriteJSON(WSSubscriptionRequest{Type: "unsubscribe", Prefixes: []string{"b:"}}))
	msg = readMessage(t, conn)
	assert.Equal(t, "unsubscribed", msg.Type)
	assert.Equal(t, []string{"a:"}, msg.Prefixes)

	f.bus.Publish(events.Event{Op: events.OpRemove, Keys: []string{"b:1"}})
	f.bus.Publish(events.Event{Op: events.OpRemove, Keys: []string{"a:1"}})

	msg = readMessage(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, events.OpRemove, msg.Event.Op)
	assert.Equal(t, []string{"a:1"}, msg.Event.Keys)
}

func TestHubRejectsBadMessages(t *testing.T) {
	f := newHubFixture(t)
	conn := dial(t, f.url("/"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "invalid message", msg.Error)

	require.NoError(t, conn.WriteJSON(WSSubscriptionRequest{Type: "bogus"}))
	msg = readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "bogus")

	require.NoError(t, conn.WriteJSON(WSSubscriptionRequest{Type: "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn).Type)
}

func TestHubCheckOrigin(t *testing.T) {
	f := newHubFixture(t)

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(f.url("/"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://allowed.example")
	conn, _, err := websocket.DefaultDialer.Dial(f.url("/"), header)
	require.NoError(t, err)
	conn.Close()
}

func TestHubTracksConnections(t *testing.T) {
	f := newHubFixture(t)
	conn := dial(t, f.url("/"))

	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), f.metrics.up.Load())

	conn.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.metrics.down.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.bus.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubShutdownDisconnectsClients(t *testing.T) {
	f := newHubFixture(t)
	conn := dial(t, f.url("/"))
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)

	require.Eventually(t, func() bool {
		select {
		case <-f.hub.done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(f.url("/"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
