package conn

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quickkill0/agentsync/internal/protocol"
)

// harness is a minimal WebSocket peer: it records every command the
// supervisor sends and can push events or drop the connection.
type harness struct {
	srv      *httptest.Server
	commands chan map[string]any

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{commands: make(chan map[string]any, 32)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conns = append(h.conns, ws)
		h.mu.Unlock()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				h.commands <- msg
			}
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *harness) push(t *testing.T, v any) {
	t.Helper()
	h.mu.Lock()
	conn := h.conns[len(h.conns)-1]
	h.mu.Unlock()
	require.NoError(t, conn.WriteJSON(v))
}

// dropAll closes every server-side connection without a close frame, like
// a network partition.
func (h *harness) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.conns {
		conn.Close()
	}
	h.conns = nil
}

func (h *harness) connCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *harness) nextCommand(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-h.commands:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for command")
		return nil
	}
}

func fastConfig(url string) Config {
	return Config{
		URL:          url,
		BackoffFloor: 10 * time.Millisecond,
		BackoffCap:   50 * time.Millisecond,
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	s := New(fastConfig("ws://127.0.0.1:1/ws"), make(chan protocol.Event, 1))
	err := s.Send(&protocol.StopCommand{})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, Disconnected, s.State())
}

func TestConnectDeliversEvents(t *testing.T) {
	h := newHarness(t)
	events := make(chan protocol.Event, 8)
	s := New(fastConfig(h.url()), events)
	defer s.Close()

	s.Connect()
	require.Eventually(t, func() bool { return s.State() == Connected }, 3*time.Second, 10*time.Millisecond)

	h.push(t, map[string]any{"type": "chunk", "text": "hello"})
	select {
	case ev := <-events:
		chunk, ok := ev.(*protocol.ChunkEvent)
		require.True(t, ok)
		assert.Equal(t, "hello", chunk.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	s := New(fastConfig(h.url()), make(chan protocol.Event, 8))
	defer s.Close()

	s.Connect()
	require.Eventually(t, func() bool { return s.State() == Connected }, 3*time.Second, 10*time.Millisecond)
	s.Connect()
	s.Connect()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.connCount())
}

func TestServerPingAnsweredWithPong(t *testing.T) {
	h := newHarness(t)
	s := New(fastConfig(h.url()), make(chan protocol.Event, 8))
	defer s.Close()

	s.Connect()
	require.Eventually(t, func() bool { return s.State() == Connected }, 3*time.Second, 10*time.Millisecond)

	h.push(t, map[string]any{"type": "ping"})
	cmd := h.nextCommand(t)
	assert.Equal(t, "pong", cmd["type"])
}

func TestReconnectReloadsBoundSession(t *testing.T) {
	h := newHarness(t)
	s := New(fastConfig(h.url()), make(chan protocol.Event, 8))
	defer s.Close()

	s.BindSession("s1")
	s.Connect()
	require.Eventually(t, func() bool { return s.State() == Connected }, 3*time.Second, 10*time.Millisecond)

	h.dropAll()
	require.Eventually(t, func() bool { return s.State() == Connected && h.connCount() == 1 },
		3*time.Second, 10*time.Millisecond)

	// The first command on the new connection must rebuild state from the
	// server's log.
	cmd := h.nextCommand(t)
	assert.Equal(t, "load_session", cmd["type"])
	assert.Equal(t, "s1", cmd["session_id"])
}

func TestIntentionalCloseSuppressesReconnect(t *testing.T) {
	h := newHarness(t)
	s := New(fastConfig(h.url()), make(chan protocol.Event, 8))

	s.Connect()
	require.Eventually(t, func() bool { return s.State() == Connected }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())
	assert.Equal(t, Disconnected, s.State())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, Disconnected, s.State())
	assert.ErrorIs(t, s.Send(&protocol.StopCommand{}), ErrNotConnected)
}

func TestCloseUnblocksPendingDelivery(t *testing.T) {
	h := newHarness(t)
	// No reader on an unbuffered channel: the read pump parks on delivery.
	s := New(fastConfig(h.url()), make(chan protocol.Event))

	s.Connect()
	require.Eventually(t, func() bool { return s.State() == Connected }, 3*time.Second, 10*time.Millisecond)

	before := runtime.NumGoroutine()
	h.push(t, map[string]any{"type": "chunk", "text": "one"})
	h.push(t, map[string]any{"type": "chunk", "text": "two"})
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.Close())

	// The read pump and heartbeat must both exit despite the stuck send.
	require.Eventually(t, func() bool { return runtime.NumGoroutine() < before },
		3*time.Second, 10*time.Millisecond)
}

func TestBackoffResetsAfterOpen(t *testing.T) {
	h := newHarness(t)
	s := New(fastConfig(h.url()), make(chan protocol.Event, 8))
	defer s.Close()

	s.Connect()
	require.Eventually(t, func() bool { return s.State() == Connected }, 3*time.Second, 10*time.Millisecond)

	s.mu.Lock()
	attempts := s.attempts
	s.mu.Unlock()
	assert.Equal(t, 0, attempts)
}
