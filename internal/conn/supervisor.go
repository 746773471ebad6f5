// Package conn owns the duplex transport for one tab: connect, keepalive,
// backoff reconnect, and replay-on-reconnect.
package conn

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Quickkill0/agentsync/internal/protocol"
)

// State is the supervisor's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by Send while the transport is down. Callers
// surface it to the user; the supervisor never buffers outbound commands,
// since silent buffering risks replay-order bugs on reconnect.
var ErrNotConnected = errors.New("not connected")

// Config holds the supervisor's tunables.
type Config struct {
	URL               string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	BackoffFloor      time.Duration
	BackoffCap        time.Duration
	Header            http.Header
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.BackoffFloor == 0 {
		c.BackoffFloor = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 30 * time.Second
	}
	return c
}

// Supervisor manages one WebSocket connection. Decoded events are
// delivered on the Events channel; the owning tab runs the reducer over
// them. One supervisor per tab, never shared.
type Supervisor struct {
	cfg    Config
	events chan<- protocol.Event
	done   chan struct{} // closed by Close, unblocks pending deliveries

	mu      sync.Mutex
	writeMu sync.Mutex // serializes data frames; gorilla allows one writer

	state      State
	conn       *websocket.Conn
	sessionID  string
	deviceID   string
	attempts   int
	everOpened bool
	closing    bool
	retryTimer *time.Timer
	stopBeat   chan struct{}

	// OnStateChange, when set, is called outside the lock after every
	// state transition.
	OnStateChange func(State)
}

// New creates a supervisor delivering decoded events to events.
func New(cfg Config, events chan<- protocol.Event) *Supervisor {
	return &Supervisor{cfg: cfg.withDefaults(), events: events, done: make(chan struct{})}
}

// BindSession associates the supervisor with a backend session. A bound
// session is reloaded from the server after every reconnect.
func (s *Supervisor) BindSession(sessionID string) {
	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()
}

// SetDeviceID stamps outbound commands with the local device identifier.
func (s *Supervisor) SetDeviceID(deviceID string) {
	s.mu.Lock()
	s.deviceID = deviceID
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the transport. It is a no-op while already connecting or
// connected. The dial happens on a background goroutine; failures enter
// the backoff reconnect schedule.
func (s *Supervisor) Connect() {
	s.mu.Lock()
	if s.closing || s.state == Connecting || s.state == Connected {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	go s.dial()
}

func (s *Supervisor) dial() {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	ws, _, err := dialer.Dial(s.cfg.URL, s.cfg.Header)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		log.Printf("dial %s failed: %v", s.cfg.URL, err)
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		return
	}

	s.conn = ws
	s.attempts = 0
	reconnect := s.everOpened
	s.everOpened = true
	sessionID := s.sessionID
	s.stopBeat = make(chan struct{})
	stop := s.stopBeat
	s.setStateLocked(Connected)
	s.mu.Unlock()

	go s.readPump(ws)
	go s.heartbeat(ws, stop)

	// On reconnect the local transcript may have missed events; rebuild it
	// from the server's authoritative log instead of patching.
	if reconnect && sessionID != "" {
		cmd := &protocol.LoadSessionCommand{BaseMessage: s.header(protocol.TypeLoadSession)}
		if err := s.Send(cmd); err != nil {
			log.Printf("reload after reconnect failed: %v", err)
		}
	}
}

// readPump reads frames until the connection dies, decoding each into an
// event. Malformed frames are logged and dropped; the transcript is never
// touched by garbage.
func (s *Supervisor) readPump(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.handleClosed(ws, err)
			return
		}

		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			log.Printf("dropping malformed event: %v", err)
			continue
		}

		if _, ok := ev.(*protocol.PingEvent); ok {
			if err := s.Send(&protocol.PongCommand{BaseMessage: s.header(protocol.TypePong)}); err != nil {
				log.Printf("pong failed: %v", err)
			}
			continue
		}

		// The owner may have stopped consuming; a closed supervisor must
		// not leave this goroutine parked on the channel forever.
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// heartbeat keeps the connection warm while connected.
func (s *Supervisor) heartbeat(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.conn
			s.mu.Unlock()
			if current != ws {
				return
			}
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Supervisor) handleClosed(ws *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != ws {
		// A newer connection already replaced this one.
		s.mu.Unlock()
		return
	}
	s.teardownLocked()

	if s.closing || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		s.setStateLocked(Disconnected)
		s.mu.Unlock()
		return
	}

	log.Printf("connection lost: %v", err)
	s.scheduleReconnectLocked()
	s.mu.Unlock()
}

// scheduleReconnectLocked arms the backoff timer: exponential from the
// floor, capped, with jitter so a shared outage does not produce a
// thundering herd of reconnects.
func (s *Supervisor) scheduleReconnectLocked() {
	s.setStateLocked(Reconnecting)
	delay := s.cfg.BackoffFloor << s.attempts
	if delay > s.cfg.BackoffCap || delay <= 0 {
		delay = s.cfg.BackoffCap
	}
	delay += time.Duration(rand.Int63n(int64(s.cfg.BackoffFloor)))
	s.attempts++

	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.closing || s.state != Reconnecting {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(Connecting)
		s.mu.Unlock()
		s.dial()
	})
}

// Send writes one command. It fails synchronously with ErrNotConnected
// while the transport is down.
func (s *Supervisor) Send(cmd any) error {
	s.mu.Lock()
	if s.state != Connected || s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	ws := s.conn
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ws.WriteJSON(cmd); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// Query sends a prompt for the bound session.
func (s *Supervisor) Query(prompt, profile, project string) error {
	return s.Send(&protocol.QueryCommand{
		BaseMessage: s.header(protocol.TypeQuery),
		Prompt:      prompt,
		Profile:     profile,
		Project:     project,
	})
}

// Stop asks the backend to halt the in-flight turn. The turn is not over
// locally until the server confirms with stopped, interrupted, or done.
func (s *Supervisor) Stop() error {
	return s.Send(&protocol.StopCommand{BaseMessage: s.header(protocol.TypeStop)})
}

// LoadSession asks the backend to resend the full session history.
func (s *Supervisor) LoadSession() error {
	return s.Send(&protocol.LoadSessionCommand{BaseMessage: s.header(protocol.TypeLoadSession)})
}

// Close shuts the connection down for good. The normal close code tells
// the peer this is intentional and suppresses the reconnect schedule.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		close(s.done)
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.stopBeat != nil {
		close(s.stopBeat)
		s.stopBeat = nil
	}
	ws := s.conn
	s.conn = nil
	s.setStateLocked(Disconnected)
	s.mu.Unlock()

	if ws == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return ws.Close()
}

func (s *Supervisor) teardownLocked() {
	if s.stopBeat != nil {
		close(s.stopBeat)
		s.stopBeat = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Supervisor) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	if cb := s.OnStateChange; cb != nil {
		go cb(next)
	}
}

func (s *Supervisor) header(msgType string) protocol.BaseMessage {
	s.mu.Lock()
	sessionID, deviceID := s.sessionID, s.deviceID
	s.mu.Unlock()
	return protocol.BaseMessage{
		Type:           msgType,
		Ts:             time.Now().UnixMilli(),
		SessionID:      sessionID,
		SourceDeviceID: deviceID,
	}
}
