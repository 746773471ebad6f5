package tabs

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/Quickkill0/agentsync/internal/conn"
	"github.com/Quickkill0/agentsync/internal/protocol"
	"github.com/Quickkill0/agentsync/internal/syncrelay"
	"github.com/Quickkill0/agentsync/internal/transcript"
)

// ErrStreaming is returned when a send is attempted while a turn is
// already in flight on the tab. One turn per tab at a time.
var ErrStreaming = errors.New("a turn is already in flight")

// Tab binds one session to one connection supervisor and one transcript.
// Tabs never share a transport; two tabs are fully independent state
// machines even when they show the same session.
type Tab struct {
	ID      string
	Title   string
	Profile string
	Project string

	mux        *Multiplexer
	supervisor *conn.Supervisor
	relay      *syncrelay.Relay
	events     chan protocol.Event
	done       chan struct{}

	mu         sync.Mutex
	sessionID  string
	state      transcript.Transcript
	loadedOnce bool
}

// SessionID returns the bound backend session id, if any.
func (t *Tab) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Transcript returns the tab's current transcript.
func (t *Tab) Transcript() transcript.Transcript {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ConnState returns the tab's transport state.
func (t *Tab) ConnState() conn.State { return t.supervisor.State() }

// Relay exposes the tab's cross-device relay.
func (t *Tab) Relay() *syncrelay.Relay { return t.relay }

// SendQuery submits a prompt on this tab. Rejected while a turn is in
// flight; the backend confirms turn boundaries, not the client. On a
// successful send the turn is applied optimistically; the server's start
// reflection carries this device's id and is filtered out by the relay.
func (t *Tab) SendQuery(prompt string) error {
	t.mu.Lock()
	streaming := t.state.Streaming
	t.mu.Unlock()
	if streaming {
		return ErrStreaming
	}
	if err := t.supervisor.Query(prompt, t.Profile, t.Project); err != nil {
		return err
	}
	t.applyEvent(&protocol.StartEvent{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeStart},
		Prompt:      prompt,
	})
	return nil
}

// Stop asks the backend to halt the turn. The tab stays streaming until
// the server confirms with stopped, interrupted, or done.
func (t *Tab) Stop() error {
	return t.supervisor.Stop()
}

// Reload rebuilds the transcript from the server's authoritative log.
func (t *Tab) Reload() error {
	return t.supervisor.LoadSession()
}

// run is the tab's event loop: every transport event flows through the
// relay's device filter and then the reducer.
func (t *Tab) run() {
	for {
		select {
		case <-t.done:
			return
		case ev := <-t.events:
			t.relay.Offer(ev)
		}
	}
}

// applyEvent is the relay's sink: reduce and notify.
func (t *Tab) applyEvent(ev protocol.Event) {
	t.mu.Lock()
	t.state = transcript.Reduce(t.state, ev)
	adopted := ""
	if t.sessionID == "" {
		if id := ev.Base().SessionID; id != "" {
			t.sessionID = id
			adopted = id
		}
	}
	t.mu.Unlock()

	if adopted != "" {
		// The backend assigned a session on first use; bind it so
		// reconnects reload the right history.
		t.supervisor.BindSession(adopted)
		t.relay.SetSession(adopted)
		t.mux.scheduleSave()
	}
	t.mux.notifyUpdate(t.ID, ev)
}

func (t *Tab) onConnState(s conn.State) {
	switch s {
	case conn.Connected:
		t.relay.StopPolling()
		t.mu.Lock()
		first := !t.loadedOnce
		t.loadedOnce = true
		bound := t.sessionID != ""
		t.mu.Unlock()
		// Reconnect reloads are issued by the supervisor itself; the
		// first open still needs an explicit history load.
		if first && bound {
			if err := t.supervisor.LoadSession(); err != nil {
				log.Printf("tab %s: initial history load failed: %v", t.ID, err)
			}
		}
	}
	t.mux.notifyConnState(t.ID, s)
}

// watchDuplex starts the polling fallback if the duplex channel has not
// come up within the bounded wait.
func (t *Tab) watchDuplex(timeout, pollInterval time.Duration) {
	time.AfterFunc(timeout, func() {
		select {
		case <-t.done:
			return
		default:
		}
		if t.supervisor.State() != conn.Connected && t.SessionID() != "" {
			log.Printf("tab %s: duplex channel not up after %s, falling back to polling", t.ID, timeout)
			t.relay.StartPolling(context.Background(), pollInterval)
		}
	})
}

func (t *Tab) close() {
	close(t.done)
	t.relay.StopPolling()
	if err := t.supervisor.Close(); err != nil {
		log.Printf("tab %s: close transport: %v", t.ID, err)
	}
}
