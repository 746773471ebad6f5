// Package syncrelay reconciles events for a session that is open on more
// than one device at once, with a polling fallback for when the duplex
// channel cannot be established.
package syncrelay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Quickkill0/agentsync/internal/backend"
	"github.com/Quickkill0/agentsync/internal/protocol"
)

// Relay sits between a tab's transport and its reducer. Every client is a
// reducer over the same backend log; there is no cross-device lock. The
// device-id filter only prevents double-rendering this device's own echo.
type Relay struct {
	deviceID  string
	sessionID string
	client    *backend.Client
	apply     func(protocol.Event)

	mu              sync.Mutex
	remoteStreaming bool
	deviceCount     int
	lastChangeID    int64
	pollCancel      context.CancelFunc
}

// New creates a relay forwarding accepted events to apply.
func New(deviceID, sessionID string, client *backend.Client, apply func(protocol.Event)) *Relay {
	return &Relay{
		deviceID:  deviceID,
		sessionID: sessionID,
		client:    client,
		apply:     apply,
	}
}

// SetSession rebinds the relay after the backend assigns a session id.
func (r *Relay) SetSession(sessionID string) {
	r.mu.Lock()
	r.sessionID = sessionID
	r.lastChangeID = 0
	r.mu.Unlock()
}

// Offer filters one incoming event. Self-originated events are echoes of
// writes already applied locally and are dropped; the synthetic state
// snapshot always applies.
func (r *Relay) Offer(ev protocol.Event) {
	if state, ok := ev.(*protocol.StateEvent); ok {
		r.mu.Lock()
		r.remoteStreaming = state.IsStreaming
		r.deviceCount = state.ConnectedDevices
		r.mu.Unlock()
		r.apply(ev)
		return
	}

	if src := ev.Base().SourceDeviceID; src != "" && src == r.deviceID {
		return
	}
	r.apply(ev)
}

// RemoteStreaming reports whether another device is mid-turn.
func (r *Relay) RemoteStreaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remoteStreaming
}

// DeviceCount reports how many devices the backend sees on this session.
func (r *Relay) DeviceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deviceCount
}

// StartPolling begins the changes-since fallback loop. Returned changes
// replay through the same Offer path as duplex events. Calling it twice
// restarts the loop.
func (r *Relay) StartPolling(ctx context.Context, interval time.Duration) {
	r.mu.Lock()
	if r.pollCancel != nil {
		r.pollCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.pollCancel = cancel
	r.mu.Unlock()

	go r.pollLoop(ctx, interval)
}

// StopPolling halts the fallback loop; called the moment the duplex
// channel comes up.
func (r *Relay) StopPolling() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pollCancel != nil {
		r.pollCancel()
		r.pollCancel = nil
	}
}

func (r *Relay) pollLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Relay) pollOnce(ctx context.Context) {
	r.mu.Lock()
	since := r.lastChangeID
	sessionID := r.sessionID
	r.mu.Unlock()
	if sessionID == "" {
		return
	}

	resp, err := r.client.GetChangesSince(ctx, sessionID, since)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("poll changes for %s failed: %v", sessionID, err)
		}
		return
	}

	r.mu.Lock()
	r.remoteStreaming = resp.IsStreaming
	r.deviceCount = resp.ConnectedDevices
	if resp.LatestID > r.lastChangeID {
		r.lastChangeID = resp.LatestID
	}
	r.mu.Unlock()

	for _, change := range resp.Changes {
		ev, err := protocol.DecodeEvent(change.Event)
		if err != nil {
			log.Printf("dropping malformed change %d: %v", change.ID, err)
			continue
		}
		r.Offer(ev)
	}
}
