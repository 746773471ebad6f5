// Package rewind drives server-authoritative truncation of a session's
// history to a recorded checkpoint.
package rewind

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Quickkill0/agentsync/internal/backend"
)

// Phase is the controller's lifecycle state.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseLoading   Phase = "loading_checkpoints"
	PhaseReady     Phase = "ready"
	PhaseExecuting Phase = "executing"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
)

var (
	// ErrNoSelection is returned by Execute before a checkpoint is chosen.
	ErrNoSelection = errors.New("no checkpoint selected")
	// ErrNoSnapshot is returned when restore-external-state is requested
	// for a checkpoint that recorded no snapshot.
	ErrNoSnapshot = errors.New("checkpoint has no external-state snapshot")
)

// Options are the user-selected rewind options.
type Options struct {
	RestoreConversation  bool
	RestoreExternalState bool
	KeepResponse         bool
}

// Controller loads the checkpoint list for one session and executes a
// rewind against a selected checkpoint. It never patches the transcript
// itself: a successful rewind triggers the reload callback so local state
// is rebuilt from the server's exact result.
type Controller struct {
	client    *backend.Client
	sessionID string
	reload    func() // invoked after a confirmed rewind

	mu          sync.Mutex
	phase       Phase
	checkpoints []backend.Checkpoint
	selected    *backend.Checkpoint
	lastErr     string
}

// New creates a controller for one session. reload may be nil.
func New(client *backend.Client, sessionID string, reload func()) *Controller {
	return &Controller{
		client:    client,
		sessionID: sessionID,
		reload:    reload,
		phase:     PhaseIdle,
	}
}

// Phase returns the current lifecycle state.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// LastError returns the error reported by the last failed execution.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Checkpoints returns the loaded checkpoint list, oldest first.
func (c *Controller) Checkpoints() []backend.Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]backend.Checkpoint, len(c.checkpoints))
	copy(out, c.checkpoints)
	return out
}

// Load fetches the ordered checkpoint list from the backend.
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	c.phase = PhaseLoading
	c.mu.Unlock()

	checkpoints, err := c.client.ListCheckpoints(ctx, c.sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.phase = PhaseFailed
		c.lastErr = err.Error()
		return fmt.Errorf("load checkpoints: %w", err)
	}
	c.checkpoints = checkpoints
	c.selected = nil
	c.phase = PhaseReady
	return nil
}

// Select picks a checkpoint by id from the loaded list.
func (c *Controller) Select(checkpointID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.checkpoints {
		if c.checkpoints[i].ID == checkpointID {
			c.selected = &c.checkpoints[i]
			return nil
		}
	}
	return fmt.Errorf("unknown checkpoint %q", checkpointID)
}

// Selected returns the currently selected checkpoint, or nil.
func (c *Controller) Selected() *backend.Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return nil
	}
	cp := *c.selected
	return &cp
}

// EstimateRemoved predicts how many messages the rewind will remove. The
// authoritative count comes back from Execute; this is display-only.
func (c *Controller) EstimateRemoved(opts Options) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return 0, ErrNoSelection
	}
	estimate := len(c.checkpoints) - c.selected.Index
	if opts.KeepResponse {
		estimate--
	}
	if estimate < 0 {
		estimate = 0
	}
	return estimate, nil
}

// Execute sends the rewind. On confirmed success it reports the server's
// removal count and triggers the full-reload callback. On failure local
// state is untouched, so a failed rewind cannot corrupt the transcript.
func (c *Controller) Execute(ctx context.Context, opts Options) (*backend.RewindResponse, error) {
	c.mu.Lock()
	if c.selected == nil {
		c.mu.Unlock()
		return nil, ErrNoSelection
	}
	if opts.RestoreExternalState && !c.selected.HasSnapshot {
		c.mu.Unlock()
		return nil, ErrNoSnapshot
	}
	target := c.selected.ID
	c.phase = PhaseExecuting
	c.mu.Unlock()

	resp, err := c.client.ExecuteRewind(ctx, c.sessionID, &backend.RewindRequest{
		TargetCheckpoint:     target,
		RestoreConversation:  opts.RestoreConversation,
		RestoreExternalState: opts.RestoreExternalState,
		KeepResponse:         opts.KeepResponse,
	})

	c.mu.Lock()
	if err != nil {
		c.phase = PhaseFailed
		c.lastErr = err.Error()
		c.mu.Unlock()
		return nil, fmt.Errorf("execute rewind: %w", err)
	}
	if !resp.Success {
		c.phase = PhaseFailed
		c.lastErr = resp.Error
		c.mu.Unlock()
		return resp, fmt.Errorf("rewind rejected: %s", resp.Error)
	}
	c.phase = PhaseDone
	c.mu.Unlock()

	if c.reload != nil {
		c.reload()
	}
	return resp, nil
}
