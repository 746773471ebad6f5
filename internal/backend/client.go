// Package backend provides an HTTP client for the agent backend's REST
// surfaces: session history, change polling, checkpoints, and the
// preference blob.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Quickkill0/agentsync/internal/protocol"
)

// ErrNotFound is returned when the backend has no record for the key.
var ErrNotFound = errors.New("not found")

// Client is an HTTP client for the backend REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SessionState is the full server-side view of one session.
type SessionState struct {
	SessionID string                    `json:"session_id"`
	Title     string                    `json:"title"`
	Status    string                    `json:"status"`
	Messages  []protocol.HistoryMessage `json:"messages"`
	Usage     protocol.Usage            `json:"usage"`
}

// Change is one event recorded in the session's change log, used by the
// polling fallback.
type Change struct {
	ID    int64           `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ChangesResponse is the result of a changes-since poll.
type ChangesResponse struct {
	Changes          []Change `json:"changes"`
	LatestID         int64    `json:"latest_id"`
	IsStreaming      bool     `json:"is_streaming"`
	ConnectedDevices int      `json:"connected_devices"`
}

// Checkpoint is one recorded rewind target.
type Checkpoint struct {
	ID          string `json:"id"`
	Index       int    `json:"index"`
	Preview     string `json:"preview"`
	HasSnapshot bool   `json:"has_snapshot"`
	CreatedAt   int64  `json:"created_at,omitempty"`
}

// CheckpointsResponse wraps the ordered checkpoint list.
type CheckpointsResponse struct {
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// RewindRequest selects a checkpoint and the restore options.
type RewindRequest struct {
	TargetCheckpoint     string `json:"target_checkpoint"`
	RestoreConversation  bool   `json:"restore_conversation"`
	RestoreExternalState bool   `json:"restore_external_state"`
	KeepResponse         bool   `json:"keep_response"`
}

// RewindResponse reports the server-authoritative outcome of a rewind.
type RewindResponse struct {
	Success         bool   `json:"success"`
	MessagesRemoved int    `json:"messages_removed"`
	Error           string `json:"error,omitempty"`
}

// ErrorResponse is the backend's error body shape.
type ErrorResponse struct {
	Error string `json:"error"`
}

// GetSession calls GET /v1/sessions/:id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionState, error) {
	var state SessionState
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, &state); err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return &state, nil
}

// GetChangesSince calls GET /v1/sessions/:id/changes?since=N.
func (c *Client) GetChangesSince(ctx context.Context, sessionID string, sinceID int64) (*ChangesResponse, error) {
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/changes?since=" + strconv.FormatInt(sinceID, 10)
	var resp ChangesResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get changes for %s: %w", sessionID, err)
	}
	return &resp, nil
}

// ListCheckpoints calls GET /v1/sessions/:id/checkpoints.
func (c *Client) ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	var resp CheckpointsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/checkpoints", nil, &resp); err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", sessionID, err)
	}
	return resp.Checkpoints, nil
}

// ExecuteRewind calls POST /v1/sessions/:id/rewind.
func (c *Client) ExecuteRewind(ctx context.Context, sessionID string, req *RewindRequest) (*RewindResponse, error) {
	var resp RewindResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/rewind", req, &resp); err != nil {
		return nil, fmt.Errorf("execute rewind for %s: %w", sessionID, err)
	}
	return &resp, nil
}

// GetPreference calls GET /v1/preferences/:name. A missing preference is
// ErrNotFound so first-run callers can start from an empty layout.
func (c *Client) GetPreference(ctx context.Context, name string) (json.RawMessage, error) {
	var blob json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/v1/preferences/"+url.PathEscape(name), nil, &blob); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get preference %s: %w", name, err)
	}
	return blob, nil
}

// SavePreference calls PUT /v1/preferences/:name.
func (c *Client) SavePreference(ctx context.Context, name string, blob json.RawMessage) error {
	if err := c.doJSON(ctx, http.MethodPut, "/v1/preferences/"+url.PathEscape(name), blob, nil); err != nil {
		return fmt.Errorf("save preference %s: %w", name, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("backend error: %s", errResp.Error)
		}
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
