package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quickkill0/agentsync/internal/protocol"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-key")
}

func TestGetSession(t *testing.T) {
	client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/s1", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(SessionState{
			SessionID: "s1",
			Title:     "hello",
			Usage:     protocol.Usage{TotalTokens: 500},
		})
	})

	state, err := client.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "hello", state.Title)
	assert.Equal(t, 500, state.Usage.TotalTokens)
}

func TestGetChangesSince(t *testing.T) {
	client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("since"))
		json.NewEncoder(w).Encode(ChangesResponse{
			Changes:  []Change{{ID: 8, Event: json.RawMessage(`{"type":"chunk","text":"x"}`)}},
			LatestID: 8,
		})
	})

	resp, err := client.GetChangesSince(context.Background(), "s1", 7)
	require.NoError(t, err)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, int64(8), resp.LatestID)
}

func TestExecuteRewindErrorBody(t *testing.T) {
	client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "snapshot missing"})
	})

	_, err := client.ExecuteRewind(context.Background(), "s1", &RewindRequest{TargetCheckpoint: "c1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot missing")
}

func TestGetPreferenceNotFound(t *testing.T) {
	client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetPreference(context.Background(), "layout")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSavePreference(t *testing.T) {
	var saved []byte
	client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		saved = make([]byte, r.ContentLength)
		r.Body.Read(saved)
		w.Write([]byte(`{"ok":true}`))
	})

	err := client.SavePreference(context.Background(), "layout", json.RawMessage(`{"tabs":[]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"tabs":[]}`, string(saved))
}
