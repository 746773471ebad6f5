package rewind

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quickkill0/agentsync/internal/backend"
)

func newControllerWithServer(t *testing.T, checkpoints []backend.Checkpoint, rewindResp *backend.RewindResponse, lastReq **backend.RewindRequest) (*Controller, *int) {
	t.Helper()
	reloads := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/s1/checkpoints", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(backend.CheckpointsResponse{Checkpoints: checkpoints})
	})
	mux.HandleFunc("/v1/sessions/s1/rewind", func(w http.ResponseWriter, r *http.Request) {
		if lastReq != nil {
			var req backend.RewindRequest
			json.NewDecoder(r.Body).Decode(&req)
			*lastReq = &req
		}
		json.NewEncoder(w).Encode(rewindResp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctl := New(backend.NewClient(srv.URL, ""), "s1", func() { reloads++ })
	return ctl, &reloads
}

func threeCheckpoints() []backend.Checkpoint {
	return []backend.Checkpoint{
		{ID: "c1", Index: 1, Preview: "first"},
		{ID: "c2", Index: 2, Preview: "second", HasSnapshot: true},
		{ID: "c3", Index: 3, Preview: "third"},
	}
}

func TestLoadAndSelect(t *testing.T) {
	ctl, _ := newControllerWithServer(t, threeCheckpoints(), nil, nil)
	assert.Equal(t, PhaseIdle, ctl.Phase())

	require.NoError(t, ctl.Load(context.Background()))
	assert.Equal(t, PhaseReady, ctl.Phase())
	assert.Len(t, ctl.Checkpoints(), 3)

	require.NoError(t, ctl.Select("c2"))
	assert.Equal(t, "c2", ctl.Selected().ID)

	assert.Error(t, ctl.Select("nope"))
}

func TestEstimateRemoved(t *testing.T) {
	ctl, _ := newControllerWithServer(t, threeCheckpoints(), nil, nil)
	require.NoError(t, ctl.Load(context.Background()))

	_, err := ctl.EstimateRemoved(Options{})
	assert.ErrorIs(t, err, ErrNoSelection)

	require.NoError(t, ctl.Select("c1"))
	n, err := ctl.EstimateRemoved(Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, n) // total(3) - index(1)

	n, err = ctl.EstimateRemoved(Options{KeepResponse: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n) // total(3) - index(1) - 1
}

func TestExecuteSuccessTriggersReload(t *testing.T) {
	var captured *backend.RewindRequest
	ctl, reloads := newControllerWithServer(t, threeCheckpoints(),
		&backend.RewindResponse{Success: true, MessagesRemoved: 4}, &captured)

	require.NoError(t, ctl.Load(context.Background()))
	require.NoError(t, ctl.Select("c2"))

	resp, err := ctl.Execute(context.Background(), Options{
		RestoreConversation:  true,
		RestoreExternalState: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, resp.MessagesRemoved)
	assert.Equal(t, PhaseDone, ctl.Phase())
	assert.Equal(t, 1, *reloads)

	require.NotNil(t, captured)
	assert.Equal(t, "c2", captured.TargetCheckpoint)
	assert.True(t, captured.RestoreExternalState)
}

func TestExecuteWithoutSelection(t *testing.T) {
	ctl, _ := newControllerWithServer(t, threeCheckpoints(), nil, nil)
	require.NoError(t, ctl.Load(context.Background()))

	_, err := ctl.Execute(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrNoSelection)
}

func TestExecuteSnapshotGuard(t *testing.T) {
	ctl, _ := newControllerWithServer(t, threeCheckpoints(), nil, nil)
	require.NoError(t, ctl.Load(context.Background()))
	require.NoError(t, ctl.Select("c1")) // no snapshot recorded

	_, err := ctl.Execute(context.Background(), Options{RestoreExternalState: true})
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestExecuteFailureLeavesStateAlone(t *testing.T) {
	ctl, reloads := newControllerWithServer(t, threeCheckpoints(),
		&backend.RewindResponse{Success: false, Error: "checkpoint expired"}, nil)

	require.NoError(t, ctl.Load(context.Background()))
	require.NoError(t, ctl.Select("c3"))

	_, err := ctl.Execute(context.Background(), Options{RestoreConversation: true})
	require.Error(t, err)
	assert.Equal(t, PhaseFailed, ctl.Phase())
	assert.Equal(t, "checkpoint expired", ctl.LastError())
	assert.Equal(t, 0, *reloads)
}
