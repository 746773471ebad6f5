package stubserver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quickkill0/agentsync/internal/backend"
	"github.com/Quickkill0/agentsync/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func textMsg(id, role, content string) protocol.HistoryMessage {
	return protocol.HistoryMessage{ID: id, Kind: "text", Role: role, Content: content}
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateSession("s1", "first chat"))
	// Re-creating is a no-op, not an error.
	require.NoError(t, store.CreateSession("s1", "should be ignored"))

	state, err := store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "first chat", state.Title)
	assert.Empty(t, state.Messages)

	_, err = store.GetSession("missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestAppendMessageAssignsSequence(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession("s1", ""))

	seq, err := store.AppendMessage("s1", textMsg("m1", "user", "hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	seq, err = store.AppendMessage("s1", textMsg("m2", "assistant", "hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, seq)

	n, err := store.CountMessages("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	state, err := store.GetSession("s1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "hello", state.Messages[0].Content)
	assert.Equal(t, "hi", state.Messages[1].Content)
}

func TestAddUsageAccumulates(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession("s1", ""))

	require.NoError(t, store.AddUsage("s1", protocol.Usage{TotalTokens: 100, CostUSD: 0.01}))
	require.NoError(t, store.AddUsage("s1", protocol.Usage{TotalTokens: 50, CostUSD: 0.005}))

	state, err := store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, 150, state.Usage.TotalTokens)
	assert.InDelta(t, 0.015, state.Usage.CostUSD, 1e-9)
}

func TestCheckpointsOrderedByIndex(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession("s1", ""))

	require.NoError(t, store.AddCheckpoint("s1", "c1", "first", false, 2, 1000))
	require.NoError(t, store.AddCheckpoint("s1", "c2", "second", true, 4, 2000))

	checkpoints, err := store.ListCheckpoints("s1")
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	assert.Equal(t, 1, checkpoints[0].Index)
	assert.Equal(t, "c1", checkpoints[0].ID)
	assert.False(t, checkpoints[0].HasSnapshot)
	assert.Equal(t, 2, checkpoints[1].Index)
	assert.True(t, checkpoints[1].HasSnapshot)
}

func TestRewindTruncatesLog(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession("s1", ""))

	// Two turns: user+assistant each, with a checkpoint after each turn.
	for i, m := range []protocol.HistoryMessage{
		textMsg("m1", "user", "q1"),
		textMsg("m2", "assistant", "a1"),
	} {
		_, err := store.AppendMessage("s1", m)
		require.NoError(t, err, "message %d", i)
	}
	require.NoError(t, store.AddCheckpoint("s1", "c1", "q1", false, 2, 0))
	for _, m := range []protocol.HistoryMessage{
		textMsg("m3", "user", "q2"),
		textMsg("m4", "assistant", "a2"),
	} {
		_, err := store.AppendMessage("s1", m)
		require.NoError(t, err)
	}
	require.NoError(t, store.AddCheckpoint("s1", "c2", "q2", false, 4, 0))

	removed, err := store.Rewind("s1", "c1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	state, err := store.GetSession("s1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "a1", state.Messages[1].Content)

	// Checkpoints past the target are gone with the messages they covered.
	checkpoints, err := store.ListCheckpoints("s1")
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.Equal(t, "c1", checkpoints[0].ID)

	_, err = store.Rewind("s1", "missing", false)
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestRewindKeepResponse(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession("s1", ""))

	for _, m := range []protocol.HistoryMessage{
		textMsg("m1", "user", "q1"),
		textMsg("m2", "assistant", "a1"),
		textMsg("m3", "assistant", "followup"),
	} {
		_, err := store.AppendMessage("s1", m)
		require.NoError(t, err)
	}
	require.NoError(t, store.AddCheckpoint("s1", "c1", "q1", false, 1, 0))

	removed, err := store.Rewind("s1", "c1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	state, err := store.GetSession("s1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "a1", state.Messages[1].Content)
}

func TestChangeLogCursor(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateSession("s1", ""))

	id1, err := store.AppendChange("s1", []byte(`{"type":"start"}`))
	require.NoError(t, err)
	id2, err := store.AppendChange("s1", []byte(`{"type":"done"}`))
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	changes, latest, err := store.ChangesSince("s1", 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, id2, latest)

	changes, latest, err = store.ChangesSince("s1", id1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, json.RawMessage(`{"type":"done"}`), changes[0].Event)
	assert.Equal(t, id2, latest)

	changes, latest, err = store.ChangesSince("s1", id2)
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.Equal(t, id2, latest)
}

func TestPreferencesUpsert(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetPreference("layout")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, store.SavePreference("layout", json.RawMessage(`{"tabs":[]}`)))
	blob, err := store.GetPreference("layout")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tabs":[]}`, string(blob))

	require.NoError(t, store.SavePreference("layout", json.RawMessage(`{"tabs":[{"id":"t1"}]}`)))
	blob, err = store.GetPreference("layout")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tabs":[{"id":"t1"}]}`, string(blob))
}
