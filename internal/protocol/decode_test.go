package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventDispatch(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"chunk","session_id":"s1","text":"hi"}`))
	require.NoError(t, err)
	chunk, ok := ev.(*ChunkEvent)
	require.True(t, ok)
	assert.Equal(t, "hi", chunk.Text)
	assert.Equal(t, "s1", chunk.Base().SessionID)

	ev, err = DecodeEvent([]byte(`{"type":"tool_invocation","tool_id":"t1","name":"Read","input":{"path":"x"}}`))
	require.NoError(t, err)
	tool := ev.(*ToolInvocationEvent)
	assert.Equal(t, "t1", tool.ToolID)
	assert.Equal(t, "Read", tool.Name)
	assert.JSONEq(t, `{"path":"x"}`, string(tool.Input))
}

func TestDecodeEventHistory(t *testing.T) {
	data := []byte(`{
		"type": "history",
		"session_id": "s1",
		"streaming": true,
		"buffer": "part",
		"usage": {"total_tokens": 42},
		"messages": [
			{"id": "m1", "kind": "text", "role": "user", "content": "hi"},
			{"id": "m2", "kind": "subagent", "agent_id": "a1",
			 "children": [{"id": "c1", "kind": "tool", "tool_id": "t1", "tool_name": "Grep"}]}
		]
	}`)

	ev, err := DecodeEvent(data)
	require.NoError(t, err)
	hist := ev.(*HistoryEvent)
	assert.True(t, hist.Streaming)
	assert.Equal(t, "part", hist.Buffer)
	assert.Equal(t, 42, hist.Usage.TotalTokens)
	require.Len(t, hist.Messages, 2)
	require.Len(t, hist.Messages[1].Children, 1)
	assert.Equal(t, "Grep", hist.Messages[1].Children[0].ToolName)
}

func TestDecodeEventUnknownTypeTolerated(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"hologram","session_id":"s1","weird":true}`))
	require.NoError(t, err)
	unknown, ok := ev.(*UnknownEvent)
	require.True(t, ok)
	assert.Equal(t, "hologram", unknown.EventType())
	assert.Equal(t, "s1", unknown.Base().SessionID)
}

func TestDecodeEventMalformed(t *testing.T) {
	_, err := DecodeEvent([]byte(`{not json`))
	assert.Error(t, err)
}

func TestUsageAdd(t *testing.T) {
	sum := Usage{PromptTokens: 10, TotalTokens: 15, CostUSD: 0.01}.
		Add(Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8, CostUSD: 0.02})
	assert.Equal(t, 15, sum.PromptTokens)
	assert.Equal(t, 3, sum.CompletionTokens)
	assert.Equal(t, 23, sum.TotalTokens)
	assert.InDelta(t, 0.03, sum.CostUSD, 1e-9)
}
