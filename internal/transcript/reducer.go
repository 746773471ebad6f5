package transcript

import (
	"log"

	"github.com/Quickkill0/agentsync/internal/protocol"
)

// Transcript is the reconstructed conversation state for one session.
// Usage holds merged totals: the baseline from the last full history load
// plus every per-turn increment seen since.
type Transcript struct {
	Messages  []Message
	Usage     protocol.Usage
	Streaming bool   // a turn is in flight
	Err       string // last session-level error, cleared on the next turn
}

// Reduce applies one protocol event to a transcript and returns the next
// transcript. It is pure: the input transcript is never mutated, and
// unknown event types are no-ops.
func Reduce(t Transcript, ev protocol.Event) Transcript {
	switch e := ev.(type) {
	case *protocol.HistoryEvent:
		return reduceHistory(e)
	case *protocol.StartEvent:
		msgs := closeStreamingText(copyMessages(t.Messages))
		if e.Prompt != "" {
			msgs = append(msgs, &TextMessage{ID: newID(), Role: "user", Content: e.Prompt})
		}
		t.Messages = appendPlaceholder(msgs)
		t.Streaming = true
		t.Err = ""
		return t
	case *protocol.ChunkEvent:
		t.Messages = appendChunk(copyMessages(t.Messages), e.Text)
		t.Streaming = true
		return t
	case *protocol.ToolInvocationEvent:
		msgs := closeStreamingText(copyMessages(t.Messages))
		t.Messages = append(msgs, &ToolMessage{
			ID:        newID(),
			ToolID:    e.ToolID,
			Name:      e.Name,
			Input:     e.Input,
			Status:    ToolRunning,
			Streaming: true,
		})
		t.Streaming = true
		return t
	case *protocol.ToolResultEvent:
		t.Messages = applyToolResult(copyMessages(t.Messages), e.ToolID, e.Output, e.IsError)
		return t
	case *protocol.DoneEvent:
		t.Messages = closeAll(copyMessages(t.Messages))
		t.Usage = t.Usage.Add(e.Usage)
		t.Streaming = false
		return t
	case *protocol.StoppedEvent, *protocol.InterruptedEvent:
		t.Messages = markStopped(closeAll(copyMessages(t.Messages)))
		t.Streaming = false
		return t
	case *protocol.ErrorEvent:
		t.Messages = closeAll(copyMessages(t.Messages))
		t.Err = e.Message
		t.Streaming = false
		return t
	case *protocol.SubagentStartEvent:
		msgs := closeStreamingText(copyMessages(t.Messages))
		msgs = closeTool(msgs, e.ToolID)
		t.Messages = append(msgs, &SubagentMessage{
			ID:          newID(),
			AgentID:     e.AgentID,
			AgentType:   e.AgentType,
			Description: e.Description,
			Status:      AgentRunning,
			Streaming:   true,
		})
		t.Streaming = true
		return t
	case *protocol.SubagentChunkEvent:
		t.Messages = updateSubagent(copyMessages(t.Messages), e.AgentID, func(sub *SubagentMessage) {
			sub.Children = appendChunk(sub.Children, e.Text)
		})
		return t
	case *protocol.SubagentToolInvocationEvent:
		t.Messages = updateSubagent(copyMessages(t.Messages), e.AgentID, func(sub *SubagentMessage) {
			children := closeStreamingText(sub.Children)
			sub.Children = append(children, &ToolMessage{
				ID:        newID(),
				ToolID:    e.ToolID,
				Name:      e.Name,
				Input:     e.Input,
				Status:    ToolRunning,
				Streaming: true,
			})
		})
		return t
	case *protocol.SubagentToolResultEvent:
		t.Messages = updateSubagent(copyMessages(t.Messages), e.AgentID, func(sub *SubagentMessage) {
			sub.Children = applyToolResult(sub.Children, e.ToolID, e.Output, e.IsError)
		})
		return t
	case *protocol.SubagentDoneEvent:
		msgs := updateSubagent(copyMessages(t.Messages), e.AgentID, func(sub *SubagentMessage) {
			sub.Children = closeAll(sub.Children)
			sub.Content = e.Result
			sub.Status = AgentCompleted
			if e.IsError {
				sub.Status = AgentError
			}
			sub.Streaming = false
		})
		// The delegating agent keeps narrating after the sub-task returns.
		if !hasStreamingText(msgs) {
			msgs = appendPlaceholder(msgs)
		}
		t.Messages = msgs
		return t
	default:
		// state, ping, unknown: nothing for the transcript to do.
		return t
	}
}

func reduceHistory(e *protocol.HistoryEvent) Transcript {
	msgs := make([]Message, 0, len(e.Messages)+1)
	for _, h := range e.Messages {
		msgs = append(msgs, fromHistory(h))
	}
	if e.Streaming {
		// The fixed id keeps re-delivered history snapshots idempotent.
		msgs = append(msgs, &TextMessage{
			ID:        "inflight",
			Role:      "assistant",
			Content:   e.Buffer,
			Streaming: true,
		})
	}
	return Transcript{
		Messages:  msgs,
		Usage:     e.Usage,
		Streaming: e.Streaming,
	}
}

func copyMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// mutate replaces msgs[i] with a deep copy and returns the copy, so the
// caller can modify it without touching the previous transcript.
func mutate(msgs []Message, i int) Message {
	msgs[i] = msgs[i].clone()
	return msgs[i]
}

func appendPlaceholder(msgs []Message) []Message {
	return append(msgs, &TextMessage{ID: newID(), Role: "assistant", Streaming: true})
}

// closeStreamingText ends the active streaming text run: the wire protocol
// never closes a text run explicitly before a structurally different event,
// so closure is inferred here. An empty run is removed outright rather than
// left as an empty bubble.
func closeStreamingText(msgs []Message) []Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		txt, ok := msgs[i].(*TextMessage)
		if !ok || !txt.Streaming {
			continue
		}
		if txt.Content == "" {
			return append(msgs[:i], msgs[i+1:]...)
		}
		mutate(msgs, i).(*TextMessage).Streaming = false
		return msgs
	}
	return msgs
}

// appendChunk concatenates text onto the active streaming assistant
// message, creating one if an out-of-order interleave left none open.
func appendChunk(msgs []Message, text string) []Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		txt, ok := msgs[i].(*TextMessage)
		if ok && txt.Streaming && txt.Role == "assistant" {
			mutate(msgs, i).(*TextMessage).Content += text
			return msgs
		}
	}
	return append(msgs, &TextMessage{ID: newID(), Role: "assistant", Content: text, Streaming: true})
}

// applyToolResult resolves a tool invocation by id, falling back to the
// most recent running invocation when the source omitted the id. The
// fallback is only unambiguous while at most one tool runs at a time.
func applyToolResult(msgs []Message, toolID, output string, isError bool) []Message {
	idx := -1
	if toolID != "" {
		for i := len(msgs) - 1; i >= 0; i-- {
			if tool, ok := msgs[i].(*ToolMessage); ok && tool.ToolID == toolID {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		running := 0
		for i := len(msgs) - 1; i >= 0; i-- {
			if tool, ok := msgs[i].(*ToolMessage); ok && tool.Status == ToolRunning {
				if idx < 0 {
					idx = i
				}
				running++
			}
		}
		if idx >= 0 && toolID != "" {
			log.Printf("tool result %s matched no invocation, using most recent running", toolID)
		}
		if running > 1 {
			log.Printf("tool result fallback with %d running invocations, match may be wrong", running)
		}
	}
	if idx < 0 {
		return msgs
	}

	tool := mutate(msgs, idx).(*ToolMessage)
	tool.Output = output
	tool.Status = ToolComplete
	if isError {
		tool.Status = ToolError
	}
	tool.Streaming = false

	// Continuation placeholder: the agent usually narrates after a result.
	// A chunk interleaved during the tool run already opened the text run,
	// in which case there must not be a second one.
	if hasStreamingText(msgs) {
		return msgs
	}
	return appendPlaceholder(msgs)
}

// hasStreamingText reports whether an open streaming text run exists.
func hasStreamingText(msgs []Message) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		if txt, ok := msgs[i].(*TextMessage); ok && txt.Streaming {
			return true
		}
	}
	return false
}

// updateSubagent clones the named subagent in place and applies fn to the
// copy. Events for an unknown agent id are dropped.
func updateSubagent(msgs []Message, agentID string, fn func(*SubagentMessage)) []Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if sub, ok := msgs[i].(*SubagentMessage); ok && sub.AgentID == agentID {
			fn(mutate(msgs, i).(*SubagentMessage))
			return msgs
		}
	}
	log.Printf("event for unknown subagent %s dropped", agentID)
	return msgs
}

// closeTool marks the invocation that launched a subagent as complete.
func closeTool(msgs []Message, toolID string) []Message {
	if toolID == "" {
		return msgs
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if tool, ok := msgs[i].(*ToolMessage); ok && tool.ToolID == toolID {
			c := mutate(msgs, i).(*ToolMessage)
			c.Status = ToolComplete
			c.Streaming = false
			return msgs
		}
	}
	return msgs
}

// closeAll freezes every streaming message and drops leftover empty text
// placeholders.
func closeAll(msgs []Message) []Message {
	out := msgs[:0]
	for i := range msgs {
		m := msgs[i]
		if !m.IsStreaming() {
			out = append(out, m)
			continue
		}
		if txt, ok := m.(*TextMessage); ok && txt.Content == "" {
			continue
		}
		switch c := m.clone().(type) {
		case *TextMessage:
			c.Streaming = false
			out = append(out, c)
		case *ToolMessage:
			c.Streaming = false
			out = append(out, c)
		case *SubagentMessage:
			c.Streaming = false
			c.Children = closeAll(c.Children)
			out = append(out, c)
		default:
			out = append(out, m)
		}
	}
	return out
}

// markStopped appends a visible stop marker to the last assistant text
// message, creating one when the turn was stopped before any text arrived.
func markStopped(msgs []Message) []Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if txt, ok := msgs[i].(*TextMessage); ok && txt.Role == "assistant" {
			mutate(msgs, i).(*TextMessage).Content = txt.Content + " [Stopped]"
			return msgs
		}
	}
	return append(msgs, &TextMessage{ID: newID(), Role: "assistant", Content: "[Stopped]"})
}
