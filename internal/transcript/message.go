// Package transcript reconstructs a coherent conversation transcript from
// the flat stream of protocol events emitted by the agent backend.
package transcript

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/Quickkill0/agentsync/internal/protocol"
)

// Kind discriminates the message variants.
type Kind string

const (
	KindText     Kind = "text"
	KindTool     Kind = "tool"
	KindSystem   Kind = "system"
	KindSubagent Kind = "subagent"
)

// ToolStatus tracks a tool invocation's lifecycle.
type ToolStatus string

const (
	ToolRunning  ToolStatus = "running"
	ToolComplete ToolStatus = "complete"
	ToolError    ToolStatus = "error"
)

// AgentStatus tracks a delegated sub-task's lifecycle.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentError     AgentStatus = "error"
)

// Message is one reconstructed transcript entry. The closed variant set
// keeps illegal combinations (a text message with a tool id, say)
// unrepresentable.
type Message interface {
	Kind() Kind
	MessageID() string
	IsStreaming() bool

	// clone returns a deep copy so reduction never mutates a transcript
	// the caller still holds.
	clone() Message
}

// TextMessage is a plain text bubble from the user, the assistant, or the
// system.
type TextMessage struct {
	ID        string
	Role      string // user, assistant, system
	Content   string
	Streaming bool
}

func (m *TextMessage) Kind() Kind        { return KindText }
func (m *TextMessage) MessageID() string { return m.ID }
func (m *TextMessage) IsStreaming() bool { return m.Streaming }

func (m *TextMessage) clone() Message {
	c := *m
	return &c
}

// ToolMessage is one tool invocation and, once matched, its result.
type ToolMessage struct {
	ID        string
	ToolID    string
	Name      string
	Input     json.RawMessage
	Output    string
	Status    ToolStatus
	Streaming bool
}

func (m *ToolMessage) Kind() Kind        { return KindTool }
func (m *ToolMessage) MessageID() string { return m.ID }
func (m *ToolMessage) IsStreaming() bool { return m.Streaming }

func (m *ToolMessage) clone() Message {
	c := *m
	return &c
}

// SystemMessage carries out-of-band notices that belong in the transcript.
type SystemMessage struct {
	ID      string
	Content string
}

func (m *SystemMessage) Kind() Kind        { return KindSystem }
func (m *SystemMessage) MessageID() string { return m.ID }
func (m *SystemMessage) IsStreaming() bool { return false }

func (m *SystemMessage) clone() Message {
	c := *m
	return &c
}

// SubagentMessage is a delegated sub-task. Its own tool calls and text are
// nested in Children, never at top level.
type SubagentMessage struct {
	ID          string
	AgentID     string
	AgentType   string
	Description string
	Content     string // final result once done
	Status      AgentStatus
	Streaming   bool
	Children    []Message
}

func (m *SubagentMessage) Kind() Kind        { return KindSubagent }
func (m *SubagentMessage) MessageID() string { return m.ID }
func (m *SubagentMessage) IsStreaming() bool { return m.Streaming }

func (m *SubagentMessage) clone() Message {
	c := *m
	c.Children = make([]Message, len(m.Children))
	for i, child := range m.Children {
		c.Children[i] = child.clone()
	}
	return &c
}

func newID() string { return uuid.New().String() }

// fromHistory converts one wire history record into the typed variant.
func fromHistory(h protocol.HistoryMessage) Message {
	id := h.ID
	if id == "" {
		id = newID()
	}
	switch h.Kind {
	case "tool":
		status := ToolStatus(h.ToolStatus)
		if status == "" {
			status = ToolComplete
		}
		return &ToolMessage{
			ID:     id,
			ToolID: h.ToolID,
			Name:   h.ToolName,
			Input:  h.ToolInput,
			Output: h.ToolOutput,
			Status: status,
		}
	case "system":
		return &SystemMessage{ID: id, Content: h.Content}
	case "subagent":
		status := AgentStatus(h.AgentStatus)
		if status == "" {
			status = AgentCompleted
		}
		children := make([]Message, 0, len(h.Children))
		for _, child := range h.Children {
			children = append(children, fromHistory(child))
		}
		return &SubagentMessage{
			ID:          id,
			AgentID:     h.AgentID,
			AgentType:   h.AgentType,
			Description: h.Description,
			Content:     h.Content,
			Status:      status,
			Children:    children,
		}
	default:
		role := h.Role
		if role == "" {
			role = "assistant"
		}
		return &TextMessage{ID: id, Role: role, Content: h.Content}
	}
}
