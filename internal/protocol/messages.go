// Package protocol defines the duplex wire protocol between the client
// engine and the agent backend.
package protocol

import "encoding/json"

// Event types from server to client
const (
	TypeHistory                = "history"
	TypeStart                  = "start"
	TypeChunk                  = "chunk"
	TypeToolInvocation         = "tool_invocation"
	TypeToolResult             = "tool_result"
	TypeDone                   = "done"
	TypeStopped                = "stopped"
	TypeInterrupted            = "interrupted"
	TypeError                  = "error"
	TypeSubagentStart          = "subagent_start"
	TypeSubagentChunk          = "subagent_chunk"
	TypeSubagentToolInvocation = "subagent_tool_invocation"
	TypeSubagentToolResult     = "subagent_tool_result"
	TypeSubagentDone           = "subagent_done"
	TypeState                  = "state"
	TypePing                   = "ping"
)

// Command types from client to server
const (
	TypeQuery       = "query"
	TypeStop        = "stop"
	TypeLoadSession = "load_session"
	TypePong        = "pong"
)

// BaseMessage contains common fields for all messages on the wire.
type BaseMessage struct {
	Type           string `json:"type"`
	Ts             int64  `json:"ts"`
	RequestID      string `json:"request_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	SourceDeviceID string `json:"source_device_id,omitempty"`
}

// Base returns the shared header. It lets *BaseMessage satisfy Event when
// embedded in a concrete event struct.
func (m *BaseMessage) Base() BaseMessage { return *m }

// Event is a decoded server-to-client message.
type Event interface {
	Base() BaseMessage
	EventType() string
}

// Usage carries token and cost counters for one turn or one session.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// Add returns the element-wise sum of two usage counters.
func (u Usage) Add(delta Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + delta.PromptTokens,
		CompletionTokens: u.CompletionTokens + delta.CompletionTokens,
		TotalTokens:      u.TotalTokens + delta.TotalTokens,
		CostUSD:          u.CostUSD + delta.CostUSD,
	}
}

// HistoryMessage is the wire shape of one reconstructed message inside a
// history snapshot. It is a flat record; the engine converts it to the
// typed transcript variants.
type HistoryMessage struct {
	ID          string           `json:"id"`
	Kind        string           `json:"kind"` // text, tool, system, subagent
	Role        string           `json:"role,omitempty"`
	Content     string           `json:"content,omitempty"`
	ToolID      string           `json:"tool_id,omitempty"`
	ToolName    string           `json:"tool_name,omitempty"`
	ToolInput   json.RawMessage  `json:"tool_input,omitempty"`
	ToolOutput  string           `json:"tool_output,omitempty"`
	ToolStatus  string           `json:"tool_status,omitempty"`
	AgentID     string           `json:"agent_id,omitempty"`
	AgentType   string           `json:"agent_type,omitempty"`
	Description string           `json:"description,omitempty"`
	AgentStatus string           `json:"agent_status,omitempty"`
	Children    []HistoryMessage `json:"children,omitempty"`
}

// HistoryEvent replaces the transcript wholesale. If the session was
// mid-stream when this client joined, Streaming is true and Buffer holds
// the in-flight text accumulated so far.
type HistoryEvent struct {
	BaseMessage
	Messages  []HistoryMessage `json:"messages"`
	Streaming bool             `json:"streaming,omitempty"`
	Buffer    string           `json:"buffer,omitempty"`
	Usage     Usage            `json:"usage"`
	Title     string           `json:"title,omitempty"`
}

func (e *HistoryEvent) EventType() string { return TypeHistory }

// StartEvent opens a new assistant turn. It is the reflection of one
// device's query, so SourceDeviceID names that device and Prompt carries
// the user's message for devices that did not send it.
type StartEvent struct {
	BaseMessage
	Prompt string `json:"prompt,omitempty"`
}

func (e *StartEvent) EventType() string { return TypeStart }

// ChunkEvent appends streamed text to the active assistant message.
type ChunkEvent struct {
	BaseMessage
	Text string `json:"text"`
}

func (e *ChunkEvent) EventType() string { return TypeChunk }

// ToolInvocationEvent announces a tool call made by the agent.
type ToolInvocationEvent struct {
	BaseMessage
	ToolID string          `json:"tool_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

func (e *ToolInvocationEvent) EventType() string { return TypeToolInvocation }

// ToolResultEvent carries the outcome of a previously announced tool call.
type ToolResultEvent struct {
	BaseMessage
	ToolID  string `json:"tool_id,omitempty"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

func (e *ToolResultEvent) EventType() string { return TypeToolResult }

// DoneEvent ends the current turn successfully.
type DoneEvent struct {
	BaseMessage
	Usage Usage `json:"usage"`
}

func (e *DoneEvent) EventType() string { return TypeDone }

// StoppedEvent ends the current turn after a client-requested stop.
type StoppedEvent struct {
	BaseMessage
}

func (e *StoppedEvent) EventType() string { return TypeStopped }

// InterruptedEvent ends the current turn after a backend-side interrupt.
type InterruptedEvent struct {
	BaseMessage
}

func (e *InterruptedEvent) EventType() string { return TypeInterrupted }

// ErrorEvent surfaces an application error from the agent and ends the turn.
type ErrorEvent struct {
	BaseMessage
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ErrorEvent) EventType() string { return TypeError }

// SubagentStartEvent announces a delegated sub-task. ToolID names the tool
// invocation that launched it.
type SubagentStartEvent struct {
	BaseMessage
	AgentID     string `json:"agent_id"`
	AgentType   string `json:"agent_type,omitempty"`
	Description string `json:"description,omitempty"`
	ToolID      string `json:"tool_id,omitempty"`
}

func (e *SubagentStartEvent) EventType() string { return TypeSubagentStart }

// SubagentChunkEvent streams text inside a subagent's nested conversation.
type SubagentChunkEvent struct {
	BaseMessage
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
}

func (e *SubagentChunkEvent) EventType() string { return TypeSubagentChunk }

// SubagentToolInvocationEvent announces a tool call inside a subagent.
type SubagentToolInvocationEvent struct {
	BaseMessage
	AgentID string          `json:"agent_id"`
	ToolID  string          `json:"tool_id"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
}

func (e *SubagentToolInvocationEvent) EventType() string { return TypeSubagentToolInvocation }

// SubagentToolResultEvent carries a tool outcome inside a subagent.
type SubagentToolResultEvent struct {
	BaseMessage
	AgentID string `json:"agent_id"`
	ToolID  string `json:"tool_id,omitempty"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

func (e *SubagentToolResultEvent) EventType() string { return TypeSubagentToolResult }

// SubagentDoneEvent completes a delegated sub-task with its final result.
type SubagentDoneEvent struct {
	BaseMessage
	AgentID string `json:"agent_id"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

func (e *SubagentDoneEvent) EventType() string { return TypeSubagentDone }

// StateEvent is the synthetic snapshot sent when joining a shared session.
// It always applies, regardless of source device.
type StateEvent struct {
	BaseMessage
	IsStreaming      bool `json:"is_streaming"`
	ConnectedDevices int  `json:"connected_devices"`
}

func (e *StateEvent) EventType() string { return TypeState }

// PingEvent is a server-initiated liveness probe; the client answers with
// a pong command immediately.
type PingEvent struct {
	BaseMessage
}

func (e *PingEvent) EventType() string { return TypePing }

// UnknownEvent preserves an event of an unrecognized type. Reducers treat
// it as a no-op so newer servers can talk to older clients.
type UnknownEvent struct {
	BaseMessage
	Raw json.RawMessage `json:"-"`
}

func (e *UnknownEvent) EventType() string { return e.Type }

// QueryCommand asks the agent to process a prompt.
type QueryCommand struct {
	BaseMessage
	Prompt  string `json:"prompt"`
	Profile string `json:"profile,omitempty"`
	Project string `json:"project,omitempty"`
}

// StopCommand asks the backend to halt the in-flight turn.
type StopCommand struct {
	BaseMessage
}

// LoadSessionCommand asks the backend to resend the full session history.
type LoadSessionCommand struct {
	BaseMessage
}

// PongCommand answers a server ping.
type PongCommand struct {
	BaseMessage
}
