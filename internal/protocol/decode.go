package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeEvent parses a raw frame into a typed event. Unrecognized types
// decode into UnknownEvent rather than failing, so protocol additions on
// the server never break an older client. Only malformed JSON is an error.
func DecodeEvent(data []byte) (Event, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("decode event header: %w", err)
	}

	var ev Event
	switch base.Type {
	case TypeHistory:
		ev = &HistoryEvent{}
	case TypeStart:
		ev = &StartEvent{}
	case TypeChunk:
		ev = &ChunkEvent{}
	case TypeToolInvocation:
		ev = &ToolInvocationEvent{}
	case TypeToolResult:
		ev = &ToolResultEvent{}
	case TypeDone:
		ev = &DoneEvent{}
	case TypeStopped:
		ev = &StoppedEvent{}
	case TypeInterrupted:
		ev = &InterruptedEvent{}
	case TypeError:
		ev = &ErrorEvent{}
	case TypeSubagentStart:
		ev = &SubagentStartEvent{}
	case TypeSubagentChunk:
		ev = &SubagentChunkEvent{}
	case TypeSubagentToolInvocation:
		ev = &SubagentToolInvocationEvent{}
	case TypeSubagentToolResult:
		ev = &SubagentToolResultEvent{}
	case TypeSubagentDone:
		ev = &SubagentDoneEvent{}
	case TypeState:
		ev = &StateEvent{}
	case TypePing:
		ev = &PingEvent{}
	default:
		return &UnknownEvent{BaseMessage: base, Raw: append([]byte(nil), data...)}, nil
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", base.Type, err)
	}
	return ev, nil
}
