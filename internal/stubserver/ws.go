package stubserver

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Quickkill0/agentsync/internal/protocol"
)

func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return err
	}

	cl := &client{ws: ws}
	s.mu.Lock()
	s.clients[cl] = true
	s.mu.Unlock()

	go s.readLoop(cl)
	return nil
}

func (s *Server) readLoop(cl *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, cl)
		s.mu.Unlock()
		cl.ws.Close()
	}()

	for {
		_, data, err := cl.ws.ReadMessage()
		if err != nil {
			return
		}

		var base protocol.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			log.Printf("invalid frame: %v", err)
			continue
		}
		if base.SourceDeviceID != "" {
			cl.deviceID = base.SourceDeviceID
		}

		switch base.Type {
		case protocol.TypeQuery:
			var cmd protocol.QueryCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			s.handleQuery(cl, &cmd)
		case protocol.TypeStop:
			s.handleStop(cl, base)
		case protocol.TypeLoadSession:
			s.handleLoadSession(cl, base)
		case protocol.TypePong:
			// liveness confirmed, nothing to do
		default:
			log.Printf("unknown command type: %s", base.Type)
		}
	}
}

// bindSession attaches the client to a session, creating it on first use,
// and sends the joining state snapshot.
func (s *Server) bindSession(cl *client, sessionID string) string {
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()[:8]
	}
	if err := s.store.CreateSession(sessionID, ""); err != nil {
		log.Printf("create session %s: %v", sessionID, err)
	}
	cl.sessionID = sessionID

	state := &protocol.StateEvent{
		BaseMessage:      s.header(protocol.TypeState, sessionID, ""),
		ConnectedDevices: s.sessionDeviceCount(sessionID),
	}
	if err := cl.writeJSON(state); err != nil {
		log.Printf("send state: %v", err)
	}
	return sessionID
}

func (s *Server) handleQuery(cl *client, cmd *protocol.QueryCommand) {
	sessionID := cmd.SessionID
	if cl.sessionID != "" && sessionID == "" {
		sessionID = cl.sessionID
	}
	sessionID = s.bindSession(cl, sessionID)
	device := cmd.SourceDeviceID

	userMsg := protocol.HistoryMessage{
		ID:      uuid.New().String(),
		Kind:    "text",
		Role:    "user",
		Content: cmd.Prompt,
	}
	if _, err := s.store.AppendMessage(sessionID, userMsg); err != nil {
		log.Printf("persist user message: %v", err)
	}

	turn := s.responder(sessionID, cmd.Prompt)
	go s.runTurn(sessionID, device, cmd.Prompt, turn)
}

// runTurn plays one scripted response: the event stream all connected
// devices see, plus the durable artifacts (messages, checkpoint, usage).
// Only the start event names the originating device; it is the reflection
// of that device's query, already applied there optimistically. The agent
// output itself originates from the backend and applies everywhere.
func (s *Server) runTurn(sessionID, device, prompt string, turn Turn) {
	s.broadcast(sessionID, &protocol.StartEvent{
		BaseMessage: s.header(protocol.TypeStart, sessionID, device),
		Prompt:      prompt,
	})

	for _, chunk := range turn.Chunks {
		s.broadcast(sessionID, &protocol.ChunkEvent{
			BaseMessage: s.header(protocol.TypeChunk, sessionID, ""),
			Text:        chunk,
		})
	}
	if text := strings.Join(turn.Chunks, ""); text != "" {
		s.persistText(sessionID, text)
	}

	if turn.Tool != nil {
		toolID := uuid.New().String()
		s.broadcast(sessionID, &protocol.ToolInvocationEvent{
			BaseMessage: s.header(protocol.TypeToolInvocation, sessionID, ""),
			ToolID:      toolID,
			Name:        turn.Tool.Name,
			Input:       turn.Tool.Input,
		})
		s.broadcast(sessionID, &protocol.ToolResultEvent{
			BaseMessage: s.header(protocol.TypeToolResult, sessionID, ""),
			ToolID:      toolID,
			Output:      turn.Tool.Output,
		})
		if _, err := s.store.AppendMessage(sessionID, protocol.HistoryMessage{
			ID:         uuid.New().String(),
			Kind:       "tool",
			ToolID:     toolID,
			ToolName:   turn.Tool.Name,
			ToolInput:  turn.Tool.Input,
			ToolOutput: turn.Tool.Output,
			ToolStatus: "complete",
		}); err != nil {
			log.Printf("persist tool message: %v", err)
		}

		for _, chunk := range turn.After {
			s.broadcast(sessionID, &protocol.ChunkEvent{
				BaseMessage: s.header(protocol.TypeChunk, sessionID, ""),
				Text:        chunk,
			})
		}
		if text := strings.Join(turn.After, ""); text != "" {
			s.persistText(sessionID, text)
		}
	}

	seq, err := s.store.CountMessages(sessionID)
	if err != nil {
		log.Printf("count messages: %v", err)
	}
	preview := strings.Join(turn.Chunks, "")
	if len(preview) > 60 {
		preview = preview[:60]
	}
	if err := s.store.AddCheckpoint(sessionID, uuid.New().String(), preview, false, seq, time.Now().UnixMilli()); err != nil {
		log.Printf("add checkpoint: %v", err)
	}
	if err := s.store.AddUsage(sessionID, turn.Usage); err != nil {
		log.Printf("add usage: %v", err)
	}

	s.broadcast(sessionID, &protocol.DoneEvent{
		BaseMessage: s.header(protocol.TypeDone, sessionID, ""),
		Usage:       turn.Usage,
	})
}

func (s *Server) handleStop(cl *client, base protocol.BaseMessage) {
	sessionID := base.SessionID
	if sessionID == "" {
		sessionID = cl.sessionID
	}
	if sessionID == "" {
		return
	}
	s.broadcast(sessionID, &protocol.StoppedEvent{
		BaseMessage: s.header(protocol.TypeStopped, sessionID, ""),
	})
}

func (s *Server) handleLoadSession(cl *client, base protocol.BaseMessage) {
	sessionID := base.SessionID
	if sessionID == "" {
		sessionID = cl.sessionID
	}
	if sessionID == "" {
		return
	}
	s.bindSession(cl, sessionID)

	state, err := s.store.GetSession(sessionID)
	if err != nil {
		log.Printf("load session %s: %v", sessionID, err)
		errEv := &protocol.ErrorEvent{
			BaseMessage: s.header(protocol.TypeError, sessionID, ""),
			Message:     "session not found",
		}
		if err := cl.writeJSON(errEv); err != nil {
			log.Printf("send error: %v", err)
		}
		return
	}

	hist := &protocol.HistoryEvent{
		BaseMessage: s.header(protocol.TypeHistory, sessionID, ""),
		Messages:    state.Messages,
		Usage:       state.Usage,
		Title:       state.Title,
	}
	if err := cl.writeJSON(hist); err != nil {
		log.Printf("send history: %v", err)
	}
}

// broadcast fans one event out to every connection on the session and
// records it in the change log for pollers.
func (s *Server) broadcast(sessionID string, ev protocol.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("marshal event: %v", err)
		return
	}
	if _, err := s.store.AppendChange(sessionID, data); err != nil {
		log.Printf("record change: %v", err)
	}

	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for cl := range s.clients {
		if cl.sessionID == sessionID {
			targets = append(targets, cl)
		}
	}
	s.mu.Unlock()

	for _, cl := range targets {
		if err := cl.writeJSON(json.RawMessage(data)); err != nil {
			log.Printf("fanout failed: %v", err)
		}
	}
}

func (s *Server) sessionDeviceCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := make(map[string]bool)
	for cl := range s.clients {
		if cl.sessionID == sessionID {
			devices[cl.deviceID] = true
		}
	}
	return len(devices)
}

func (s *Server) header(msgType, sessionID, device string) protocol.BaseMessage {
	return protocol.BaseMessage{
		Type:           msgType,
		Ts:             time.Now().UnixMilli(),
		SessionID:      sessionID,
		SourceDeviceID: device,
	}
}

func (s *Server) persistText(sessionID, text string) {
	if _, err := s.store.AppendMessage(sessionID, protocol.HistoryMessage{
		ID:      uuid.New().String(),
		Kind:    "text",
		Role:    "assistant",
		Content: text,
	}); err != nil {
		log.Printf("persist assistant message: %v", err)
	}
}
