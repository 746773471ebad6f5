// Package stubserver is an in-process agent backend used by integration
// tests and the CLI's stub mode. It speaks the full duplex event taxonomy
// over WebSocket, serves the REST surfaces over echo, and persists
// sessions in SQLite.
package stubserver

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Quickkill0/agentsync/internal/protocol"
)

// ToolStep scripts one tool call inside a turn.
type ToolStep struct {
	Name   string
	Input  json.RawMessage
	Output string
}

// Turn scripts one agent response.
type Turn struct {
	Chunks []string // streamed before the tool step, if any
	Tool   *ToolStep
	After  []string // streamed after the tool step
	Usage  protocol.Usage
}

// Responder produces the scripted turn for a prompt.
type Responder func(sessionID, prompt string) Turn

type client struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	sessionID string
	deviceID  string
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// Server is the stub backend.
type Server struct {
	store     *Store
	echo      *echo.Echo
	upgrader  websocket.Upgrader
	responder Responder

	mu      sync.Mutex
	clients map[*client]bool
}

// New creates a stub server over store. responder may be nil; the default
// echoes the prompt back.
func New(store *Store, responder Responder) *Server {
	if responder == nil {
		responder = func(_, prompt string) Turn {
			return Turn{Chunks: []string{"You said: ", prompt}}
		}
	}
	s := &Server{
		store:     store,
		responder: responder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
	}

	e := echo.New()
	e.HideBanner = true
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.GET("/v1/sessions/:id/changes", s.handleGetChanges)
	e.GET("/v1/sessions/:id/checkpoints", s.handleGetCheckpoints)
	e.POST("/v1/sessions/:id/rewind", s.handleRewind)
	e.GET("/v1/preferences/:name", s.handleGetPreference)
	e.PUT("/v1/preferences/:name", s.handleSavePreference)
	e.GET("/ws", s.handleWebSocket)
	s.echo = e
	return s
}

// Handler exposes the server as an http.Handler for httptest.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until the process exits.
func (s *Server) Start(addr string) error { return s.echo.Start(addr) }
