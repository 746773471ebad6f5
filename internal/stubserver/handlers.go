package stubserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Quickkill0/agentsync/internal/backend"
)

func (s *Server) handleGetSession(c echo.Context) error {
	state, err := s.store.GetSession(c.Param("id"))
	if errors.Is(err, backend.ErrNotFound) {
		return c.JSON(http.StatusNotFound, backend.ErrorResponse{Error: "session not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, backend.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleGetChanges(c echo.Context) error {
	sessionID := c.Param("id")
	since, _ := strconv.ParseInt(c.QueryParam("since"), 10, 64)

	changes, latest, err := s.store.ChangesSince(sessionID, since)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, backend.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(http.StatusOK, backend.ChangesResponse{
		Changes:          changes,
		LatestID:         latest,
		IsStreaming:      false,
		ConnectedDevices: s.sessionDeviceCount(sessionID),
	})
}

func (s *Server) handleGetCheckpoints(c echo.Context) error {
	checkpoints, err := s.store.ListCheckpoints(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, backend.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, backend.CheckpointsResponse{Checkpoints: checkpoints})
}

func (s *Server) handleRewind(c echo.Context) error {
	sessionID := c.Param("id")

	var req backend.RewindRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, backend.ErrorResponse{Error: "invalid rewind request"})
	}

	removed, err := s.store.Rewind(sessionID, req.TargetCheckpoint, req.KeepResponse)
	if errors.Is(err, backend.ErrNotFound) {
		return c.JSON(http.StatusOK, backend.RewindResponse{
			Success: false,
			Error:   "unknown checkpoint " + req.TargetCheckpoint,
		})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, backend.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(http.StatusOK, backend.RewindResponse{
		Success:         true,
		MessagesRemoved: removed,
	})
}

func (s *Server) handleGetPreference(c echo.Context) error {
	blob, err := s.store.GetPreference(c.Param("name"))
	if errors.Is(err, backend.ErrNotFound) {
		return c.JSON(http.StatusNotFound, backend.ErrorResponse{Error: "preference not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, backend.ErrorResponse{Error: err.Error()})
	}
	return c.JSONBlob(http.StatusOK, blob)
}

func (s *Server) handleSavePreference(c echo.Context) error {
	blob, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, backend.ErrorResponse{Error: "read body"})
	}
	if !json.Valid(blob) {
		return c.JSON(http.StatusBadRequest, backend.ErrorResponse{Error: "preference must be JSON"})
	}
	if err := s.store.SavePreference(c.Param("name"), blob); err != nil {
		return c.JSON(http.StatusInternalServerError, backend.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
