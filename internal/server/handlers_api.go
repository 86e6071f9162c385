package server

import (
	"encoding/json"
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/taskpulse/internal/coordination"
	"github.com/pscheid92/taskpulse/internal/gateway"
)

type emitRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type taskProgressRequest struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

type systemMessageRequest struct {
	Level   string `json:"level"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type statsResponse struct {
	Instance gateway.Stats              `json:"instance"`
	Cluster  []coordination.InstanceInfo `json:"cluster,omitempty"`
}

// handleRoomEvent accepts an event for fan-out to one room. The emit is
// asynchronous, delivery to every instance happens via the bus.
func (s *Server) handleRoomEvent(c echo.Context) error {
	room := c.Param("room")

	var req emitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "invalid request body"})
	}
	if req.Event == "" {
		return c.JSON(400, map[string]string{"error": "event is required"})
	}

	s.gateway.EmitToRoom(c.Request().Context(), room, req.Event, req.Data)
	return c.JSON(202, map[string]string{"status": "accepted"})
}

// handleBroadcast accepts an event for fan-out to every connected client.
func (s *Server) handleBroadcast(c echo.Context) error {
	var req emitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "invalid request body"})
	}
	if req.Event == "" {
		return c.JSON(400, map[string]string{"error": "event is required"})
	}

	s.gateway.EmitToAll(c.Request().Context(), req.Event, req.Data)
	return c.JSON(202, map[string]string{"status": "accepted"})
}

// handleTaskProgress pushes a progress update to the task's room.
func (s *Server) handleTaskProgress(c echo.Context) error {
	taskID := c.Param("id")

	var req taskProgressRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "invalid request body"})
	}
	if req.Status == "" {
		return c.JSON(400, map[string]string{"error": "status is required"})
	}
	if req.Progress < 0 || req.Progress > 100 {
		return c.JSON(400, map[string]string{"error": "progress must be between 0 and 100"})
	}

	s.gateway.UpdateTaskProgress(c.Request().Context(), taskID, req.Status, req.Progress, req.Message)
	return c.JSON(202, map[string]string{"status": "accepted"})
}

// handleSystemMessage delivers a reliable message to one client. Blocks
// until the client acknowledges or the ack deadline passes.
func (s *Server) handleSystemMessage(c echo.Context) error {
	clientID := c.Param("id")

	var req systemMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "invalid request body"})
	}
	if req.Message == "" {
		return c.JSON(400, map[string]string{"error": "message is required"})
	}

	delivered := s.gateway.SendSystemMessage(c.Request().Context(), clientID, req.Level, req.Code, req.Message)
	return c.JSON(202, map[string]bool{"delivered": delivered})
}

// handleStats merges the local gateway view with the cluster registry.
// A registry lookup failure degrades the response instead of failing it.
func (s *Server) handleStats(c echo.Context) error {
	resp := statsResponse{Instance: s.gateway.Stats()}

	cluster, err := s.instances.GetActiveInstances(c.Request().Context())
	if err != nil {
		slog.Warn("Failed to resolve active instances", "error", err)
	} else {
		resp.Cluster = cluster
	}

	return c.JSON(200, resp)
}
