package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/version", s.handleVersion)

	// WebSocket endpoint for push clients (NO auth, limited instead)
	s.echo.GET("/ws", s.handleWebSocket)

	// API routes (bearer token required)
	api := s.echo.Group("/api", s.requireAPIToken)
	api.POST("/rooms/:room/events", s.handleRoomEvent)
	api.POST("/broadcast", s.handleBroadcast)
	api.POST("/tasks/:id/progress", s.handleTaskProgress)
	api.POST("/clients/:id/system-message", s.handleSystemMessage)
	api.GET("/stats", s.handleStats)
}
