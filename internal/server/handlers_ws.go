package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/pscheid92/taskpulse/internal/hub"
)

const maxMessageSize = 4096

// handleWebSocket upgrades the request and runs the connection's read
// pump until the peer goes away. The handler blocks for the lifetime of
// the connection.
func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	ok, reason := s.limits.Acquire(ip)
	if !ok {
		slog.Warn("Connection rejected", "ip", ip, "reason", reason)
		if reason == LimitReasonRate {
			return c.JSON(429, map[string]string{"error": "too many connection attempts"})
		}
		return c.JSON(503, map[string]string{"error": "connection limit reached"})
	}
	defer s.limits.Release(ip)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "ip", ip, "error", err)
		return nil
	}
	conn.SetReadLimit(maxMessageSize)

	// Reconnecting clients present their previous id to resume
	// supervision; fresh clients get a new one.
	clientID := c.QueryParam("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	client := hub.NewClient(clientID, conn, s.clock)
	s.gateway.HandleConnect(client)

	ctx := c.Request().Context()
	transportLoss := true
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				transportLoss = false
			}
			break
		}
		s.gateway.HandleMessage(ctx, clientID, raw)
	}

	if transportLoss {
		client.Close()
	} else {
		client.CloseGraceful("goodbye")
	}
	// The request context dies with the socket; room notifications must
	// still reach the bus.
	s.gateway.HandleDisconnect(context.Background(), clientID, client, transportLoss)

	return nil
}

// checkOrigin accepts any origin in development and only the configured
// app URL otherwise. Non-browser clients send no Origin header and pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.config.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.config.AppURL
}
