package server

import (
	"github.com/labstack/echo/v4"

	"github.com/pscheid92/taskpulse/internal/correlation"
)

// correlationMiddleware tags every request context with a correlation
// ID. For WebSocket connections the ID follows the whole read pump, so
// a connection's log lines can be grepped together.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := correlation.WithID(c.Request().Context(), correlation.NewID())
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}
