package server

import (
	"crypto/subtle"
	"strings"

	"github.com/labstack/echo/v4"
)

// requireAPIToken guards the emit API behind a static bearer token.
func (s *Server) requireAPIToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return c.JSON(401, map[string]string{"error": "missing bearer token"})
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.APIToken)) != 1 {
			return c.JSON(401, map[string]string{"error": "invalid token"})
		}

		return next(c)
	}
}
