package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sony/gobreaker"

	"github.com/pscheid92/taskpulse/internal/config"
	"github.com/pscheid92/taskpulse/internal/coordination"
	"github.com/pscheid92/taskpulse/internal/gateway"
)

// redisHealthChecker is the minimal surface needed for readiness checks.
type redisHealthChecker interface {
	Ping(ctx context.Context) error
}

// busStatus exposes the fan-out bus circuit breaker state.
type busStatus interface {
	State() gobreaker.State
}

// instanceLister resolves the cluster view for /api/stats.
type instanceLister interface {
	GetActiveInstances(ctx context.Context) ([]coordination.InstanceInfo, error)
}

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	clock     clockwork.Clock
	gateway   *gateway.Gateway
	redis     redisHealthChecker
	bus       busStatus
	instances instanceLister
	limits    *ConnectionLimits
	startTime time.Time
}

func NewServer(cfg *config.Config, clock clockwork.Clock, gw *gateway.Gateway, redis redisHealthChecker, bus busStatus, instances instanceLister) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(correlationMiddleware)

	srv := &Server{
		echo:      e,
		config:    cfg,
		clock:     clock,
		gateway:   gw,
		redis:     redis,
		bus:       bus,
		instances: instances,
		limits:    NewConnectionLimits(cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionsPerSecond, cfg.ConnectionBurst),
		startTime: clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
