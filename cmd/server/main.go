package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/taskpulse/internal/config"
	"github.com/pscheid92/taskpulse/internal/coordination"
	"github.com/pscheid92/taskpulse/internal/gateway"
	"github.com/pscheid92/taskpulse/internal/logging"
	"github.com/pscheid92/taskpulse/internal/metrics"
	"github.com/pscheid92/taskpulse/internal/redis"
	"github.com/pscheid92/taskpulse/internal/server"
	"github.com/pscheid92/taskpulse/internal/version"
)

const (
	leaderKey      = "taskpulse:leader"
	leaderLeaseTTL = 30 * time.Second
	metricsSample  = 10 * time.Second
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(cfg *config.Config) *redis.Client {
	client, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to create Redis client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// instanceIdentity builds a cluster-unique instance id. The hostname
// keeps it readable, the suffix keeps restarts distinguishable.
func instanceIdentity() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "taskpulse"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}

func runGracefulShutdown(srv *server.Server, gw *gateway.Gateway, redisClient *redis.Client, cancel context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// Stops the bus subscription, registry heartbeat, leader lease,
		// and retry queue.
		cancel()

		gw.Stop()
		if err := redisClient.Close(); err != nil {
			slog.Error("Failed to close Redis client", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	build := version.Get()
	metrics.BuildInfo.WithLabelValues(build.Version, build.Commit, build.BuildTime, build.GoVersion).Set(1)

	redisClient := setupRedis(cfg)

	instanceID := instanceIdentity()
	slog.Info("Instance identity assigned", "instance_id", instanceID)

	bus := coordination.NewBus(redisClient.Underlying(), cfg.BusChannel, instanceID)
	recorder := metrics.NewRecorder(clock, metricsSample)

	gw := gateway.New(clock, bus, recorder, gateway.Options{
		InstanceID:           instanceID,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		AckTimeout:           cfg.AckTimeout,
		QueueCapacity:        cfg.QueueCapacity,
		QueueMaxRetries:      cfg.QueueMaxRetries,
		QueueRetryDelay:      cfg.QueueRetryDelay,
		RoomHistorySize:      cfg.RoomHistorySize,
	})

	registry := coordination.NewInstanceRegistry(redisClient.Underlying(), instanceID, cfg.InstanceHeartbeat, build.Version, gw.ConnectionCount)
	elector := coordination.NewElector(redisClient.Underlying(), instanceID, leaderKey, leaderLeaseTTL)

	ctx, cancel := context.WithCancel(context.Background())

	go bus.Run(ctx, gw.HandleEnvelope)
	go gw.Run(ctx)
	go recorder.Run(ctx)
	go registry.Run(ctx)
	go elector.Run(ctx, registry.PruneStale)

	srv := server.NewServer(cfg, clock, gw, redisClient, bus, registry)

	done := runGracefulShutdown(srv, gw, redisClient, cancel)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
