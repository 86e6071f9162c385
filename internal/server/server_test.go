package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/taskpulse/internal/config"
	"github.com/pscheid92/taskpulse/internal/coordination"
	"github.com/pscheid92/taskpulse/internal/gateway"
	"github.com/pscheid92/taskpulse/internal/metrics"
	"github.com/pscheid92/taskpulse/internal/protocol"
)

const testAPIToken = "secret-token"

// stubBus loops published envelopes straight back into the gateway, the
// way the real bus echoes the instance's own publishes.
type stubBus struct {
	mu      sync.Mutex
	handler func(protocol.Envelope)
	ready   []func(bool)
	failing bool
	state   gobreaker.State
}

func (b *stubBus) Publish(_ context.Context, env protocol.Envelope) error {
	b.mu.Lock()
	failing, handler := b.failing, b.handler
	b.mu.Unlock()

	if failing {
		return errors.New("bus unavailable")
	}
	if handler != nil {
		handler(env)
	}
	return nil
}

func (b *stubBus) OnReady(fn func(bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = append(b.ready, fn)
}

func (b *stubBus) State() gobreaker.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *stubBus) setState(state gobreaker.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
}

func (b *stubBus) setFailing(failing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = failing
}

func (b *stubBus) notifyReady(ready bool) {
	b.mu.Lock()
	fns := append([]func(bool){}, b.ready...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ready)
	}
}

type stubRedis struct {
	mu  sync.Mutex
	err error
}

func (r *stubRedis) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *stubRedis) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

type stubInstances struct {
	infos []coordination.InstanceInfo
	err   error
}

func (s *stubInstances) GetActiveInstances(context.Context) ([]coordination.InstanceInfo, error) {
	return s.infos, s.err
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:               "development",
		Port:                 "0",
		RedisURL:             "redis://localhost:6379",
		APIToken:             testAPIToken,
		AppURL:               "http://localhost:8080",
		HeartbeatInterval:    30 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxAttempts: 5,
		AckTimeout:           500 * time.Millisecond,
		QueueCapacity:        16,
		QueueMaxRetries:      3,
		QueueRetryDelay:      20 * time.Millisecond,
		RoomHistorySize:      10,
		BusChannel:           "taskpulse:events",
		InstanceHeartbeat:    15 * time.Second,
		MaxConnections:       100,
		MaxConnectionsPerIP:  100,
		ConnectionsPerSecond: 1000,
		ConnectionBurst:      1000,
	}
}

type serverHarness struct {
	srv       *Server
	ts        *httptest.Server
	bus       *stubBus
	redis     *stubRedis
	instances *stubInstances
	gateway   *gateway.Gateway
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *serverHarness {
	t.Helper()

	cfg := testConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	clock := clockwork.NewRealClock()
	bus := &stubBus{state: gobreaker.StateClosed}
	recorder := metrics.NewRecorder(clock, time.Minute)

	gw := gateway.New(clock, bus, recorder, gateway.Options{
		InstanceID:           "test-instance",
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		AckTimeout:           cfg.AckTimeout,
		QueueCapacity:        cfg.QueueCapacity,
		QueueMaxRetries:      cfg.QueueMaxRetries,
		QueueRetryDelay:      cfg.QueueRetryDelay,
		RoomHistorySize:      cfg.RoomHistorySize,
	})
	bus.mu.Lock()
	bus.handler = gw.HandleEnvelope
	bus.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx)

	redis := &stubRedis{}
	instances := &stubInstances{
		infos: []coordination.InstanceInfo{{InstanceID: "test-instance", Version: "dev"}},
	}

	srv := NewServer(cfg, clock, gw, redis, bus, instances)
	ts := httptest.NewServer(srv.echo)

	t.Cleanup(func() {
		ts.Close()
		cancel()
		gw.Stop()
	})

	return &serverHarness{
		srv:       srv,
		ts:        ts,
		bus:       bus,
		redis:     redis,
		instances: instances,
		gateway:   gw,
	}
}

func (h *serverHarness) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws" + query
}

func (h *serverHarness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(query), nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	msg, err := protocol.Decode(raw)
	require.NoError(t, err)
	return msg
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()

	frame, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}
