// Package coordination connects instances through Redis: the event bus
// that fans room emits out to every process, the instance registry, and
// single-leader election for cluster housekeeping.
package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/pscheid92/taskpulse/internal/metrics"
	"github.com/pscheid92/taskpulse/internal/protocol"
)

// Bus carries room emits across instances over a shared Redis Pub/Sub
// channel. Publishes go through a circuit breaker; breaker state
// transitions are pushed to readiness listeners so the retry queue can
// pause and drain in step with the link.
type Bus struct {
	rdb     *goredis.Client
	channel string
	origin  string
	breaker *gobreaker.CircuitBreaker

	mu             sync.Mutex
	readyListeners []func(bool)
}

// NewBus creates a bus publishing and subscribing on channel. origin
// is stamped into every envelope this instance publishes.
func NewBus(rdb *goredis.Client, channel, origin string) *Bus {
	b := &Bus{
		rdb:     rdb,
		channel: channel,
		origin:  origin,
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bus",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: b.onStateChange,
	})
	return b
}

// OnReady registers a listener for bus-link readiness transitions.
// Listeners are invoked from the goroutine observing the transition.
func (b *Bus) OnReady(fn func(ready bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readyListeners = append(b.readyListeners, fn)
}

// Publish serializes the envelope and pushes it onto the shared
// channel. The instance's own subscription delivers it back, so the
// caller must not apply the emit locally.
func (b *Bus) Publish(ctx context.Context, env protocol.Envelope) error {
	if env.Origin == "" {
		env.Origin = b.origin
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	_, err = b.breaker.Execute(func() (any, error) {
		return nil, b.rdb.Publish(ctx, b.channel, data).Err()
	})
	switch {
	case err == nil:
		metrics.BusPublishesTotal.WithLabelValues("success").Inc()
		return nil
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.BusPublishesTotal.WithLabelValues("breaker_open").Inc()
		return fmt.Errorf("bus circuit breaker open: %w", err)
	default:
		metrics.BusPublishesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
}

// Run keeps one long-lived subscription on the shared channel and
// invokes handler for every received envelope, including the ones this
// instance published. Blocks until ctx is cancelled.
func (b *Bus) Run(ctx context.Context, handler func(protocol.Envelope)) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer func() {
		_ = sub.Close()
	}()

	slog.Info("Subscribed to event bus", "channel", b.channel)
	b.notifyReady(true)

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			metrics.BusMessagesReceived.WithLabelValues(b.channel).Inc()
			handler(b.decode(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

// State exposes the publish breaker's state for readiness reporting.
func (b *Bus) State() gobreaker.State {
	return b.breaker.State()
}

// decode parses a bus payload. An undecodable payload is delivered as
// the raw string inside a bus_message broadcast rather than dropped.
func (b *Bus) decode(payload string) protocol.Envelope {
	var env protocol.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err == nil && env.Event != "" {
		return env
	}

	metrics.BusParseFailures.Inc()
	slog.Warn("Undecodable bus payload, delivering as raw broadcast", "channel", b.channel)
	raw, _ := json.Marshal(payload)
	return protocol.Envelope{
		Room:  protocol.BroadcastRoom,
		Event: protocol.EventBusMessage,
		Data:  raw,
	}
}

func (b *Bus) onStateChange(name string, from, to gobreaker.State) {
	slog.Warn("Circuit breaker state changed",
		"breaker", name,
		"from", from.String(),
		"to", to.String(),
	)
	metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
	b.notifyReady(to == gobreaker.StateClosed)
}

func (b *Bus) notifyReady(ready bool) {
	b.mu.Lock()
	listeners := make([]func(bool), len(b.readyListeners))
	copy(listeners, b.readyListeners)
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(ready)
	}
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
