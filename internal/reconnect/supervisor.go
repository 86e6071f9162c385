// Package reconnect supervises clients that dropped off through transport
// loss. Each client gets a bounded number of linearly backed-off checks;
// a client that never returns is forgotten after the last one.
package reconnect

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/taskpulse/internal/metrics"
)

type state struct {
	attempts int
	// generation guards against a superseded check firing: only the most
	// recently scheduled check for an id is authoritative.
	generation uint64
	timer      clockwork.Timer
}

// Supervisor tracks per-client reconnection attempts with strict linear
// backoff: the n-th check is scheduled n×baseDelay after the previous one.
type Supervisor struct {
	clock       clockwork.Clock
	baseDelay   time.Duration
	maxAttempts int
	isConnected func(id string) bool

	mu     sync.Mutex
	states map[string]*state
}

// NewSupervisor creates a supervisor. isConnected probes whether the
// client has since re-registered (usually a registry lookup).
func NewSupervisor(clock clockwork.Clock, baseDelay time.Duration, maxAttempts int, isConnected func(id string) bool) *Supervisor {
	return &Supervisor{
		clock:       clock,
		baseDelay:   baseDelay,
		maxAttempts: maxAttempts,
		isConnected: isConnected,
		states:      make(map[string]*state),
	}
}

// OnTransportLoss starts reconnection supervision for a client that
// disconnected without a graceful close. If supervision is already
// running for the id, the existing schedule stands.
func (s *Supervisor) OnTransportLoss(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[id]; exists {
		return
	}

	st := &state{}
	s.states[id] = st
	metrics.ReconnectPendingCurrent.Set(float64(len(s.states)))
	s.scheduleNext(id, st)
}

// OnReconnected discards supervision state for a client that came back.
func (s *Supervisor) OnReconnected(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.states[id]
	if !exists {
		return
	}
	st.timer.Stop()
	delete(s.states, id)
	metrics.ReconnectPendingCurrent.Set(float64(len(s.states)))
	metrics.ReconnectChecksTotal.WithLabelValues("recovered").Inc()
	slog.Info("Client reconnected", "client_id", id, "attempts", st.attempts)
}

// Attempts returns the current attempt count for a supervised client.
func (s *Supervisor) Attempts(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.states[id]
	if !exists {
		return 0, false
	}
	return st.attempts, true
}

// StopAll cancels all outstanding checks, for shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range s.states {
		st.timer.Stop()
		delete(s.states, id)
	}
	metrics.ReconnectPendingCurrent.Set(0)
}

// scheduleNext must be called with the lock held.
func (s *Supervisor) scheduleNext(id string, st *state) {
	st.attempts++
	st.generation++
	generation := st.generation
	delay := time.Duration(st.attempts) * s.baseDelay

	slog.Debug("Scheduling reconnection check", "client_id", id, "attempt", st.attempts, "delay", delay)
	st.timer = s.clock.AfterFunc(delay, func() {
		s.check(id, generation)
	})
}

func (s *Supervisor) check(id string, generation uint64) {
	s.mu.Lock()

	st, exists := s.states[id]
	if !exists || st.generation != generation {
		// Superseded or already resolved: this check is a no-op.
		s.mu.Unlock()
		return
	}

	if s.isConnected(id) {
		delete(s.states, id)
		metrics.ReconnectPendingCurrent.Set(float64(len(s.states)))
		s.mu.Unlock()
		metrics.ReconnectChecksTotal.WithLabelValues("recovered").Inc()
		slog.Info("Client reconnected", "client_id", id, "attempts", st.attempts)
		return
	}

	if st.attempts < s.maxAttempts {
		s.scheduleNext(id, st)
		s.mu.Unlock()
		metrics.ReconnectChecksTotal.WithLabelValues("retry").Inc()
		return
	}

	delete(s.states, id)
	metrics.ReconnectPendingCurrent.Set(float64(len(s.states)))
	s.mu.Unlock()

	metrics.ReconnectChecksTotal.WithLabelValues("exhausted").Inc()
	slog.Warn("Reconnection attempts exhausted, client considered gone",
		"client_id", id,
		"max_attempts", s.maxAttempts,
	)
}
