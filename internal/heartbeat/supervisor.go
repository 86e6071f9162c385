// Package heartbeat supervises per-connection liveness. Each connection
// gets a repeating ping emission and a sliding timeout deadline at twice
// the ping interval; a pong re-arms the deadline, a fired deadline forces
// the connection out.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/taskpulse/internal/metrics"
)

// Status describes a connection's liveness as seen by the supervisor.
type Status struct {
	AwaitingPong bool
	LastPong     time.Time
}

type state struct {
	// generation ties each armed deadline to the pong that may cancel it.
	// A deadline callback from a superseded generation bails without
	// side effects.
	generation   uint64
	awaitingPong bool
	lastPong     time.Time
	deadline     clockwork.Timer
	ticker       clockwork.Ticker
	done         chan struct{}
}

// Supervisor runs one ping/pong state machine per connection. All timers
// run on the injected clock so tests can drive them deterministically.
type Supervisor struct {
	clock     clockwork.Clock
	interval  time.Duration
	sendPing  func(id string)
	onTimeout func(id string)

	mu     sync.Mutex
	states map[string]*state
}

// NewSupervisor creates a supervisor. sendPing emits a ping event toward
// the client; onTimeout is invoked (outside the lock) when a connection
// misses its deadline and must be force-disconnected.
func NewSupervisor(clock clockwork.Clock, interval time.Duration, sendPing, onTimeout func(id string)) *Supervisor {
	return &Supervisor{
		clock:     clock,
		interval:  interval,
		sendPing:  sendPing,
		onTimeout: onTimeout,
		states:    make(map[string]*state),
	}
}

// Start begins heartbeat supervision for a connection: a repeating ping
// at the configured interval and a timeout deadline at twice the interval.
func (s *Supervisor) Start(id string) {
	s.mu.Lock()
	if old, exists := s.states[id]; exists {
		s.teardown(old)
	}

	st := &state{
		lastPong: s.clock.Now(),
		ticker:   s.clock.NewTicker(s.interval),
		done:     make(chan struct{}),
	}
	s.states[id] = st
	s.armDeadline(id, st)
	s.mu.Unlock()

	go s.pingLoop(id, st)
}

// Pong records the client's heartbeat reply: it cancels exactly the
// deadline that was live when the pong arrived and arms a fresh one.
func (s *Supervisor) Pong(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.states[id]
	if !exists {
		return
	}

	st.awaitingPong = false
	st.lastPong = s.clock.Now()
	st.deadline.Stop()
	s.armDeadline(id, st)
}

// Stop clears both timers for a connection. Safe to call on any
// disconnect path, repeatedly — timers must never leak past connection
// lifetime.
func (s *Supervisor) Stop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.states[id]
	if !exists {
		return
	}
	delete(s.states, id)
	s.teardown(st)
}

// StopAll clears every supervised connection, for shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range s.states {
		delete(s.states, id)
		s.teardown(st)
	}
}

// Status returns the liveness view of a connection.
func (s *Supervisor) Status(id string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.states[id]
	if !exists {
		return Status{}, false
	}
	return Status{AwaitingPong: st.awaitingPong, LastPong: st.lastPong}, true
}

// armDeadline must be called with the lock held.
func (s *Supervisor) armDeadline(id string, st *state) {
	st.generation++
	generation := st.generation
	st.deadline = s.clock.AfterFunc(2*s.interval, func() {
		s.expire(id, generation)
	})
}

// teardown must be called with the lock held.
func (s *Supervisor) teardown(st *state) {
	st.deadline.Stop()
	st.ticker.Stop()
	close(st.done)
}

func (s *Supervisor) pingLoop(id string, st *state) {
	for {
		select {
		case <-st.ticker.Chan():
			s.mu.Lock()
			st.awaitingPong = true
			s.mu.Unlock()
			s.sendPing(id)
		case <-st.done:
			return
		}
	}
}

func (s *Supervisor) expire(id string, generation uint64) {
	s.mu.Lock()
	st, exists := s.states[id]
	if !exists || st.generation != generation {
		// A pong or a newer arm superseded this deadline.
		s.mu.Unlock()
		return
	}
	delete(s.states, id)
	s.teardown(st)
	s.mu.Unlock()

	slog.Warn("Heartbeat timeout, forcing disconnect", "client_id", id, "deadline", 2*s.interval)
	metrics.HeartbeatTimeouts.Inc()
	s.onTimeout(id)
}
