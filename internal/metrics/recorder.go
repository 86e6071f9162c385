package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Snapshot is a point-in-time view of the gateway's traffic, read atomically
// by callers while the counters keep mutating underneath.
type Snapshot struct {
	ActiveConnections int64     `json:"active_connections"`
	MessagesPerSecond float64   `json:"messages_per_second"`
	AverageLatency    float64   `json:"average_latency_seconds"`
	ErrorRate         float64   `json:"error_rate"`
	Timestamp         time.Time `json:"timestamp"`
}

// Recorder accumulates connection and message counters and folds them into
// a Snapshot on a periodic sampling tick. Active connections are clamped at
// zero so duplicate disconnects never underflow the count.
type Recorder struct {
	clock    clockwork.Clock
	interval time.Duration

	mu         sync.Mutex
	active     int64
	messages   uint64
	errors     uint64
	latencySum time.Duration
	lastSample time.Time
	snapshot   Snapshot
}

// NewRecorder creates a recorder sampling at the given interval.
func NewRecorder(clock clockwork.Clock, interval time.Duration) *Recorder {
	now := clock.Now()
	return &Recorder{
		clock:      clock,
		interval:   interval,
		lastSample: now,
		snapshot:   Snapshot{Timestamp: now},
	}
}

// ConnOpened records a new registered connection.
func (r *Recorder) ConnOpened() {
	r.mu.Lock()
	r.active++
	active := r.active
	r.mu.Unlock()
	ConnectionsCurrent.Set(float64(active))
}

// ConnClosed records a connection removal. Duplicate closes are clamped.
func (r *Recorder) ConnClosed() {
	r.mu.Lock()
	if r.active > 0 {
		r.active--
	}
	active := r.active
	r.mu.Unlock()
	ConnectionsCurrent.Set(float64(active))
}

// RecordMessage records one handled inbound message and its processing
// latency.
func (r *Recorder) RecordMessage(latency time.Duration) {
	r.mu.Lock()
	r.messages++
	r.latencySum += latency
	r.mu.Unlock()
	MessageProcessingDuration.Observe(latency.Seconds())
}

// RecordError records one delivery or protocol error.
func (r *Recorder) RecordError() {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}

// ActiveConnections returns the current registered-connection count.
func (r *Recorder) ActiveConnections() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Snapshot returns the most recently sampled snapshot.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

// Sample folds the counters accumulated since the last sample into a fresh
// snapshot and resets the window. Exposed for tests; Run calls it on a tick.
func (r *Recorder) Sample() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	elapsed := now.Sub(r.lastSample).Seconds()
	if elapsed <= 0 {
		elapsed = r.interval.Seconds()
	}

	snap := Snapshot{
		ActiveConnections: r.active,
		MessagesPerSecond: float64(r.messages) / elapsed,
		Timestamp:         now,
	}
	if r.messages > 0 {
		snap.AverageLatency = r.latencySum.Seconds() / float64(r.messages)
	}
	if total := r.messages + r.errors; total > 0 {
		snap.ErrorRate = float64(r.errors) / float64(total)
	}

	r.messages = 0
	r.errors = 0
	r.latencySum = 0
	r.lastSample = now
	r.snapshot = snap
	return snap
}

// Run starts the periodic sampler. Blocks until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.Sample()
		case <-ctx.Done():
			return
		}
	}
}
