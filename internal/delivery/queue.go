package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/taskpulse/internal/metrics"
	"github.com/pscheid92/taskpulse/internal/protocol"
)

var errUnacknowledged = errors.New("client did not acknowledge delivery")

// Target addresses a queued message: a single connection when ClientID
// is set, otherwise a room ("*" for every connection), optionally
// excluding one member.
type Target struct {
	ClientID  string
	Room      string
	ExcludeID string
}

// Message is one buffered outbound send awaiting (re)delivery.
type Message struct {
	Event      string
	Data       json.RawMessage
	Target     Target
	EnqueuedAt time.Time

	attempts int
}

// Queue buffers messages that could not be delivered because the bus
// link is down, and drains them front-to-back once the link is ready
// again. The buffer is bounded; overflow drops the oldest entry.
type Queue struct {
	clock       clockwork.Clock
	capacity    int
	maxAttempts int
	retryDelay  time.Duration

	publish    func(ctx context.Context, env protocol.Envelope) error
	sendClient func(ctx context.Context, clientID, event string, data json.RawMessage) bool

	mu    sync.Mutex
	items []Message
	ready bool

	wake chan struct{}
}

// NewQueue creates a retry queue. publish pushes room- and
// broadcast-targeted entries onto the bus; sendClient delivers
// connection-targeted entries via the ACK protocol.
func NewQueue(
	clock clockwork.Clock,
	capacity, maxAttempts int,
	retryDelay time.Duration,
	publish func(ctx context.Context, env protocol.Envelope) error,
	sendClient func(ctx context.Context, clientID, event string, data json.RawMessage) bool,
) *Queue {
	return &Queue{
		clock:       clock,
		capacity:    capacity,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		publish:     publish,
		sendClient:  sendClient,
		wake:        make(chan struct{}, 1),
	}
}

// Enqueue appends a message to the back of the queue. A full queue
// drops its oldest entry to make room.
func (q *Queue) Enqueue(m Message) {
	m.EnqueuedAt = q.clock.Now()

	q.mu.Lock()
	if len(q.items) >= q.capacity {
		dropped := q.items[0]
		q.items = q.items[1:]
		metrics.QueueDropsTotal.WithLabelValues("capacity").Inc()
		slog.Warn("Retry queue full, dropping oldest message",
			"event", dropped.Event,
			"enqueued_at", dropped.EnqueuedAt,
			"capacity", q.capacity,
		)
	}
	q.items = append(q.items, m)
	depth := len(q.items)
	ready := q.ready
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	slog.Debug("Message queued for retry", "event", m.Event, "depth", depth)
	if ready {
		q.signal()
	}
}

// SetReady flips the queue's view of the bus link. Readiness starts a
// drain; unreadiness pauses between passes.
func (q *Queue) SetReady(ready bool) {
	q.mu.Lock()
	q.ready = ready
	depth := len(q.items)
	q.mu.Unlock()

	if ready && depth > 0 {
		slog.Info("Bus link ready, draining retry queue", "depth", depth)
		q.signal()
	}
}

// Depth returns the number of buffered messages.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run drains the queue until ctx is cancelled. Each pass processes at
// most the messages present at pass start; failed sends below the
// attempt budget go to the back and wait out the inter-retry delay.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}

		for {
			requeued := q.drainPass(ctx)
			if requeued == 0 {
				break
			}
			timer := q.clock.NewTimer(q.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.Chan():
			}
		}
	}
}

func (q *Queue) drainPass(ctx context.Context) int {
	q.mu.Lock()
	if !q.ready || len(q.items) == 0 {
		q.mu.Unlock()
		return 0
	}
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	var requeue []Message
	for _, m := range batch {
		m.attempts++
		err := q.attempt(ctx, m)
		switch {
		case err == nil:
		case m.attempts < q.maxAttempts:
			slog.Debug("Queued message send failed, will retry",
				"event", m.Event, "attempt", m.attempts, "error", err)
			requeue = append(requeue, m)
		default:
			metrics.QueueDropsTotal.WithLabelValues("retries_exhausted").Inc()
			slog.Warn("Dropping queued message after exhausting retries",
				"event", m.Event, "attempts", m.attempts, "error", err)
		}
	}

	q.mu.Lock()
	q.items = append(q.items, requeue...)
	depth := len(q.items)
	q.mu.Unlock()
	metrics.QueueDepth.Set(float64(depth))

	return len(requeue)
}

func (q *Queue) attempt(ctx context.Context, m Message) error {
	if m.Target.ClientID != "" {
		if !q.sendClient(ctx, m.Target.ClientID, m.Event, m.Data) {
			return errUnacknowledged
		}
		return nil
	}
	return q.publish(ctx, protocol.Envelope{
		Room:      m.Target.Room,
		Event:     m.Event,
		Data:      m.Data,
		ExcludeID: m.Target.ExcludeID,
	})
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
