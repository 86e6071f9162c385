// Package delivery implements reliable outbound delivery: ACK-protocol
// sends resolved against a deadline, and a bounded retry queue for
// messages that could not reach the bus.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/taskpulse/internal/metrics"
	"github.com/pscheid92/taskpulse/internal/protocol"
)

type ackResult struct {
	status string
	errMsg string
}

// AckCoordinator pairs outbound frames that request acknowledgment with
// the message_ack frames clients send back. Each outstanding send holds
// one pending entry; deleting that entry is the single commit point, so
// whichever of {ack, deadline, cancellation} deletes first resolves the
// send and the others become no-ops.
type AckCoordinator struct {
	clock   clockwork.Clock
	timeout time.Duration
	send    func(clientID string, frame []byte) error

	mu      sync.Mutex
	pending map[string]chan ackResult
}

// NewAckCoordinator creates a coordinator. send performs the transport
// enqueue toward a connected client and reports failure synchronously.
func NewAckCoordinator(clock clockwork.Clock, timeout time.Duration, send func(clientID string, frame []byte) error) *AckCoordinator {
	return &AckCoordinator{
		clock:   clock,
		timeout: timeout,
		send:    send,
		pending: make(map[string]chan ackResult),
	}
}

// SendWithAck emits frame toward the client and blocks until the client
// acknowledges messageID, the deadline passes, or ctx is cancelled. It
// returns true only for an ack with status "received".
func (c *AckCoordinator) SendWithAck(ctx context.Context, clientID, messageID string, frame []byte) bool {
	ch := make(chan ackResult, 1)

	c.mu.Lock()
	c.pending[messageID] = ch
	c.mu.Unlock()
	metrics.AckPendingCurrent.Inc()

	if err := c.send(clientID, frame); err != nil {
		c.discardPending(messageID)
		slog.Warn("Reliable send failed at transport", "client_id", clientID, "message_id", messageID, "error", err)
		metrics.AckSendsTotal.WithLabelValues("failed").Inc()
		return false
	}

	timer := c.clock.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return c.conclude(res, clientID, messageID)
	case <-timer.Chan():
		if !c.discardPending(messageID) {
			// An ack committed between the deadline firing and this
			// branch taking the lock; its result is already buffered.
			return c.conclude(<-ch, clientID, messageID)
		}
		slog.Warn("Acknowledgment timed out", "client_id", clientID, "message_id", messageID, "timeout", c.timeout)
		metrics.AckSendsTotal.WithLabelValues("timeout").Inc()
		return false
	case <-ctx.Done():
		if !c.discardPending(messageID) {
			return c.conclude(<-ch, clientID, messageID)
		}
		slog.Warn("Reliable send cancelled", "client_id", clientID, "message_id", messageID, "error", ctx.Err())
		metrics.AckSendsTotal.WithLabelValues("failed").Inc()
		return false
	}
}

// Resolve routes a client's message_ack to the send waiting on it. An
// ack for a message that is no longer pending (already timed out, or
// never sent reliably) is ignored.
func (c *AckCoordinator) Resolve(messageID, status, errMsg string) {
	c.mu.Lock()
	ch, ok := c.pending[messageID]
	if ok {
		delete(c.pending, messageID)
	}
	c.mu.Unlock()

	if !ok {
		slog.Debug("Ignoring ack without pending entry", "message_id", messageID, "status", status)
		return
	}
	metrics.AckPendingCurrent.Dec()
	ch <- ackResult{status: status, errMsg: errMsg}
}

// PendingCount returns the number of outstanding reliable sends.
func (c *AckCoordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *AckCoordinator) conclude(res ackResult, clientID, messageID string) bool {
	if res.status == protocol.AckStatusReceived {
		metrics.AckSendsTotal.WithLabelValues("received").Inc()
		return true
	}
	slog.Warn("Client reported delivery failure", "client_id", clientID, "message_id", messageID, "error", res.errMsg)
	metrics.AckSendsTotal.WithLabelValues("failed").Inc()
	return false
}

// discardPending deletes the pending entry and reports whether the
// caller performed the deletion, i.e. owns the resolution.
func (c *AckCoordinator) discardPending(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[messageID]; !ok {
		return false
	}
	delete(c.pending, messageID)
	metrics.AckPendingCurrent.Dec()
	return true
}
