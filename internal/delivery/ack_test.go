package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/taskpulse/internal/protocol"
)

const ackTimeout = 5 * time.Second

type transportStub struct {
	mu      sync.Mutex
	err     error
	clients []string
}

func (s *transportStub) send(clientID string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.clients = append(s.clients, clientID)
	return nil
}

func (s *transportStub) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clients...)
}

func newTestCoordinator(t *testing.T) (*AckCoordinator, *clockwork.FakeClock, *transportStub) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	transport := &transportStub{}
	return NewAckCoordinator(clock, ackTimeout, transport.send), clock, transport
}

// startSend issues SendWithAck in the background and waits until the
// pending entry is registered, so the test can resolve or expire it.
func startSend(t *testing.T, c *AckCoordinator, clientID, messageID string) <-chan bool {
	t.Helper()
	done := make(chan bool, 1)
	go func() {
		done <- c.SendWithAck(context.Background(), clientID, messageID, []byte(`{"event":"system_message"}`))
	}()
	require.Eventually(t, func() bool {
		return c.PendingCount() == 1
	}, time.Second, time.Millisecond)
	return done
}

func awaitResult(t *testing.T, done <-chan bool) bool {
	t.Helper()
	select {
	case ok := <-done:
		return ok
	case <-time.After(time.Second):
		t.Fatal("send did not resolve")
		return false
	}
}

func TestSendWithAck_ResolvesTrueOnReceivedAck(t *testing.T) {
	c, _, transport := newTestCoordinator(t)

	done := startSend(t, c, "c1", "m1")
	c.Resolve("m1", protocol.AckStatusReceived, "")

	assert.True(t, awaitResult(t, done))
	assert.Equal(t, []string{"c1"}, transport.sent())
	assert.Zero(t, c.PendingCount())
}

func TestSendWithAck_ResolvesFalseOnFailedAck(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	done := startSend(t, c, "c1", "m1")
	c.Resolve("m1", protocol.AckStatusFailed, "client buffer overrun")

	assert.False(t, awaitResult(t, done))
	assert.Zero(t, c.PendingCount())
}

func TestSendWithAck_ResolvesFalseOnDeadline(t *testing.T) {
	c, clock, _ := newTestCoordinator(t)

	done := startSend(t, c, "c1", "m1")
	clock.BlockUntil(1)
	clock.Advance(ackTimeout)

	assert.False(t, awaitResult(t, done))
	assert.Zero(t, c.PendingCount())

	// The ack arriving after the deadline resolved is ignored.
	c.Resolve("m1", protocol.AckStatusReceived, "")
	assert.Zero(t, c.PendingCount())
}

func TestSendWithAck_ResolvesFalseWhenTransportRejects(t *testing.T) {
	c, _, transport := newTestCoordinator(t)
	transport.err = errors.New("send buffer full")

	ok := c.SendWithAck(context.Background(), "c1", "m1", nil)

	assert.False(t, ok)
	assert.Zero(t, c.PendingCount())
}

func TestSendWithAck_ResolvesFalseOnCancellation(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		done <- c.SendWithAck(ctx, "c1", "m1", nil)
	}()
	require.Eventually(t, func() bool {
		return c.PendingCount() == 1
	}, time.Second, time.Millisecond)

	cancel()
	assert.False(t, awaitResult(t, done))
	assert.Zero(t, c.PendingCount())
}

func TestResolve_WithoutPendingEntryIsNoOp(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.Resolve("never_sent", protocol.AckStatusReceived, "")
	assert.Zero(t, c.PendingCount())
}

func TestSendWithAck_ConcurrentSendsResolveIndependently(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	first := make(chan bool, 1)
	second := make(chan bool, 1)
	go func() { first <- c.SendWithAck(context.Background(), "c1", "m1", nil) }()
	go func() { second <- c.SendWithAck(context.Background(), "c2", "m2", nil) }()
	require.Eventually(t, func() bool {
		return c.PendingCount() == 2
	}, time.Second, time.Millisecond)

	c.Resolve("m2", protocol.AckStatusFailed, "nope")
	c.Resolve("m1", protocol.AckStatusReceived, "")

	assert.True(t, awaitResult(t, first))
	assert.False(t, awaitResult(t, second))
}
