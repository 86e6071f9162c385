package coordination

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/pscheid92/taskpulse/internal/protocol"
)

var (
	testRedisURL string
	redContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	flag.Parse()

	// Skip container setup if running in short mode
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	redContainer, err = rediscontainer.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := redContainer.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	defer func() {
		if err := redContainer.Terminate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
		}
	}()
	os.Exit(m.Run())
}

// setupTestRedis creates a Redis client against the shared container
// and flushes it. Tests using this are skipped in short mode.
func setupTestRedis(t *testing.T) *goredis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test")
	}

	opts, err := goredis.ParseURL(testRedisURL)
	require.NoError(t, err)

	client := goredis.NewClient(opts)

	ctx := context.Background()
	err = client.FlushAll(ctx).Err()
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestBus_DecodeEnvelope(t *testing.T) {
	b := NewBus(nil, "taskpulse:events", "instance-a")

	env := b.decode(`{"room":"task_42","event":"task_progress","data":{"progress":50},"origin":"instance-b"}`)
	assert.Equal(t, "task_42", env.Room)
	assert.Equal(t, "task_progress", env.Event)
	assert.Equal(t, "instance-b", env.Origin)
}

func TestBus_DecodeFallsBackToRawBroadcast(t *testing.T) {
	b := NewBus(nil, "taskpulse:events", "instance-a")

	for _, payload := range []string{"plain text", `{"no_event":true}`} {
		env := b.decode(payload)
		assert.Equal(t, protocol.BroadcastRoom, env.Room)
		assert.Equal(t, protocol.EventBusMessage, env.Event)

		var raw string
		require.NoError(t, json.Unmarshal(env.Data, &raw))
		assert.Equal(t, payload, raw)
	}
}

func TestBus_PublishSubscribeRoundtrip(t *testing.T) {
	client := setupTestRedis(t)

	bus := NewBus(client, "taskpulse:test_events", "instance-a")
	readiness := make(chan bool, 4)
	bus.OnReady(func(ready bool) { readiness <- ready })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan protocol.Envelope, 4)
	go bus.Run(ctx, func(env protocol.Envelope) { received <- env })

	// Run signals readiness once subscribed.
	select {
	case ready := <-readiness:
		assert.True(t, ready)
	case <-time.After(5 * time.Second):
		t.Fatal("bus never became ready")
	}
	time.Sleep(100 * time.Millisecond)

	err := bus.Publish(ctx, protocol.Envelope{
		Room:  "task_42",
		Event: "task_progress",
		Data:  json.RawMessage(`{"progress":50}`),
	})
	require.NoError(t, err)

	select {
	case env := <-received:
		assert.Equal(t, "task_42", env.Room)
		assert.Equal(t, "task_progress", env.Event)
		// The publisher's own subscription gets the envelope back,
		// stamped with its origin.
		assert.Equal(t, "instance-a", env.Origin)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope never delivered")
	}

	// A foreign raw payload on the channel is delivered, not dropped.
	err = client.Publish(ctx, "taskpulse:test_events", "not json").Err()
	require.NoError(t, err)

	select {
	case env := <-received:
		assert.Equal(t, protocol.EventBusMessage, env.Event)
		assert.Equal(t, protocol.BroadcastRoom, env.Room)
	case <-time.After(5 * time.Second):
		t.Fatal("raw payload never delivered")
	}
}

func TestInstanceRegistry_RegisterAndGetActive(t *testing.T) {
	client := setupTestRedis(t)

	ctx := context.Background()
	registry := NewInstanceRegistry(client, "instance-1", time.Second, "v1.0.0", func() int { return 7 })
	registry.register(ctx)

	active, err := registry.GetActiveInstances(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "instance-1", active[0].InstanceID)
	assert.Equal(t, "v1.0.0", active[0].Version)
	assert.Equal(t, 7, active[0].Connections)

	registry.unregister()
	active, err = registry.GetActiveInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestInstanceRegistry_StaleHeartbeatFilteredAndPruned(t *testing.T) {
	client := setupTestRedis(t)

	ctx := context.Background()
	registry := NewInstanceRegistry(client, "instance-1", time.Second, "v1.0.0", nil)
	registry.register(ctx)

	// Plant an entry whose heartbeat is past the cutoff.
	stale := InstanceInfo{
		InstanceID: "instance-dead",
		Timestamp:  time.Now().Unix() - 70,
		Version:    "v1.0.0",
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, client.HSet(ctx, instancesKey, stale.InstanceID, data).Err())

	active, err := registry.GetActiveInstances(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "instance-1", active[0].InstanceID)

	registry.PruneStale(ctx)
	entries, err := client.HGetAll(ctx, instancesKey).Result()
	require.NoError(t, err)
	assert.NotContains(t, entries, "instance-dead")
	assert.Contains(t, entries, "instance-1")
}

func TestElector_SingleLeader(t *testing.T) {
	client := setupTestRedis(t)

	ctx := context.Background()
	first := NewElector(client, "instance-1", "taskpulse:leader", 10*time.Second)
	second := NewElector(client, "instance-2", "taskpulse:leader", 10*time.Second)

	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, first.Leading())

	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, second.Leading())

	isLeader, err := first.IsLeader(ctx)
	require.NoError(t, err)
	assert.True(t, isLeader)
}

func TestElector_RenewAndRelease(t *testing.T) {
	client := setupTestRedis(t)

	ctx := context.Background()
	first := NewElector(client, "instance-1", "taskpulse:leader", 10*time.Second)
	second := NewElector(client, "instance-2", "taskpulse:leader", 10*time.Second)

	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.NoError(t, first.Renew(ctx))

	// A non-holder's renew must not touch the lease.
	assert.ErrorIs(t, second.Renew(ctx), ErrNotLeader)

	require.NoError(t, first.Release(ctx))
	assert.False(t, first.Leading())

	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestElector_LeaseExpiryAllowsTakeover(t *testing.T) {
	client := setupTestRedis(t)

	ctx := context.Background()
	first := NewElector(client, "instance-1", "taskpulse:leader", time.Second)
	second := NewElector(client, "instance-2", "taskpulse:leader", time.Second)

	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulated crash: no renewals until the TTL runs out.
	time.Sleep(1500 * time.Millisecond)

	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBus_OnReadyNotifiesEveryListener(t *testing.T) {
	b := NewBus(nil, "taskpulse:events", "instance-1")

	var first, second []bool
	b.OnReady(func(ready bool) { first = append(first, ready) })
	b.OnReady(func(ready bool) { second = append(second, ready) })

	b.notifyReady(true)
	b.notifyReady(false)

	assert.Equal(t, []bool{true, false}, first)
	assert.Equal(t, []bool{true, false}, second)
}
