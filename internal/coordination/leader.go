package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/taskpulse/internal/metrics"
)

// ErrNotLeader is returned by Renew when this instance lost the lease.
var ErrNotLeader = errors.New("not leader")

// Elector implements single-leader election over a Redis SETNX lease.
// The leader holds a key with a TTL; if it crashes, the key expires and
// another instance takes over.
type Elector struct {
	rdb        *goredis.Client
	instanceID string
	key        string
	ttl        time.Duration

	mu      sync.Mutex
	leading bool
}

// NewElector creates an elector competing for key with the given lease
// TTL.
func NewElector(rdb *goredis.Client, instanceID, key string, ttl time.Duration) *Elector {
	return &Elector{
		rdb:        rdb,
		instanceID: instanceID,
		key:        key,
		ttl:        ttl,
	}
}

// TryAcquire attempts to take the lease. Returns true when this
// instance is now the leader.
func (e *Elector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := e.rdb.SetNX(ctx, e.key, e.instanceID, e.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leadership: %w", err)
	}
	if ok {
		e.setLeading(true)
		metrics.LeaderElections.WithLabelValues(e.key).Inc()
		slog.Info("Acquired leadership", "key", e.key, "instance_id", e.instanceID)
	}
	return ok, nil
}

// Renew extends the lease. The Lua script makes check-and-expire
// atomic, so a lease that expired and was taken by someone else is
// never renewed from here.
func (e *Elector) Renew(ctx context.Context) error {
	script := `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("EXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
	`
	result, err := e.rdb.Eval(ctx, script, []string{e.key}, e.instanceID, int(e.ttl.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("failed to renew leader lease: %w", err)
	}
	if result == int64(0) {
		return ErrNotLeader
	}
	return nil
}

// Release gives up the lease voluntarily, for graceful shutdown. Only
// deletes the key when this instance still holds it.
func (e *Elector) Release(ctx context.Context) error {
	script := `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
	`
	err := e.rdb.Eval(ctx, script, []string{e.key}, e.instanceID).Err()
	e.setLeading(false)
	if err != nil {
		return fmt.Errorf("failed to release leader lease: %w", err)
	}
	return nil
}

// IsLeader reports whether this instance currently holds the lease in
// Redis.
func (e *Elector) IsLeader(ctx context.Context) (bool, error) {
	current, err := e.rdb.Get(ctx, e.key).Result()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current == e.instanceID, nil
}

// Leading is this instance's local view of its leadership, without a
// Redis round trip.
func (e *Elector) Leading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leading
}

// Run competes for the lease on a half-TTL cadence and, after each
// successful acquire or renewal, performs the leader duty. Blocks
// until ctx is cancelled, then releases the lease if held.
func (e *Elector) Run(ctx context.Context, duty func(context.Context)) {
	e.tick(ctx, duty)

	ticker := time.NewTicker(e.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.Leading() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := e.Release(releaseCtx); err != nil {
					slog.Warn("Failed to release leader lease on shutdown", "key", e.key, "error", err)
				}
				cancel()
			}
			return
		case <-ticker.C:
			e.tick(ctx, duty)
		}
	}
}

func (e *Elector) tick(ctx context.Context, duty func(context.Context)) {
	if e.Leading() {
		if err := e.Renew(ctx); err != nil {
			if errors.Is(err, ErrNotLeader) {
				e.setLeading(false)
				slog.Warn("Lost leadership", "key", e.key, "instance_id", e.instanceID)
			} else {
				slog.Warn("Failed to renew leader lease", "key", e.key, "error", err)
			}
			return
		}
	} else {
		ok, err := e.TryAcquire(ctx)
		if err != nil {
			slog.Warn("Leader election attempt failed", "key", e.key, "error", err)
			return
		}
		if !ok {
			return
		}
	}

	if duty != nil {
		duty(ctx)
	}
}

func (e *Elector) setLeading(v bool) {
	e.mu.Lock()
	e.leading = v
	e.mu.Unlock()

	value := 0.0
	if v {
		value = 1.0
	}
	metrics.IsLeader.WithLabelValues(e.key).Set(value)
}
