package coordination

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/pscheid92/taskpulse/internal/metrics"
)

const (
	instancesKey = "taskpulse:instances"

	// activeCutoff is how stale a heartbeat may be before the instance
	// is considered gone.
	activeCutoff = 60 * time.Second
)

// InstanceInfo is one instance's registry entry.
type InstanceInfo struct {
	InstanceID  string `json:"instance_id"`
	Timestamp   int64  `json:"timestamp"`
	Version     string `json:"version"`
	Connections int    `json:"connections"`
}

// InstanceRegistry tracks the set of live instances in a shared Redis
// hash. Each process heartbeats its own entry; readers filter on
// heartbeat age.
type InstanceRegistry struct {
	rdb         *goredis.Client
	instanceID  string
	heartbeat   time.Duration
	version     string
	connections func() int

	group singleflight.Group
}

// NewInstanceRegistry creates a registry handle. connections is
// sampled at each heartbeat to report this instance's live connection
// count; nil reports zero.
func NewInstanceRegistry(rdb *goredis.Client, instanceID string, heartbeat time.Duration, version string, connections func() int) *InstanceRegistry {
	return &InstanceRegistry{
		rdb:         rdb,
		instanceID:  instanceID,
		heartbeat:   heartbeat,
		version:     version,
		connections: connections,
	}
}

// Run registers immediately, re-registers on every heartbeat interval,
// and deregisters when ctx is cancelled.
func (r *InstanceRegistry) Run(ctx context.Context) {
	r.register(ctx)

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

// GetActiveInstances returns instances with a heartbeat inside the
// active cutoff, sorted by id. Concurrent callers are collapsed into
// one Redis round trip.
func (r *InstanceRegistry) GetActiveInstances(ctx context.Context) ([]InstanceInfo, error) {
	v, err, _ := r.group.Do("active_instances", func() (any, error) {
		return r.fetchActive(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]InstanceInfo), nil
}

// PruneStale deletes registry entries whose heartbeat fell outside the
// active cutoff. Run by the cluster leader so crashed instances
// disappear from stats.
func (r *InstanceRegistry) PruneStale(ctx context.Context) {
	entries, err := r.rdb.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		slog.Warn("Failed to read instance registry for pruning", "error", err)
		return
	}

	now := time.Now().Unix()
	var stale []string
	for instanceID, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			// Garbage entries get pruned along with expired ones.
			stale = append(stale, instanceID)
			continue
		}
		if now-info.Timestamp >= int64(activeCutoff.Seconds()) {
			stale = append(stale, instanceID)
		}
	}
	if len(stale) == 0 {
		return
	}

	if err := r.rdb.HDel(ctx, instancesKey, stale...).Err(); err != nil {
		slog.Warn("Failed to prune stale instance registrations", "error", err)
		return
	}
	slog.Info("Pruned stale instance registrations", "count", len(stale))
}

func (r *InstanceRegistry) fetchActive(ctx context.Context) ([]InstanceInfo, error) {
	entries, err := r.rdb.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	active := []InstanceInfo{}
	for _, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if now-info.Timestamp < int64(activeCutoff.Seconds()) {
			active = append(active, info)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].InstanceID < active[j].InstanceID
	})

	metrics.InstanceRegistrySize.Set(float64(len(active)))
	return active, nil
}

func (r *InstanceRegistry) register(ctx context.Context) {
	info := InstanceInfo{
		InstanceID: r.instanceID,
		Timestamp:  time.Now().Unix(),
		Version:    r.version,
	}
	if r.connections != nil {
		info.Connections = r.connections()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := r.rdb.HSet(ctx, instancesKey, r.instanceID, data).Err(); err != nil {
		slog.Warn("Failed to write instance heartbeat", "instance_id", r.instanceID, "error", err)
	}
}

func (r *InstanceRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.rdb.HDel(ctx, instancesKey, r.instanceID)
}
