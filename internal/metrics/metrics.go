package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WebSocket Metrics
var (
	// ConnectionsCurrent tracks current active WebSocket connections
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_current",
			Help: "Current number of active WebSocket connections",
		},
	)

	// ConnectionsTotal tracks total WebSocket connection attempts by result
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Total WebSocket connection attempts by result (success/error/rejected)",
		},
		[]string{"result"},
	)

	// ConnectionsRejected tracks rejected connection attempts by reason
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Total WebSocket connections rejected by reason (rate_limit/per_ip_limit/global_limit)",
		},
		[]string{"reason"},
	)

	// ConnectionCapacity tracks current connection capacity utilization as percentage
	ConnectionCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connection_capacity_percent",
			Help: "Current WebSocket connection capacity utilization (0-100%)",
		},
	)

	// MessageSendDuration tracks socket write duration per outbound frame
	MessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "WebSocket frame socket write duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// MessageProcessingDuration tracks inbound message handling latency
	MessageProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_processing_duration_seconds",
			Help:    "Inbound WebSocket message processing duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// SlowClientsEvicted tracks clients evicted because their send buffer filled up
	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_slow_clients_evicted_total",
			Help: "Total number of slow WebSocket clients evicted due to buffer full",
		},
	)

	// HeartbeatTimeouts tracks connections force-closed after missing heartbeat pongs
	HeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeat_timeouts_total",
			Help: "Total connections force-disconnected after heartbeat timeout",
		},
	)
)

// Hub Metrics
var (
	// HubActiveRooms tracks number of rooms with at least one member
	HubActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_active_rooms",
			Help: "Number of rooms with at least one member",
		},
	)

	// HubBroadcastsTotal tracks broadcast operations by scope
	HubBroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_broadcasts_total",
			Help: "Total broadcast operations by scope (room/all)",
		},
		[]string{"scope"},
	)

	// HubDeliveryFailures tracks per-recipient delivery failures during fan-out
	HubDeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_delivery_failures_total",
			Help: "Total per-recipient delivery failures during fan-out",
		},
	)

	// HubCommandChannelDepth tracks current hub command channel depth
	HubCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_command_channel_depth",
			Help: "Current hub command channel depth",
		},
	)
)

// Delivery Metrics
var (
	// AckSendsTotal tracks reliable sends by outcome
	AckSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ack_sends_total",
			Help: "Total reliable sends by outcome (received/failed/timeout)",
		},
		[]string{"outcome"},
	)

	// AckPendingCurrent tracks currently outstanding acknowledgments
	AckPendingCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ack_pending_current",
			Help: "Currently outstanding acknowledgments",
		},
	)

	// QueueDepth tracks current retry queue depth
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "retry_queue_depth",
			Help: "Current retry queue depth",
		},
	)

	// QueueDropsTotal tracks messages dropped from the retry queue by reason
	QueueDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_queue_drops_total",
			Help: "Total messages dropped from the retry queue by reason (retries_exhausted/capacity)",
		},
		[]string{"reason"},
	)
)

// Reconnection Metrics
var (
	// ReconnectChecksTotal tracks reconnection checks by outcome
	ReconnectChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconnect_checks_total",
			Help: "Total reconnection checks by outcome (recovered/retry/exhausted)",
		},
		[]string{"outcome"},
	)

	// ReconnectPendingCurrent tracks clients currently under reconnection supervision
	ReconnectPendingCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconnect_pending_current",
			Help: "Clients currently under reconnection supervision",
		},
	)
)

// Bus Metrics
var (
	// BusPublishesTotal tracks bus publishes by status
	BusPublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_publishes_total",
			Help: "Total bus publishes by status (success/error/breaker_open)",
		},
		[]string{"status"},
	)

	// BusMessagesReceived tracks bus messages received by channel
	BusMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_received_total",
			Help: "Total bus messages received by channel",
		},
		[]string{"channel"},
	)

	// BusParseFailures tracks bus envelopes that failed to deserialize
	BusParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_parse_failures_total",
			Help: "Total bus envelopes that failed to deserialize (delivered raw instead)",
		},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)
)

// Redis Operations Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)
)

// Instance Coordination Metrics
var (
	// InstanceRegistrySize tracks number of active instances in the registry
	InstanceRegistrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "instance_registry_size",
			Help: "Number of active instances in the registry",
		},
	)

	// LeaderElections tracks successful leader elections by key
	LeaderElections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leader_elections_total",
			Help: "Total successful leader elections by key",
		},
		[]string{"key"},
	)

	// IsLeader tracks whether this instance is the leader for a given key
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "1 if this instance is the leader for the given key, 0 otherwise",
		},
		[]string{"key"},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)
