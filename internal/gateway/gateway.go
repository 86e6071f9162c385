// Package gateway is the composition root of the push layer: it wires
// transport events to the connection registry, heartbeat and
// reconnection supervision, reliable delivery, the retry queue, and
// the cross-instance bus.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/taskpulse/internal/delivery"
	"github.com/pscheid92/taskpulse/internal/heartbeat"
	"github.com/pscheid92/taskpulse/internal/hub"
	"github.com/pscheid92/taskpulse/internal/logging"
	"github.com/pscheid92/taskpulse/internal/metrics"
	"github.com/pscheid92/taskpulse/internal/protocol"
	"github.com/pscheid92/taskpulse/internal/reconnect"
)

// EventBus is the cross-instance fan-out the gateway publishes through.
// Every room emit goes onto the bus; the subscription delivers it back
// to HandleEnvelope on every instance, including this one.
type EventBus interface {
	Publish(ctx context.Context, env protocol.Envelope) error
	OnReady(fn func(ready bool))
}

// Options carries the tunables of the gateway's supervisors and queue.
type Options struct {
	InstanceID           string
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
	AckTimeout           time.Duration
	QueueCapacity        int
	QueueMaxRetries      int
	QueueRetryDelay      time.Duration
	RoomHistorySize      int
}

// Stats is the local slice of the /api/stats view.
type Stats struct {
	InstanceID  string           `json:"instance_id"`
	Connections int              `json:"connections"`
	Rooms       int              `json:"rooms"`
	PendingAcks int              `json:"pending_acks"`
	QueueDepth  int              `json:"queue_depth"`
	Metrics     metrics.Snapshot `json:"metrics"`
}

// Gateway owns the per-instance push machinery and translates between
// transport events, collaborator API calls, and bus envelopes.
type Gateway struct {
	clock      clockwork.Clock
	instanceID string

	hub       *hub.Hub
	heartbeat *heartbeat.Supervisor
	reconnect *reconnect.Supervisor
	acks      *delivery.AckCoordinator
	queue     *delivery.Queue
	bus       EventBus
	recorder  *metrics.Recorder
}

// New wires a gateway. The bus handler side must be connected by
// running bus consumption against HandleEnvelope.
func New(clock clockwork.Clock, bus EventBus, recorder *metrics.Recorder, opts Options) *Gateway {
	g := &Gateway{
		clock:      clock,
		instanceID: opts.InstanceID,
		bus:        bus,
		recorder:   recorder,
	}
	g.hub = hub.New(clock, opts.RoomHistorySize, g.onEvicted)
	g.heartbeat = heartbeat.NewSupervisor(clock, opts.HeartbeatInterval, g.sendPing, g.onHeartbeatTimeout)
	g.reconnect = reconnect.NewSupervisor(clock, opts.ReconnectBaseDelay, opts.ReconnectMaxAttempts, g.isConnected)
	g.acks = delivery.NewAckCoordinator(clock, opts.AckTimeout, g.sendFrame)
	g.queue = delivery.NewQueue(clock, opts.QueueCapacity, opts.QueueMaxRetries, opts.QueueRetryDelay, bus.Publish, g.sendReliable)
	bus.OnReady(g.queue.SetReady)
	return g
}

// Run drives the retry queue's drain loop. Blocks until ctx is
// cancelled.
func (g *Gateway) Run(ctx context.Context) {
	g.queue.Run(ctx)
}

// Stop tears down supervision and closes every connection.
func (g *Gateway) Stop() {
	g.heartbeat.StopAll()
	g.reconnect.StopAll()
	g.hub.Stop()
}

// --- Transport events ---

// HandleConnect registers a connection, starts its heartbeat, cancels
// any reconnection supervision for its id, and greets it.
func (g *Gateway) HandleConnect(conn hub.Conn) {
	id := conn.ID()

	// A same-id replacement keeps the registered count flat: the hub
	// closed the superseded connection, and its read pump's removal is a
	// no-op that skips the close bookkeeping.
	if !g.hub.Add(conn) {
		g.recorder.ConnOpened()
	}
	metrics.ConnectionsTotal.WithLabelValues("success").Inc()

	g.reconnect.OnReconnected(id)
	g.heartbeat.Start(id)

	g.sendToClient(id, protocol.EventWelcome, protocol.WelcomePayload{
		Message:   "connected",
		ClientID:  id,
		Timestamp: g.clock.Now(),
	})
	logging.WithClient(id).Info("Client connected")
}

// HandleDisconnect removes the connection and notifies its rooms.
// transportLoss marks non-graceful closes, which start reconnection
// supervision. Safe to call more than once per connection; only the
// call that performs the removal has effects.
func (g *Gateway) HandleDisconnect(ctx context.Context, id string, conn hub.Conn, transportLoss bool) {
	rooms, removed := g.hub.Remove(id, conn)
	if !removed {
		return
	}

	g.heartbeat.Stop(id)
	g.recorder.ConnClosed()

	for _, room := range rooms {
		g.emit(ctx, protocol.Envelope{
			Room:  room,
			Event: protocol.EventMemberLeft,
			Data:  mustMarshal(protocol.MemberPayload{Room: room, ClientID: id, Timestamp: g.clock.Now()}),
		})
	}

	if transportLoss {
		g.reconnect.OnTransportLoss(id)
	}
	logging.WithClient(id).Info("Client disconnected", "transport_loss", transportLoss)
}

// HandleMessage dispatches one inbound frame from a client.
func (g *Gateway) HandleMessage(ctx context.Context, id string, raw []byte) {
	start := g.clock.Now()

	msg, err := protocol.Decode(raw)
	if err != nil {
		g.recorder.RecordError()
		g.sendError(id, "invalid frame", err)
		return
	}

	switch msg.Event {
	case protocol.EventJoinRoom:
		g.handleJoinRoom(ctx, id, msg.Data)
	case protocol.EventLeaveRoom:
		g.handleLeaveRoom(ctx, id, msg.Data)
	case protocol.EventPing:
		// Client-initiated liveness probe; answered directly.
		g.sendToClient(id, protocol.EventPong, protocol.PongPayload{Timestamp: g.clock.Now()})
	case protocol.EventPong:
		g.heartbeat.Pong(id)
	case protocol.EventMessageAck:
		g.handleAck(id, msg.Data)
	default:
		g.recorder.RecordError()
		g.sendError(id, "unknown event", fmt.Errorf("unsupported event %q", msg.Event))
		return
	}

	g.recorder.RecordMessage(g.clock.Since(start))
}

// HandleEnvelope applies a bus delivery as a local broadcast. This is
// the only path by which room emits reach connections.
func (g *Gateway) HandleEnvelope(env protocol.Envelope) {
	switch {
	case env.ExcludeID != "":
		g.hub.BroadcastToRoomExcluding(env.Room, env.Event, env.Data, env.ExcludeID)
	case env.Room == protocol.BroadcastRoom:
		g.hub.BroadcastToAll(env.Event, env.Data)
	default:
		g.hub.BroadcastToRoom(env.Room, env.Event, env.Data)
	}
}

// --- Collaborator API ---

// EmitToRoom publishes an event to every member of a room, across all
// instances. A failed publish is queued, not dropped.
func (g *Gateway) EmitToRoom(ctx context.Context, room, event string, data json.RawMessage) {
	g.emit(ctx, protocol.Envelope{Room: room, Event: event, Data: data})
}

// EmitToAll publishes an event to every connection on every instance.
func (g *Gateway) EmitToAll(ctx context.Context, event string, data json.RawMessage) {
	g.emit(ctx, protocol.Envelope{Room: protocol.BroadcastRoom, Event: event, Data: data})
}

// UpdateTaskProgress emits a task_progress event to the task's room.
func (g *Gateway) UpdateTaskProgress(ctx context.Context, taskID, status string, progress int, message string) {
	payload := protocol.TaskProgressPayload{
		TaskID:    taskID,
		Status:    status,
		Progress:  progress,
		Message:   message,
		Timestamp: g.clock.Now(),
	}
	g.EmitToRoom(ctx, protocol.TaskRoom(taskID), protocol.EventTaskProgress, mustMarshal(payload))
}

// SendSystemMessage delivers a system_message to one client with ACK
// protection. Returns whether the client confirmed receipt in time.
func (g *Gateway) SendSystemMessage(ctx context.Context, clientID, level, code, message string) bool {
	id := uuid.NewString()
	payload := protocol.SystemMessagePayload{
		ID:        id,
		Type:      "system",
		Timestamp: g.clock.Now(),
		Sender:    "system",
		Level:     level,
		Code:      code,
		Message:   message,
	}

	frame, err := protocol.Encode(protocol.EventSystemMessage, payload)
	if err != nil {
		slog.Error("Failed to encode system message", "client_id", clientID, "error", err)
		return false
	}

	if _, connected := g.hub.Get(clientID); !connected {
		// A client inside its reconnection window may still come back;
		// park the message for redelivery instead of failing outright.
		if _, supervised := g.reconnect.Attempts(clientID); supervised {
			slog.Info("Client absent, queueing system message", "client_id", clientID, "message_id", id)
			g.queue.Enqueue(delivery.Message{
				Event:  protocol.EventSystemMessage,
				Data:   mustMarshal(payload),
				Target: delivery.Target{ClientID: clientID},
			})
		}
		return false
	}
	return g.acks.SendWithAck(ctx, clientID, id, frame)
}

// Stats returns this instance's connection, room, and traffic counts.
func (g *Gateway) Stats() Stats {
	counts := g.hub.Counts()
	return Stats{
		InstanceID:  g.instanceID,
		Connections: counts.Connections,
		Rooms:       counts.Rooms,
		PendingAcks: g.acks.PendingCount(),
		QueueDepth:  g.queue.Depth(),
		Metrics:     g.recorder.Snapshot(),
	}
}

// ConnectionCount reports the registered-connection count for the
// instance registry heartbeat.
func (g *Gateway) ConnectionCount() int {
	return int(g.recorder.ActiveConnections())
}

// --- Client frame handlers ---

func (g *Gateway) handleJoinRoom(ctx context.Context, id string, data json.RawMessage) {
	var payload protocol.JoinRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Room == "" {
		g.recorder.RecordError()
		g.sendError(id, "join_room requires a room name", err)
		return
	}

	if !g.hub.JoinRoom(id, payload.Room) {
		g.sendError(id, "failed to join room", fmt.Errorf("connection %s not registered", id))
		return
	}

	now := g.clock.Now()
	g.sendToClient(id, protocol.EventRoomJoined, protocol.RoomPayload{Room: payload.Room, Timestamp: now})

	if events := g.hub.History(payload.Room); len(events) > 0 {
		g.sendToClient(id, protocol.EventRoomHistory, protocol.RoomHistoryPayload{
			Room:      payload.Room,
			Events:    events,
			Timestamp: now,
		})
	}

	g.emit(ctx, protocol.Envelope{
		Room:      payload.Room,
		Event:     protocol.EventMemberJoined,
		Data:      mustMarshal(protocol.MemberPayload{Room: payload.Room, ClientID: id, Timestamp: now}),
		ExcludeID: id,
	})
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, id string, data json.RawMessage) {
	var payload protocol.LeaveRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Room == "" {
		g.recorder.RecordError()
		g.sendError(id, "leave_room requires a room name", err)
		return
	}

	if !g.hub.LeaveRoom(id, payload.Room) {
		g.sendError(id, "failed to leave room", fmt.Errorf("connection %s not registered", id))
		return
	}

	now := g.clock.Now()
	g.sendToClient(id, protocol.EventRoomLeft, protocol.RoomPayload{Room: payload.Room, Timestamp: now})

	g.emit(ctx, protocol.Envelope{
		Room:      payload.Room,
		Event:     protocol.EventMemberLeft,
		Data:      mustMarshal(protocol.MemberPayload{Room: payload.Room, ClientID: id, Timestamp: now}),
		ExcludeID: id,
	})
}

func (g *Gateway) handleAck(id string, data json.RawMessage) {
	var payload protocol.ClientAckPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.MessageID == "" {
		g.recorder.RecordError()
		g.sendError(id, "message_ack requires a message_id", err)
		return
	}
	g.acks.Resolve(payload.MessageID, payload.Status, payload.Error)
}

// --- Wiring callbacks ---

func (g *Gateway) emit(ctx context.Context, env protocol.Envelope) {
	if err := g.bus.Publish(ctx, env); err != nil {
		slog.Warn("Bus publish failed, queueing message", "event", env.Event, "room", env.Room, "error", err)
		g.queue.Enqueue(delivery.Message{
			Event:  env.Event,
			Data:   env.Data,
			Target: delivery.Target{Room: env.Room, ExcludeID: env.ExcludeID},
		})
	}
}

func (g *Gateway) sendPing(id string) {
	g.sendToClient(id, protocol.EventPing, protocol.PingPayload{Timestamp: g.clock.Now()})
}

// onHeartbeatTimeout force-disconnects a connection that missed its
// deadline. The closed socket makes the read pump surface a transport
// loss too; removal is idempotent so only one path wins.
func (g *Gateway) onHeartbeatTimeout(id string) {
	conn, ok := g.hub.Get(id)
	if !ok {
		return
	}
	conn.Close()
	g.HandleDisconnect(context.Background(), id, conn, true)
}

// onEvicted runs after the hub removed a slow client during fan-out.
// The hub already dropped registration and memberships; this clears
// the remaining supervision state.
func (g *Gateway) onEvicted(id string) {
	g.heartbeat.Stop(id)
	g.recorder.ConnClosed()
	g.reconnect.OnTransportLoss(id)
}

func (g *Gateway) isConnected(id string) bool {
	_, ok := g.hub.Get(id)
	return ok
}

func (g *Gateway) sendFrame(clientID string, frame []byte) error {
	conn, ok := g.hub.Get(clientID)
	if !ok {
		return fmt.Errorf("client %s not connected", clientID)
	}
	return conn.Enqueue(frame)
}

// sendReliable is the queue's sink for connection-targeted entries. The
// ack message id is taken from the payload when present so a client ack
// can still correlate after the detour through the queue.
func (g *Gateway) sendReliable(ctx context.Context, clientID, event string, data json.RawMessage) bool {
	var ident struct {
		ID        string `json:"id"`
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(data, &ident)

	messageID := ident.ID
	if messageID == "" {
		messageID = ident.MessageID
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}

	frame, err := protocol.Encode(event, data)
	if err != nil {
		slog.Error("Failed to encode queued message", "client_id", clientID, "event", event, "error", err)
		return false
	}
	return g.acks.SendWithAck(ctx, clientID, messageID, frame)
}

func (g *Gateway) sendToClient(id, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		slog.Error("Failed to encode frame", "client_id", id, "event", event, "error", err)
		return
	}
	g.hub.SendToClient(id, frame)
}

func (g *Gateway) sendError(id, message string, cause error) {
	payload := protocol.ErrorPayload{Message: message, Timestamp: g.clock.Now()}
	if cause != nil {
		payload.Error = cause.Error()
	}
	g.sendToClient(id, protocol.EventError, payload)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Payload structs marshal unconditionally; this is unreachable.
		slog.Error("Failed to marshal payload", "error", err)
		return nil
	}
	return data
}
