package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/taskpulse/internal/logging"
	"github.com/pscheid92/taskpulse/internal/metrics"
	"github.com/pscheid92/taskpulse/internal/protocol"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
)

// Conn is what the hub needs from a transport connection. *Client is the
// production implementation; tests substitute fakes.
type Conn interface {
	ID() string
	Enqueue(frame []byte) error
	Close()
}

// hubCmd is the command interface for the hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type addCmd struct {
	baseHubCmd
	conn         Conn
	replyChannel chan bool
}

type removeCmd struct {
	baseHubCmd
	id           string
	conn         Conn
	replyChannel chan removeReply
}

type removeReply struct {
	rooms   []string
	removed bool
}

type getCmd struct {
	baseHubCmd
	id           string
	replyChannel chan Conn
}

type joinCmd struct {
	baseHubCmd
	id           string
	room         string
	replyChannel chan bool
}

type leaveCmd struct {
	baseHubCmd
	id           string
	room         string
	replyChannel chan bool
}

type membersCmd struct {
	baseHubCmd
	room         string
	replyChannel chan []string
}

type allCmd struct {
	baseHubCmd
	replyChannel chan []string
}

type historyCmd struct {
	baseHubCmd
	room         string
	replyChannel chan []protocol.HistoryEvent
}

type sendCmd struct {
	baseHubCmd
	id           string
	frame        []byte
	replyChannel chan bool
}

type broadcastCmd struct {
	baseHubCmd
	room      string // protocol.BroadcastRoom addresses every connection
	event     string
	data      json.RawMessage
	frame     []byte
	excludeID string
}

type countsCmd struct {
	baseHubCmd
	replyChannel chan Counts
}

type stopCmd struct {
	baseHubCmd
}

// Counts summarizes the registry for stats endpoints.
type Counts struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

type entry struct {
	conn  Conn
	rooms map[string]struct{}
}

// Hub is the connection registry and room broadcast engine. One goroutine
// owns the maps; the public API sends typed commands and waits on reply
// channels with a timeout so a stuck actor cannot block callers forever.
type Hub struct {
	cmdCh       chan hubCmd
	clock       clockwork.Clock
	conns       map[string]*entry
	rooms       map[string]map[string]struct{}
	history     map[string]*historyRing
	historySize int
	onEvicted   func(id string)
	done        chan struct{}
}

// New creates and starts a hub. historySize bounds the per-room event
// buffer (0 disables history). onEvicted is invoked asynchronously when a
// slow client is removed during fan-out; it may be nil.
func New(clock clockwork.Clock, historySize int, onEvicted func(id string)) *Hub {
	h := &Hub{
		cmdCh:       make(chan hubCmd, 256),
		clock:       clock,
		conns:       make(map[string]*entry),
		rooms:       make(map[string]map[string]struct{}),
		history:     make(map[string]*historyRing),
		historySize: historySize,
		onEvicted:   onEvicted,
		done:        make(chan struct{}),
	}
	go h.run()
	return h
}

// --- Public API ---

// Add registers a connection under its id, replacing any prior entry with
// the same id. Returns true if an existing entry was replaced.
func (h *Hub) Add(conn Conn) bool {
	replyCh := make(chan bool, 1)
	h.cmdCh <- addCmd{conn: conn, replyChannel: replyCh}
	replaced, _ := awaitReply(h.clock, replyCh)
	return replaced
}

// Remove deletes the entry and all its room memberships, returning the
// rooms the connection had joined. If conn is non-nil, removal only happens
// when the registered entry still holds that exact connection — this keeps
// a stale read pump from tearing down a replacement connection.
func (h *Hub) Remove(id string, conn Conn) ([]string, bool) {
	replyCh := make(chan removeReply, 1)
	h.cmdCh <- removeCmd{id: id, conn: conn, replyChannel: replyCh}
	reply, ok := awaitReply(h.clock, replyCh)
	if !ok {
		return nil, false
	}
	return reply.rooms, reply.removed
}

// Get returns the connection registered under id, or (nil, false).
func (h *Hub) Get(id string) (Conn, bool) {
	replyCh := make(chan Conn, 1)
	h.cmdCh <- getCmd{id: id, replyChannel: replyCh}
	conn, ok := awaitReply(h.clock, replyCh)
	return conn, ok && conn != nil
}

// JoinRoom adds the connection to a room, creating the membership set on
// first join. No-op (with log) if the id is unregistered.
func (h *Hub) JoinRoom(id, room string) bool {
	replyCh := make(chan bool, 1)
	h.cmdCh <- joinCmd{id: id, room: room, replyChannel: replyCh}
	joined, _ := awaitReply(h.clock, replyCh)
	return joined
}

// LeaveRoom removes the connection from a room.
func (h *Hub) LeaveRoom(id, room string) bool {
	replyCh := make(chan bool, 1)
	h.cmdCh <- leaveCmd{id: id, room: room, replyChannel: replyCh}
	left, _ := awaitReply(h.clock, replyCh)
	return left
}

// MembersOf returns the member ids of a room; empty for unknown rooms.
func (h *Hub) MembersOf(room string) []string {
	replyCh := make(chan []string, 1)
	h.cmdCh <- membersCmd{room: room, replyChannel: replyCh}
	members, _ := awaitReply(h.clock, replyCh)
	return members
}

// All returns every registered connection id.
func (h *Hub) All() []string {
	replyCh := make(chan []string, 1)
	h.cmdCh <- allCmd{replyChannel: replyCh}
	ids, _ := awaitReply(h.clock, replyCh)
	return ids
}

// History returns the buffered events of a room, oldest first.
func (h *Hub) History(room string) []protocol.HistoryEvent {
	replyCh := make(chan []protocol.HistoryEvent, 1)
	h.cmdCh <- historyCmd{room: room, replyChannel: replyCh}
	events, _ := awaitReply(h.clock, replyCh)
	return events
}

// SendToClient delivers a frame to a single connection. An absent
// recipient is a skip, not an error — it returns false.
func (h *Hub) SendToClient(id string, frame []byte) bool {
	replyCh := make(chan bool, 1)
	h.cmdCh <- sendCmd{id: id, frame: frame, replyChannel: replyCh}
	sent, _ := awaitReply(h.clock, replyCh)
	return sent
}

// BroadcastToRoom delivers the event to every member of the room.
func (h *Hub) BroadcastToRoom(room, event string, data json.RawMessage) {
	h.broadcast(room, event, data, "")
}

// BroadcastToAll delivers the event to every registered connection.
func (h *Hub) BroadcastToAll(event string, data json.RawMessage) {
	h.broadcast(protocol.BroadcastRoom, event, data, "")
}

// BroadcastToRoomExcluding behaves as BroadcastToRoom but skips exactly
// one id, so an event's originator does not receive its own echo.
func (h *Hub) BroadcastToRoomExcluding(room, event string, data json.RawMessage, excludeID string) {
	h.broadcast(room, event, data, excludeID)
}

func (h *Hub) broadcast(room, event string, data json.RawMessage, excludeID string) {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		slog.Error("Failed to encode broadcast frame", "event", event, "error", err)
		return
	}
	h.cmdCh <- broadcastCmd{room: room, event: event, data: data, frame: frame, excludeID: excludeID}
}

// Counts returns the current connection and room counts.
func (h *Hub) Counts() Counts {
	replyCh := make(chan Counts, 1)
	h.cmdCh <- countsCmd{replyChannel: replyCh}
	counts, _ := awaitReply(h.clock, replyCh)
	return counts
}

// Stop shuts down the hub, closing all client connections. Blocks until
// the actor goroutine has exited or the stop timeout is reached.
func (h *Hub) Stop() {
	h.cmdCh <- stopCmd{}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
	}
}

func awaitReply[T any](clock clockwork.Clock, replyCh chan T) (T, bool) {
	timer := clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, true
	case <-timer.Chan():
		slog.Warn("Hub command timed out", "timeout", commandTimeout)
		var zero T
		return zero, false
	}
}

// --- Actor loop ---

func (h *Hub) run() {
	defer close(h.done)

	depthTicker := h.clock.NewTicker(time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			metrics.HubCommandChannelDepth.Set(float64(len(h.cmdCh)))
		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case addCmd:
				c.replyChannel <- h.handleAdd(c.conn)
			case removeCmd:
				rooms, removed := h.handleRemove(c.id, c.conn)
				c.replyChannel <- removeReply{rooms: rooms, removed: removed}
			case getCmd:
				if e, ok := h.conns[c.id]; ok {
					c.replyChannel <- e.conn
				} else {
					c.replyChannel <- nil
				}
			case joinCmd:
				c.replyChannel <- h.handleJoin(c.id, c.room)
			case leaveCmd:
				c.replyChannel <- h.handleLeave(c.id, c.room)
			case membersCmd:
				c.replyChannel <- h.memberList(c.room)
			case allCmd:
				ids := make([]string, 0, len(h.conns))
				for id := range h.conns {
					ids = append(ids, id)
				}
				c.replyChannel <- ids
			case historyCmd:
				if ring, ok := h.history[c.room]; ok {
					c.replyChannel <- ring.list()
				} else {
					c.replyChannel <- nil
				}
			case sendCmd:
				c.replyChannel <- h.handleSend(c.id, c.frame)
			case broadcastCmd:
				h.handleBroadcast(c)
			case countsCmd:
				c.replyChannel <- Counts{Connections: len(h.conns), Rooms: len(h.rooms)}
			case stopCmd:
				h.handleStop()
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (h *Hub) handleAdd(conn Conn) bool {
	id := conn.ID()
	replaced := false

	if old, exists := h.conns[id]; exists {
		slog.Warn("Replacing existing connection", "client_id", id)
		h.clearMemberships(id, old)
		old.conn.Close()
		replaced = true
	}

	h.conns[id] = &entry{conn: conn, rooms: make(map[string]struct{})}
	slog.Debug("Connection registered", "client_id", id, "total_connections", len(h.conns))
	return replaced
}

func (h *Hub) handleRemove(id string, conn Conn) ([]string, bool) {
	e, exists := h.conns[id]
	if !exists {
		return nil, false
	}
	if conn != nil && e.conn != conn {
		slog.Debug("Ignoring removal for superseded connection", "client_id", id)
		return nil, false
	}

	rooms := make([]string, 0, len(e.rooms))
	for room := range e.rooms {
		rooms = append(rooms, room)
	}

	h.clearMemberships(id, e)
	delete(h.conns, id)
	e.conn.Close()

	slog.Debug("Connection removed", "client_id", id, "total_connections", len(h.conns))
	return rooms, true
}

func (h *Hub) clearMemberships(id string, e *entry) {
	for room := range e.rooms {
		h.dropMember(room, id)
	}
	e.rooms = make(map[string]struct{})
}

func (h *Hub) dropMember(room, id string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(h.rooms, room)
		delete(h.history, room)
		metrics.HubActiveRooms.Set(float64(len(h.rooms)))
	}
}

func (h *Hub) handleJoin(id, room string) bool {
	e, exists := h.conns[id]
	if !exists {
		slog.Warn("Join for unregistered connection", "client_id", id, "room", room)
		return false
	}

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
		metrics.HubActiveRooms.Set(float64(len(h.rooms)))
	}
	members[id] = struct{}{}
	e.rooms[room] = struct{}{}

	logging.WithRoom(room).Debug("Client joined room", "client_id", id, "members", len(members))
	return true
}

func (h *Hub) handleLeave(id, room string) bool {
	e, exists := h.conns[id]
	if !exists {
		slog.Warn("Leave for unregistered connection", "client_id", id, "room", room)
		return false
	}

	delete(e.rooms, room)
	h.dropMember(room, id)
	logging.WithRoom(room).Debug("Client left room", "client_id", id)
	return true
}

func (h *Hub) memberList(room string) []string {
	members := h.rooms[room]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

func (h *Hub) handleSend(id string, frame []byte) bool {
	e, exists := h.conns[id]
	if !exists {
		// Recipient gone between issuing the send and its execution: skip.
		slog.Debug("Send skipped, recipient absent", "client_id", id)
		return false
	}
	if err := e.conn.Enqueue(frame); err != nil {
		slog.Warn("Send to client failed", "client_id", id, "error", err)
		metrics.HubDeliveryFailures.Inc()
		h.evict(id)
		return false
	}
	return true
}

func (h *Hub) handleBroadcast(c broadcastCmd) {
	var recipients map[string]struct{}
	if c.room == protocol.BroadcastRoom {
		metrics.HubBroadcastsTotal.WithLabelValues("all").Inc()
		recipients = make(map[string]struct{}, len(h.conns))
		for id := range h.conns {
			recipients[id] = struct{}{}
		}
	} else {
		metrics.HubBroadcastsTotal.WithLabelValues("room").Inc()
		recipients = h.rooms[c.room]
		h.recordHistory(c)
	}

	var failed []string
	for id := range recipients {
		if id == c.excludeID {
			continue
		}
		e, ok := h.conns[id]
		if !ok {
			continue
		}
		// A failure for one recipient must not stop delivery to the rest.
		if err := e.conn.Enqueue(c.frame); err != nil {
			slog.Warn("Broadcast delivery failed", "client_id", id, "room", c.room, "event", c.event, "error", err)
			metrics.HubDeliveryFailures.Inc()
			failed = append(failed, id)
		}
	}

	for _, id := range failed {
		h.evict(id)
	}
}

func (h *Hub) recordHistory(c broadcastCmd) {
	if h.historySize <= 0 {
		return
	}
	// Presence events only describe the moment they happened; replaying
	// them would hand latecomers a stale membership picture.
	if c.event == protocol.EventMemberJoined || c.event == protocol.EventMemberLeft {
		return
	}
	if _, ok := h.rooms[c.room]; !ok {
		return
	}
	ring, ok := h.history[c.room]
	if !ok {
		ring = newHistoryRing(h.historySize)
		h.history[c.room] = ring
	}
	ring.add(protocol.HistoryEvent{Event: c.event, Data: c.data, Timestamp: h.clock.Now()})
}

// evict removes a slow or dead client so the normal disconnect path runs.
func (h *Hub) evict(id string) {
	e, exists := h.conns[id]
	if !exists {
		return
	}

	slog.Warn("Evicting slow client", "client_id", id)
	metrics.SlowClientsEvicted.Inc()

	h.clearMemberships(id, e)
	delete(h.conns, id)
	e.conn.Close()

	if h.onEvicted != nil {
		go h.onEvicted(id)
	}
}

func (h *Hub) handleStop() {
	slog.Info("Hub shutting down", "connections", len(h.conns), "rooms", len(h.rooms))
	for id, e := range h.conns {
		e.conn.Close()
		delete(h.conns, id)
	}
	h.rooms = make(map[string]map[string]struct{})
	h.history = make(map[string]*historyRing)
	metrics.HubActiveRooms.Set(0)
}
