package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client→server events.
const (
	EventJoinRoom   = "join_room"
	EventLeaveRoom  = "leave_room"
	EventPing       = "ping"
	EventPong       = "pong"
	EventMessageAck = "message_ack"
)

// Server→client events.
const (
	EventWelcome       = "welcome"
	EventRoomJoined    = "room_joined"
	EventRoomLeft      = "room_left"
	EventRoomHistory   = "room_history"
	EventMemberJoined  = "member_joined"
	EventMemberLeft    = "member_left"
	EventError         = "error"
	EventSystemMessage = "system_message"
	EventTaskProgress  = "task_progress"
	EventBusMessage    = "bus_message"
)

// Ack statuses carried in message_ack frames.
const (
	AckStatusReceived = "received"
	AckStatusFailed   = "failed"
)

// BroadcastRoom is the envelope room value that addresses every connection.
const BroadcastRoom = "*"

// Message is the wire frame exchanged over the WebSocket: an event name
// plus a JSON payload.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a wire frame for the given event and payload.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		data = raw
	}
	frame, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", event, err)
	}
	return frame, nil
}

// Decode parses a wire frame received from a client.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	if msg.Event == "" {
		return Message{}, fmt.Errorf("frame has no event name")
	}
	return msg, nil
}

// Envelope is the JSON message published on the cross-instance bus.
// Room "*" fans out to every local connection; a non-empty ExcludeID
// skips that one connection during fan-out.
type Envelope struct {
	Room      string          `json:"room"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	ExcludeID string          `json:"exclude_id,omitempty"`
	Origin    string          `json:"origin,omitempty"`
}

// --- Server→client payloads ---

type WelcomePayload struct {
	Message   string    `json:"message"`
	ClientID  string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`
}

type RoomPayload struct {
	Room      string    `json:"room"`
	Timestamp time.Time `json:"timestamp"`
}

type MemberPayload struct {
	Room      string    `json:"room"`
	ClientID  string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`
}

type HistoryEvent struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type RoomHistoryPayload struct {
	Room      string         `json:"room"`
	Events    []HistoryEvent `json:"events"`
	Timestamp time.Time      `json:"timestamp"`
}

type PingPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Message   string    `json:"message"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type SystemMessagePayload struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
	Level     string    `json:"level"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
}

type TaskProgressPayload struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// --- Client→server payloads ---

type JoinRoomPayload struct {
	Room string `json:"room"`
}

type LeaveRoomPayload struct {
	Room string `json:"room"`
}

type ClientAckPayload struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// TaskRoom returns the canonical room name for a task's progress events.
func TaskRoom(taskID string) string {
	return "task_" + taskID
}
