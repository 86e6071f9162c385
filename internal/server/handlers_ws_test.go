package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/taskpulse/internal/config"
	"github.com/pscheid92/taskpulse/internal/protocol"
)

func apiRequest(t *testing.T, h *serverHarness, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, h.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestWebSocket_WelcomeOnConnect(t *testing.T) {
	h := newTestServer(t)
	conn := h.dial(t, "")

	msg := readFrame(t, conn)
	assert.Equal(t, protocol.EventWelcome, msg.Event)

	var payload protocol.WelcomePayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.NotEmpty(t, payload.ClientID)
}

func TestWebSocket_ClientIDQueryParamIsKept(t *testing.T) {
	h := newTestServer(t)
	conn := h.dial(t, "?client_id=worker-17")

	msg := readFrame(t, conn)
	require.Equal(t, protocol.EventWelcome, msg.Event)

	var payload protocol.WelcomePayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "worker-17", payload.ClientID)
}

func TestWebSocket_ClientPingPong(t *testing.T) {
	h := newTestServer(t)
	conn := h.dial(t, "")
	readFrame(t, conn) // welcome

	sendFrame(t, conn, protocol.EventPing, protocol.PingPayload{Timestamp: time.Now()})

	msg := readFrame(t, conn)
	assert.Equal(t, protocol.EventPong, msg.Event)
}

func TestWebSocket_JoinRoomAndTaskProgressFanout(t *testing.T) {
	h := newTestServer(t)

	first := h.dial(t, "?client_id=client-a")
	readFrame(t, first) // welcome
	sendFrame(t, first, protocol.EventJoinRoom, protocol.JoinRoomPayload{Room: protocol.TaskRoom("7")})
	require.Equal(t, protocol.EventRoomJoined, readFrame(t, first).Event)

	second := h.dial(t, "?client_id=client-b")
	readFrame(t, second) // welcome
	sendFrame(t, second, protocol.EventJoinRoom, protocol.JoinRoomPayload{Room: protocol.TaskRoom("7")})
	require.Equal(t, protocol.EventRoomJoined, readFrame(t, second).Event)

	// The earlier member hears about the join; the joiner does not hear
	// about itself.
	joined := readFrame(t, first)
	require.Equal(t, protocol.EventMemberJoined, joined.Event)
	var member protocol.MemberPayload
	require.NoError(t, json.Unmarshal(joined.Data, &member))
	assert.Equal(t, "client-b", member.ClientID)

	resp := apiRequest(t, h, http.MethodPost, "/api/tasks/7/progress", taskProgressRequest{
		Status:   "running",
		Progress: 40,
		Message:  "halfway there",
	})
	assert.Equal(t, 202, resp.StatusCode)

	for name, conn := range map[string]*websocket.Conn{"first": first, "second": second} {
		msg := readFrame(t, conn)
		require.Equal(t, protocol.EventTaskProgress, msg.Event, name)

		var progress protocol.TaskProgressPayload
		require.NoError(t, json.Unmarshal(msg.Data, &progress))
		assert.Equal(t, "7", progress.TaskID)
		assert.Equal(t, 40, progress.Progress)
	}
}

func TestWebSocket_HistoryReplayOnJoin(t *testing.T) {
	h := newTestServer(t)

	// History only accumulates for occupied rooms, so a watcher joins
	// before the update happens.
	watcher := h.dial(t, "?client_id=watcher")
	readFrame(t, watcher) // welcome
	sendFrame(t, watcher, protocol.EventJoinRoom, protocol.JoinRoomPayload{Room: protocol.TaskRoom("9")})
	require.Equal(t, protocol.EventRoomJoined, readFrame(t, watcher).Event)

	resp := apiRequest(t, h, http.MethodPost, "/api/tasks/9/progress", taskProgressRequest{
		Status:   "running",
		Progress: 10,
	})
	require.Equal(t, 202, resp.StatusCode)
	require.Equal(t, protocol.EventTaskProgress, readFrame(t, watcher).Event)

	latecomer := h.dial(t, "")
	readFrame(t, latecomer) // welcome
	sendFrame(t, latecomer, protocol.EventJoinRoom, protocol.JoinRoomPayload{Room: protocol.TaskRoom("9")})
	require.Equal(t, protocol.EventRoomJoined, readFrame(t, latecomer).Event)

	msg := readFrame(t, latecomer)
	require.Equal(t, protocol.EventRoomHistory, msg.Event)

	var history protocol.RoomHistoryPayload
	require.NoError(t, json.Unmarshal(msg.Data, &history))
	require.Len(t, history.Events, 1)
	assert.Equal(t, protocol.EventTaskProgress, history.Events[0].Event)
}

func TestWebSocket_SystemMessageAckRoundtrip(t *testing.T) {
	h := newTestServer(t)
	conn := h.dial(t, "?client_id=ops-client")
	readFrame(t, conn) // welcome

	delivered := make(chan bool, 1)
	go func() {
		resp := apiRequest(t, h, http.MethodPost, "/api/clients/ops-client/system-message", systemMessageRequest{
			Level:   "warning",
			Code:    "maintenance",
			Message: "restart imminent",
		})
		var body map[string]bool
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			delivered <- false
			return
		}
		delivered <- body["delivered"]
	}()

	msg := readFrame(t, conn)
	require.Equal(t, protocol.EventSystemMessage, msg.Event)

	var payload protocol.SystemMessagePayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	require.NotEmpty(t, payload.ID)
	assert.Equal(t, "restart imminent", payload.Message)

	sendFrame(t, conn, protocol.EventMessageAck, protocol.ClientAckPayload{
		MessageID: payload.ID,
		Status:    protocol.AckStatusReceived,
	})

	select {
	case ok := <-delivered:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("system message call never returned")
	}
}

func TestWebSocket_SystemMessageToUnknownClient(t *testing.T) {
	h := newTestServer(t)

	resp := apiRequest(t, h, http.MethodPost, "/api/clients/nobody/system-message", systemMessageRequest{
		Message: "hello?",
	})
	require.Equal(t, 202, resp.StatusCode)

	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body["delivered"])
}

func TestWebSocket_UnknownEventGetsErrorFrame(t *testing.T) {
	h := newTestServer(t)
	conn := h.dial(t, "")
	readFrame(t, conn) // welcome

	sendFrame(t, conn, "self_destruct", nil)

	msg := readFrame(t, conn)
	assert.Equal(t, protocol.EventError, msg.Event)
}

func TestWebSocket_GlobalLimitRejects(t *testing.T) {
	h := newTestServer(t, func(cfg *config.Config) { cfg.MaxConnections = 1 })

	conn := h.dial(t, "")
	readFrame(t, conn) // welcome, slot is now held

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, 503, resp.StatusCode)
}

func TestWebSocket_RateLimitRejects(t *testing.T) {
	h := newTestServer(t, func(cfg *config.Config) {
		cfg.ConnectionsPerSecond = 1
		cfg.ConnectionBurst = 1
	})

	conn := h.dial(t, "")
	readFrame(t, conn) // welcome

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, 429, resp.StatusCode)
}
