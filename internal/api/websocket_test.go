package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/enrollware/enroll-core/internal/auth"
)

// dialWS opens a WebSocket connection to the test server's /ws route with
// the given access token.
func dialWS(t *testing.T, env *testEnv, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/v1/ws?access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake rejection, got %+v", resp)
	}
	resp.Body.Close()
}

func TestWebSocketDeliversOwnTaskEvents(t *testing.T) {
	env := newTestEnv(t)
	student := env.seedUser(t, "nia", auth.RoleStudent, nil)
	c := env.seedCourse(t, "Compilers", 5)
	token := env.accessTokenFor(t, student)

	conn := dialWS(t, env, token)

	// Subscribe to task completions.
	sub := WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "1",
		Payload: WSSubscribePayload{Channels: []string{ChannelTaskTerminal}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("reading subscribe ack: %v", err)
	}
	if ack.Type != WSTypeResponse {
		t.Fatalf("ack type = %q", ack.Type)
	}

	var submitted submitResponse
	env.doJSON(t, http.MethodPost, "/api/v1/select", token, intentRequest{CourseID: c.ID}, &submitted)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event WSMessage
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("reading task event: %v", err)
	}
	if event.Type != WSTypeEvent || event.EventType != ChannelTaskTerminal {
		t.Fatalf("unexpected event: %+v", event)
	}

	raw, err := json.Marshal(event.Payload)
	if err != nil {
		t.Fatal(err)
	}
	var payload struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.ID != submitted.TaskID {
		t.Errorf("event task = %s, want %s", payload.ID, submitted.TaskID)
	}
	if payload.Status != "succeeded" {
		t.Errorf("event status = %s", payload.Status)
	}
}

func TestWebSocketScopesEventsToOwner(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "olly", auth.RoleStudent, nil)
	snoop := env.seedUser(t, "pam", auth.RoleStudent, nil)
	c := env.seedCourse(t, "Statistics", 5)

	snoopConn := dialWS(t, env, env.accessTokenFor(t, snoop))
	sub := WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "1",
		Payload: WSSubscribePayload{Channels: []string{ChannelTaskTerminal}},
	}
	if err := snoopConn.WriteJSON(sub); err != nil {
		t.Fatal(err)
	}
	var ack WSMessage
	if err := snoopConn.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}

	ownerToken := env.accessTokenFor(t, owner)
	var submitted submitResponse
	env.doJSON(t, http.MethodPost, "/api/v1/select", ownerToken, intentRequest{CourseID: c.ID}, &submitted)
	env.waitForTask(t, submitted.TaskID, ownerToken)

	// The snoop must not receive the owner's event.
	snoopConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var event WSMessage
	if err := snoopConn.ReadJSON(&event); err == nil {
		t.Fatalf("another student received a foreign task event: %+v", event)
	}
}

func TestWebSocketPing(t *testing.T) {
	env := newTestEnv(t)
	student := env.seedUser(t, "quin", auth.RoleStudent, nil)

	conn := dialWS(t, env, env.accessTokenFor(t, student))
	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "7"}); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong WSMessage
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatal(err)
	}
	if pong.Type != WSTypePong || pong.ID != "7" {
		t.Fatalf("unexpected reply: %+v", pong)
	}
}
