package signaling

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	hub := New("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	s := NewServer(hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(s.echo)
	t.Cleanup(ts.Close)
	return s, ts
}

func TestHandleCreateSessionDefaultsSessionType(t *testing.T) {
	s, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/create_session", "application/json", bytes.NewBufferString("{}"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["session_id"] == "" {
		t.Fatalf("expected a session id, got %v", body)
	}
	if room, ok := s.hub.Room(body["session_id"]); !ok || room.SessionType != "global" {
		t.Fatalf("expected the session type to default to global, got %+v ok=%v", room, ok)
	}
}

func TestHandleRoomPageUnknownRoomIs404(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/video_session/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHandleHealth(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + ts.URL[len("http"):] + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWebSocketJoinAndDataForwarding(t *testing.T) {
	s, ts := newTestServer(t)
	room := s.hub.CreateRoom("video", "global", "")

	alice := dialWS(t, ts)
	alice.WriteJSON(map[string]any{"type": "join_session", "session_id": room.ID, "username": "alice"})
	var aliceResp map[string]any
	alice.ReadJSON(&aliceResp)
	if aliceResp["type"] != "user-list" {
		t.Fatalf("expected user-list reply, got %v", aliceResp)
	}
	if _, hasList := aliceResp["list"]; hasList {
		t.Fatal("expected first joiner to get no peer list")
	}

	bob := dialWS(t, ts)
	bob.WriteJSON(map[string]any{"type": "join_session", "session_id": room.ID, "username": "bob"})
	var bobResp map[string]any
	bob.ReadJSON(&bobResp)
	if bobResp["list"] == nil {
		t.Fatalf("expected bob to see alice in the snapshot, got %v", bobResp)
	}
	bobSID, _ := bobResp["my_id"].(string)

	// Alice should see bob's user-connect notice.
	var aliceNotice map[string]any
	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	alice.ReadJSON(&aliceNotice)
	if aliceNotice["type"] != "user-connect" {
		t.Fatalf("expected user-connect notice, got %v", aliceNotice)
	}
	aliceSID, _ := aliceResp["my_id"].(string)

	// Bob forwards a data event to alice by sender/target sid.
	bob.WriteJSON(map[string]any{"type": "data", "sender_id": bobSID, "target_id": aliceSID, "sdp": "offer-body"})
	var forwarded map[string]any
	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	alice.ReadJSON(&forwarded)
	if forwarded["sdp"] != "offer-body" {
		t.Fatalf("expected forwarded sdp payload, got %v", forwarded)
	}
}

func TestWebSocketDataRejectsSpoofedSenderID(t *testing.T) {
	s, ts := newTestServer(t)
	room := s.hub.CreateRoom("video", "global", "")

	alice := dialWS(t, ts)
	alice.WriteJSON(map[string]any{"type": "join_session", "session_id": room.ID, "username": "alice"})
	var aliceResp map[string]any
	alice.ReadJSON(&aliceResp)

	bob := dialWS(t, ts)
	bob.WriteJSON(map[string]any{"type": "join_session", "session_id": room.ID, "username": "bob"})
	var bobResp map[string]any
	bob.ReadJSON(&bobResp)

	var aliceNotice map[string]any
	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	alice.ReadJSON(&aliceNotice)
	aliceSID, _ := aliceResp["my_id"].(string)

	// Bob claims to be alice's sid; the server must drop this silently.
	bob.WriteJSON(map[string]any{"type": "data", "sender_id": aliceSID, "target_id": aliceSID, "sdp": "spoofed"})

	alice.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var nothing map[string]any
	if err := alice.ReadJSON(&nothing); err == nil {
		t.Fatalf("expected no message delivered for a spoofed sender_id, got %v", nothing)
	}
}
