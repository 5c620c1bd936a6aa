package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tariel-x/medcall/internal/models"
	"github.com/tariel-x/medcall/internal/signaling"
)

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsEnvelope
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	return msg
}

func waitConnections(t *testing.T, hub *WSHub, userID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Connections(userID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d connections for %s, got %d", want, userID, hub.Connections(userID))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketStreamsInvitations(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	// Pending before connecting: replayed on connect.
	if rec := env.do(t, http.MethodPost, "/calls/incoming", sampleCall("c0")); rec.Code != http.StatusCreated {
		t.Fatalf("post c0: %d", rec.Code)
	}

	conn := dialWS(t, srv, "userId=d1")
	first := readEnvelope(t, conn)
	if first.Type != wsTypeIncomingCall {
		t.Fatalf("expected replayed incoming-call, got %q", first.Type)
	}
	var replayed models.IncomingCall
	_ = json.Unmarshal(first.Data, &replayed)
	if replayed.CallID != "c0" {
		t.Fatalf("expected c0 replayed, got %+v", replayed)
	}
	waitConnections(t, env.hub, "d1", 1)

	other := dialWS(t, srv, "userId=d2")
	waitConnections(t, env.hub, "d2", 1)

	if rec := env.do(t, http.MethodPost, "/calls/incoming", sampleCall("c1")); rec.Code != http.StatusCreated {
		t.Fatalf("post c1: %d", rec.Code)
	}
	msg := readEnvelope(t, conn)
	var call models.IncomingCall
	if err := json.Unmarshal(msg.Data, &call); err != nil || msg.Type != wsTypeIncomingCall || call.CallID != "c1" {
		t.Fatalf("expected incoming-call c1, got %+v (%v)", msg, err)
	}

	// A duplicate post does not ring again.
	env.do(t, http.MethodPost, "/calls/incoming", sampleCall("c1"))

	env.do(t, http.MethodDelete, "/calls/incoming?doctorId=d1&callId=c1", nil)
	msg = readEnvelope(t, conn)
	var removed wsCallRemovedData
	_ = json.Unmarshal(msg.Data, &removed)
	if msg.Type != wsTypeCallRemoved || removed.CallID != "c1" {
		t.Fatalf("expected call-removed c1, got %+v", msg)
	}

	_ = other.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Fatalf("d2 must not receive d1's invitations")
	}

	_ = conn.Close()
	waitConnections(t, env.hub, "d1", 0)
}

// listHookStore runs during once, right after the first pending-call lookup
// has been answered.
type listHookStore struct {
	signaling.Store
	once   sync.Once
	during func()
}

func (s *listHookStore) IncomingCalls(ctx context.Context, calleeID string) ([]models.IncomingCall, error) {
	calls, err := s.Store.IncomingCalls(ctx, calleeID)
	s.once.Do(s.during)
	return calls, err
}

func TestWebSocketDeliversCallRecordedDuringReplay(t *testing.T) {
	store := &listHookStore{Store: signaling.NewMemoryStore(0)}
	env := newTestEnv(t, nil, withStore(store))
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	status := make(chan int, 1)
	store.during = func() {
		status <- env.do(t, http.MethodPost, "/calls/incoming", sampleCall("c-late")).Code
	}

	conn := dialWS(t, srv, "userId=d1")
	if code := <-status; code != http.StatusCreated {
		t.Fatalf("post during replay: %d", code)
	}
	msg := readEnvelope(t, conn)
	var call models.IncomingCall
	if err := json.Unmarshal(msg.Data, &call); err != nil || msg.Type != wsTypeIncomingCall || call.CallID != "c-late" {
		t.Fatalf("expected incoming-call c-late, got %+v (%v)", msg, err)
	}
}

func TestWebSocketAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without a user, got %v", err)
	}

	token, _ := NewUserToken(testSecret, "d9", time.Hour)
	dialWS(t, srv, "access_token="+token+"&userId=spoofed")
	waitConnections(t, env.hub, "d9", 1)
	if env.hub.Connections("spoofed") != 0 {
		t.Fatalf("token identity must win over the query parameter")
	}
}

func TestHubSendToUserCountsConnections(t *testing.T) {
	hub := NewWSHub()
	a := &wsClient{send: make(chan []byte, 1), userID: "u", clientID: "a"}
	b := &wsClient{send: make(chan []byte, 1), userID: "u", clientID: "b"}
	hub.Add(a)
	hub.Add(b)

	if n := hub.SendToUser("u", []byte("x")); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	// Buffers are full now.
	if n := hub.SendToUser("u", []byte("y")); n != 0 {
		t.Fatalf("expected no deliveries to full buffers, got %d", n)
	}

	hub.Remove("u", "a")
	if hub.Connections("u") != 1 {
		t.Fatalf("expected one connection left")
	}
	if a.trySend([]byte("z")) {
		t.Fatalf("send on a removed client must fail")
	}
	hub.CloseAll()
	if hub.Connections("u") != 0 {
		t.Fatalf("CloseAll must drop everything")
	}
}
