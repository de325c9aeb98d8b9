package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cofoundhq/cofound/internal/call"
	"github.com/cofoundhq/cofound/internal/config"
	"github.com/cofoundhq/cofound/internal/identity"
	"github.com/cofoundhq/cofound/internal/presence"
	"github.com/cofoundhq/cofound/internal/session"
	"github.com/cofoundhq/cofound/internal/storage"
)

func newTestBridge(t *testing.T) (*Bridge, *presence.Directory, string) {
	t.Helper()

	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	self, err := identity.Load(filepath.Join(t.TempDir(), "identity.key"), "Self", "")
	if err != nil {
		t.Fatal(err)
	}

	dir := presence.NewDirectory(db, self.UserID())
	mgr := call.New(self, nil, session.NewService(db), dir, config.Default())
	return New(mgr, dir, self.UserID()), dir, self.UserID()
}

func TestSelfEndpoint(t *testing.T) {
	b, _, selfID := newTestBridge(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/self")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["user_id"] != selfID {
		t.Fatalf("user_id = %q, want %q", body["user_id"], selfID)
	}
}

func TestRoomMembersEndpoint(t *testing.T) {
	b, dir, selfID := newTestBridge(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	if err := dir.Join("room-abc", selfID); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/api/room/members?room=room-abc")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Members     []presence.Member `json:"members"`
		SelfPresent bool              `json:"self_present"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Members) != 1 || !body.SelfPresent {
		t.Fatalf("members = %v selfPresent = %v, want self only", body.Members, body.SelfPresent)
	}
}

func TestActiveEmptyAndHangupNoop(t *testing.T) {
	b, _, _ := newTestBridge(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/call/active")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("active status = %d", resp.StatusCode)
	}

	// Hanging up a room that does not exist is not an error.
	body := bytes.NewBufferString(`{"room_id":"room-nope"}`)
	resp, err = http.Post(srv.URL+"/api/call/hangup", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("hangup status = %d, want 200", resp.StatusCode)
	}
}

func TestMethodAndBodyValidation(t *testing.T) {
	b, _, _ := newTestBridge(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/call/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET on POST route = %d, want 405", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/call/start", "application/json", strings.NewReader("{broken"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("broken body = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/call/toggle-audio", "application/json", strings.NewReader(`{"room_id":"room-nope"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("toggle on unknown room = %d, want 404", resp.StatusCode)
	}
}

func TestServeRejectsEmptyAddr(t *testing.T) {
	b, _, _ := newTestBridge(t)

	// An empty addr would make net.Listen bind every interface; the bridge
	// must refuse instead of silently going off loopback.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Serve(ctx, ""); err == nil {
		t.Fatal("Serve accepted an empty listen address")
	}
}

func TestEventFeedReplaysRecentEvents(t *testing.T) {
	b, _, _ := newTestBridge(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	// Events published before any client connects.
	b.NotifyPresence("room-abc", []presence.Member{{UserID: "peer", DisplayName: "Peer"}})
	b.NotifyPresence("room-abc", nil)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatal(err)
	}
	if first.RoomID != "room-abc" || len(first.Members) != 1 {
		t.Fatalf("first replayed event = %+v, want the peer join", first)
	}
	if len(second.Members) != 0 {
		t.Fatalf("second replayed event = %+v, want the empty roster", second)
	}
}

func TestEventFeedDeliversPresence(t *testing.T) {
	b, _, _ := newTestBridge(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The subscription is registered during the upgrade; give the server a
	// beat before publishing.
	time.Sleep(50 * time.Millisecond)
	b.NotifyPresence("room-abc", []presence.Member{{UserID: "peer", DisplayName: "Peer"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "presence" || ev.RoomID != "room-abc" || len(ev.Members) != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}
}
