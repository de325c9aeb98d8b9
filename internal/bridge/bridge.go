// Package bridge exposes the call surface to a local UI over loopback HTTP:
// a small JSON API for call control plus a WebSocket feed of state and
// participant changes. It never binds a public interface; the config layer
// rejects non-loopback addresses.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cofoundhq/cofound/internal/avatar"
	"github.com/cofoundhq/cofound/internal/call"
	"github.com/cofoundhq/cofound/internal/presence"
	"github.com/cofoundhq/cofound/internal/roster"
	"github.com/cofoundhq/cofound/internal/signaling"
	"github.com/cofoundhq/cofound/internal/util"
)

// recentEvents bounds how much feed history a late-connecting UI replays.
const recentEvents = 100

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
	// Loopback only; the webview may present any Origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one message on the WebSocket feed.
type Event struct {
	Type         string                  `json:"type"` // "state" | "participants" | "presence"
	RoomID       string                  `json:"room_id"`
	State        string                  `json:"state,omitempty"`
	Participants []signaling.Participant `json:"participants,omitempty"`
	Members      []presence.Member       `json:"members,omitempty"`
}

// Bridge is the loopback HTTP server.
type Bridge struct {
	mgr      *call.Manager
	dir      *presence.Directory
	selfID   string
	selfName string

	// Optional extras; endpoints degrade gracefully when nil.
	peers   *roster.Table
	avatars *avatar.Store

	srv *http.Server

	// Replayed to each new feed connection so a UI that attaches mid-call
	// still sees how the room got to its current state.
	recent *util.RingBuffer[Event]

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// New wires the bridge to a call manager and presence directory. Call Serve
// to start it.
func New(mgr *call.Manager, dir *presence.Directory, selfID string) *Bridge {
	b := &Bridge{
		mgr:    mgr,
		dir:    dir,
		selfID: selfID,
		recent: util.NewRingBuffer[Event](recentEvents),
		subs:   make(map[chan Event]struct{}),
	}

	mgr.OnState(func(roomID string, st signaling.State) {
		b.fanout(Event{Type: "state", RoomID: roomID, State: st.String()})
	})
	mgr.OnParticipants(func(roomID string, parts []signaling.Participant) {
		b.fanout(Event{Type: "participants", RoomID: roomID, Participants: parts})
	})

	return b
}

// WithRoster enables the /api/peers endpoint.
func (b *Bridge) WithRoster(peers *roster.Table) *Bridge {
	b.peers = peers
	return b
}

// WithAvatars enables the /api/avatar endpoints. selfName drives the
// initials placeholder when no image is stored.
func (b *Bridge) WithAvatars(avatars *avatar.Store, selfName string) *Bridge {
	b.avatars = avatars
	b.selfName = selfName
	return b
}

// Handler returns the API mux, exposed separately so tests can drive it
// through httptest.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		PartnerID string `json:"partner_id"`
		CallType  string `json:"call_type"`
	}) {
		if req.PartnerID == "" {
			http.Error(w, "missing partner_id", http.StatusBadRequest)
			return
		}
		c, err := b.mgr.StartCall(r.Context(), req.PartnerID, req.CallType)
		if err != nil {
			if errors.Is(err, call.ErrCallActive) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, fmt.Sprintf("start call failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{
			"room_id":    c.RoomID(),
			"session_id": c.SessionID(),
		})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
		RoomID string `json:"room_id"`
	}) {
		if req.RoomID == "" {
			http.Error(w, "missing room_id", http.StatusBadRequest)
			return
		}
		b.mgr.EndCall(req.RoomID)
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req struct {
		RoomID string `json:"room_id"`
	}) {
		c, ok := b.mgr.Get(req.RoomID)
		if !ok {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"muted": c.ToggleAudio()})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct {
		RoomID string `json:"room_id"`
	}) {
		c, ok := b.mgr.Get(req.RoomID)
		if !ok {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"disabled": c.ToggleVideo()})
	})

	handlePost(mux, "/api/call/toggle-screen", func(w http.ResponseWriter, r *http.Request, req struct {
		RoomID string `json:"room_id"`
	}) {
		c, ok := b.mgr.Get(req.RoomID)
		if !ok {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		sharing, err := c.ToggleScreenShare(b.mgr)
		if err != nil {
			http.Error(w, fmt.Sprintf("screen share failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]bool{"sharing": sharing})
	})

	handleGet(mux, "/api/call/active", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"rooms": b.mgr.Active()})
	})

	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		rows, err := b.mgr.History()
		if err != nil {
			http.Error(w, fmt.Sprintf("history failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"sessions": rows})
	})

	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"user_id": b.selfID})
	})

	mux.HandleFunc("/api/room/members", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		roomID := r.URL.Query().Get("room")
		if roomID == "" {
			http.Error(w, "missing room", http.StatusBadRequest)
			return
		}
		members, selfPresent, err := b.dir.Members(roomID)
		if err != nil {
			http.Error(w, fmt.Sprintf("members failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"members":      members,
			"self_present": selfPresent,
		})
	})

	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		if b.peers == nil {
			writeJSON(w, map[string]any{"founders": map[string]any{}})
			return
		}
		writeJSON(w, map[string]any{"founders": b.peers.Snapshot()})
	})

	mux.HandleFunc("/api/avatar", b.serveAvatar)
	mux.HandleFunc("/api/events", b.serveEvents)

	return mux
}

// serveAvatar reads, replaces or deletes the local profile picture. GET
// falls back to a generated initials SVG so the UI always has something to
// show.
func (b *Bridge) serveAvatar(w http.ResponseWriter, r *http.Request) {
	if b.avatars == nil {
		http.Error(w, "avatars not enabled", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		data, err := b.avatars.Read()
		if err != nil {
			http.Error(w, fmt.Sprintf("avatar read failed: %v", err), http.StatusInternalServerError)
			return
		}
		if data == nil {
			w.Header().Set("Content-Type", "image/svg+xml")
			_, _ = w.Write(avatar.InitialsSVG(b.selfName, b.selfID))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("ETag", `"`+b.avatars.Hash()+`"`)
		_, _ = w.Write(data)

	case http.MethodPost:
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			http.Error(w, "avatar too large or unreadable", http.StatusBadRequest)
			return
		}
		if err := b.avatars.Write(data); err != nil {
			http.Error(w, fmt.Sprintf("avatar write failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"hash": b.avatars.Hash()})

	case http.MethodDelete:
		if err := b.avatars.Delete(); err != nil {
			http.Error(w, fmt.Sprintf("avatar delete failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// serveEvents upgrades to a WebSocket and streams bridge events until the
// client disconnects. Each connection gets its own buffered subscription.
func (b *Bridge) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("BRIDGE: WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	// Register before replaying so nothing published in between is lost;
	// the subscription buffer absorbs the overlap.
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}()

	for _, ev := range b.recent.Snapshot() {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	// Drain client frames so ping/pong and close are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// fanout delivers an event to every subscriber; slow clients lose events
// rather than stalling the call path.
func (b *Bridge) fanout(ev Event) {
	b.recent.Push(ev)
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// NotifyPresence pushes a presence snapshot onto the feed. Wired to
// Directory.Subscribe by the app.
func (b *Bridge) NotifyPresence(roomID string, members []presence.Member) {
	b.fanout(Event{Type: "presence", RoomID: roomID, Members: members})
}

// Serve listens on addr until ctx is cancelled. An empty addr is refused:
// net.Listen would turn it into a wildcard all-interfaces listener, and this
// server must never leave loopback. Callers treat empty as bridge-disabled.
func (b *Bridge) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("bridge: empty listen address")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge listen %s: %w", addr, err)
	}

	b.srv = &http.Server{Handler: b.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = b.srv.Shutdown(shutdownCtx)
	}()

	log.Printf("BRIDGE: listening on %s", ln.Addr())
	if err := b.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func handleGet(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

func handlePost[T any](mux *http.ServeMux, pattern string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		fn(w, r, req)
	})
}
