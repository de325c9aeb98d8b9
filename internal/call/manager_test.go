package call

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/cofoundhq/cofound/internal/broadcast"
	"github.com/cofoundhq/cofound/internal/config"
	"github.com/cofoundhq/cofound/internal/identity"
	"github.com/cofoundhq/cofound/internal/media"
	"github.com/cofoundhq/cofound/internal/presence"
	"github.com/cofoundhq/cofound/internal/rooms"
	"github.com/cofoundhq/cofound/internal/rtc"
	"github.com/cofoundhq/cofound/internal/session"
	"github.com/cofoundhq/cofound/internal/signaling"
	"github.com/cofoundhq/cofound/internal/storage"
	"github.com/cofoundhq/cofound/internal/wire"
)

type stubEngine struct {
	mu          sync.Mutex
	recvOnly    bool
	localTracks int
	closed      bool
}

func (e *stubEngine) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}
func (e *stubEngine) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, nil
}
func (e *stubEngine) SetRemoteDescription(webrtc.SessionDescription) error     { return nil }
func (e *stubEngine) AddRemoteCandidate(wire.ICECandidateInit) error           { return nil }
func (e *stubEngine) SignalingStable() bool                                    { return true }
func (e *stubEngine) OnRemoteTrack(func(webrtc.RTPCodecType))                  {}
func (e *stubEngine) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (e *stubEngine) OnICECandidate(func(wire.ICECandidateInit))               {}

func (e *stubEngine) AddLocalTracks(tracks ...webrtc.TrackLocal) error {
	e.mu.Lock()
	e.localTracks += len(tracks)
	e.mu.Unlock()
	return nil
}

func (e *stubEngine) AddRecvOnlyTransceivers() {
	e.mu.Lock()
	e.recvOnly = true
	e.mu.Unlock()
}

func (e *stubEngine) ReplaceOutgoingVideoTrack(webrtc.TrackLocal) error { return nil }

func (e *stubEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

type stubChannel struct {
	mu        sync.Mutex
	roomID    string
	published []string
	incoming  chan broadcast.Envelope
	closed    bool
}

func newStubChannel(roomID string) *stubChannel {
	return &stubChannel{roomID: roomID, incoming: make(chan broadcast.Envelope, 16)}
}

func (c *stubChannel) Publish(_ context.Context, event string, payload any) error {
	if _, err := json.Marshal(payload); err != nil {
		return err
	}
	c.mu.Lock()
	c.published = append(c.published, event)
	c.mu.Unlock()
	return nil
}

func (c *stubChannel) Events() <-chan broadcast.Envelope { return c.incoming }

func (c *stubChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.incoming)
	}
	return nil
}

func (c *stubChannel) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.published {
		if e == event {
			n++
		}
	}
	return n
}

type stubStream struct {
	closed bool
}

func (s *stubStream) Tracks() []webrtc.TrackLocal             { return nil }
func (s *stubStream) VideoTrack() webrtc.TrackLocal           { return nil }
func (s *stubStream) PopulateMedia(*webrtc.MediaEngine) error { return nil }
func (s *stubStream) Close()                                  { s.closed = true }

type testRig struct {
	mgr      *Manager
	db       *storage.DB
	eng      *stubEngine
	channels map[string]*stubChannel
	joinErrs []error
	joinMu   sync.Mutex
	joins    int
}

func newTestRig(t *testing.T) *testRig {
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

	cfg := config.Default()
	cfg.Signaling.JoinTimeoutSec = 0
	cfg.Signaling.StartBackoffMs = 1

	rig := &testRig{
		db:       db,
		eng:      &stubEngine{},
		channels: make(map[string]*stubChannel),
	}

	mgr := New(self, nil, session.NewService(db), presence.NewDirectory(db, self.UserID()), cfg)
	mgr.newEngine = func(roomID string, _ rtc.Options) (negotiator, error) {
		return rig.eng, nil
	}
	mgr.joinRoom = func(roomID string) (signaling.Channel, error) {
		rig.joinMu.Lock()
		defer rig.joinMu.Unlock()
		rig.joins++
		if len(rig.joinErrs) > 0 {
			err := rig.joinErrs[0]
			rig.joinErrs = rig.joinErrs[1:]
			if err != nil {
				return nil, err
			}
		}
		ch := newStubChannel(roomID)
		rig.channels[roomID] = ch
		return ch, nil
	}
	mgr.capture = func(_ string, _ media.Options) (media.Stream, error) {
		return &stubStream{}, nil
	}
	mgr.captureScreen = func(_ string, _ media.Options) (media.Stream, error) {
		return &stubStream{}, nil
	}
	rig.mgr = mgr
	return rig
}

func TestStartAndEndCall(t *testing.T) {
	rig := newTestRig(t)
	selfID := rig.mgr.self.UserID()
	partner := "12D3KooWPartner"

	c, err := rig.mgr.StartCall(context.Background(), partner, wire.CallTypeVideo)
	if err != nil {
		t.Fatal(err)
	}

	wantRoom := rooms.RoomID(selfID, partner)
	if c.RoomID() != wantRoom {
		t.Fatalf("room = %s, want %s", c.RoomID(), wantRoom)
	}
	if got, ok := rig.mgr.Get(wantRoom); !ok || got != c {
		t.Fatal("active call not registered under its room")
	}

	row, ok := rig.mgr.sessions.Get(c.SessionID())
	if !ok || !row.Open() {
		t.Fatal("session row missing or already closed")
	}

	rig.mgr.EndCall(wantRoom)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call never tore down")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		row, _ = rig.mgr.sessions.Get(c.SessionID())
		if !row.Open() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if row.Open() {
		t.Fatal("session row still open after hangup")
	}
	if _, ok := rig.mgr.Get(wantRoom); ok {
		t.Fatal("room still active after hangup")
	}
	if rig.channels[wantRoom].count(wire.EventLeave) != 1 {
		t.Fatal("leave was not announced")
	}
}

func TestStartCallRejectsDuplicateRoom(t *testing.T) {
	rig := newTestRig(t)
	partner := "12D3KooWPartner"

	c, err := rig.mgr.StartCall(context.Background(), partner, wire.CallTypeAudio)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		rig.mgr.EndCall(c.RoomID())
		<-c.Done()
	}()

	if _, err := rig.mgr.StartCall(context.Background(), partner, wire.CallTypeAudio); err != ErrCallActive {
		t.Fatalf("second start err = %v, want ErrCallActive", err)
	}
}

func TestJoinRetriesTransientErrors(t *testing.T) {
	rig := newTestRig(t)
	rig.joinErrs = []error{context.DeadlineExceeded, context.DeadlineExceeded, nil}

	c, err := rig.mgr.StartCall(context.Background(), "12D3KooWPartner", wire.CallTypeAudio)
	if err != nil {
		t.Fatalf("start after transient failures: %v", err)
	}
	defer func() {
		rig.mgr.EndCall(c.RoomID())
		<-c.Done()
	}()

	rig.joinMu.Lock()
	joins := rig.joins
	rig.joinMu.Unlock()
	if joins != 3 {
		t.Fatalf("join attempts = %d, want 3", joins)
	}
}

func TestReceiveOnlyWithoutDevices(t *testing.T) {
	rig := newTestRig(t)
	rig.mgr.capture = func(string, media.Options) (media.Stream, error) {
		return nil, media.ErrAcquisition
	}

	c, err := rig.mgr.StartCall(context.Background(), "12D3KooWPartner", wire.CallTypeVideo)
	if err != nil {
		t.Fatalf("capture failure must not abort the call: %v", err)
	}
	defer func() {
		rig.mgr.EndCall(c.RoomID())
		<-c.Done()
	}()

	rig.eng.mu.Lock()
	recvOnly := rig.eng.recvOnly
	rig.eng.mu.Unlock()
	if !recvOnly {
		t.Fatal("expected receive-only transceivers when no devices exist")
	}
}

func TestMediaToggles(t *testing.T) {
	rig := newTestRig(t)

	c, err := rig.mgr.StartCall(context.Background(), "12D3KooWPartner", wire.CallTypeVideo)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		rig.mgr.EndCall(c.RoomID())
		<-c.Done()
	}()

	if muted := c.ToggleAudio(); !muted {
		t.Fatal("first audio toggle should mute")
	}
	if muted := c.ToggleAudio(); muted {
		t.Fatal("second audio toggle should unmute")
	}
	if disabled := c.ToggleVideo(); !disabled {
		t.Fatal("first video toggle should disable")
	}

	sharing, err := c.ToggleScreenShare(rig.mgr)
	if err != nil {
		t.Fatal(err)
	}
	if !sharing {
		t.Fatal("screen share should be active after first toggle")
	}
	if sharing, _ = c.ToggleScreenShare(rig.mgr); sharing {
		t.Fatal("screen share should stop on second toggle")
	}
}
