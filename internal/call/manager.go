// Package call is the user-facing surface for starting and ending calls.
// It composes the session ledger, the broadcast transport, media capture
// and the per-room signaling coordinator. Coupling to the concrete engine
// and transport goes through narrow interfaces so the pieces stay
// replaceable.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
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

// ErrCallActive is returned when a call for the same room already exists.
var ErrCallActive = errors.New("call already active for this room")

// negotiator is the engine surface the manager needs on top of what the
// coordinator drives: local track management for capture and screen share.
type negotiator interface {
	signaling.Engine
	AddLocalTracks(tracks ...webrtc.TrackLocal) error
	AddRecvOnlyTransceivers()
	ReplaceOutgoingVideoTrack(track webrtc.TrackLocal) error
}

// Manager owns the active calls of one local user.
type Manager struct {
	self     *identity.Identity
	sessions *session.Service
	dir      *presence.Directory
	cfg      config.Config

	// Construction seams. Production wiring is installed by New; tests
	// substitute fakes.
	newEngine     func(roomID string, opts rtc.Options) (negotiator, error)
	joinRoom      func(roomID string) (signaling.Channel, error)
	capture       func(roomID string, opts media.Options) (media.Stream, error)
	captureScreen func(roomID string, opts media.Options) (media.Stream, error)

	mu     sync.RWMutex
	active map[string]*Call

	listenMu       sync.RWMutex
	onState        []func(roomID string, st signaling.State)
	onParticipants []func(roomID string, parts []signaling.Participant)
}

// New creates a Manager wired to the real pion engine, the gossipsub
// broadcast adapter and device capture.
func New(self *identity.Identity, adapter *broadcast.Adapter, sessions *session.Service, dir *presence.Directory, cfg config.Config) *Manager {
	return &Manager{
		self:     self,
		sessions: sessions,
		dir:      dir,
		cfg:      cfg,
		newEngine: func(roomID string, opts rtc.Options) (negotiator, error) {
			return rtc.New(roomID, opts)
		},
		joinRoom: func(roomID string) (signaling.Channel, error) {
			return adapter.Join(roomID)
		},
		capture:       media.CaptureUserMedia,
		captureScreen: media.CaptureDisplay,
		active:        make(map[string]*Call),
	}
}

// OnState registers a listener for per-room state transitions.
func (m *Manager) OnState(fn func(roomID string, st signaling.State)) {
	m.listenMu.Lock()
	m.onState = append(m.onState, fn)
	m.listenMu.Unlock()
}

// OnParticipants registers a listener for per-room participant updates.
func (m *Manager) OnParticipants(fn func(roomID string, parts []signaling.Participant)) {
	m.listenMu.Lock()
	m.onParticipants = append(m.onParticipants, fn)
	m.listenMu.Unlock()
}

func (m *Manager) fireState(roomID string, st signaling.State) {
	m.listenMu.RLock()
	fns := m.onState
	m.listenMu.RUnlock()
	for _, fn := range fns {
		fn(roomID, st)
	}
}

func (m *Manager) fireParticipants(roomID string, parts []signaling.Participant) {
	m.listenMu.RLock()
	fns := m.onParticipants
	m.listenMu.RUnlock()
	for _, fn := range fns {
		fn(roomID, parts)
	}
}

// StartCall sets up a call with partnerID. Both sides call this; the room
// ID and the initiator role are derived from the pair, so the two
// invocations converge on the same room with exactly one offerer.
func (m *Manager) StartCall(ctx context.Context, partnerID, callType string) (*Call, error) {
	selfID := m.self.UserID()
	sessionID, err := m.sessions.Start(selfID, partnerID, callType)
	if err != nil {
		return nil, err
	}

	roomID := rooms.RoomID(selfID, partnerID)

	m.mu.Lock()
	if _, ok := m.active[roomID]; ok {
		m.mu.Unlock()
		return nil, ErrCallActive
	}
	// Reserve the slot before the slow setup below.
	m.active[roomID] = nil
	m.mu.Unlock()

	c, err := m.setupCall(ctx, roomID, sessionID, partnerID, callType)
	if err != nil {
		m.mu.Lock()
		delete(m.active, roomID)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.active[roomID] = c
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.coord.Run(runCtx)
	go m.reap(c)

	log.Printf("CALL: started %s with %s (%s)", roomID, partnerID, callType)
	return c, nil
}

func (m *Manager) setupCall(ctx context.Context, roomID, sessionID, partnerID, callType string) (*Call, error) {
	selfID := m.self.UserID()

	wantVideo := callType == wire.CallTypeVideo && !m.cfg.Media.DisableVideo
	mediaOpts := media.Options{
		VideoBitRate: m.cfg.Media.VideoBitRate,
		MaxWidth:     m.cfg.Media.MaxWidth,
		MaxHeight:    m.cfg.Media.MaxHeight,
		WantVideo:    wantVideo,
		WantAudio:    true,
	}

	// No local devices is not fatal: the call proceeds receive-only.
	stream, err := m.capture(roomID, mediaOpts)
	if err != nil {
		if !errors.Is(err, media.ErrAcquisition) {
			return nil, err
		}
		log.Printf("CALL [%s]: no local media, joining receive-only: %v", roomID, err)
		stream = nil
	}

	engOpts := rtc.Options{ICEServers: m.cfg.Media.ICEServers}
	if stream != nil {
		engOpts.PopulateMedia = stream.PopulateMedia
	}
	engine, err := m.newEngine(roomID, engOpts)
	if err != nil {
		if stream != nil {
			stream.Close()
		}
		return nil, fmt.Errorf("create engine: %w", err)
	}

	if stream != nil {
		if err := engine.AddLocalTracks(stream.Tracks()...); err != nil {
			engine.Close()
			stream.Close()
			return nil, fmt.Errorf("add local tracks: %w", err)
		}
	} else {
		engine.AddRecvOnlyTransceivers()
	}

	channel, err := m.joinWithRetry(ctx, roomID)
	if err != nil {
		engine.Close()
		if stream != nil {
			stream.Close()
		}
		return nil, err
	}

	c := &Call{
		roomID:    roomID,
		sessionID: sessionID,
		peerID:    partnerID,
		callType:  callType,
		engine:    engine,
		stream:    stream,
		audioOn:   true,
		videoOn:   wantVideo,
	}

	c.coord = signaling.New(signaling.Options{
		RoomID:      roomID,
		SelfID:      selfID,
		DisplayName: m.self.DisplayName(),
		AvatarURL:   m.self.AvatarURL(),
		CallType:    callType,
		Engine:      engine,
		Channel:     channel,
		Initiator:   rooms.Initiator(selfID, partnerID),
		Presence:    m.dir,
		JoinTimeout: time.Duration(m.cfg.Signaling.JoinTimeoutSec) * time.Second,
		StopMedia:   c.stopMedia,

		PublishRetries: m.cfg.Signaling.StartRetries,
		PublishBackoff: time.Duration(m.cfg.Signaling.StartBackoffMs) * time.Millisecond,
		OnState: func(st signaling.State) {
			m.fireState(roomID, st)
		},
		OnParticipants: func(parts []signaling.Participant) {
			m.fireParticipants(roomID, parts)
		},
	})
	return c, nil
}

// joinWithRetry joins the room topic, retrying transient transport errors
// with a fixed backoff.
func (m *Manager) joinWithRetry(ctx context.Context, roomID string) (signaling.Channel, error) {
	retries := m.cfg.Signaling.StartRetries
	if retries < 1 {
		retries = 1
	}
	backoff := time.Duration(m.cfg.Signaling.StartBackoffMs) * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		ch, err := m.joinRoom(roomID)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		log.Printf("CALL [%s]: join attempt %d/%d failed: %v", roomID, attempt, retries, err)
		if attempt == retries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("join room %s: %w", roomID, lastErr)
}

// reap waits for the coordinator to finish, then closes the session row and
// frees the slot.
func (m *Manager) reap(c *Call) {
	<-c.coord.Done()

	if err := m.sessions.End(c.sessionID); err != nil {
		log.Printf("CALL [%s]: session close failed: %v", c.roomID, err)
	}
	c.cancel()

	m.mu.Lock()
	delete(m.active, c.roomID)
	m.mu.Unlock()
	log.Printf("CALL: ended %s", c.roomID)
}

// EndCall hangs up the call in roomID. No-op if the room is not active.
func (m *Manager) EndCall(roomID string) {
	m.mu.RLock()
	c := m.active[roomID]
	m.mu.RUnlock()
	if c == nil {
		return
	}
	c.coord.Leave()
}

// Get returns the active call handle for roomID, if any.
func (m *Manager) Get(roomID string) (*Call, bool) {
	m.mu.RLock()
	c, ok := m.active[roomID]
	m.mu.RUnlock()
	return c, ok && c != nil
}

// Active lists the room IDs of all live calls.
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.active))
	for id, c := range m.active {
		if c != nil {
			out = append(out, id)
		}
	}
	return out
}

// History returns the local user's past sessions, newest first.
func (m *Manager) History() ([]storage.SessionRow, error) {
	return m.sessions.History(m.self.UserID())
}

// Close hangs up every active call and waits for teardown.
func (m *Manager) Close() {
	m.mu.RLock()
	calls := make([]*Call, 0, len(m.active))
	for _, c := range m.active {
		if c != nil {
			calls = append(calls, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range calls {
		c.coord.Leave()
	}
	for _, c := range calls {
		select {
		case <-c.coord.Done():
		case <-time.After(5 * time.Second):
			log.Printf("CALL [%s]: teardown timed out", c.roomID)
		}
	}
}
