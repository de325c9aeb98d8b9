// Package rtc is a thin wrapper over one Pion PeerConnection per room.
// It owns no signaling logic: the coordinator in internal/signaling decides
// when each method may be called; this package enforces the protocol-level
// preconditions and reports violations as typed errors.
package rtc

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/cofoundhq/cofound/internal/wire"
)

// ErrNegotiation means a session description was applied in a signaling
// phase that forbids it. The coordinator checks SignalingStable before
// producing offers, so seeing this error normally means message reordering.
var ErrNegotiation = errors.New("invalid signaling phase for description")

// ErrNoRemoteDescription means a remote candidate arrived before any remote
// description. Never surfaced: it is the signal to buffer the candidate.
var ErrNoRemoteDescription = errors.New("no remote description set")

// pliInterval is how often a keyframe is requested for each remote video
// track while the call is up.
const pliInterval = 3 * time.Second

// Options configure the underlying PeerConnection.
type Options struct {
	ICEServers []string

	// PopulateMedia registers the codecs local capture produces. Nil falls
	// back to Pion's default codec set (receive-only calls).
	PopulateMedia func(*webrtc.MediaEngine) error
}

// Engine wraps one PeerConnection.
type Engine struct {
	roomID string
	pc     *webrtc.PeerConnection

	mu            sync.Mutex
	onRemoteTrack func(kind webrtc.RTPCodecType)
	onStateChange func(webrtc.PeerConnectionState)
	onCandidate   func(wire.ICECandidateInit)
	closed        bool

	statsMu sync.Mutex
	stats   ReceiveStats
}

// ReceiveStats counts inbound media since the engine was created.
type ReceiveStats struct {
	Packets uint64
	Bytes   uint64
}

// New builds the PeerConnection with the room's codec setup and generous ICE
// timeouts, so a brief NAT hiccup does not immediately kill the call.
func New(roomID string, opts Options) (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if opts.PopulateMedia != nil {
		if err := opts.PopulateMedia(mediaEngine); err != nil {
			return nil, fmt.Errorf("populate media engine: %w", err)
		}
	} else {
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// The default disconnectedTimeout of 5 s is too short for relay paths
	// with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	for _, u := range opts.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	e := &Engine{roomID: roomID, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		out := wire.ICECandidateInit{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		e.mu.Lock()
		fn := e.onCandidate
		e.mu.Unlock()
		if fn != nil {
			fn(out)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("RTC [%s]: connection state %s", roomID, s)
		e.mu.Lock()
		fn := e.onStateChange
		e.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("RTC [%s]: remote track %s (%s)", roomID, track.ID(), track.Kind())
		go e.consumeTrack(track)
	})

	return e, nil
}

// consumeTrack reads the remote track. The first packet read confirms that
// media is actually flowing, which is what promotes the peer to a visible
// participant; a pure join/ack exchange never does.
func (e *Engine) consumeTrack(track *webrtc.TrackRemote) {
	pkt, _, err := track.ReadRTP()
	if err != nil {
		if err != io.EOF {
			log.Printf("RTC [%s]: first read on track %s failed: %v", e.roomID, track.ID(), err)
		}
		return
	}
	e.recordPacket(pkt)

	e.mu.Lock()
	fn := e.onRemoteTrack
	e.mu.Unlock()
	if fn != nil {
		fn(track.Kind())
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go e.requestKeyframes(track)
	}

	// Drain the track so the interceptor chain keeps running; rendering is
	// the embedding application's concern.
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		e.recordPacket(pkt)
	}
}

func (e *Engine) recordPacket(pkt *rtp.Packet) {
	e.statsMu.Lock()
	e.stats.Packets++
	e.stats.Bytes += uint64(len(pkt.Payload))
	e.statsMu.Unlock()
}

// Stats returns a snapshot of inbound media counters.
func (e *Engine) Stats() ReceiveStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// requestKeyframes sends a PLI for the track every pliInterval until the
// connection closes, so a new receiver gets a decodable frame promptly.
func (e *Engine) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for range ticker.C {
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		err := e.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			return
		}
	}
}

// OnRemoteTrack registers the confirmed-media callback.
func (e *Engine) OnRemoteTrack(fn func(kind webrtc.RTPCodecType)) {
	e.mu.Lock()
	e.onRemoteTrack = fn
	e.mu.Unlock()
}

// OnConnectionStateChange registers the connection-state callback.
func (e *Engine) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	e.mu.Lock()
	e.onStateChange = fn
	e.mu.Unlock()
}

// OnICECandidate registers the local-candidate callback (trickle ICE out).
func (e *Engine) OnICECandidate(fn func(wire.ICECandidateInit)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

// AddLocalTracks attaches outgoing tracks.
func (e *Engine) AddLocalTracks(tracks ...webrtc.TrackLocal) error {
	for _, t := range tracks {
		if _, err := e.pc.AddTrack(t); err != nil {
			return fmt.Errorf("add track: %w", err)
		}
	}
	return nil
}

// AddRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer produce valid m-lines even without local media.
func (e *Engine) AddRecvOnlyTransceivers() {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		_, err := e.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			log.Printf("RTC [%s]: AddTransceiver(%s) error: %v", e.roomID, kind, err)
		}
	}
}

// CreateOffer produces a local offer and sets it as the local description.
func (e *Engine) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// CreateAnswer produces a local answer and sets it as the local description.
func (e *Engine) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription applies the peer's offer or answer. An application in
// the wrong signaling phase comes back as ErrNegotiation so the caller can
// drop the event instead of tearing the room down.
func (e *Engine) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	state := e.pc.SignalingState()
	switch sdp.Type {
	case webrtc.SDPTypeOffer:
		if state != webrtc.SignalingStateStable && state != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("apply offer in state %s: %w", state, ErrNegotiation)
		}
	case webrtc.SDPTypeAnswer:
		if state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("apply answer in state %s: %w", state, ErrNegotiation)
		}
	}
	if err := e.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote description: %w", ErrNegotiation)
	}
	return nil
}

// AddRemoteCandidate applies one trickle candidate. Returns
// ErrNoRemoteDescription while no remote description is set — the caller
// buffers the candidate and retries after the description lands.
func (e *Engine) AddRemoteCandidate(c wire.ICECandidateInit) error {
	if e.pc.RemoteDescription() == nil {
		return ErrNoRemoteDescription
	}
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	if err := e.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// SignalingStable reports whether the local signaling phase allows producing
// a fresh offer. The coordinator's glare guard.
func (e *Engine) SignalingStable() bool {
	return e.pc.SignalingState() == webrtc.SignalingStateStable
}

// ReplaceOutgoingVideoTrack swaps the outgoing video track in place, without
// renegotiating the session. Used for screen-share toggling.
func (e *Engine) ReplaceOutgoingVideoTrack(track webrtc.TrackLocal) error {
	for _, sender := range e.pc.GetSenders() {
		cur := sender.Track()
		if cur == nil || cur.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace video track: %w", err)
		}
		return nil
	}
	return errors.New("no outgoing video sender")
}

// Close shuts the PeerConnection down. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.pc.Close()
}
