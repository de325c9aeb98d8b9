// Package signaling drives one room's call setup and teardown to completion
// despite message reordering and concurrent starts. All coordination runs on
// a single goroutine per room; the two peers share no memory, so every
// hazard here is a message-ordering hazard.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/cofoundhq/cofound/internal/broadcast"
	"github.com/cofoundhq/cofound/internal/presence"
	"github.com/cofoundhq/cofound/internal/rtc"
	"github.com/cofoundhq/cofound/internal/util"
	"github.com/cofoundhq/cofound/internal/wire"
)

// Engine is the slice of the negotiation engine the coordinator drives.
// *rtc.Engine satisfies it; tests substitute a fake.
type Engine interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddRemoteCandidate(wire.ICECandidateInit) error
	SignalingStable() bool
	OnRemoteTrack(func(kind webrtc.RTPCodecType))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnICECandidate(func(wire.ICECandidateInit))
	Close() error
}

// Channel is the slice of the broadcast channel the coordinator speaks over.
type Channel interface {
	Publish(ctx context.Context, event string, payload any) error
	Events() <-chan broadcast.Envelope
	Close() error
}

// connContext owns everything about the in-flight peer connection for one
// room: the engine, the early-candidate queue, and the initiator flag. It is
// created on room entry and destroyed on exit — nothing here outlives the
// coordinator.
type connContext struct {
	engine    Engine
	initiator bool

	// Remote candidates that arrived before the remote description, in
	// arrival order. Drained exactly once per description application.
	pendingCandidates []wire.ICECandidateInit
}

// Options configure one room coordinator.
type Options struct {
	RoomID      string
	SelfID      string
	DisplayName string
	AvatarURL   string
	CallType    string // wire.CallTypeAudio | wire.CallTypeVideo

	Engine    Engine
	Channel   Channel
	Initiator bool

	// Presence may be nil; membership bookkeeping is then skipped.
	Presence *presence.Directory

	// JoinTimeout closes a room stuck waiting for the peer. 0 disables.
	JoinTimeout time.Duration

	// StopMedia releases local capture during teardown. May be nil.
	StopMedia func()

	// PublishRetries and PublishBackoff bound the join announcement. The
	// join is the one publish the room cannot proceed without, so it is
	// retried; everything later is covered by the peer's own retransmits.
	// Zero values default to 3 attempts and 500ms.
	PublishRetries int
	PublishBackoff time.Duration

	OnState        func(State)
	OnParticipants func([]Participant)
}

type eventKind int

const (
	evEnvelope eventKind = iota
	evLocalCandidate
	evMediaConfirmed
	evConnState
	evLeave
)

type event struct {
	kind      eventKind
	env       broadcast.Envelope
	candidate wire.ICECandidateInit
	connState webrtc.PeerConnectionState
}

// Coordinator is the per-room signaling state machine.
type Coordinator struct {
	opt  Options
	conn *connContext

	events chan event
	done   chan struct{}

	// Loop-owned; read externally through the snapshot below.
	state       State
	peerID      string
	peerProfile wire.JoinPayload
	participant *Participant

	mu        sync.Mutex
	snapState State
	snapParts []Participant
}

// New creates a coordinator in StateIdle. Run must be called to start it.
func New(opt Options) *Coordinator {
	if opt.PublishRetries <= 0 {
		opt.PublishRetries = 3
	}
	if opt.PublishBackoff <= 0 {
		opt.PublishBackoff = 500 * time.Millisecond
	}
	c := &Coordinator{
		opt: opt,
		conn: &connContext{
			engine:    opt.Engine,
			initiator: opt.Initiator,
		},
		events: make(chan event, 128),
		done:   make(chan struct{}),
		state:  StateIdle,
	}

	opt.Engine.OnICECandidate(func(cand wire.ICECandidateInit) {
		c.push(event{kind: evLocalCandidate, candidate: cand})
	})
	opt.Engine.OnRemoteTrack(func(webrtc.RTPCodecType) {
		c.push(event{kind: evMediaConfirmed})
	})
	opt.Engine.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.push(event{kind: evConnState, connState: s})
	})

	return c
}

// push enqueues an event unless the coordinator already shut down.
func (c *Coordinator) push(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Run joins the room and processes events until the room closes or ctx is
// cancelled. It must be called exactly once, typically on its own goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	c.setState(StateJoining)

	// Best-effort bookkeeping: the live call never waits on storage.
	if c.opt.Presence != nil {
		if err := c.opt.Presence.Join(c.opt.RoomID, c.opt.SelfID); err != nil {
			log.Printf("SIGNAL [%s]: presence join failed: %v", c.opt.RoomID, err)
		}
	}

	if err := c.announceJoin(ctx); err != nil {
		log.Printf("SIGNAL [%s]: join publish exhausted retries: %v", c.opt.RoomID, err)
		c.teardown(false)
		return
	}

	var joinExpiry <-chan time.Time
	if c.opt.JoinTimeout > 0 {
		timer := time.NewTimer(c.opt.JoinTimeout)
		defer timer.Stop()
		joinExpiry = timer.C
	}

	channelEvents := c.opt.Channel.Events()

	for {
		select {
		case <-ctx.Done():
			c.teardown(false)
			return

		case <-joinExpiry:
			if c.state == StateJoining {
				log.Printf("SIGNAL [%s]: peer never arrived, closing room", c.opt.RoomID)
				c.teardown(true)
				return
			}

		case env, ok := <-channelEvents:
			if !ok {
				channelEvents = nil
				continue
			}
			if done := c.handleEnvelope(ctx, env); done {
				return
			}

		case ev := <-c.events:
			if done := c.handleEvent(ctx, ev); done {
				return
			}
		}
	}
}

// announceJoin publishes the join payload, retrying transient transport
// failures with a fixed backoff. Returns the last error once attempts run
// out or ctx is cancelled.
func (c *Coordinator) announceJoin(ctx context.Context) error {
	payload := wire.JoinPayload{
		UserID:      c.opt.SelfID,
		DisplayName: c.opt.DisplayName,
		AvatarURL:   c.opt.AvatarURL,
		CallType:    c.opt.CallType,
	}
	var err error
	for attempt := 1; attempt <= c.opt.PublishRetries; attempt++ {
		err = c.opt.Channel.Publish(ctx, wire.EventJoin, payload)
		if err == nil {
			return nil
		}
		if attempt == c.opt.PublishRetries {
			break
		}
		log.Printf("SIGNAL [%s]: join publish attempt %d failed: %v", c.opt.RoomID, attempt, err)
		select {
		case <-time.After(c.opt.PublishBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Leave ends the call locally. Safe to call from any goroutine; the actual
// teardown happens on the run loop.
func (c *Coordinator) Leave() {
	c.push(event{kind: evLeave})
}

// State returns the latest published state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapState
}

// Participants returns the current confirmed-media participant set.
func (c *Coordinator) Participants() []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Participant, len(c.snapParts))
	copy(out, c.snapParts)
	return out
}

// Done is closed once the room is fully torn down.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) handleEvent(ctx context.Context, ev event) (done bool) {
	switch ev.kind {
	case evLeave:
		c.teardown(true)
		return true

	case evLocalCandidate:
		err := c.opt.Channel.Publish(ctx, wire.EventICE, wire.ICEPayload{Candidate: ev.candidate})
		if err != nil {
			log.Printf("SIGNAL [%s]: candidate publish failed: %v", c.opt.RoomID, err)
		}

	case evMediaConfirmed:
		if c.state == StateLeaving || c.state == StateClosed {
			return false
		}
		c.setState(StateConnected)
		p := Participant{
			UserID:      c.peerID,
			DisplayName: c.peerProfile.DisplayName,
			AvatarURL:   c.peerProfile.AvatarURL,
		}
		if p.DisplayName == "" {
			p.DisplayName = p.UserID
		}
		c.participant = &p
		c.publishParticipants()
		log.Printf("SIGNAL [%s]: media confirmed from %s", c.opt.RoomID, c.peerID)

	case evConnState:
		c.handleConnState(ev.connState)
	}
	return false
}

// handleConnState reacts to the engine's connection state. Disconnection is
// a state transition, not an error: the room reverts to a joining-equivalent
// phase and waits, because the peer may reconnect.
func (c *Coordinator) handleConnState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		if c.state == StateLeaving || c.state == StateClosed {
			return
		}
		if c.participant != nil {
			log.Printf("SIGNAL [%s]: connection %s, dropping participant %s", c.opt.RoomID, s, c.peerID)
			c.participant = nil
			c.publishParticipants()
			// Ungraceful disconnect: the peer won't clean its own row up.
			if c.opt.Presence != nil && c.peerID != "" {
				if err := c.opt.Presence.Leave(c.opt.RoomID, c.peerID); err != nil {
					log.Printf("SIGNAL [%s]: presence cleanup failed: %v", c.opt.RoomID, err)
				}
			}
		}
		c.setState(StateJoining)
	}
}

func (c *Coordinator) handleEnvelope(ctx context.Context, env broadcast.Envelope) (done bool) {
	if c.state == StateLeaving || c.state == StateClosed {
		return false
	}

	switch env.Event {
	case wire.EventJoin:
		var p wire.JoinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.drop(env, err)
			return false
		}
		c.peerID = env.From
		c.peerProfile = p
		if err := c.opt.Channel.Publish(ctx, wire.EventAck, wire.AckPayload{UserID: c.opt.SelfID}); err != nil {
			log.Printf("SIGNAL [%s]: ack publish failed: %v", c.opt.RoomID, err)
		}
		if c.conn.initiator {
			c.setState(StateNegotiating)
			c.produceOffer(ctx)
		}

	case wire.EventAck:
		if c.conn.initiator && c.state == StateJoining {
			if c.peerID == "" {
				c.peerID = env.From
			}
			c.setState(StateNegotiating)
			c.produceOffer(ctx)
		}

	case wire.EventOffer:
		var p wire.SDPPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.drop(env, err)
			return false
		}
		sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
		if err := c.conn.engine.SetRemoteDescription(sdp); err != nil {
			c.drop(env, err)
			return false
		}
		if c.peerID == "" {
			c.peerID = env.From
		}
		if c.state == StateJoining {
			c.setState(StateNegotiating)
		}
		c.drainCandidates()
		answer, err := c.conn.engine.CreateAnswer()
		if err != nil {
			log.Printf("SIGNAL [%s]: create answer failed: %v", c.opt.RoomID, err)
			return false
		}
		if err := c.opt.Channel.Publish(ctx, wire.EventAnswer, wire.SDPPayload{SDP: answer.SDP}); err != nil {
			log.Printf("SIGNAL [%s]: answer publish failed: %v", c.opt.RoomID, err)
		}

	case wire.EventAnswer:
		var p wire.SDPPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.drop(env, err)
			return false
		}
		sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
		if err := c.conn.engine.SetRemoteDescription(sdp); err != nil {
			c.drop(env, err)
			return false
		}
		c.drainCandidates()

	case wire.EventICE:
		var p wire.ICEPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.drop(env, err)
			return false
		}
		err := c.conn.engine.AddRemoteCandidate(p.Candidate)
		if errors.Is(err, rtc.ErrNoRemoteDescription) {
			// Candidate raced ahead of the offer/answer. Queue it; it is
			// applied in order once a remote description lands.
			c.conn.pendingCandidates = append(c.conn.pendingCandidates, p.Candidate)
			return false
		}
		if err != nil {
			c.drop(env, err)
		}

	case wire.EventLeave:
		log.Printf("SIGNAL [%s]: peer %s left", c.opt.RoomID, env.From)
		c.teardown(true)
		return true

	default:
		c.drop(env, errors.New("unknown event"))
	}
	return false
}

// produceOffer creates and publishes an offer, guarded by the engine's
// signaling phase. If a join and an ack arrive back to back, the second
// trigger finds the phase no longer stable and is skipped — that is the
// glare guard, not an error.
func (c *Coordinator) produceOffer(ctx context.Context) {
	if !c.conn.engine.SignalingStable() {
		log.Printf("SIGNAL [%s]: offer suppressed, negotiation already in flight", c.opt.RoomID)
		return
	}
	offer, err := c.conn.engine.CreateOffer()
	if err != nil {
		log.Printf("SIGNAL [%s]: create offer failed: %v", c.opt.RoomID, err)
		return
	}
	if err := c.opt.Channel.Publish(ctx, wire.EventOffer, wire.SDPPayload{SDP: offer.SDP}); err != nil {
		log.Printf("SIGNAL [%s]: offer publish failed: %v", c.opt.RoomID, err)
	}
}

// drainCandidates applies the queued early candidates in arrival order.
// Runs right after a remote description is applied.
func (c *Coordinator) drainCandidates() {
	queued := c.conn.pendingCandidates
	c.conn.pendingCandidates = nil
	for _, cand := range queued {
		if err := c.conn.engine.AddRemoteCandidate(cand); err != nil {
			log.Printf("SIGNAL [%s]: buffered candidate rejected: %v", c.opt.RoomID, err)
		}
	}
	if len(queued) > 0 {
		log.Printf("SIGNAL [%s]: drained %d buffered candidate(s)", c.opt.RoomID, len(queued))
	}
}

// drop logs and discards a malformed or out-of-order event. Never fatal: a
// correctly-ordered event may still arrive.
func (c *Coordinator) drop(env broadcast.Envelope, err error) {
	log.Printf("SIGNAL [%s]: dropping %s from %s: %v", c.opt.RoomID, env.Event, env.From, err)
}

// teardown releases everything in a fixed order: stop local media, close
// the engine, publish leave, unsubscribe the channel. Each step runs even
// if an earlier one fails.
func (c *Coordinator) teardown(announce bool) {
	if c.state == StateClosed {
		return
	}
	c.setState(StateLeaving)

	defer func() {
		c.participant = nil
		c.publishParticipants()
		c.setState(StateClosed)
		close(c.done)
	}()
	defer func() {
		if err := c.opt.Channel.Close(); err != nil {
			log.Printf("SIGNAL [%s]: channel close failed: %v", c.opt.RoomID, err)
		}
		if c.opt.Presence != nil {
			if err := c.opt.Presence.Leave(c.opt.RoomID, c.opt.SelfID); err != nil {
				log.Printf("SIGNAL [%s]: presence leave failed: %v", c.opt.RoomID, err)
			}
		}
	}()
	defer func() {
		if !announce {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		if err := c.opt.Channel.Publish(ctx, wire.EventLeave, wire.LeavePayload{UserID: c.opt.SelfID}); err != nil {
			log.Printf("SIGNAL [%s]: leave publish failed: %v", c.opt.RoomID, err)
		}
	}()
	defer func() {
		if err := c.conn.engine.Close(); err != nil {
			log.Printf("SIGNAL [%s]: engine close failed: %v", c.opt.RoomID, err)
		}
	}()

	if c.opt.StopMedia != nil {
		c.opt.StopMedia()
	}
}

func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.mu.Lock()
	c.snapState = s
	c.mu.Unlock()
	log.Printf("SIGNAL [%s]: state %s", c.opt.RoomID, s)
	if c.opt.OnState != nil {
		c.opt.OnState(s)
	}
}

func (c *Coordinator) publishParticipants() {
	var parts []Participant
	if c.participant != nil {
		parts = []Participant{*c.participant}
	}
	c.mu.Lock()
	c.snapParts = parts
	c.mu.Unlock()
	if c.opt.OnParticipants != nil {
		c.opt.OnParticipants(parts)
	}
}
