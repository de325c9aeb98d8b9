// Package wire is the single source of truth for every event name and
// payload shape carried over the broadcast channels. Both peers of a call
// speak exactly this vocabulary; anything else is dropped on receipt.
package wire

import "time"

const (
	// PresenceTopic is the global topic carrying profile pulses. Room
	// traffic never flows here; each room gets its own topic.
	PresenceTopic = "cofound.presence.v1"

	MdnsTag = "cofound-mdns"
)

// ── Call signal event names ───────────────────────────────────────────────────
// Value of the envelope "event" field on every room topic message.
//
// P2P signaling sequence (X = non-initiator, Y = initiator):
//
//	X                               Y
//	──────────────────────────────────────────────────────────
//	join ───────────────────────────►
//	     ◄─────────────────────────── ack (+ join if Y arrived first)
//	     ◄─────────────────────────── offer (SDP)
//	answer ─────────────────────────►
//	ice-candidate ◄────────────────► ice-candidate (trickle, both ways)
//	leave ──────────────────────────► (or either side, any time)
const (
	EventJoin   = "join"
	EventAck    = "ack"
	EventOffer  = "offer"
	EventAnswer = "answer"
	EventICE    = "ice-candidate"
	EventLeave  = "leave"
)

// Call types accepted by the session service.
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// ── Call signal payloads ──────────────────────────────────────────────────────

// JoinPayload announces a peer entering the room's call flow.
type JoinPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	CallType    string `json:"callType"`
}

// AckPayload confirms receipt of a join. Receiving it moves the initiator
// into negotiation.
type AckPayload struct {
	UserID string `json:"userId"`
}

// SDPPayload carries an offer or answer session description.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// ICEPayload carries one trickle ICE candidate.
type ICEPayload struct {
	Candidate ICECandidateInit `json:"candidate"`
}

// LeavePayload announces a peer leaving the room.
type LeavePayload struct {
	UserID string `json:"userId"`
}

// ── Profile pulse payloads ── topic: PresenceTopic ────────────────────────────

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is the global profile pulse every node publishes periodically.
// It feeds the profile cache that presence resolution reads display names from.
type PresenceMsg struct {
	Type        string `json:"type"` // online|update|offline
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	TS          int64  `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
