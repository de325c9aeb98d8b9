package signaling

// State is the signaling phase of one room's call.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateNegotiating
	StateConnected
	StateLeaving
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateLeaving:
		return "leaving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Participant is a room member whose media has been confirmed received.
// Announced presence alone never produces a Participant — no remote tile
// is shown until actual media arrived.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
