package call

import (
	"log"
	"sync"

	"github.com/cofoundhq/cofound/internal/media"
	"github.com/cofoundhq/cofound/internal/signaling"
)

// Call is the handle for one active call. Media toggles and screen share
// live here; signaling runs on the embedded coordinator.
type Call struct {
	roomID    string
	sessionID string
	peerID    string
	callType  string

	coord  *signaling.Coordinator
	engine negotiator
	cancel func()

	mu      sync.Mutex
	stream  media.Stream
	screen  media.Stream
	audioOn bool
	videoOn bool
}

// RoomID returns the room this call runs in.
func (c *Call) RoomID() string { return c.roomID }

// SessionID returns the persisted session row ID.
func (c *Call) SessionID() string { return c.sessionID }

// PeerID returns the remote user's ID.
func (c *Call) PeerID() string { return c.peerID }

// CallType returns "audio" or "video".
func (c *Call) CallType() string { return c.callType }

// State returns the current signaling state.
func (c *Call) State() signaling.State { return c.coord.State() }

// Participants returns the confirmed-media participant set.
func (c *Call) Participants() []signaling.Participant { return c.coord.Participants() }

// Done is closed once the call is fully torn down.
func (c *Call) Done() <-chan struct{} { return c.coord.Done() }

// ToggleAudio flips local audio on/off. Returns the new muted state (true = muted).
func (c *Call) ToggleAudio() bool {
	c.mu.Lock()
	c.audioOn = !c.audioOn
	muted := !c.audioOn
	c.mu.Unlock()
	log.Printf("CALL [%s]: audio muted=%v", c.roomID, muted)
	return muted
}

// ToggleVideo flips local video on/off. Returns the new disabled state (true = disabled).
func (c *Call) ToggleVideo() bool {
	c.mu.Lock()
	c.videoOn = !c.videoOn
	disabled := !c.videoOn
	c.mu.Unlock()
	log.Printf("CALL [%s]: video disabled=%v", c.roomID, disabled)
	return disabled
}

// Sharing reports whether the outgoing video is currently the screen.
func (c *Call) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

// ToggleScreenShare swaps the outgoing video track between the camera and a
// display capture. Returns the new sharing state.
func (c *Call) ToggleScreenShare(m *Manager) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.screen != nil {
		// Back to the camera, or to nothing if there was no camera.
		var camera media.Stream
		if c.stream != nil {
			camera = c.stream
		}
		if camera != nil && camera.VideoTrack() != nil {
			if err := c.engine.ReplaceOutgoingVideoTrack(camera.VideoTrack()); err != nil {
				return true, err
			}
		}
		c.screen.Close()
		c.screen = nil
		log.Printf("CALL [%s]: screen share stopped", c.roomID)
		return false, nil
	}

	screen, err := m.captureScreen(c.roomID, media.Options{
		VideoBitRate: m.cfg.Media.VideoBitRate,
		WantVideo:    true,
	})
	if err != nil {
		return false, err
	}
	if err := c.engine.ReplaceOutgoingVideoTrack(screen.VideoTrack()); err != nil {
		screen.Close()
		return false, err
	}
	c.screen = screen
	log.Printf("CALL [%s]: screen share started", c.roomID)
	return true, nil
}

// stopMedia releases capture devices. Called by the coordinator during
// teardown, and safe to call more than once.
func (c *Call) stopMedia() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.screen != nil {
		c.screen.Close()
		c.screen = nil
	}
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
}
