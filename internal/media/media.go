// Package media acquires local audio/video and screen-capture tracks for a
// call. Capture is platform-specific (V4L2 + malgo on Linux via
// pion/mediadevices); elsewhere calls run receive-only.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrAcquisition means no local capture could be opened (device missing,
// busy, or unsupported platform). The call proceeds in degraded mode —
// never aborted for this.
var ErrAcquisition = errors.New("local media unavailable")

// Options bound what capture attempts ask the hardware for.
type Options struct {
	VideoBitRate int
	MaxWidth     int
	MaxHeight    int
	WantVideo    bool
	WantAudio    bool
}

// Stream is a set of captured local tracks plus the codec knowledge the
// PeerConnection needs to carry them.
type Stream interface {
	// Tracks returns the captured tracks, ready for Engine.AddLocalTracks.
	Tracks() []webrtc.TrackLocal

	// VideoTrack returns the outgoing video track, or nil for audio-only.
	VideoTrack() webrtc.TrackLocal

	// PopulateMedia registers the codecs this stream encodes with.
	PopulateMedia(*webrtc.MediaEngine) error

	// Close stops all capture.
	Close()
}
