//go:build linux

package media

import (
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

type deviceStream struct {
	stream   mediadevices.MediaStream
	selector *mediadevices.CodecSelector
}

func (s *deviceStream) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	for _, t := range s.stream.GetTracks() {
		out = append(out, t)
	}
	return out
}

func (s *deviceStream) VideoTrack() webrtc.TrackLocal {
	for _, t := range s.stream.GetVideoTracks() {
		return t
	}
	return nil
}

func (s *deviceStream) PopulateMedia(me *webrtc.MediaEngine) error {
	s.selector.Populate(me)
	return nil
}

func (s *deviceStream) Close() {
	for _, t := range s.stream.GetTracks() {
		t.Close()
	}
}

func newCodecSelector(opts Options) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// CaptureUserMedia opens camera and microphone with graceful fallback.
// GetUserMedia fails as a unit if either track can't be opened, so try
// video+audio first, then video-only, then audio-only — a missing or busy
// microphone must not prevent the camera from working and vice versa.
func CaptureUserMedia(roomID string, opts Options) (Stream, error) {
	selector, err := newCodecSelector(opts)
	if err != nil {
		return nil, fmt.Errorf("codec selector: %w", err)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{opts.WantVideo, opts.WantAudio, "video+audio"},
		{opts.WantVideo, false, "video-only"},
		{false, opts.WantAudio, "audio-only"},
	}

	seen := map[string]bool{}
	for _, a := range attempts {
		if !a.video && !a.audio {
			continue
		}
		if seen[a.label] {
			continue
		}
		seen[a.label] = true

		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
				// that produces malformed JPEG frames, which poisons the
				// VP8 encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: opts.MaxWidth}
				c.Height = prop.IntRanged{Max: opts.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA [%s]: GetUserMedia (%s) failed: %v", roomID, a.label, err)
			continue
		}

		log.Printf("MEDIA [%s]: local media captured (%s) — %d tracks", roomID, a.label, len(stream.GetTracks()))
		return &deviceStream{stream: stream, selector: selector}, nil
	}

	return nil, fmt.Errorf("all capture attempts failed: %w", ErrAcquisition)
}

// CaptureDisplay opens a screen-capture video stream for screen sharing.
func CaptureDisplay(roomID string, opts Options) (Stream, error) {
	selector, err := newCodecSelector(opts)
	if err != nil {
		return nil, fmt.Errorf("codec selector: %w", err)
	}

	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		log.Printf("MEDIA [%s]: GetDisplayMedia failed: %v", roomID, err)
		return nil, fmt.Errorf("screen capture: %w", ErrAcquisition)
	}

	log.Printf("MEDIA [%s]: screen capture started", roomID)
	return &deviceStream{stream: stream, selector: selector}, nil
}
