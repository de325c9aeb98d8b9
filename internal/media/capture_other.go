//go:build !linux

package media

import "log"

// Camera/mic capture via pion/mediadevices requires platform-specific
// drivers (V4L2/malgo on Linux). On other platforms calls run receive-only.

// CaptureUserMedia always reports ErrAcquisition on non-Linux platforms.
func CaptureUserMedia(roomID string, _ Options) (Stream, error) {
	log.Printf("MEDIA [%s]: no local capture on this platform, receive-only", roomID)
	return nil, ErrAcquisition
}

// CaptureDisplay always reports ErrAcquisition on non-Linux platforms.
func CaptureDisplay(roomID string, _ Options) (Stream, error) {
	log.Printf("MEDIA [%s]: no screen capture on this platform", roomID)
	return nil, ErrAcquisition
}
