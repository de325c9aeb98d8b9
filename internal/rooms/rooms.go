// Package rooms derives the stable identifiers that scope everything about
// one matched pair of users: the broadcast topic, the session rows and the
// presence rows all key off the same room ID.
package rooms

import (
	"crypto/sha256"
	"encoding/hex"
)

// RoomID returns a stable identifier for the unordered {a, b} user pair.
// Both peers compute the same ID regardless of who initiates.
func RoomID(a, b string) string {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	sum := sha256.Sum256([]byte(lo + "\x00" + hi))
	return "room-" + hex.EncodeToString(sum[:8])
}

// Initiator reports whether self offers first against peer. The
// lexicographically smaller ID initiates — with exactly two fixed parties a
// deterministic comparator replaces any election protocol.
func Initiator(self, peer string) bool {
	return self < peer
}
