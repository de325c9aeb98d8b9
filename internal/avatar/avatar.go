// Package avatar manages the local profile picture and generates initials
// placeholders for founders without one.
package avatar

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store manages the avatar file in the data directory and keeps a content
// hash for cache invalidation on the bridge.
type Store struct {
	mu      sync.RWMutex
	dataDir string
	hash    string // empty = no avatar on disk
}

// NewStore creates a store rooted at dataDir and hashes any existing file.
func NewStore(dataDir string) *Store {
	s := &Store{dataDir: dataDir}
	s.hash = s.computeHash()
	return s
}

func (s *Store) path() string {
	return filepath.Join(s.dataDir, "avatar.png")
}

// Hash returns the current avatar hash (16 hex chars), or "" if none.
func (s *Store) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hash
}

// Read returns the avatar bytes, or nil if no avatar exists.
func (s *Store) Read() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// Write stores a new avatar and updates the hash.
func (s *Store) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path(), data, 0644); err != nil {
		return err
	}
	s.hash = hashBytes(data)
	return nil
}

// Delete removes the avatar file and clears the hash.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path())
	if os.IsNotExist(err) {
		err = nil
	}
	s.hash = ""
	return err
}

func (s *Store) computeHash() string {
	data, err := os.ReadFile(s.path())
	if err != nil {
		return ""
	}
	return hashBytes(data)
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// InitialsSVG generates a deterministic initials avatar. displayName drives
// the initials; userID keeps the color stable across renames.
func InitialsSVG(displayName, userID string) []byte {
	initials := extractInitials(displayName)
	color := deterministicColor(userID)
	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="256" height="256" viewBox="0 0 256 256">
  <rect width="256" height="256" rx="128" fill="%s"/>
  <text x="128" y="128" dy=".35em" text-anchor="middle"
        font-family="sans-serif" font-size="100" font-weight="600" fill="#fff">%s</text>
</svg>`, color, initials)
	return []byte(svg)
}

func extractInitials(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "?"
	}
	parts := strings.Fields(name)
	if len(parts) >= 2 {
		return strings.ToUpper(string([]rune(parts[0])[:1]) + string([]rune(parts[1])[:1]))
	}
	r := []rune(parts[0])
	if len(r) >= 2 {
		return strings.ToUpper(string(r[:2]))
	}
	return strings.ToUpper(string(r[:1]))
}

var palette = []string{
	"#e74c3c", "#e67e22", "#f1c40f", "#2ecc71", "#1abc9c",
	"#3498db", "#9b59b6", "#e91e63", "#00bcd4", "#ff5722",
	"#607d8b", "#795548", "#8bc34a", "#673ab7",
}

func deterministicColor(s string) string {
	h := sha256.Sum256([]byte(s))
	idx := int(h[0]) % len(palette)
	return palette[idx]
}
