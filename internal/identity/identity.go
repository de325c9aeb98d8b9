// Package identity owns the local user's stable identity: a persistent
// Ed25519 key whose libp2p peer ID doubles as the user ID everywhere in the
// call subsystem, plus the display profile the UI and remote peers see.
package identity

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is the local authenticated user.
type Identity struct {
	priv crypto.PrivKey
	id   peer.ID

	mu          sync.RWMutex
	displayName string
	avatarURL   string
}

// Load loads a persistent identity key from keyFile, or generates a new
// Ed25519 key and saves it on first run.
func Load(keyFile, displayName, avatarURL string) (*Identity, error) {
	priv, created, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}

	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}

	if created {
		log.Printf("IDENTITY: generated new key, user id %s", pid)
	}

	return &Identity{
		priv:        priv,
		id:          pid,
		displayName: displayName,
		avatarURL:   avatarURL,
	}, nil
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, false, err
	}
	return priv, true, nil
}

// UserID returns the stable user id (the libp2p peer ID string).
func (i *Identity) UserID() string { return i.id.String() }

// PeerID returns the libp2p peer ID.
func (i *Identity) PeerID() peer.ID { return i.id }

// PrivKey returns the private key for the libp2p host.
func (i *Identity) PrivKey() crypto.PrivKey { return i.priv }

// DisplayName returns the current display name.
func (i *Identity) DisplayName() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.displayName
}

// AvatarURL returns the current avatar URL.
func (i *Identity) AvatarURL() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.avatarURL
}

// SetProfile updates the display profile (config hot reload).
func (i *Identity) SetProfile(displayName, avatarURL string) {
	i.mu.Lock()
	i.displayName = displayName
	i.avatarURL = avatarURL
	i.mu.Unlock()
}
