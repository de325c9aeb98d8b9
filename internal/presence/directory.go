// Package presence maintains the observable "who is in this room's voice
// channel" list. It is deliberately independent of media signaling: a user
// can be present without confirmed media and vice versa during reconnects.
package presence

import (
	"fmt"
	"log"

	"github.com/cofoundhq/cofound/internal/storage"
)

// Member is one resolved room occupant, display-ready for the UI.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Directory reads and writes presence rows and resolves them to members.
type Directory struct {
	db     *storage.DB
	selfID string
}

func NewDirectory(db *storage.DB, selfID string) *Directory {
	return &Directory{db: db, selfID: selfID}
}

// Join marks the user present in the room. Any stale entry is deleted first
// and a fresh one inserted — duplicates from races are cleaned up, never
// accumulated, and re-running Join is always safe.
func (d *Directory) Join(roomID, userID string) error {
	if _, err := d.db.DeletePresence(roomID, userID); err != nil {
		return fmt.Errorf("clear stale presence: %w", err)
	}
	if err := d.db.InsertPresence(roomID, userID); err != nil {
		return fmt.Errorf("insert presence: %w", err)
	}
	log.Printf("PRESENCE [%s]: %s joined", roomID, userID)
	return nil
}

// Leave removes the user's entry. Leaving a room the user is not in is a no-op.
func (d *Directory) Leave(roomID, userID string) error {
	n, err := d.db.DeletePresence(roomID, userID)
	if err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	if n > 0 {
		log.Printf("PRESENCE [%s]: %s left", roomID, userID)
	}
	return nil
}

// Members resolves the room's active entries to display-ready members,
// reporting whether the local user is among them.
func (d *Directory) Members(roomID string) ([]Member, bool, error) {
	rows, err := d.db.ListActivePresence(roomID)
	if err != nil {
		return nil, false, fmt.Errorf("list presence: %w", err)
	}

	members := make([]Member, 0, len(rows))
	selfPresent := false
	for _, r := range rows {
		m := Member{UserID: r.UserID, DisplayName: r.UserID}
		if p, ok := d.db.GetProfile(r.UserID); ok && p.DisplayName != "" {
			m.DisplayName = p.DisplayName
			m.AvatarURL = p.AvatarURL
		}
		if r.UserID == d.selfID {
			selfPresent = true
		}
		members = append(members, m)
	}
	return members, selfPresent, nil
}

// Subscribe watches the room and re-resolves the full membership on every
// change, invoking onChange with the resolved list plus the self-present
// flag. The current state is delivered once up front. Returns a cancel func.
func (d *Directory) Subscribe(roomID string, onChange func(members []Member, selfPresent bool)) func() {
	ch, cancel := d.db.SubscribeChanges(roomID)

	emit := func() {
		members, selfPresent, err := d.Members(roomID)
		if err != nil {
			log.Printf("PRESENCE [%s]: resolve failed: %v", roomID, err)
			return
		}
		onChange(members, selfPresent)
	}

	go func() {
		emit()
		for c := range ch {
			if c.Table != "presence" {
				continue
			}
			emit()
		}
	}()

	return cancel
}
