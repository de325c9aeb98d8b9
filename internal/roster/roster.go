// Package roster tracks which founders are currently online, fed by
// presence heartbeats on the global topic. Unlike the presence directory,
// which is per-room and persisted, the roster is in-memory and app-wide:
// it answers "who can I call right now".
package roster

import (
	"sync"
	"time"
)

// Founder is one network peer as last advertised on the presence topic.
type Founder struct {
	DisplayName  string    `json:"display_name"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"last_seen"`
	OfflineSince time.Time `json:"offline_since,omitzero"`
}

// Event describes one roster change.
type Event struct {
	Type    string             `json:"type"` // "update" | "remove"
	UserID  string             `json:"user_id,omitempty"`
	Founder *Founder           `json:"founder,omitempty"`
	All     map[string]Founder `json:"all,omitempty"`
}

// Table is the thread-safe roster.
type Table struct {
	mu        sync.Mutex
	founders  map[string]Founder
	listeners []chan Event
}

func NewTable() *Table {
	return &Table{
		founders: map[string]Founder{},
	}
}

// Upsert records a heartbeat from userID and marks them online.
func (t *Table) Upsert(userID, displayName, avatarURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := Founder{
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		Online:      true,
		LastSeen:    time.Now(),
	}
	t.founders[userID] = f
	t.notifyListeners(Event{Type: "update", UserID: userID, Founder: &f})
}

// Touch refreshes LastSeen without changing the advertised profile.
func (t *Table) Touch(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.founders[userID]
	if !ok {
		return
	}
	f.LastSeen = time.Now()
	t.founders[userID] = f
}

// MarkOffline flags a founder as gone after an explicit offline message.
// The entry is kept for the grace period so a quick rejoin looks continuous.
func (t *Table) MarkOffline(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.founders[userID]
	if !ok {
		return
	}
	wasOnline := f.Online
	f.Online = false
	if wasOnline {
		f.OfflineSince = time.Now()
	}
	t.founders[userID] = f
	if wasOnline {
		t.notifyListeners(Event{Type: "update", UserID: userID, Founder: &f})
	}
}

// Get returns one founder's entry.
func (t *Table) Get(userID string) (Founder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.founders[userID]
	return f, ok
}

// Snapshot returns a copy of the whole roster.
func (t *Table) Snapshot() map[string]Founder {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Founder, len(t.founders))
	for k, v := range t.founders {
		cp[k] = v
	}
	return cp
}

// PruneStale marks founders whose heartbeat expired as offline, then drops
// offline entries past the grace period.
func (t *Table) PruneStale(ttlCutoff, graceCutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, f := range t.founders {
		if f.Online {
			if f.LastSeen.Before(ttlCutoff) {
				f.Online = false
				f.OfflineSince = time.Now()
				t.founders[id] = f
				t.notifyListeners(Event{Type: "update", UserID: id, Founder: &f})
			}
		} else {
			if f.OfflineSince.Before(graceCutoff) {
				delete(t.founders, id)
				t.notifyListeners(Event{Type: "remove", UserID: id})
			}
		}
	}
}

// Subscribe returns a buffered event channel. Slow consumers drop events.
func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notifyListeners(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
