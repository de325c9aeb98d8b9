package storage

import "sync"

// Change describes one mutation of a watched table. RoomID is the scoping
// key subscribers filter on; session changes are scoped by room too so a
// UI can watch everything about one room with a single subscription.
type Change struct {
	Table  string // "presence" | "sessions"
	Op     string // "insert" | "update" | "delete"
	RoomID string
	UserID string
}

// changeHub fans row mutations out to subscribers. Notifications are
// best-effort: a subscriber that falls behind loses intermediate events,
// which is fine because consumers re-read the full row set on every change.
type changeHub struct {
	mu        sync.Mutex
	listeners map[chan Change]string // channel -> roomID filter ("" = all)
	closed    bool
}

func newChangeHub() *changeHub {
	return &changeHub{listeners: make(map[chan Change]string)}
}

// SubscribeChanges registers for change notifications. roomID filters to one
// room; empty subscribes to everything. cancel must be called when done.
func (d *DB) SubscribeChanges(roomID string) (ch chan Change, cancel func()) {
	ch = make(chan Change, 16)

	d.hub.mu.Lock()
	if d.hub.closed {
		d.hub.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	d.hub.listeners[ch] = roomID
	d.hub.mu.Unlock()

	cancel = func() {
		d.hub.mu.Lock()
		if _, ok := d.hub.listeners[ch]; ok {
			delete(d.hub.listeners, ch)
			close(ch)
		}
		d.hub.mu.Unlock()
	}
	return ch, cancel
}

func (d *DB) notify(c Change) {
	d.hub.mu.Lock()
	defer d.hub.mu.Unlock()
	if d.hub.closed {
		return
	}
	for ch, room := range d.hub.listeners {
		if room != "" && room != c.RoomID {
			continue
		}
		select {
		case ch <- c:
		default:
		}
	}
}

func (h *changeHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.listeners {
		close(ch)
	}
	h.listeners = nil
}
