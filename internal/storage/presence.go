package storage

import "time"

// PresenceRow marks one user as occupying a room's voice channel.
type PresenceRow struct {
	RoomID    string
	UserID    string
	IsActive  bool
	UpdatedAt time.Time
}

// InsertPresence adds a fresh active entry for (room, user). Callers delete
// any stale entry first (DeletePresence) so races never accumulate rows.
func (d *DB) InsertPresence(roomID, userID string) error {
	d.mu.Lock()
	_, err := d.db.Exec(`
		INSERT INTO presence (room_id, user_id, is_active, updated_at)
		VALUES (?, ?, 1, datetime('now'))`, roomID, userID)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.notify(Change{Table: "presence", Op: "insert", RoomID: roomID, UserID: userID})
	return nil
}

// DeletePresence removes all entries for (room, user). Returns the number of
// rows removed; deleting a non-existent entry is not an error.
func (d *DB) DeletePresence(roomID, userID string) (int64, error) {
	d.mu.Lock()
	res, err := d.db.Exec(`
		DELETE FROM presence WHERE room_id = ? AND user_id = ?`, roomID, userID)
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		d.notify(Change{Table: "presence", Op: "delete", RoomID: roomID, UserID: userID})
	}
	return n, nil
}

// ListActivePresence returns the active entries for a room, oldest first.
func (d *DB) ListActivePresence(roomID string) ([]PresenceRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT room_id, user_id, is_active, updated_at
		FROM presence
		WHERE room_id = ? AND is_active = 1
		ORDER BY updated_at ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PresenceRow
	for rows.Next() {
		var p PresenceRow
		var active int
		var updated string
		if err := rows.Scan(&p.RoomID, &p.UserID, &active, &updated); err != nil {
			return nil, err
		}
		p.IsActive = active != 0
		p.UpdatedAt = parseSQLiteTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}
