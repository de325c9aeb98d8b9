package storage

import "time"

// SessionRow is one call occurrence between two users. EndedAt is the zero
// time while the call is still open. Rows are closed, never deleted — the
// table doubles as the user's call history.
type SessionRow struct {
	ID        string
	RoomID    string
	HostID    string
	PartnerID string
	CallType  string // "audio" | "video"
	StartedAt time.Time
	EndedAt   time.Time
}

// Open reports whether the session has not been ended yet.
func (s SessionRow) Open() bool { return s.EndedAt.IsZero() }

// InsertSession stores a new open session row.
func (d *DB) InsertSession(s SessionRow) error {
	d.mu.Lock()
	_, err := d.db.Exec(`
		INSERT INTO sessions (id, room_id, host_id, partner_id, call_type)
		VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.RoomID, s.HostID, s.PartnerID, s.CallType,
	)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.notify(Change{Table: "sessions", Op: "insert", RoomID: s.RoomID, UserID: s.HostID})
	return nil
}

// FindOpenSession returns the open session for the unordered {a, b} pair,
// or false if none exists. With concurrent starts more than one open row can
// briefly exist; the oldest wins so both peers converge on the same id.
func (d *DB) FindOpenSession(a, b string) (SessionRow, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRow(`
		SELECT id, room_id, host_id, partner_id, call_type, started_at, COALESCE(ended_at, '')
		FROM sessions
		WHERE ((host_id = ? AND partner_id = ?) OR (host_id = ? AND partner_id = ?))
		  AND ended_at IS NULL
		ORDER BY started_at ASC
		LIMIT 1`, a, b, b, a)
	s, err := scanSession(row)
	if err != nil {
		return SessionRow{}, false
	}
	return s, true
}

// GetSession returns a session by id.
func (d *DB) GetSession(id string) (SessionRow, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRow(`
		SELECT id, room_id, host_id, partner_id, call_type, started_at, COALESCE(ended_at, '')
		FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err != nil {
		return SessionRow{}, false
	}
	return s, true
}

// CloseSession stamps ended_at on an open session. Closing an already-closed
// session leaves the original ended_at untouched.
func (d *DB) CloseSession(id string) error {
	d.mu.Lock()
	res, err := d.db.Exec(`
		UPDATE sessions SET ended_at = datetime('now')
		WHERE id = ? AND ended_at IS NULL`, id)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if s, ok := d.GetSession(id); ok {
			d.notify(Change{Table: "sessions", Op: "update", RoomID: s.RoomID, UserID: s.HostID})
		}
	}
	return nil
}

// ListSessionsForUser returns all sessions the user took part in, newest first.
func (d *DB) ListSessionsForUser(userID string) ([]SessionRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, room_id, host_id, partner_id, call_type, started_at, COALESCE(ended_at, '')
		FROM sessions
		WHERE host_id = ? OR partner_id = ?
		ORDER BY started_at DESC`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var s SessionRow
		var started, ended string
		if err := rows.Scan(&s.ID, &s.RoomID, &s.HostID, &s.PartnerID, &s.CallType, &started, &ended); err != nil {
			return nil, err
		}
		s.StartedAt = parseSQLiteTime(started)
		s.EndedAt = parseSQLiteTime(ended)
		out = append(out, s)
	}
	return out, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (SessionRow, error) {
	var s SessionRow
	var started, ended string
	if err := row.Scan(&s.ID, &s.RoomID, &s.HostID, &s.PartnerID, &s.CallType, &started, &ended); err != nil {
		return SessionRow{}, err
	}
	s.StartedAt = parseSQLiteTime(started)
	s.EndedAt = parseSQLiteTime(ended)
	return s, nil
}
