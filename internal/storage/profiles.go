package storage

import "time"

// Profile is the persistent record of a user's last known display state.
// It is written whenever the user is seen (presence pulse, call join) and
// never cleared just because the user goes offline.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	LastSeen    time.Time
}

// UpsertProfile stores or fully replaces the cached display state for a user.
func (d *DB) UpsertProfile(p Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO profiles (user_id, display_name, avatar_url, last_seen)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url   = excluded.avatar_url,
			last_seen    = CURRENT_TIMESTAMP`,
		p.UserID, p.DisplayName, p.AvatarURL,
	)
	return err
}

// GetProfile returns the last known display state for a user, or false if unknown.
func (d *DB) GetProfile(userID string) (Profile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var p Profile
	var lastSeen string
	err := d.db.QueryRow(`
		SELECT user_id, display_name, avatar_url, last_seen
		FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &lastSeen)
	if err != nil {
		return Profile{}, false
	}
	p.LastSeen = parseSQLiteTime(lastSeen)
	return p, true
}

// DisplayName returns just the display name for a user, or "" if unknown.
func (d *DB) DisplayName(userID string) string {
	p, ok := d.GetProfile(userID)
	if !ok {
		return ""
	}
	return p.DisplayName
}
