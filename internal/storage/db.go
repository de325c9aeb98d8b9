package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is the format SQLite's CURRENT_TIMESTAMP / datetime('now')
// produce. All timestamps in this store are UTC.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// DB wraps the local SQLite database holding call sessions, presence rows and
// the profile cache. All writes go through DB so that change notifications
// can be fanned out to subscribers (see notify.go).
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	hub *changeHub
}

// Open opens or creates the SQLite database in the given directory.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "cofound.db")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	// Call history. Rows are closed, never deleted.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			room_id    TEXT NOT NULL,
			host_id    TEXT NOT NULL,
			partner_id TEXT NOT NULL,
			call_type  TEXT NOT NULL DEFAULT 'video',
			started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			ended_at   DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_room ON sessions(room_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	// Voice-channel occupancy. Rows live only as long as the occupancy does.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS presence (
			room_id    TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			is_active  INTEGER NOT NULL DEFAULT 1,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_presence_room ON presence(room_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create presence table: %w", err)
	}

	// Last known display state per user, written whenever a peer is seen.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			user_id      TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_url   TEXT NOT NULL DEFAULT '',
			last_seen    DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create profiles table: %w", err)
	}

	return &DB{db: db, path: dbPath, hub: newChangeHub()}, nil
}

// Close closes the database and drops all change subscribers.
func (d *DB) Close() error {
	d.hub.close()
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// parseSQLiteTime parses a timestamp written by SQLite, returning the zero
// time for empty or malformed values.
func parseSQLiteTime(s string) time.Time {
	t, _ := time.Parse(sqliteTimeLayout, s)
	return t
}
