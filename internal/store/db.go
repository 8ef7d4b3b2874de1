// Package store is the persistence layer: an append-and-recent-tail
// message log and a read-through-cached settings repository, both
// backed by SQLite through the cgo-free modernc.org/sqlite driver.
package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Open opens (creating if necessary) the SQLite database at path and
// runs the additive schema migration. An empty path defaults to an
// on-disk file so a bare `tuolan serve` has somewhere to persist to.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = "tuolan.db"
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Migrate creates the messages/settings tables if absent and adds any
// column a prior version of the schema lacks. Column adds are
// idempotent: modernc.org/sqlite (like most SQLite builds) has no
// native "ADD COLUMN IF NOT EXISTS", so a failing ALTER TABLE whose
// error indicates the column already exists is swallowed rather than
// propagated.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			text    TEXT NOT NULL,
			ts      TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create messages: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id)`); err != nil {
		return fmt.Errorf("index messages.chat_id: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`); err != nil {
		return fmt.Errorf("index messages.ts: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			chat_id TEXT PRIMARY KEY
		)
	`); err != nil {
		return fmt.Errorf("create settings: %w", err)
	}

	columns := []string{
		`mode VARCHAR(16) DEFAULT 'normal'`,
		`threshold FLOAT DEFAULT 0.65`,
		`personality VARCHAR(32) DEFAULT 'chill'`,
		`language_style VARCHAR(32) DEFAULT 'casual'`,
		`response_length VARCHAR(16) DEFAULT 'normal'`,
		`last_mention_time FLOAT DEFAULT 0.0`,
	}
	for _, col := range columns {
		_, err := db.Exec(`ALTER TABLE settings ADD COLUMN ` + col)
		if err != nil && !isAlreadyExistsErr(err) {
			return fmt.Errorf("add column %q: %w", col, err)
		}
	}
	return nil
}

func isAlreadyExistsErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "duplicate column") ||
		strings.Contains(msg, "duplicate column name")
}
