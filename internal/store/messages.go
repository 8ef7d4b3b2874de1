package store

import (
	"context"
	"database/sql"
	"fmt"
)

// PersistedMessage is one row of the messages table.
type PersistedMessage struct {
	ID     int64
	ChatID string
	UserID string
	Text   string
	TS     string
}

// MessageRepository appends to and tails the persistent message log.
type MessageRepository struct {
	db *sql.DB
}

// NewMessageRepository wraps an already-migrated database handle.
func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append inserts a message row. Errors are returned so the caller can
// decide whether to degrade to in-memory-only state (PersistenceUnavailable).
func (r *MessageRepository) Append(ctx context.Context, chatID, userID, text, ts string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, user_id, text, ts) VALUES (?, ?, ?, ?)`,
		chatID, userID, text, ts,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Recent returns up to limit of the most recent messages for chatID,
// oldest first — the shape the orchestrator's context assembly and
// the /summary handler both expect.
func (r *MessageRepository) Recent(ctx context.Context, chatID string, limit int) ([]PersistedMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, chat_id, user_id, text, ts FROM messages
		 WHERE chat_id = ? ORDER BY id DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var out []PersistedMessage
	for rows.Next() {
		var m PersistedMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.Text, &m.TS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows arrive newest-first (DESC + LIMIT is the only index-friendly
	// way to bound a tail query); reverse in place for chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
