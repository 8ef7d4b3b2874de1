package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ChatSettings mirrors one row of the settings table.
type ChatSettings struct {
	ChatID          string
	Mode            string
	Threshold       float64
	Personality     string
	LanguageStyle   string
	ResponseLength  string
	LastMentionTime float64
}

const (
	defaultMode           = "normal"
	defaultThreshold      = 0.65
	defaultPersonality    = "chill"
	defaultLanguageStyle  = "casual"
	defaultResponseLength = "normal"
)

func defaults(chatID string) ChatSettings {
	return ChatSettings{
		ChatID:         chatID,
		Mode:           defaultMode,
		Threshold:      defaultThreshold,
		Personality:    defaultPersonality,
		LanguageStyle:  defaultLanguageStyle,
		ResponseLength: defaultResponseLength,
	}
}

// SettingsRepository is a read-through cache over the settings table.
// Every write updates the cache before returning, so the next read —
// cached or not — observes it: read-your-writes.
type SettingsRepository struct {
	db *sql.DB

	mu    sync.Mutex
	cache map[string]ChatSettings
}

// NewSettingsRepository wraps an already-migrated database handle.
func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db, cache: make(map[string]ChatSettings)}
}

// GetOrCreate returns chatID's settings, inserting a default row (and
// caching it) on first read.
func (r *SettingsRepository) GetOrCreate(ctx context.Context, chatID string) (ChatSettings, error) {
	r.mu.Lock()
	if cached, ok := r.cache[chatID]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	row := r.db.QueryRowContext(ctx,
		`SELECT chat_id, mode, threshold, personality, language_style, response_length, last_mention_time
		 FROM settings WHERE chat_id = ?`, chatID)

	var s ChatSettings
	err := row.Scan(&s.ChatID, &s.Mode, &s.Threshold, &s.Personality, &s.LanguageStyle, &s.ResponseLength, &s.LastMentionTime)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s = defaults(chatID)
		if _, insertErr := r.db.ExecContext(ctx,
			`INSERT INTO settings (chat_id, mode, threshold, personality, language_style, response_length, last_mention_time)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.ChatID, s.Mode, s.Threshold, s.Personality, s.LanguageStyle, s.ResponseLength, s.LastMentionTime,
		); insertErr != nil {
			return ChatSettings{}, fmt.Errorf("create default settings: %w", insertErr)
		}
	case err != nil:
		return ChatSettings{}, fmt.Errorf("read settings: %w", err)
	}

	r.mu.Lock()
	r.cache[chatID] = s
	r.mu.Unlock()
	return s, nil
}

// update runs mutate against the current settings (cached, or read
// from the row on a cache miss), persists the result, and retries
// once if the read or the write fails.
func (r *SettingsRepository) update(ctx context.Context, chatID string, mutate func(*ChatSettings)) (ChatSettings, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		s, err := r.GetOrCreate(ctx, chatID)
		if err != nil {
			lastErr = err
			continue
		}
		mutate(&s)

		_, err = r.db.ExecContext(ctx,
			`UPDATE settings SET mode=?, threshold=?, personality=?, language_style=?, response_length=?, last_mention_time=?
			 WHERE chat_id=?`,
			s.Mode, s.Threshold, s.Personality, s.LanguageStyle, s.ResponseLength, s.LastMentionTime, s.ChatID,
		)
		if err != nil {
			lastErr = fmt.Errorf("update settings: %w", err)
			continue
		}

		r.mu.Lock()
		r.cache[chatID] = s
		r.mu.Unlock()
		return s, nil
	}
	return ChatSettings{}, lastErr
}

// SetMode persists a new mode as given; it does not validate it.
func (r *SettingsRepository) SetMode(ctx context.Context, chatID, mode string) (ChatSettings, error) {
	return r.update(ctx, chatID, func(s *ChatSettings) { s.Mode = mode })
}

// SetThreshold clamps v to [0,1] and persists it.
func (r *SettingsRepository) SetThreshold(ctx context.Context, chatID string, v float64) (ChatSettings, error) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	return r.update(ctx, chatID, func(s *ChatSettings) { s.Threshold = v })
}

// SetPersonality persists a new personality hint.
func (r *SettingsRepository) SetPersonality(ctx context.Context, chatID, personality string) (ChatSettings, error) {
	return r.update(ctx, chatID, func(s *ChatSettings) { s.Personality = personality })
}

// SetLanguageStyle persists a new language-style hint.
func (r *SettingsRepository) SetLanguageStyle(ctx context.Context, chatID, style string) (ChatSettings, error) {
	return r.update(ctx, chatID, func(s *ChatSettings) { s.LanguageStyle = style })
}

// SetResponseLength persists a new response-length hint.
func (r *SettingsRepository) SetResponseLength(ctx context.Context, chatID, length string) (ChatSettings, error) {
	return r.update(ctx, chatID, func(s *ChatSettings) { s.ResponseLength = length })
}

// SetLastMentionTime records the epoch-seconds timestamp of the most
// recent mention. Written on every mention, not yet read by any
// decision branch — kept for future heat-based scoring.
func (r *SettingsRepository) SetLastMentionTime(ctx context.Context, chatID string, epochSeconds float64) (ChatSettings, error) {
	return r.update(ctx, chatID, func(s *ChatSettings) { s.LastMentionTime = epochSeconds })
}

// ResetToDefaults restores mode and threshold to their documented
// defaults, per /reset semantics.
func (r *SettingsRepository) ResetToDefaults(ctx context.Context, chatID string) (ChatSettings, error) {
	return r.update(ctx, chatID, func(s *ChatSettings) {
		s.Mode = defaultMode
		s.Threshold = defaultThreshold
	})
}
