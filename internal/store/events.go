package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"papersorter/internal/core"
)

// InsertEvent appends an admin-visible event row.
func (s *Store) InsertEvent(ctx context.Context, e *core.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, kind, message, feed_id, channel_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.Kind, e.Message, e.ArticleID, e.ChannelID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]core.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, message, feed_id, channel_id, created_at
		FROM events ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []core.Event
	for rows.Next() {
		var e core.Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Message, &e.ArticleID, &e.ChannelID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
