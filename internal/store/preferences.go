package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"papersorter/internal/core"
)

// InsertPreference appends a label row. Prior rows for the same
// (article, user) are retained for audit; readers take the latest.
func (s *Store) InsertPreference(ctx context.Context, p *core.Preference) (int64, error) {
	if p.Score != 0 && p.Score != 1 {
		return 0, fmt.Errorf("%w: preference score must be 0 or 1, got %v", core.ErrInvariant, p.Score)
	}
	at := p.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO preferences (feed_id, user_id, time, score, source)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, p.ArticleID, p.UserID, at, p.Score, p.Source).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert preference: %w", err)
	}
	p.ID = id
	return id, nil
}

// LabeledSet returns the latest preference per (article, user), optionally
// restricted to specific users. This is the training data contract.
func (s *Store) LabeledSet(ctx context.Context, userIDs []int64) ([]core.Preference, error) {
	query := `
		SELECT DISTINCT ON (feed_id, user_id) id, feed_id, user_id, time, score, source
		FROM preferences
	`
	var args []interface{}
	if len(userIDs) > 0 {
		query += ` WHERE user_id = ANY($1)`
		args = append(args, pq.Array(userIDs))
	}
	query += ` ORDER BY feed_id, user_id, time DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query labeled set: %w", err)
	}
	defer rows.Close()

	var out []core.Preference
	for rows.Next() {
		var p core.Preference
		if err := rows.Scan(&p.ID, &p.ArticleID, &p.UserID, &p.Time, &p.Score, &p.Source); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SampleUnlabeled returns up to n embedded article ids with no preference row
// from anyone. Training uses these as pseudo-negatives when the labeled set
// is positive-only.
func (s *Store) SampleUnlabeled(ctx context.Context, n int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.feed_id
		FROM embeddings e
		LEFT JOIN preferences p ON p.feed_id = e.feed_id
		WHERE p.id IS NULL
		ORDER BY random()
		LIMIT $1
	`, n)
	if err != nil {
		return nil, fmt.Errorf("sample unlabeled: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unlabeled id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
