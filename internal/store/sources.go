package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"papersorter/internal/core"
)

const sourceColumns = `id, name, url, type, last_checked, is_active, username, password`

func scanSource(row rowScanner) (*core.FeedSource, error) {
	var (
		fs      core.FeedSource
		checked sql.NullTime
	)
	err := row.Scan(&fs.ID, &fs.Name, &fs.URL, &fs.Type, &checked,
		&fs.IsActive, &fs.Username, &fs.Password)
	if err != nil {
		return nil, fmt.Errorf("scan feed source: %w", err)
	}
	if checked.Valid {
		t := checked.Time
		fs.LastChecked = &t
	}
	return &fs, nil
}

// CreateFeedSource registers a polling target.
func (s *Store) CreateFeedSource(ctx context.Context, fs *core.FeedSource) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO feed_sources (name, url, type, is_active, username, password)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, fs.Name, fs.URL, fs.Type, fs.IsActive, fs.Username, fs.Password).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create feed source: %w", err)
	}
	fs.ID = id
	return id, nil
}

// ListFeedSources returns all sources ordered by id.
func (s *Store) ListFeedSources(ctx context.Context) ([]core.FeedSource, error) {
	return s.querySources(ctx, `SELECT `+sourceColumns+` FROM feed_sources ORDER BY id ASC`)
}

// DueFeedSources returns active sources never checked or last checked before
// the cutoff.
func (s *Store) DueFeedSources(ctx context.Context, cutoff time.Time) ([]core.FeedSource, error) {
	return s.querySources(ctx, `
		SELECT `+sourceColumns+` FROM feed_sources
		WHERE is_active AND (last_checked IS NULL OR last_checked < $1)
		ORDER BY id ASC
	`, cutoff)
}

func (s *Store) querySources(ctx context.Context, query string, args ...interface{}) ([]core.FeedSource, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query feed sources: %w", err)
	}
	defer rows.Close()

	var out []core.FeedSource
	for rows.Next() {
		fs, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *fs)
	}
	return out, rows.Err()
}

// TouchFeedSource advances last_checked. Called after every poll attempt,
// successful or not, so a broken source cannot cause tight-loop retries.
func (s *Store) TouchFeedSource(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feed_sources SET last_checked = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch feed source: %w", err)
	}
	return nil
}

// SetFeedSourceActive toggles a source's active flag.
func (s *Store) SetFeedSourceActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE feed_sources SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set feed source active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("feed source %d not found", id)
	}
	return nil
}

// GetFeedSource returns a source by id.
func (s *Store) GetFeedSource(ctx context.Context, id int64) (*core.FeedSource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM feed_sources WHERE id = $1`, id)
	fs, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed source %d not found", id)
	}
	return fs, err
}
