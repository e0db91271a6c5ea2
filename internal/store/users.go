package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"papersorter/internal/core"
)

const userColumns = `id, username, is_admin, timezone, theme, bookmark_article_id, min_score_threshold, primary_channel_id`

// CreateUser inserts a user keyed by unique username.
func (s *Store) CreateUser(ctx context.Context, u *core.User) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, is_admin, timezone, theme, min_score_threshold)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, u.Username, u.IsAdmin, u.Timezone, u.Theme, u.MinScoreThreshold).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	u.ID = id
	return id, nil
}

// GetUserByName returns a user by unique username.
func (s *Store) GetUserByName(ctx context.Context, username string) (*core.User, error) {
	var u core.User
	err := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &u.IsAdmin, &u.Timezone, &u.Theme,
			&u.BookmarkArticleID, &u.MinScoreThreshold, &u.PrimaryChannelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q not found", username)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}
