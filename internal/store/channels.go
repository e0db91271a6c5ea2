package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"papersorter/internal/core"
)

const channelColumns = `id, name, endpoint, score_threshold, model_id, is_active, broadcast_limit, broadcast_hours, timezone`

func scanChannel(row rowScanner) (*core.Channel, error) {
	var (
		c     core.Channel
		hours int64
	)
	err := row.Scan(&c.ID, &c.Name, &c.Endpoint, &c.ScoreThreshold, &c.ModelID,
		&c.IsActive, &c.BroadcastLimit, &hours, &c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	c.BroadcastHours = uint32(hours) & core.AllHours
	return &c, nil
}

// CreateChannel inserts a channel. The referenced model must exist.
func (s *Store) CreateChannel(ctx context.Context, c *core.Channel) (int64, error) {
	if c.BroadcastLimit < 1 || c.BroadcastLimit > 100 {
		return 0, fmt.Errorf("broadcast_limit must be in 1..100, got %d", c.BroadcastLimit)
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO channels (name, endpoint, score_threshold, model_id, is_active, broadcast_limit, broadcast_hours, timezone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, c.Name, c.Endpoint, c.ScoreThreshold, c.ModelID, c.IsActive,
		c.BroadcastLimit, int64(c.BroadcastHours), c.Timezone).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create channel: %w", err)
	}
	c.ID = id
	return id, nil
}

// GetChannel returns a channel by id.
func (s *Store) GetChannel(ctx context.Context, id int64) (*core.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	c, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %d not found", id)
	}
	return c, err
}

// ListChannels returns all channels ordered by id.
func (s *Store) ListChannels(ctx context.Context) ([]core.Channel, error) {
	return s.queryChannels(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY id ASC`)
}

// ActiveChannels returns channels the dispatcher should consider.
func (s *Store) ActiveChannels(ctx context.Context) ([]core.Channel, error) {
	return s.queryChannels(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE is_active ORDER BY id ASC`)
}

// ActiveChannelsForModel returns active channels bound to the given model.
func (s *Store) ActiveChannelsForModel(ctx context.Context, modelID int64) ([]core.Channel, error) {
	return s.queryChannels(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE is_active AND model_id = $1 ORDER BY id ASC`,
		modelID)
}

func (s *Store) queryChannels(ctx context.Context, query string, args ...interface{}) ([]core.Channel, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var out []core.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetChannelActive toggles a channel's active flag.
func (s *Store) SetChannelActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set channel active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %d not found", id)
	}
	return nil
}
