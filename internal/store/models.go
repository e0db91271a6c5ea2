package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"papersorter/internal/core"
)

const modelColumns = `id, name, created_at, is_active, notes, score_name`

// CreateModel inserts model metadata and returns its id. The binary artifact
// is written separately by the predictor package.
func (s *Store) CreateModel(ctx context.Context, m *core.Model) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO models (name, is_active, notes, score_name)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, m.Name, m.IsActive, m.Notes, m.ScoreName).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create model: %w", err)
	}
	m.ID = id
	return id, nil
}

// GetModel returns model metadata by id.
func (s *Store) GetModel(ctx context.Context, id int64) (*core.Model, error) {
	var m core.Model
	err := s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE id = $1`, id).
		Scan(&m.ID, &m.Name, &m.CreatedAt, &m.IsActive, &m.Notes, &m.ScoreName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	return &m, nil
}

// ListModels returns all models, newest first.
func (s *Store) ListModels(ctx context.Context) ([]core.Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+modelColumns+` FROM models ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []core.Model
	for rows.Next() {
		var m core.Model
		if err := rows.Scan(&m.ID, &m.Name, &m.CreatedAt, &m.IsActive, &m.Notes, &m.ScoreName); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ActiveModels returns all models with is_active set.
func (s *Store) ActiveModels(ctx context.Context) ([]core.Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE is_active ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active models: %w", err)
	}
	defer rows.Close()

	var out []core.Model
	for rows.Next() {
		var m core.Model
		if err := rows.Scan(&m.ID, &m.Name, &m.CreatedAt, &m.IsActive, &m.Notes, &m.ScoreName); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetModelActive toggles a model's active flag.
func (s *Store) SetModelActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE models SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set model active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("model %d not found", id)
	}
	return nil
}

// DeleteModel removes a model; scores, channels, and broadcast rows cascade.
func (s *Store) DeleteModel(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("model %d not found", id)
	}
	return nil
}
