package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"papersorter/internal/core"
)

// ScoringCandidate is an embedded article awaiting a score under some model.
type ScoringCandidate struct {
	ArticleID int64
	Vector    []float32
}

// ArticlesMissingScore returns up to limit embedded articles that have no
// score row for the given model. With force set, it instead returns embedded
// articles regardless of existing rows, oldest first, so an admin can rescore
// everything.
func (s *Store) ArticlesMissingScore(ctx context.Context, modelID int64, limit int, force bool, afterID int64) ([]ScoringCandidate, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if force {
		rows, err = s.db.QueryContext(ctx, `
			SELECT e.feed_id, e.vector
			FROM embeddings e
			WHERE e.feed_id > $2
			ORDER BY e.feed_id ASC
			LIMIT $1
		`, limit, afterID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT e.feed_id, e.vector
			FROM embeddings e
			LEFT JOIN predicted_preferences pp ON pp.feed_id = e.feed_id AND pp.model_id = $2
			WHERE pp.feed_id IS NULL AND e.feed_id > $3
			ORDER BY e.feed_id ASC
			LIMIT $1
		`, limit, modelID, afterID)
	}
	if err != nil {
		return nil, fmt.Errorf("query scoring candidates: %w", err)
	}
	defer rows.Close()

	var out []ScoringCandidate
	for rows.Next() {
		var (
			c ScoringCandidate
			v pgvector.Vector
		)
		if err := rows.Scan(&c.ArticleID, &v); err != nil {
			return nil, fmt.Errorf("scan scoring candidate: %w", err)
		}
		c.Vector = v.Slice()
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertScores writes (article, model) scores in one transaction, overwriting
// existing rows.
func (s *Store) UpsertScores(ctx context.Context, scores []core.PredictedScore) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, sc := range scores {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO predicted_preferences (feed_id, model_id, score)
				VALUES ($1, $2, $3)
				ON CONFLICT (feed_id, model_id) DO UPDATE SET score = EXCLUDED.score
			`, sc.ArticleID, sc.ModelID, sc.Score); err != nil {
				return fmt.Errorf("upsert score (%d, %d): %w", sc.ArticleID, sc.ModelID, err)
			}
		}
		return nil
	})
}

// GetScore returns the score for (article, model), or nil when absent.
func (s *Store) GetScore(ctx context.Context, articleID, modelID int64) (*float64, error) {
	var score float64
	err := s.db.QueryRowContext(ctx, `
		SELECT score FROM predicted_preferences WHERE feed_id = $1 AND model_id = $2
	`, articleID, modelID).Scan(&score)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get score: %w", err)
	}
	return &score, nil
}
