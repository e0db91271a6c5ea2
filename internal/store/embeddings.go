package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"papersorter/internal/core"
)

// SaveEmbeddings persists vectors for the given article ids in a single
// transaction. A vector whose length disagrees with the configured dimension
// fails the whole batch with ErrSchemaMismatch. Re-embedding an article
// replaces its vector and invalidates all of its predicted scores.
func (s *Store) SaveEmbeddings(ctx context.Context, embeddings []core.Embedding) error {
	for _, e := range embeddings {
		if len(e.Vector) != s.dim {
			return fmt.Errorf("%w: vector for article %d has dimension %d, store expects %d",
				core.ErrSchemaMismatch, e.ArticleID, len(e.Vector), s.dim)
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range embeddings {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO embeddings (feed_id, vector)
				VALUES ($1, $2)
				ON CONFLICT (feed_id) DO UPDATE SET vector = EXCLUDED.vector
			`, e.ArticleID, pgvector.NewVector(e.Vector))
			if err != nil {
				return fmt.Errorf("save embedding for article %d: %w", e.ArticleID, err)
			}
			// Any write invalidates prior scores; a fresh insert has none.
			if n, _ := res.RowsAffected(); n > 0 {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM predicted_preferences WHERE feed_id = $1`, e.ArticleID); err != nil {
					return fmt.Errorf("invalidate scores for article %d: %w", e.ArticleID, err)
				}
			}
		}
		return nil
	})
}

// GetEmbedding returns the stored vector for an article, or nil if absent.
func (s *Store) GetEmbedding(ctx context.Context, articleID int64) ([]float32, error) {
	var v pgvector.Vector
	err := s.db.QueryRowContext(ctx,
		`SELECT vector FROM embeddings WHERE feed_id = $1`, articleID).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding: %w", err)
	}
	return v.Slice(), nil
}

// DeleteEmbedding removes an article's vector and its dependent scores.
func (s *Store) DeleteEmbedding(ctx context.Context, articleID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM embeddings WHERE feed_id = $1`, articleID); err != nil {
			return fmt.Errorf("delete embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM predicted_preferences WHERE feed_id = $1`, articleID); err != nil {
			return fmt.Errorf("invalidate scores: %w", err)
		}
		return nil
	})
}

// ClearEmbeddings deletes every stored vector and all predicted scores.
func (s *Store) ClearEmbeddings(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings`); err != nil {
			return fmt.Errorf("clear embeddings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM predicted_preferences`); err != nil {
			return fmt.Errorf("clear predicted scores: %w", err)
		}
		return nil
	})
}

// EmbeddingStatus summarizes embedding coverage for the status command.
type EmbeddingStatus struct {
	Articles  int64
	Embedded  int64
	Missing   int64
	Dimension int
	HasIndex  bool
}

// GetEmbeddingStatus reports coverage counts and whether the HNSW index exists.
func (s *Store) GetEmbeddingStatus(ctx context.Context) (*EmbeddingStatus, error) {
	st := &EmbeddingStatus{Dimension: s.dim}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM feeds),
			(SELECT COUNT(*) FROM embeddings),
			EXISTS (
				SELECT 1 FROM pg_indexes
				WHERE tablename = 'embeddings' AND indexname = 'idx_embeddings_vector_hnsw'
			)
	`).Scan(&st.Articles, &st.Embedded, &st.HasIndex)
	if err != nil {
		return nil, fmt.Errorf("embedding status: %w", err)
	}
	st.Missing = st.Articles - st.Embedded
	return st, nil
}
