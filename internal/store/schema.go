package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaDDL is the full schema. The embeddings vector dimension is substituted
// at init time; changing it later requires resetting the embeddings table.
const schemaDDL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS feeds (
	id BIGSERIAL PRIMARY KEY,
	external_id TEXT NOT NULL,
	title TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	authors TEXT[] NOT NULL DEFAULT '{}',
	origin TEXT NOT NULL DEFAULT '',
	link TEXT NOT NULL DEFAULT '',
	published TIMESTAMPTZ NOT NULL,
	added TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	tldr TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_feeds_external_id ON feeds (external_id);
CREATE INDEX IF NOT EXISTS idx_feeds_link ON feeds (link);
CREATE INDEX IF NOT EXISTS idx_feeds_added ON feeds (added DESC);

CREATE TABLE IF NOT EXISTS embeddings (
	feed_id BIGINT PRIMARY KEY REFERENCES feeds(id) ON DELETE CASCADE,
	vector vector(%d) NOT NULL
);

CREATE TABLE IF NOT EXISTS models (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	is_active BOOLEAN NOT NULL DEFAULT FALSE,
	notes TEXT NOT NULL DEFAULT '',
	score_name TEXT NOT NULL DEFAULT 'Score'
);

CREATE TABLE IF NOT EXISTS predicted_preferences (
	feed_id BIGINT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
	model_id BIGINT NOT NULL REFERENCES models(id) ON DELETE CASCADE,
	score DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (feed_id, model_id)
);
CREATE INDEX IF NOT EXISTS idx_predicted_preferences_model_score
	ON predicted_preferences (model_id, score DESC, feed_id);

CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	is_admin BOOLEAN NOT NULL DEFAULT FALSE,
	timezone TEXT NOT NULL DEFAULT 'UTC',
	theme TEXT NOT NULL DEFAULT 'auto',
	bookmark_article_id BIGINT,
	min_score_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
	primary_channel_id BIGINT
);

CREATE TABLE IF NOT EXISTS preferences (
	id BIGSERIAL PRIMARY KEY,
	feed_id BIGINT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	score DOUBLE PRECISION NOT NULL,
	source TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_preferences_feed_user ON preferences (feed_id, user_id, time DESC);

CREATE TABLE IF NOT EXISTS channels (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	score_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.7,
	model_id BIGINT NOT NULL REFERENCES models(id) ON DELETE CASCADE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	broadcast_limit INT NOT NULL DEFAULT 20,
	broadcast_hours BIGINT NOT NULL DEFAULT 16777215,
	timezone TEXT NOT NULL DEFAULT 'UTC'
);

CREATE TABLE IF NOT EXISTS broadcasts (
	feed_id BIGINT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
	channel_id BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	broadcasted_time TIMESTAMPTZ,
	PRIMARY KEY (feed_id, channel_id)
);
CREATE INDEX IF NOT EXISTS idx_broadcasts_broadcasted_time ON broadcasts (broadcasted_time);

CREATE TABLE IF NOT EXISTS feed_sources (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	url TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'rss',
	last_checked TIMESTAMPTZ,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	username TEXT NOT NULL DEFAULT '',
	password TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS events (
	id UUID PRIMARY KEY,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	feed_id BIGINT,
	channel_id BIGINT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events (created_at DESC);
`

// Init creates the schema, substituting the configured vector dimension.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(schemaDDL, s.dim)); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// CreateVectorIndex creates the HNSW cosine index on embeddings if missing.
func (s *Store) CreateVectorIndex(ctx context.Context) error {
	var exists bool
	checkQuery := `
		SELECT EXISTS (
			SELECT 1 FROM pg_indexes
			WHERE tablename = 'embeddings'
			AND indexname = 'idx_embeddings_vector_hnsw'
		)
	`
	if err := s.db.QueryRowContext(ctx, checkQuery).Scan(&exists); err != nil {
		return fmt.Errorf("check index existence: %w", err)
	}
	if exists {
		return nil
	}

	// m=16, ef_construction=64 are the pgvector defaults for HNSW.
	indexQuery := `
		CREATE INDEX idx_embeddings_vector_hnsw
		ON embeddings
		USING hnsw (vector vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`
	if _, err := s.db.ExecContext(ctx, indexQuery); err != nil {
		return fmt.Errorf("create vector index: %w", err)
	}
	return nil
}

// DropVectorIndex removes the HNSW index. Useful before bulk re-embedding.
func (s *Store) DropVectorIndex(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DROP INDEX IF EXISTS idx_embeddings_vector_hnsw`); err != nil {
		return fmt.Errorf("drop vector index: %w", err)
	}
	return nil
}

// ResetEmbeddings drops and recreates the embeddings table. This is the
// admin remediation for a dimension change; all scores cascade away with it.
func (s *Store) ResetEmbeddings(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS embeddings`); err != nil {
			return fmt.Errorf("drop embeddings: %w", err)
		}
		ddl := fmt.Sprintf(`CREATE TABLE embeddings (
			feed_id BIGINT PRIMARY KEY REFERENCES feeds(id) ON DELETE CASCADE,
			vector vector(%d) NOT NULL
		)`, s.dim)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("recreate embeddings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM predicted_preferences`); err != nil {
			return fmt.Errorf("clear predicted scores: %w", err)
		}
		return nil
	})
}
