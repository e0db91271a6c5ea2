package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"papersorter/internal/core"
)

const articleColumns = `id, external_id, title, content, authors, origin, link, published, added, tldr`

// UpsertArticle inserts an article keyed by external_id. On conflict the
// existing row is left untouched unless overwrite is set, so ingestion never
// clobbers enriched metadata. Returns the row id and whether a new row was
// created.
func (s *Store) UpsertArticle(ctx context.Context, a *core.Article, overwrite bool) (int64, bool, error) {
	if a.Title == "" {
		return 0, false, fmt.Errorf("%w: article title must not be empty", core.ErrInvariant)
	}

	var (
		id       int64
		inserted bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO feeds (external_id, title, content, authors, origin, link, published, tldr)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (external_id) DO NOTHING
			RETURNING id
		`, a.ExternalID, a.Title, a.Content, pq.Array(a.Authors), a.Origin, a.Link, a.Published, a.TLDR)

		switch err := row.Scan(&id); {
		case err == nil:
			inserted = true
			return nil
		case errors.Is(err, sql.ErrNoRows):
			// Conflict path
		default:
			return fmt.Errorf("insert article: %w", err)
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM feeds WHERE external_id = $1`, a.ExternalID).Scan(&id); err != nil {
			return fmt.Errorf("lookup conflicting article: %w", err)
		}
		if !overwrite {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE feeds SET title = $2, content = $3, authors = $4, origin = $5,
				link = $6, published = $7, tldr = $8
			WHERE id = $1
		`, id, a.Title, a.Content, pq.Array(a.Authors), a.Origin, a.Link, a.Published, a.TLDR); err != nil {
			return fmt.Errorf("overwrite article: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	a.ID = id
	return id, inserted, nil
}

// GetArticle returns a single article by id.
func (s *Store) GetArticle(ctx context.Context, id int64) (*core.Article, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM feeds WHERE id = $1`, id)
	return scanArticle(row)
}

// ArticleExistsByExternalID reports whether an article with this external id
// is already stored.
func (s *Store) ArticleExistsByExternalID(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM feeds WHERE external_id = $1)`, externalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check external id: %w", err)
	}
	return exists, nil
}

// ArticleExistsByLink reports whether an article with a byte-equal link exists.
func (s *Store) ArticleExistsByLink(ctx context.Context, link string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM feeds WHERE link = $1)`, link).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check link: %w", err)
	}
	return exists, nil
}

// RecentTitles returns titles of articles added since the cutoff, for fuzzy
// duplicate detection.
func (s *Store) RecentTitles(ctx context.Context, since time.Time) ([]core.ArticleTitle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title FROM feeds WHERE added >= $1 ORDER BY added DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("query recent titles: %w", err)
	}
	defer rows.Close()

	var out []core.ArticleTitle
	for rows.Next() {
		var t core.ArticleTitle
		if err := rows.Scan(&t.ID, &t.Title); err != nil {
			return nil, fmt.Errorf("scan title: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ArticlesMissingEmbedding returns up to limit articles without a vector,
// oldest first so backlog drains in insertion order.
func (s *Store) ArticlesMissingEmbedding(ctx context.Context, limit int) ([]core.Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("f", articleColumns)+`
		FROM feeds f
		LEFT JOIN embeddings e ON e.feed_id = f.id
		WHERE e.feed_id IS NULL
		ORDER BY f.id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query articles missing embedding: %w", err)
	}
	defer rows.Close()
	return scanArticles(rows)
}

// SimilarFilter restricts SimilarArticles results.
type SimilarFilter struct {
	ModelID   int64   // With MinScore/MaxScore: restrict to a score band under this model
	MinScore  float64
	MaxScore  float64
	ChannelID int64   // Non-zero: only articles with a broadcast row for this channel
}

// SimilarArticle is an article with its cosine distance to the query vector.
type SimilarArticle struct {
	Article  core.Article
	Distance float64
}

// SimilarArticles returns up to k articles ordered by cosine distance
// ascending to the given vector.
func (s *Store) SimilarArticles(ctx context.Context, vector []float32, k int, filter *SimilarFilter) ([]SimilarArticle, error) {
	if len(vector) != s.dim {
		return nil, fmt.Errorf("%w: query vector has dimension %d, store expects %d",
			core.ErrSchemaMismatch, len(vector), s.dim)
	}

	query := `
		SELECT ` + prefixColumns("f", articleColumns) + `, e.vector <=> $1 AS distance
		FROM feeds f
		JOIN embeddings e ON e.feed_id = f.id
	`
	args := []interface{}{pgvector.NewVector(vector)}
	n := 1

	if filter != nil && filter.ModelID != 0 {
		query += fmt.Sprintf(`
		JOIN predicted_preferences pp ON pp.feed_id = f.id AND pp.model_id = $%d
			AND pp.score BETWEEN $%d AND $%d`, n+1, n+2, n+3)
		args = append(args, filter.ModelID, filter.MinScore, filter.MaxScore)
		n += 3
	}
	if filter != nil && filter.ChannelID != 0 {
		query += fmt.Sprintf(`
		JOIN broadcasts b ON b.feed_id = f.id AND b.channel_id = $%d`, n+1)
		args = append(args, filter.ChannelID)
		n++
	}

	query += fmt.Sprintf(`
		ORDER BY distance ASC
		LIMIT $%d`, n+1)
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query similar articles: %w", err)
	}
	defer rows.Close()

	var out []SimilarArticle
	for rows.Next() {
		var (
			sa      SimilarArticle
			authors pq.StringArray
		)
		if err := rows.Scan(&sa.Article.ID, &sa.Article.ExternalID, &sa.Article.Title,
			&sa.Article.Content, &authors, &sa.Article.Origin, &sa.Article.Link,
			&sa.Article.Published, &sa.Article.Added, &sa.Article.TLDR, &sa.Distance); err != nil {
			return nil, fmt.Errorf("scan similar article: %w", err)
		}
		sa.Article.Authors = authors
		out = append(out, sa)
	}
	return out, rows.Err()
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArticle(row rowScanner) (*core.Article, error) {
	var (
		a       core.Article
		authors pq.StringArray
	)
	err := row.Scan(&a.ID, &a.ExternalID, &a.Title, &a.Content, &authors,
		&a.Origin, &a.Link, &a.Published, &a.Added, &a.TLDR)
	if err != nil {
		return nil, fmt.Errorf("scan article: %w", err)
	}
	a.Authors = authors
	return &a, nil
}

func scanArticles(rows *sql.Rows) ([]core.Article, error) {
	var out []core.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, cols string) string {
	out := ""
	for i, c := range splitColumns(cols) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func splitColumns(cols string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(cols); i++ {
		if i == len(cols) || cols[i] == ',' {
			col := cols[start:i]
			for len(col) > 0 && col[0] == ' ' {
				col = col[1:]
			}
			if col != "" {
				out = append(out, col)
			}
			start = i + 1
		}
	}
	return out
}
