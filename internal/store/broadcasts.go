package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"papersorter/internal/core"
)

// EnqueueBroadcast places (article, channel) into the queue. Idempotent: if a
// row already exists, queued or delivered, nothing changes. The primary key
// makes at-most-once delivery a database invariant.
func (s *Store) EnqueueBroadcast(ctx context.Context, articleID, channelID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO broadcasts (feed_id, channel_id, broadcasted_time)
		VALUES ($1, $2, NULL)
		ON CONFLICT (feed_id, channel_id) DO NOTHING
	`, articleID, channelID)
	if err != nil {
		return false, fmt.Errorf("enqueue broadcast (%d, %d): %w", articleID, channelID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue broadcast rows affected: %w", err)
	}
	return n > 0, nil
}

// QueueDepth counts queued (undelivered) entries for a channel.
func (s *Store) QueueDepth(ctx context.Context, channelID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM broadcasts
		WHERE channel_id = $1 AND broadcasted_time IS NULL
	`, channelID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ClaimQueueBatch returns up to limit queued articles for a channel, newest
// published first with a stable id tiebreak.
func (s *Store) ClaimQueueBatch(ctx context.Context, channelID int64, limit int) ([]core.Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("f", articleColumns)+`
		FROM broadcasts b
		JOIN feeds f ON f.id = b.feed_id
		WHERE b.channel_id = $1 AND b.broadcasted_time IS NULL
		ORDER BY f.published DESC, f.id ASC
		LIMIT $2
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim queue batch: %w", err)
	}
	defer rows.Close()
	return scanArticles(rows)
}

// MarkDelivered sets broadcasted_time for a queued entry. Delivered entries
// are never reverted; marking an already-delivered entry is a no-op so
// dispatch retries stay idempotent.
func (s *Store) MarkDelivered(ctx context.Context, articleID, channelID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE broadcasts SET broadcasted_time = $3
		WHERE feed_id = $1 AND channel_id = $2 AND broadcasted_time IS NULL
	`, articleID, channelID, at)
	if err != nil {
		return fmt.Errorf("mark delivered (%d, %d): %w", articleID, channelID, err)
	}
	return nil
}

// DeliveredTitlesSince returns titles the channel has delivered since the
// cutoff, for cross-time duplicate suppression.
func (s *Store) DeliveredTitlesSince(ctx context.Context, channelID int64, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.title
		FROM broadcasts b
		JOIN feeds f ON f.id = b.feed_id
		WHERE b.channel_id = $1 AND b.broadcasted_time >= $2
	`, channelID, since)
	if err != nil {
		return nil, fmt.Errorf("query delivered titles: %w", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan delivered title: %w", err)
		}
		titles = append(titles, t)
	}
	return titles, rows.Err()
}

// PurgeDeliveredBefore removes delivered entries older than the cutoff and
// returns how many rows went away. Queued entries are never purged here.
func (s *Store) PurgeDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM broadcasts
		WHERE broadcasted_time IS NOT NULL AND broadcasted_time < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge delivered broadcasts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return n, nil
}

// PurgeQueuedBefore removes queued entries whose article was published before
// the cutoff. Papers that sat in a queue past the retention window are stale
// news and not worth delivering.
func (s *Store) PurgeQueuedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM broadcasts b
		USING feeds f
		WHERE f.id = b.feed_id
		  AND b.broadcasted_time IS NULL
		  AND f.published < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge queued broadcasts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return n, nil
}

// ScoresForArticles returns the scores the given articles carry under one
// model, keyed by article id. Articles without a score row are absent.
func (s *Store) ScoresForArticles(ctx context.Context, modelID int64, articleIDs []int64) (map[int64]float64, error) {
	if len(articleIDs) == 0 {
		return map[int64]float64{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT feed_id, score FROM predicted_preferences
		WHERE model_id = $1 AND feed_id = ANY($2)
	`, modelID, pq.Array(articleIDs))
	if err != nil {
		return nil, fmt.Errorf("query scores for articles: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]float64, len(articleIDs))
	for rows.Next() {
		var (
			id    int64
			score float64
		)
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		out[id] = score
	}
	return out, rows.Err()
}
