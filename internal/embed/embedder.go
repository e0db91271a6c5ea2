package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"papersorter/internal/core"
	"papersorter/internal/logger"
)

// Storage is the slice of the store the embedder reads and writes.
type Storage interface {
	ArticlesMissingEmbedding(ctx context.Context, limit int) ([]core.Article, error)
	SaveEmbeddings(ctx context.Context, embeddings []core.Embedding) error
}

// API produces vectors for a batch of texts. A nil entry in the result means
// the provider returned nothing for that input.
type API interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder drains the backlog of articles without vectors in batches. Each
// batch is persisted as soon as it succeeds, so a mid-run failure loses at
// most one batch of API work.
type Embedder struct {
	api       API
	storage   Storage
	batchSize int
	truncate  int

	retryInterval time.Duration
}

// NewEmbedder builds an Embedder. truncateChars caps the per-article input
// text sent to the provider.
func NewEmbedder(api API, storage Storage, batchSize, truncateChars int) *Embedder {
	if batchSize <= 0 {
		batchSize = 64
	}
	if truncateChars <= 0 {
		truncateChars = 8000
	}
	return &Embedder{
		api:           api,
		storage:       storage,
		batchSize:     batchSize,
		truncate:      truncateChars,
		retryInterval: 1 * time.Second,
	}
}

// Run embeds every article missing a vector and returns how many vectors were
// stored. A batch that is still failing after the retry budget is deferred to
// the next run and the rest of the backlog keeps draining; only permanent API
// failures and schema mismatches stop the stage.
func (e *Embedder) Run(ctx context.Context) (int, error) {
	log := logger.Get()
	total := 0
	deferred := make(map[int64]bool)

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		// Over-fetch by the deferred count so articles parked for the next
		// run do not hide the rest of the backlog.
		fetched, err := e.storage.ArticlesMissingEmbedding(ctx, e.batchSize+len(deferred))
		if err != nil {
			return total, fmt.Errorf("list unembedded articles: %w", err)
		}

		var batch []core.Article
		for _, a := range fetched {
			if !deferred[a.ID] {
				batch = append(batch, a)
			}
		}
		if len(batch) == 0 {
			return total, nil
		}
		if len(batch) > e.batchSize {
			batch = batch[:e.batchSize]
		}

		vectors, err := e.embedBatch(ctx, batch)
		if err != nil {
			if errors.Is(err, core.ErrSchemaMismatch) || core.IsPermanent(err) {
				return total, fmt.Errorf("embed batch of %d: %w", len(batch), err)
			}
			log.Warn("embed batch still failing, deferring to next run",
				"size", len(batch), "error", err)
			for _, a := range batch {
				deferred[a.ID] = true
			}
			continue
		}

		var embeddings []core.Embedding
		for i := range batch {
			if vectors[i] == nil {
				// Partial response; this article goes around again next run.
				deferred[batch[i].ID] = true
				continue
			}
			embeddings = append(embeddings, core.Embedding{ArticleID: batch[i].ID, Vector: vectors[i]})
		}
		if len(embeddings) > 0 {
			if err := e.storage.SaveEmbeddings(ctx, embeddings); err != nil {
				return total, fmt.Errorf("save embeddings: %w", err)
			}
			total += len(embeddings)
		}
		log.Debug("embedded batch", "size", len(embeddings), "total", total)
	}
}

// embedBatch calls the API with retry. Permanent failures and schema
// mismatches stop immediately; everything else backs off and retries.
func (e *Embedder) embedBatch(ctx context.Context, batch []core.Article) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i := range batch {
		texts[i] = InputText(&batch[i], e.truncate)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.retryInterval
	expo.MaxInterval = 60 * time.Second
	expo.Multiplier = 2
	expo.RandomizationFactor = 0.25

	return backoff.Retry(ctx, func() ([][]float32, error) {
		vectors, err := e.api.Embed(ctx, texts)
		if err != nil && !core.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return vectors, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(5))
}

// InputText is the canonical text embedded for an article: title, authors,
// origin, and body, truncated to limit characters to fit the provider's
// input budget. Changing this composition invalidates stored vectors, so
// keep it stable.
func InputText(a *core.Article, limit int) string {
	var b strings.Builder
	b.WriteString(a.Title)
	if len(a.Authors) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(a.Authors, ", "))
	}
	if a.Origin != "" {
		b.WriteString("\n")
		b.WriteString(a.Origin)
	}
	if a.Content != "" {
		b.WriteString("\n\n")
		b.WriteString(a.Content)
	}

	s := b.String()
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
