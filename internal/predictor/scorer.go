package predictor

import (
	"context"
	"fmt"

	"papersorter/internal/core"
	"papersorter/internal/logger"
	"papersorter/internal/store"
)

// Storage is the slice of the store the scorer reads and writes.
type Storage interface {
	ActiveModels(ctx context.Context) ([]core.Model, error)
	ArticlesMissingScore(ctx context.Context, modelID int64, limit int, force bool, afterID int64) ([]store.ScoringCandidate, error)
	UpsertScores(ctx context.Context, scores []core.PredictedScore) error
	ActiveChannelsForModel(ctx context.Context, modelID int64) ([]core.Channel, error)
}

// Queue enqueues an article for a channel.
type Queue interface {
	Enqueue(ctx context.Context, articleID, channelID int64) (bool, error)
}

// Stats summarizes one scoring pass.
type Stats struct {
	Models   int
	Scored   int
	Enqueued int
}

// Scorer runs every active model over articles that still need a score and
// feeds qualifying articles into channel queues.
type Scorer struct {
	storage   Storage
	queue     Queue
	modelDir  string
	dim       int
	batchSize int
}

// NewScorer builds a Scorer. dim is the store's embedding dimension, used to
// reject artifacts trained on a different one.
func NewScorer(storage Storage, queue Queue, modelDir string, dim, batchSize int) *Scorer {
	if batchSize <= 0 {
		batchSize = 256
	}
	return &Scorer{
		storage:   storage,
		queue:     queue,
		modelDir:  modelDir,
		dim:       dim,
		batchSize: batchSize,
	}
}

// Run scores articles under every active model. By default only articles
// without a score row for the model are touched; force rescans everything,
// for after a model retrain.
func (s *Scorer) Run(ctx context.Context, force bool) (*Stats, error) {
	models, err := s.storage.ActiveModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active models: %w", err)
	}

	log := logger.Get()
	stats := &Stats{Models: len(models)}

	for i := range models {
		m := &models[i]
		if err := s.runModel(ctx, m, force, stats); err != nil {
			return stats, fmt.Errorf("score with model %d (%s): %w", m.ID, m.Name, err)
		}
	}

	log.Info("scoring pass complete",
		"models", stats.Models, "scored", stats.Scored, "enqueued", stats.Enqueued)
	return stats, nil
}

func (s *Scorer) runModel(ctx context.Context, m *core.Model, force bool, stats *Stats) error {
	artifact, err := Load(s.modelDir, m.ID, s.dim)
	if err != nil {
		return err
	}

	channels, err := s.storage.ActiveChannelsForModel(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("list channels for model: %w", err)
	}

	// Keyset pagination on article id keeps forced rescans bounded per query
	// and makes progress resumable.
	afterID := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := s.storage.ArticlesMissingScore(ctx, m.ID, s.batchSize, force, afterID)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		scores := make([]core.PredictedScore, 0, len(batch))
		for _, c := range batch {
			score, err := artifact.Predict(c.Vector)
			if err != nil {
				return err
			}
			scores = append(scores, core.PredictedScore{
				ArticleID: c.ArticleID,
				ModelID:   m.ID,
				Score:     score,
			})
			if c.ArticleID > afterID {
				afterID = c.ArticleID
			}
		}

		if err := s.storage.UpsertScores(ctx, scores); err != nil {
			return err
		}
		stats.Scored += len(scores)

		for _, sc := range scores {
			for _, ch := range channels {
				if sc.Score < ch.ScoreThreshold {
					continue
				}
				inserted, err := s.queue.Enqueue(ctx, sc.ArticleID, ch.ID)
				if err != nil {
					return fmt.Errorf("enqueue article %d for channel %d: %w", sc.ArticleID, ch.ID, err)
				}
				if inserted {
					stats.Enqueued++
				}
			}
		}
	}
}
