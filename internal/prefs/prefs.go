// Package prefs records user preference labels and assembles training data
// from them.
package prefs

import (
	"context"
	"fmt"

	"papersorter/internal/core"
	"papersorter/internal/logger"
)

// Storage is the slice of the store preference handling needs.
type Storage interface {
	InsertPreference(ctx context.Context, p *core.Preference) (int64, error)
	LabeledSet(ctx context.Context, userIDs []int64) ([]core.Preference, error)
	SampleUnlabeled(ctx context.Context, n int) ([]int64, error)
	GetEmbedding(ctx context.Context, articleID int64) ([]float32, error)
}

// Service wraps labeling and training-set assembly.
type Service struct {
	storage Storage
}

// NewService builds a preference Service.
func NewService(storage Storage) *Service {
	return &Service{storage: storage}
}

// Label records a binary preference. Labels are append-only; relabeling the
// same article simply adds a newer row that wins at read time.
func (s *Service) Label(ctx context.Context, articleID, userID int64, positive bool, source string) error {
	switch source {
	case core.SourceStar, core.SourceInteractive, core.SourceAlertFeedback:
	default:
		return fmt.Errorf("%w: unknown preference source %q", core.ErrInvariant, source)
	}

	score := 0.0
	if positive {
		score = 1.0
	}
	_, err := s.storage.InsertPreference(ctx, &core.Preference{
		ArticleID: articleID,
		UserID:    userID,
		Score:     score,
		Source:    source,
	})
	return err
}

// Dataset is a training matrix: one embedding row per example with its label.
type Dataset struct {
	ArticleIDs []int64
	Features   [][]float32
	Labels     []float64
	Positives  int
	Negatives  int
	Pseudo     int // negatives sampled from unlabeled articles
}

// TrainingSet builds a dataset from the latest label per (article, user),
// optionally restricted to some users. When the labeled set is short on
// negatives, unlabeled articles are sampled as pseudo-negatives until the
// negative count matches the positive count.
func (s *Service) TrainingSet(ctx context.Context, userIDs []int64) (*Dataset, error) {
	labeled, err := s.storage.LabeledSet(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("load labeled set: %w", err)
	}

	ds := &Dataset{}
	seen := make(map[int64]bool)
	for _, p := range labeled {
		if seen[p.ArticleID] {
			// Conflicting labels from different users: first (latest) row wins.
			continue
		}
		vec, err := s.storage.GetEmbedding(ctx, p.ArticleID)
		if err != nil {
			return nil, fmt.Errorf("embedding for labeled article %d: %w", p.ArticleID, err)
		}
		if vec == nil {
			// Labeled before it was embedded; skip until the vector exists.
			continue
		}
		seen[p.ArticleID] = true
		ds.ArticleIDs = append(ds.ArticleIDs, p.ArticleID)
		ds.Features = append(ds.Features, vec)
		ds.Labels = append(ds.Labels, p.Score)
		if p.Score > 0 {
			ds.Positives++
		} else {
			ds.Negatives++
		}
	}

	if deficit := ds.Positives - ds.Negatives; deficit > 0 {
		if err := s.addPseudoNegatives(ctx, ds, seen, deficit); err != nil {
			return nil, err
		}
	}

	logger.Get().Info("assembled training set",
		"examples", len(ds.Labels),
		"positives", ds.Positives,
		"negatives", ds.Negatives,
		"pseudo", ds.Pseudo)
	return ds, nil
}

func (s *Service) addPseudoNegatives(ctx context.Context, ds *Dataset, seen map[int64]bool, want int) error {
	// Oversample to cover ids that collide with labeled articles.
	ids, err := s.storage.SampleUnlabeled(ctx, want*2)
	if err != nil {
		return fmt.Errorf("sample pseudo-negatives: %w", err)
	}

	for _, id := range ids {
		if ds.Pseudo >= want {
			break
		}
		if seen[id] {
			continue
		}
		vec, err := s.storage.GetEmbedding(ctx, id)
		if err != nil {
			return fmt.Errorf("embedding for pseudo-negative %d: %w", id, err)
		}
		if vec == nil {
			continue
		}
		seen[id] = true
		ds.ArticleIDs = append(ds.ArticleIDs, id)
		ds.Features = append(ds.Features, vec)
		ds.Labels = append(ds.Labels, 0)
		ds.Negatives++
		ds.Pseudo++
	}
	return nil
}
