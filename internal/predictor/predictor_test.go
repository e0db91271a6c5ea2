package predictor

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"papersorter/internal/core"
	"papersorter/internal/store"
)

func linearArtifact(dim int) *Artifact {
	mean := make([]float64, dim)
	scale := make([]float64, dim)
	weights := make([]float64, dim)
	for i := 0; i < dim; i++ {
		scale[i] = 1
		weights[i] = float64(i + 1)
	}
	return &Artifact{
		Dim:          dim,
		Kind:         KindLinear,
		Standardizer: Standardizer{Mean: mean, Scale: scale},
		Linear:       &LinearModel{Weights: weights, Bias: -1},
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	a := linearArtifact(4)
	dir := t.TempDir()

	if err := a.Save(dir, 7); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(dir, 7, 4)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	vec := []float32{0.5, -0.5, 1, 0}
	want, err := a.Predict(vec)
	if err != nil {
		t.Fatalf("Predict original: %v", err)
	}
	got, err := loaded.Predict(vec)
	if err != nil {
		t.Fatalf("Predict loaded: %v", err)
	}
	if math.Abs(want-got) > 1e-12 {
		t.Errorf("round-trip changed prediction: %v vs %v", want, got)
	}
}

func TestLoadRejectsWrongDimension(t *testing.T) {
	dir := t.TempDir()
	if err := linearArtifact(4).Save(dir, 1); err != nil {
		t.Fatalf("Save: %v", err)
	}
	_, err := Load(dir, 1, 8)
	if !errors.Is(err, core.ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestReadRejectsForeignFile(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("definitely not a model artifact")), 0)
	if err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestLinearPredictIsLogistic(t *testing.T) {
	a := &Artifact{
		Dim:          2,
		Kind:         KindLinear,
		Standardizer: Standardizer{Mean: []float64{0, 0}, Scale: []float64{1, 1}},
		Linear:       &LinearModel{Weights: []float64{1, 1}, Bias: 0},
	}

	// Zero margin must land exactly at 0.5.
	score, err := a.Predict([]float32{0, 0})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if math.Abs(score-0.5) > 1e-12 {
		t.Errorf("zero margin score = %v, want 0.5", score)
	}

	// Large margins saturate inside [0,1].
	high, _ := a.Predict([]float32{100, 100})
	low, _ := a.Predict([]float32{-100, -100})
	if high <= 0.99 || high > 1 {
		t.Errorf("high score = %v", high)
	}
	if low >= 0.01 || low < 0 {
		t.Errorf("low score = %v", low)
	}
}

func TestTreeEnsemblePredict(t *testing.T) {
	// One stump: feature 0 <= 0 -> -2, else +2.
	a := &Artifact{
		Dim:          1,
		Kind:         KindTrees,
		Standardizer: Standardizer{Mean: []float64{0}, Scale: []float64{1}},
		Trees: &TreeEnsemble{
			LearningRate: 1,
			BaseScore:    0,
			Trees: []Tree{{Nodes: []TreeNode{
				{Feature: 0, Threshold: 0, Left: 1, Right: 2},
				{Feature: -1, Value: -2},
				{Feature: -1, Value: 2},
			}}},
		},
	}

	low, err := a.Predict([]float32{-1})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	high, err := a.Predict([]float32{1})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if low >= 0.5 {
		t.Errorf("left leaf score = %v, want < 0.5", low)
	}
	if high <= 0.5 {
		t.Errorf("right leaf score = %v, want > 0.5", high)
	}
}

func TestStandardizerApply(t *testing.T) {
	s := Standardizer{Mean: []float64{1, 10}, Scale: []float64{2, 0}}
	got := s.Apply([]float32{3, 12})
	if got[0] != 1 {
		t.Errorf("scaled feature = %v, want 1", got[0])
	}
	if got[1] != 2 {
		t.Errorf("zero-scale feature = %v, want centered value 2", got[1])
	}
}

// --- scorer ---

type fakeScoreStorage struct {
	models     []core.Model
	channels   []core.Channel
	candidates []store.ScoringCandidate
	upserted   []core.PredictedScore
	served     bool
}

func (f *fakeScoreStorage) ActiveModels(_ context.Context) ([]core.Model, error) {
	return f.models, nil
}

func (f *fakeScoreStorage) ArticlesMissingScore(_ context.Context, _ int64, _ int, _ bool, _ int64) ([]store.ScoringCandidate, error) {
	if f.served {
		return nil, nil
	}
	f.served = true
	return f.candidates, nil
}

func (f *fakeScoreStorage) UpsertScores(_ context.Context, scores []core.PredictedScore) error {
	f.upserted = append(f.upserted, scores...)
	return nil
}

func (f *fakeScoreStorage) ActiveChannelsForModel(_ context.Context, _ int64) ([]core.Channel, error) {
	return f.channels, nil
}

type fakeQueue struct {
	enqueued map[[2]int64]bool
}

func (f *fakeQueue) Enqueue(_ context.Context, articleID, channelID int64) (bool, error) {
	if f.enqueued == nil {
		f.enqueued = make(map[[2]int64]bool)
	}
	key := [2]int64{articleID, channelID}
	if f.enqueued[key] {
		return false, nil
	}
	f.enqueued[key] = true
	return true, nil
}

func TestScorerEnqueuesAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	// Weight 10 on a single standardized feature: positive values score high,
	// negative ones low.
	a := &Artifact{
		Dim:          1,
		Kind:         KindLinear,
		Standardizer: Standardizer{Mean: []float64{0}, Scale: []float64{1}},
		Linear:       &LinearModel{Weights: []float64{10}, Bias: 0},
	}
	if err := a.Save(dir, 1); err != nil {
		t.Fatalf("Save: %v", err)
	}

	storage := &fakeScoreStorage{
		models:   []core.Model{{ID: 1, Name: "main", IsActive: true}},
		channels: []core.Channel{{ID: 5, ScoreThreshold: 0.7, ModelID: 1, IsActive: true}},
		candidates: []store.ScoringCandidate{
			{ArticleID: 100, Vector: []float32{1}},  // scores ~1
			{ArticleID: 101, Vector: []float32{-1}}, // scores ~0
		},
	}
	queue := &fakeQueue{}

	stats, err := NewScorer(storage, queue, dir, 1, 10).Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Scored != 2 {
		t.Errorf("scored %d, want 2", stats.Scored)
	}
	if stats.Enqueued != 1 {
		t.Errorf("enqueued %d, want 1", stats.Enqueued)
	}
	if !queue.enqueued[[2]int64{100, 5}] {
		t.Error("high-scoring article not enqueued")
	}
	if queue.enqueued[[2]int64{101, 5}] {
		t.Error("low-scoring article should not be enqueued")
	}
	if len(storage.upserted) != 2 {
		t.Errorf("upserted %d scores, want 2", len(storage.upserted))
	}
}
