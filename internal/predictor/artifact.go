// Package predictor loads trained preference models and scores article
// embeddings with them.
package predictor

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"papersorter/internal/core"
)

// Model artifact layout: a fixed header followed by a gob-encoded payload.
// The header is checked before decoding so a foreign or truncated file fails
// fast with a useful message.
var artifactMagic = [4]byte{'P', 'S', 'M', 'A'}

const artifactVersion uint16 = 1

// Predictor kinds stored in the artifact.
const (
	KindLinear = "linear"
	KindTrees  = "trees"
)

// Standardizer rescales raw embedding features to zero mean and unit
// variance using statistics captured at training time.
type Standardizer struct {
	Mean  []float64
	Scale []float64
}

// Apply standardizes a vector. Scale entries of zero pass the centered value
// through unchanged.
func (s *Standardizer) Apply(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		x := float64(v) - s.Mean[i]
		if s.Scale[i] != 0 {
			x /= s.Scale[i]
		}
		out[i] = x
	}
	return out
}

// LinearModel is a logistic-regression predictor.
type LinearModel struct {
	Weights []float64
	Bias    float64
}

// Raw returns the pre-sigmoid margin.
func (m *LinearModel) Raw(features []float64) float64 {
	sum := m.Bias
	for i, w := range m.Weights {
		sum += w * features[i]
	}
	return sum
}

// TreeNode is one node in a regression tree, stored flat. A negative Feature
// marks a leaf; Left and Right index into the same node slice.
type TreeNode struct {
	Feature   int32
	Threshold float64
	Left      int32
	Right     int32
	Value     float64
}

// Tree is a flat-array regression tree rooted at node 0.
type Tree struct {
	Nodes []TreeNode
}

func (t *Tree) eval(features []float64) float64 {
	i := int32(0)
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if features[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// TreeEnsemble is a gradient-boosted predictor: base score plus the scaled
// sum of per-tree outputs, pre-sigmoid.
type TreeEnsemble struct {
	Trees        []Tree
	LearningRate float64
	BaseScore    float64
}

// Raw returns the pre-sigmoid margin.
func (m *TreeEnsemble) Raw(features []float64) float64 {
	sum := m.BaseScore
	for i := range m.Trees {
		sum += m.LearningRate * m.Trees[i].eval(features)
	}
	return sum
}

// Artifact is everything needed to score embeddings with one trained model.
type Artifact struct {
	Dim          int
	Kind         string
	Standardizer Standardizer
	Linear       *LinearModel
	Trees        *TreeEnsemble
}

// Predict returns the preference score in [0,1] for one embedding.
func (a *Artifact) Predict(vec []float32) (float64, error) {
	if len(vec) != a.Dim {
		return 0, fmt.Errorf("%w: embedding has dimension %d, model expects %d",
			core.ErrSchemaMismatch, len(vec), a.Dim)
	}
	features := a.Standardizer.Apply(vec)

	var raw float64
	switch a.Kind {
	case KindLinear:
		raw = a.Linear.Raw(features)
	case KindTrees:
		raw = a.Trees.Raw(features)
	default:
		return 0, fmt.Errorf("unknown predictor kind %q", a.Kind)
	}

	score := 1 / (1 + math.Exp(-raw))
	// Guard against NaN or rounding drift out of range.
	if math.IsNaN(score) || score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}
	return score, nil
}

type artifactHeader struct {
	Magic   [4]byte
	Version uint16
	Dim     uint32
}

// Path returns the artifact file location for a model id.
func Path(modelDir string, modelID int64) string {
	return filepath.Join(modelDir, fmt.Sprintf("model-%d.psm", modelID))
}

// Write serializes the artifact to w.
func (a *Artifact) Write(w io.Writer) error {
	header := artifactHeader{Magic: artifactMagic, Version: artifactVersion, Dim: uint32(a.Dim)}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write artifact header: %w", err)
	}
	if err := gob.NewEncoder(w).Encode(a); err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	return nil
}

// Save writes the artifact to its path under modelDir, atomically via a
// temp-file rename.
func (a *Artifact) Save(modelDir string, modelID int64) error {
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}

	var buf bytes.Buffer
	if err := a.Write(&buf); err != nil {
		return err
	}

	path := Path(modelDir, modelID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// Read parses an artifact from r. expectDim non-zero enforces the store's
// embedding dimension.
func Read(r io.Reader, expectDim int) (*Artifact, error) {
	var header artifactHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("read artifact header: %w", err)
	}
	if header.Magic != artifactMagic {
		return nil, fmt.Errorf("not a model artifact (bad magic %q)", header.Magic[:])
	}
	if header.Version != artifactVersion {
		return nil, fmt.Errorf("unsupported artifact version %d", header.Version)
	}
	if expectDim != 0 && int(header.Dim) != expectDim {
		return nil, fmt.Errorf("%w: artifact dimension %d, store expects %d",
			core.ErrSchemaMismatch, header.Dim, expectDim)
	}

	var a Artifact
	if err := gob.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if a.Dim != int(header.Dim) {
		return nil, fmt.Errorf("artifact header dimension %d disagrees with payload %d", header.Dim, a.Dim)
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Load reads and validates the artifact for a model id.
func Load(modelDir string, modelID int64, expectDim int) (*Artifact, error) {
	f, err := os.Open(Path(modelDir, modelID))
	if err != nil {
		return nil, fmt.Errorf("open artifact for model %d: %w", modelID, err)
	}
	defer f.Close()
	return Read(f, expectDim)
}

func (a *Artifact) validate() error {
	if len(a.Standardizer.Mean) != a.Dim || len(a.Standardizer.Scale) != a.Dim {
		return fmt.Errorf("standardizer length %d/%d disagrees with dimension %d",
			len(a.Standardizer.Mean), len(a.Standardizer.Scale), a.Dim)
	}
	switch a.Kind {
	case KindLinear:
		if a.Linear == nil {
			return fmt.Errorf("linear artifact missing weights")
		}
		if len(a.Linear.Weights) != a.Dim {
			return fmt.Errorf("linear weights length %d disagrees with dimension %d",
				len(a.Linear.Weights), a.Dim)
		}
	case KindTrees:
		if a.Trees == nil || len(a.Trees.Trees) == 0 {
			return fmt.Errorf("tree artifact has no trees")
		}
	default:
		return fmt.Errorf("unknown predictor kind %q", a.Kind)
	}
	return nil
}
