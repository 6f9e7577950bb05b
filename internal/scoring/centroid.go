package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

// CentroidArtifact is the serialized form of a nearest-centroid classifier.
// Centroids are expressed in raw feature units and standardized with Scale at load time.
type CentroidArtifact struct {
	Name     string          `json:"name"`
	Features []string        `json:"features"`
	Scale    CentroidScale   `json:"scale"`
	Classes  []CentroidClass `json:"classes"`
}

// CentroidScale holds per-feature standardization parameters.
type CentroidScale struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// CentroidClass is one labelled class centre.
type CentroidClass struct {
	Label    string    `json:"label"`
	Centroid []float64 `json:"centroid"`
}

// CentroidModel classifies by smallest standardized Euclidean distance.
type CentroidModel struct {
	name      string
	features  []string
	mean      []float64
	std       []float64
	labels    []string
	centroids [][]float64
}

// LoadCentroidModel decodes and validates an artifact.
func LoadCentroidModel(r io.Reader) (*CentroidModel, error) {
	var artifact CentroidArtifact
	if err := json.NewDecoder(r).Decode(&artifact); err != nil {
		return nil, fmt.Errorf("decode centroid artifact: %w", err)
	}
	return NewCentroidModel(artifact)
}

// NewCentroidModel validates artifact dimensions and precomputes standardized centroids.
func NewCentroidModel(artifact CentroidArtifact) (*CentroidModel, error) {
	width := len(artifact.Features)
	if width == 0 {
		return nil, errors.New("centroid artifact lists no features")
	}
	if len(artifact.Classes) == 0 {
		return nil, errors.New("centroid artifact has no classes")
	}

	mean := make([]float64, width)
	std := make([]float64, width)
	for i := range std {
		std[i] = 1
	}
	if len(artifact.Scale.Mean) > 0 {
		if len(artifact.Scale.Mean) != width {
			return nil, fmt.Errorf("scale.mean has %d values, want %d", len(artifact.Scale.Mean), width)
		}
		copy(mean, artifact.Scale.Mean)
	}
	if len(artifact.Scale.Std) > 0 {
		if len(artifact.Scale.Std) != width {
			return nil, fmt.Errorf("scale.std has %d values, want %d", len(artifact.Scale.Std), width)
		}
		for i, s := range artifact.Scale.Std {
			if s > 0 {
				std[i] = s
			}
		}
	}

	m := &CentroidModel{
		name:     artifact.Name,
		features: append([]string(nil), artifact.Features...),
		mean:     mean,
		std:      std,
	}
	for _, class := range artifact.Classes {
		if class.Label == "" {
			return nil, errors.New("centroid class without label")
		}
		if len(class.Centroid) != width {
			return nil, fmt.Errorf("class %s has %d values, want %d", class.Label, len(class.Centroid), width)
		}
		m.labels = append(m.labels, class.Label)
		m.centroids = append(m.centroids, m.standardize(class.Centroid))
	}
	return m, nil
}

// Features returns the feature names the model was trained on, in order.
func (m *CentroidModel) Features() []string {
	return append([]string(nil), m.features...)
}

// Name returns the artifact name.
func (m *CentroidModel) Name() string { return m.name }

// Predict returns the label of the nearest class centre. Ties resolve to the earlier class.
func (m *CentroidModel) Predict(ctx context.Context, features []float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(features) != len(m.features) {
		return "", fmt.Errorf("model %s expects %d features, got %d", m.name, len(m.features), len(features))
	}
	point := m.standardize(features)

	best, bestDist := -1, math.Inf(1)
	for i, c := range m.centroids {
		var d float64
		for j := range c {
			diff := point[j] - c[j]
			d += diff * diff
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return "", errors.New("no finite distance to any class")
	}
	return m.labels[best], nil
}

func (m *CentroidModel) standardize(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - m.mean[i]) / m.std[i]
	}
	return out
}
