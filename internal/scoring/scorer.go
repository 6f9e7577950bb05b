// Package scoring classifies feature vectors into health labels.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-twin/internal/models"
	"github.com/miradorstack/mirador-twin/internal/utils"
)

// Model is a pretrained classifier returning its raw class name.
type Model interface {
	Predict(ctx context.Context, features []float64) (string, error)
}

// Scorer maps a feature vector to a label. It also returns the model's raw label,
// which is empty when the fallback label was used.
type Scorer interface {
	Score(ctx context.Context, features []float64) (models.Label, string, error)
}

// LabelScorer reduces a Model's class names to NORMAL or FAULT_PREDICTED.
type LabelScorer struct {
	model          Model
	width          int
	normalPrefixes []string
	fallback       models.Label
}

// NewLabelScorer wraps model. width is the expected vector length; zero disables the check.
func NewLabelScorer(model Model, width int, normalPrefixes []string, fallback models.Label) *LabelScorer {
	if fallback == "" {
		fallback = models.LabelNormal
	}
	if len(normalPrefixes) == 0 {
		normalPrefixes = []string{"Normal"}
	}
	return &LabelScorer{
		model:          model,
		width:          width,
		normalPrefixes: append([]string(nil), normalPrefixes...),
		fallback:       fallback,
	}
}

// Score returns the fallback label without consulting the model when features are incomplete.
// Record-level model rejections pass through unwrapped; every other model error is ErrModelUnavailable.
func (s *LabelScorer) Score(ctx context.Context, features []float64) (models.Label, string, error) {
	if !s.complete(features) {
		return s.fallback, "", nil
	}
	raw, err := s.model.Predict(ctx, features)
	if err != nil {
		if errors.Is(err, utils.ErrModelUnavailable) || utils.IsRecordLevel(err) {
			return "", "", err
		}
		return "", "", fmt.Errorf("%w: %w", utils.ErrModelUnavailable, err)
	}
	if raw == "" {
		return "", "", utils.NewAppError("scoring.score", "model returned an empty label", utils.ErrModelUnavailable)
	}
	return s.labelFor(raw), raw, nil
}

func (s *LabelScorer) complete(features []float64) bool {
	if len(features) == 0 || (s.width > 0 && len(features) != s.width) {
		return false
	}
	for _, v := range features {
		if models.IsMissing(v) {
			return false
		}
	}
	return true
}

func (s *LabelScorer) labelFor(raw string) models.Label {
	for _, prefix := range s.normalPrefixes {
		if strings.HasPrefix(raw, prefix) {
			return models.LabelNormal
		}
	}
	return models.LabelFaultPredicted
}
