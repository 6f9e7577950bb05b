package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/miradorstack/mirador-twin/internal/models"
	"github.com/miradorstack/mirador-twin/internal/utils"
)

var vibrationFeatures = []string{"max", "min", "mean", "sd", "rms", "skewness", "kurtosis", "crest", "form"}

var (
	normalSample = []float64{0.31, -0.29, 0.012, 0.072, 0.073, 0.01, 2.9, 4.2, 1.25}
	ballSample   = []float64{0.88, -0.91, 0.011, 0.24, 0.25, 0.11, 6.1, 3.6, 1.31}
)

func vibrationArtifact() CentroidArtifact {
	return CentroidArtifact{
		Name:     "vibration_fault_detection",
		Features: vibrationFeatures,
		Scale: CentroidScale{
			Mean: []float64{0.6, -0.6, 0.01, 0.16, 0.16, 0.05, 4.5, 3.9, 1.28},
			Std:  []float64{0.3, 0.3, 0.005, 0.09, 0.09, 0.05, 1.5, 0.3, 0.03},
		},
		Classes: []CentroidClass{
			{Label: "Normal_1", Centroid: []float64{0.3, -0.3, 0.01, 0.07, 0.07, 0.0, 3.0, 4.2, 1.25}},
			{Label: "Ball_007_1", Centroid: []float64{0.9, -0.9, 0.01, 0.25, 0.25, 0.1, 6.0, 3.6, 1.31}},
		},
	}
}

func artifactBytes(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(vibrationArtifact())
	if err != nil {
		t.Fatalf("marshal artifact: %v", err)
	}
	return data
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeModel struct {
	label string
	err   error
	calls int
}

func (f *fakeModel) Predict(_ context.Context, _ []float64) (string, error) {
	f.calls++
	return f.label, f.err
}

func TestCentroidModelSeparatesClasses(t *testing.T) {
	m, err := NewCentroidModel(vibrationArtifact())
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	got, err := m.Predict(context.Background(), normalSample)
	if err != nil || got != "Normal_1" {
		t.Fatalf("expected Normal_1, got %q (%v)", got, err)
	}
	got, err = m.Predict(context.Background(), ballSample)
	if err != nil || got != "Ball_007_1" {
		t.Fatalf("expected Ball_007_1, got %q (%v)", got, err)
	}
	if _, err := m.Predict(context.Background(), []float64{1, 2}); err == nil {
		t.Fatalf("expected width error")
	}
}

func TestNewCentroidModelValidates(t *testing.T) {
	a := vibrationArtifact()
	a.Classes[1].Centroid = a.Classes[1].Centroid[:3]
	if _, err := NewCentroidModel(a); err == nil {
		t.Fatalf("expected dimension error")
	}
	if _, err := LoadCentroidModel(bytes.NewBufferString("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestLabelScorerMapsPrefixes(t *testing.T) {
	cases := []struct {
		raw  string
		want models.Label
	}{
		{"Normal_1", models.LabelNormal},
		{"Normal", models.LabelNormal},
		{"Ball_007_1", models.LabelFaultPredicted},
		{"IR_021_3", models.LabelFaultPredicted},
		{"normal_lowercase", models.LabelFaultPredicted},
	}
	for _, tc := range cases {
		model := &fakeModel{label: tc.raw}
		s := NewLabelScorer(model, 9, []string{"Normal"}, models.LabelNormal)
		got, raw, err := s.Score(context.Background(), normalSample)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.raw, err)
		}
		if got != tc.want || raw != tc.raw {
			t.Fatalf("%s: got %s/%s, want %s", tc.raw, got, raw, tc.want)
		}
	}
}

func TestLabelScorerFallsBackOnMissingFeatures(t *testing.T) {
	model := &fakeModel{label: "Ball_007_1"}
	s := NewLabelScorer(model, 9, nil, models.LabelNormal)

	withNaN := append([]float64(nil), normalSample...)
	withNaN[3] = math.NaN()
	for _, features := range [][]float64{withNaN, normalSample[:4], nil} {
		got, raw, err := s.Score(context.Background(), features)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != models.LabelNormal || raw != "" {
			t.Fatalf("expected fallback NORMAL, got %s/%q", got, raw)
		}
	}
	if model.calls != 0 {
		t.Fatalf("model must not be consulted for incomplete vectors, calls=%d", model.calls)
	}
}

func TestLabelScorerWrapsModelErrors(t *testing.T) {
	s := NewLabelScorer(&fakeModel{err: errors.New("connection refused")}, 9, nil, models.LabelNormal)
	_, _, err := s.Score(context.Background(), normalSample)
	if !errors.Is(err, utils.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}

	s = NewLabelScorer(&fakeModel{}, 9, nil, models.LabelNormal)
	if _, _, err := s.Score(context.Background(), normalSample); !errors.Is(err, utils.ErrModelUnavailable) {
		t.Fatalf("expected empty label to be ErrModelUnavailable, got %v", err)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg, err := NewRegistry(dir, time.Minute, quietLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if _, err := reg.Resolve(ctx, "vibration_fault_detection", StageProduction); !errors.Is(err, utils.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable before registration, got %v", err)
	}

	mv, err := reg.Register(ctx, "vibration_fault_detection", "1", bytes.NewReader(artifactBytes(t)))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if mv.Stage != StageDraft {
		t.Fatalf("expected draft stage, got %s", mv.Stage)
	}
	if _, err := reg.Register(ctx, "vibration_fault_detection", "1", bytes.NewReader(artifactBytes(t))); err == nil {
		t.Fatalf("expected duplicate version to be rejected")
	}

	if err := reg.Promote(ctx, mv.ModelID, StageProduction); err == nil {
		t.Fatalf("expected draft -> production to be rejected")
	}
	for _, stage := range []Stage{StageTesting, StageStaging, StageProduction} {
		if err := reg.Promote(ctx, mv.ModelID, stage); err != nil {
			t.Fatalf("promote to %s: %v", stage, err)
		}
	}

	m, err := reg.Resolve(ctx, "vibration_fault_detection", StageProduction)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if diff := cmp.Diff(vibrationFeatures, m.Features()); diff != "" {
		t.Fatalf("features mismatch (-want +got):\n%s", diff)
	}

	model := NewRegistryModel(reg, "vibration_fault_detection", StageProduction, vibrationFeatures)
	if got, err := model.Predict(ctx, ballSample); err != nil || got != "Ball_007_1" {
		t.Fatalf("expected Ball_007_1, got %q (%v)", got, err)
	}
}

func TestRegistryPicksNewestVersionInStage(t *testing.T) {
	ctx := context.Background()
	reg, err := NewRegistry(t.TempDir(), time.Minute, quietLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return clock }

	promote := func(id string) {
		t.Helper()
		for _, stage := range []Stage{StageTesting, StageStaging, StageProduction} {
			if err := reg.Promote(ctx, id, stage); err != nil {
				t.Fatalf("promote %s to %s: %v", id, stage, err)
			}
		}
	}

	v1, err := reg.Register(ctx, "vib", "1", bytes.NewReader(artifactBytes(t)))
	if err != nil {
		t.Fatalf("register v1: %v", err)
	}
	promote(v1.ModelID)

	a := vibrationArtifact()
	a.Name = "v2"
	data, _ := json.Marshal(a)
	clock = clock.Add(time.Hour)
	v2, err := reg.Register(ctx, "vib", "2", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("register v2: %v", err)
	}
	promote(v2.ModelID)

	m, err := reg.Resolve(ctx, "vib", StageProduction)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.Name() != "v2" {
		t.Fatalf("expected newest production version, got %s", m.Name())
	}
}

func TestRegistryRejectsTamperedArtifact(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg, err := NewRegistry(dir, time.Minute, quietLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	mv, err := reg.Register(ctx, "vib", "1", bytes.NewReader(artifactBytes(t)))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, stage := range []Stage{StageTesting, StageStaging, StageProduction} {
		if err := reg.Promote(ctx, mv.ModelID, stage); err != nil {
			t.Fatalf("promote: %v", err)
		}
	}

	a := vibrationArtifact()
	a.Classes[0].Label = "Tampered"
	data, _ := json.Marshal(a)
	if err := os.WriteFile(filepath.Join(dir, mv.FilePath), data, 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := reg.Resolve(ctx, "vib", StageProduction); !errors.Is(err, utils.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable on hash mismatch, got %v", err)
	}
}

func reversed[T any](in []T) []T {
	out := make([]T, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

func productionRegistry(t *testing.T, a CentroidArtifact) *Registry {
	t.Helper()
	ctx := context.Background()
	reg, err := NewRegistry(t.TempDir(), time.Minute, quietLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal artifact: %v", err)
	}
	mv, err := reg.Register(ctx, "vib", "1", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, stage := range []Stage{StageTesting, StageStaging, StageProduction} {
		if err := reg.Promote(ctx, mv.ModelID, stage); err != nil {
			t.Fatalf("promote to %s: %v", stage, err)
		}
	}
	return reg
}

func TestRegistryModelAlignsFeatureOrder(t *testing.T) {
	a := vibrationArtifact()
	a.Features = reversed(a.Features)
	a.Scale.Mean = reversed(a.Scale.Mean)
	a.Scale.Std = reversed(a.Scale.Std)
	for i := range a.Classes {
		a.Classes[i].Centroid = reversed(a.Classes[i].Centroid)
	}
	model := NewRegistryModel(productionRegistry(t, a), "vib", StageProduction, vibrationFeatures)

	got, err := model.Predict(context.Background(), ballSample)
	if err != nil || got != "Ball_007_1" {
		t.Fatalf("expected Ball_007_1 for a schema-ordered ball vector, got %q (%v)", got, err)
	}
	got, err = model.Predict(context.Background(), normalSample)
	if err != nil || got != "Normal_1" {
		t.Fatalf("expected Normal_1, got %q (%v)", got, err)
	}
}

func TestRegistryModelRejectsForeignFeatures(t *testing.T) {
	a := vibrationArtifact()
	a.Features = append([]string(nil), a.Features...)
	a.Features[8] = "peak_to_peak"
	model := NewRegistryModel(productionRegistry(t, a), "vib", StageProduction, vibrationFeatures)

	if _, err := model.Predict(context.Background(), normalSample); !errors.Is(err, utils.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable for a model trained on other features, got %v", err)
	}
}

func TestLabelScorerPassesRecordRejections(t *testing.T) {
	rejection := utils.NewAppError("scoring.remote", "status 400", utils.ErrMalformedRecord)
	s := NewLabelScorer(&fakeModel{err: rejection}, 9, nil, models.LabelNormal)

	_, _, err := s.Score(context.Background(), normalSample)
	if !errors.Is(err, utils.ErrMalformedRecord) || errors.Is(err, utils.ErrModelUnavailable) {
		t.Fatalf("expected a record-level rejection, got %v", err)
	}
}
