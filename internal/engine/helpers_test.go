package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/miradorstack/mirador-twin/internal/models"
	"github.com/miradorstack/mirador-twin/internal/repo"
	"github.com/miradorstack/mirador-twin/internal/utils"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource replays queued batches; a discarded batch is served again by the next poll.
type fakeSource struct {
	mu        sync.Mutex
	queue     []models.Batch
	inFlight  bool
	fromQueue bool
	pollErr   error
	commitErr error
	polls     int
	commits   int
	discards  int
}

func (f *fakeSource) Poll(context.Context) (models.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return models.Batch{}, f.pollErr
	}
	if f.inFlight {
		return models.Batch{}, errors.New("unsettled batch")
	}
	f.inFlight = true
	if len(f.queue) == 0 {
		f.fromQueue = false
		return models.Batch{}, nil
	}
	f.fromQueue = true
	return f.queue[0], nil
}

func (f *fakeSource) Commit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	if f.fromQueue {
		f.queue = f.queue[1:]
	}
	f.inFlight = false
	f.commits++
	return nil
}

func (f *fakeSource) Discard(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight = false
	f.discards++
	return nil
}

func (f *fakeSource) Close() error { return nil }

type scorerFunc func(ctx context.Context, features []float64) (models.Label, string, error)

func (f scorerFunc) Score(ctx context.Context, features []float64) (models.Label, string, error) {
	return f(ctx, features)
}

// thresholdScorer flags any record whose first feature exceeds 0.5.
var thresholdScorer = scorerFunc(func(_ context.Context, features []float64) (models.Label, string, error) {
	if features[0] > 0.5 {
		return models.LabelFaultPredicted, "Ball_007_1", nil
	}
	return models.LabelNormal, "Normal_1", nil
})

// flakyStore fails the next failUpserts upserts with a transient error.
type flakyStore struct {
	*repo.MemoryStore
	mu          sync.Mutex
	failUpserts int
	attempts    int
}

func (f *flakyStore) UpsertEntity(ctx context.Context, id string, tree models.Tree) (models.Ack, error) {
	f.mu.Lock()
	f.attempts++
	if f.failUpserts > 0 {
		f.failUpserts--
		f.mu.Unlock()
		return models.Ack{}, utils.NewAppError("repo.upsert", id, utils.ErrTransientStore)
	}
	f.mu.Unlock()
	return f.MemoryStore.UpsertEntity(ctx, id, tree)
}

func stationTwin(id string) models.Tree {
	return models.Tree{
		"$dtId":     id,
		"$metadata": map[string]any{"$model": "dtmi:digitaltwins:mixing:Station;1"},
		"Line":      "Munich-1",
		"BallBearings": map[string]any{
			"$metadata": map[string]any{"faultPredicted": map[string]any{"lastUpdateTime": "2026-01-01T00:00:00Z"}},
			"vendor":    "SKF",
		},
	}
}

func stationTwins(ids ...string) map[string]models.Tree {
	out := make(map[string]models.Tree, len(ids))
	for _, id := range ids {
		out[id] = stationTwin(id)
	}
	return out
}

func record(sourceID string, offset int64, first float64) models.FeatureRecord {
	features := make([]models.Feature, 9)
	for i := range features {
		features[i] = models.Feature{Name: "f", Value: 1}
	}
	features[0].Value = first
	return models.FeatureRecord{SourceID: sourceID, Features: features, Origin: "upload.csv", Offset: offset}
}
