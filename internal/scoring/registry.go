package scoring

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/mirador-twin/internal/utils"
	"github.com/miradorstack/mirador-twin/pkg/cache"
)

// Stage represents the lifecycle state of a registered model version.
type Stage string

const (
	StageDraft      Stage = "draft"
	StageTesting    Stage = "testing"
	StageStaging    Stage = "staging"
	StageProduction Stage = "production"
	StageArchived   Stage = "archived"
)

var validTransitions = map[Stage][]Stage{
	StageDraft:      {StageTesting, StageArchived},
	StageTesting:    {StageStaging, StageDraft, StageArchived},
	StageStaging:    {StageProduction, StageTesting, StageArchived},
	StageProduction: {StageArchived},
	StageArchived:   {StageTesting},
}

// ModelVersion is the metadata stored next to each artifact.
type ModelVersion struct {
	ModelID     string    `json:"model_id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	Stage       Stage     `json:"status"`
	FilePath    string    `json:"file_path"`
	FileHash    string    `json:"file_hash"`
	FileSize    int64     `json:"file_size"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Registry is a directory of versioned centroid artifacts with lifecycle stages.
// The directory is re-read on every cache miss, so promotions made by other processes
// become visible once the cached entry expires.
type Registry struct {
	dir    string
	ttl    time.Duration
	logger *slog.Logger
	cache  *cache.TTLCache[*CentroidModel]
	now    func() time.Time
	mu     sync.Mutex
}

// NewRegistry opens (or creates) a registry rooted at dir.
func NewRegistry(dir string, ttl time.Duration, logger *slog.Logger) (*Registry, error) {
	if dir == "" {
		return nil, errors.New("model registry path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:    dir,
		ttl:    ttl,
		logger: logger,
		cache:  cache.NewTTLCache[*CentroidModel](),
		now:    time.Now,
	}, nil
}

// Register stores a new draft version of name. The artifact must decode as a CentroidModel.
func (r *Registry) Register(_ context.Context, name, version string, artifact io.Reader) (ModelVersion, error) {
	if name == "" || version == "" {
		return ModelVersion{}, errors.New("model name and version are required")
	}
	data, err := io.ReadAll(artifact)
	if err != nil {
		return ModelVersion{}, fmt.Errorf("read artifact: %w", err)
	}
	if _, err := LoadCentroidModel(bytes.NewReader(data)); err != nil {
		return ModelVersion{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := modelID(name, version)
	if _, err := os.Stat(r.metadataPath(id)); err == nil {
		return ModelVersion{}, fmt.Errorf("model %s version %s already registered", name, version)
	}

	sum := sha256.Sum256(data)
	now := r.now().UTC()
	mv := ModelVersion{
		ModelID:   id,
		Name:      name,
		Version:   version,
		Framework: "centroid",
		Stage:     StageDraft,
		FilePath:  id + ".model",
		FileHash:  hex.EncodeToString(sum[:]),
		FileSize:  int64(len(data)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := os.WriteFile(filepath.Join(r.dir, mv.FilePath), data, 0o644); err != nil {
		return ModelVersion{}, fmt.Errorf("write artifact: %w", err)
	}
	if err := r.saveMetadata(mv); err != nil {
		return ModelVersion{}, err
	}
	r.logger.Info("model registered", slog.String("model", name), slog.String("version", version), slog.String("model_id", id))
	return mv, nil
}

// Promote moves a version to a new stage and invalidates cached resolutions.
func (r *Registry) Promote(_ context.Context, modelID string, to Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mv, err := r.loadMetadata(modelID)
	if err != nil {
		return err
	}
	if !isValidTransition(mv.Stage, to) {
		return fmt.Errorf("invalid stage transition: %s -> %s", mv.Stage, to)
	}
	from := mv.Stage
	mv.Stage = to
	mv.UpdatedAt = r.now().UTC()
	if err := r.saveMetadata(mv); err != nil {
		return err
	}
	r.cache.Purge()
	r.logger.Info("model promoted",
		slog.String("model", mv.Name),
		slog.String("version", mv.Version),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return nil
}

// Versions lists every version of name, newest first. An empty name lists all versions.
func (r *Registry) Versions(name string) ([]ModelVersion, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var out []ModelVersion
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		mv, err := r.loadMetadata(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			r.logger.Warn("skipping unreadable model metadata", slog.String("file", entry.Name()), slog.Any("error", err))
			continue
		}
		if name == "" || mv.Name == name {
			out = append(out, mv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

// Resolve returns the newest version of name in stage, verified against its recorded hash.
func (r *Registry) Resolve(_ context.Context, name string, stage Stage) (*CentroidModel, error) {
	key := name + "@" + string(stage)
	if m, ok := r.cache.Get(key); ok {
		return m, nil
	}

	versions, err := r.Versions(name)
	if err != nil {
		return nil, utils.NewAppError("scoring.resolve", name, errors.Join(utils.ErrModelUnavailable, err))
	}
	for _, mv := range versions {
		if mv.Stage != stage {
			continue
		}
		m, err := r.load(mv)
		if err != nil {
			return nil, utils.NewAppError("scoring.resolve", fmt.Sprintf("%s version %s", name, mv.Version), errors.Join(utils.ErrModelUnavailable, err))
		}
		r.cache.Set(key, m, r.ttl)
		r.logger.Info("model resolved",
			slog.String("model", name),
			slog.String("stage", string(stage)),
			slog.String("version", mv.Version))
		return m, nil
	}
	return nil, utils.NewAppError("scoring.resolve", fmt.Sprintf("no %s version of %s", stage, name), utils.ErrModelUnavailable)
}

func (r *Registry) load(mv ModelVersion) (*CentroidModel, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, filepath.Base(mv.FilePath)))
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != mv.FileHash {
		return nil, fmt.Errorf("artifact hash mismatch: recorded %s, found %s", mv.FileHash, got)
	}
	return LoadCentroidModel(bytes.NewReader(data))
}

func (r *Registry) metadataPath(id string) string {
	return filepath.Join(r.dir, id+".json")
}

func (r *Registry) loadMetadata(id string) (ModelVersion, error) {
	data, err := os.ReadFile(r.metadataPath(id))
	if err != nil {
		return ModelVersion{}, fmt.Errorf("read model metadata %s: %w", id, err)
	}
	var mv ModelVersion
	if err := json.Unmarshal(data, &mv); err != nil {
		return ModelVersion{}, fmt.Errorf("decode model metadata %s: %w", id, err)
	}
	return mv, nil
}

func (r *Registry) saveMetadata(mv ModelVersion) error {
	data, err := json.MarshalIndent(mv, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tmp := r.metadataPath(mv.ModelID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return os.Rename(tmp, r.metadataPath(mv.ModelID))
}

func modelID(name, version string) string {
	sum := sha256.Sum256([]byte(name + "\x00" + version))
	return hex.EncodeToString(sum[:])[:16]
}

func isValidTransition(from, to Stage) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RegistryModel resolves (name, stage) through the registry on every call.
// Incoming vectors follow fields; they are rearranged into the resolved artifact's
// feature order before prediction.
type RegistryModel struct {
	registry *Registry
	name     string
	stage    Stage
	fields   []string
}

// NewRegistryModel returns a Model bound to name at stage, fed vectors ordered by fields.
func NewRegistryModel(registry *Registry, name string, stage Stage, fields []string) *RegistryModel {
	return &RegistryModel{registry: registry, name: name, stage: stage, fields: append([]string(nil), fields...)}
}

func (m *RegistryModel) Predict(ctx context.Context, features []float64) (string, error) {
	model, err := m.registry.Resolve(ctx, m.name, m.stage)
	if err != nil {
		return "", err
	}
	aligned, err := alignFeatures(m.fields, model.Features(), features)
	if err != nil {
		return "", utils.NewAppError("scoring.predict", fmt.Sprintf("%s@%s", m.name, m.stage), errors.Join(utils.ErrModelUnavailable, err))
	}
	return model.Predict(ctx, aligned)
}

// alignFeatures reorders values (ordered by have) into the order want expects.
// An empty have means the caller already uses the model's order.
func alignFeatures(have, want []string, values []float64) ([]float64, error) {
	if len(have) == 0 {
		return values, nil
	}
	if len(values) != len(have) {
		return nil, fmt.Errorf("got %d values for %d fields", len(values), len(have))
	}
	positions := make(map[string]int, len(have))
	for i, name := range have {
		positions[name] = i
	}
	out := make([]float64, len(want))
	for i, name := range want {
		idx, ok := positions[name]
		if !ok {
			return nil, fmt.Errorf("model feature %q is not in the record schema %v", name, have)
		}
		out[i] = values[idx]
	}
	return out, nil
}
