package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/miradorstack/mirador-twin/internal/models"
	"github.com/miradorstack/mirador-twin/internal/tracing"
	"github.com/miradorstack/mirador-twin/internal/utils"
)

// GraphStore is the external twin graph.
type GraphStore interface {
	GetEntity(ctx context.Context, id string) (models.Tree, error)
	UpsertEntity(ctx context.Context, id string, tree models.Tree) (models.Ack, error)
}

// PatchFields names the twin properties written by the reconciler.
type PatchFields struct {
	HealthField string
	Component   string
	FaultField  string
}

// DefaultPatchFields matches the mixing-station twin model.
func DefaultPatchFields() PatchFields {
	return PatchFields{HealthField: "HealthPrediction", Component: "BallBearings", FaultField: "faultPredicted"}
}

// Reconciler turns a label into a merged partial update of one twin.
type Reconciler struct {
	store  GraphStore
	fields PatchFields
	logger *slog.Logger
}

// NewReconciler constructs a Reconciler. Empty field names fall back to DefaultPatchFields.
func NewReconciler(store GraphStore, fields PatchFields, logger *slog.Logger) *Reconciler {
	defaults := DefaultPatchFields()
	if fields.HealthField == "" {
		fields.HealthField = defaults.HealthField
	}
	if fields.Component == "" {
		fields.Component = defaults.Component
	}
	if fields.FaultField == "" {
		fields.FaultField = defaults.FaultField
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, fields: fields, logger: logger}
}

// BuildPatch returns the partial update for label.
func (r *Reconciler) BuildPatch(label models.Label) models.Tree {
	return models.Tree{
		r.fields.HealthField: string(models.HealthFor(label)),
		r.fields.Component: map[string]any{
			r.fields.FaultField: label == models.LabelFaultPredicted,
			"$metadata":         map[string]any{},
		},
	}
}

// Apply merges the patch for label into the twin sourceID and writes it back with one upsert.
// Ids missing from dir return utils.ErrUnknownEntity without touching the store.
func (r *Reconciler) Apply(ctx context.Context, dir *Directory, sourceID string, label models.Label) (models.Ack, error) {
	ctx, span := tracing.Tracer().Start(ctx, "reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("twin.id", sourceID), attribute.String("label", string(label)))

	known, ok := dir.Lookup(sourceID)
	if !ok {
		r.logger.Warn("skipping prediction for unknown twin", slog.String("source_id", sourceID), slog.String("label", string(label)))
		return models.Ack{}, utils.NewAppError("engine.reconcile", sourceID, utils.ErrUnknownEntity)
	}

	current, err := r.store.GetEntity(ctx, sourceID)
	if errors.Is(err, utils.ErrEntityNotFound) {
		current = known
	} else if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get entity")
		return models.Ack{}, fmt.Errorf("read twin %s: %w", sourceID, err)
	}

	merged := models.MergeTree(current, r.BuildPatch(label))
	ack, err := r.store.UpsertEntity(ctx, sourceID, merged)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert entity")
		return models.Ack{}, fmt.Errorf("upsert twin %s: %w", sourceID, err)
	}
	return ack, nil
}
