package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-twin/internal/metrics"
	"github.com/miradorstack/mirador-twin/internal/models"
	"github.com/miradorstack/mirador-twin/internal/scoring"
	"github.com/miradorstack/mirador-twin/internal/tracing"
	"github.com/miradorstack/mirador-twin/internal/utils"
)

// Source yields micro-batches and owns the processing checkpoint. Every Poll must be
// followed by exactly one Commit or Discard.
type Source interface {
	Poll(ctx context.Context) (models.Batch, error)
	Commit(ctx context.Context) error
	Discard(ctx context.Context) error
	Close() error
}

// BatchReport summarises one micro-batch.
type BatchReport struct {
	BatchID   string
	Records   int
	Malformed int
	Upserted  int
	Unknown   int
	Labels    map[models.Label]int
	Duration  time.Duration
}

// Pipeline runs one micro-batch: poll, score, reconcile, commit.
type Pipeline struct {
	logger     *slog.Logger
	source     Source
	scorer     scoring.Scorer
	reconciler *Reconciler
	workers    int
	now        func() time.Time
}

// NewPipeline wires a source, scorer, and reconciler. workers bounds parallel scoring.
func NewPipeline(logger *slog.Logger, source Source, scorer scoring.Scorer, reconciler *Reconciler, workers int) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Pipeline{
		logger:     logger,
		source:     source,
		scorer:     scorer,
		reconciler: reconciler,
		workers:    workers,
		now:        time.Now,
	}
}

// RunBatch processes one micro-batch against dir. The checkpoint advances only when every
// record was scored and every reconcile attempted; otherwise the batch is discarded and
// replayed by the next trigger.
func (p *Pipeline) RunBatch(ctx context.Context, dir *Directory) (BatchReport, error) {
	start := p.now()
	report := BatchReport{BatchID: uuid.NewString(), Labels: make(map[models.Label]int)}

	ctx, span := tracing.Tracer().Start(ctx, "batch")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", report.BatchID))
	logger := p.logger.With(slog.String("batch_id", report.BatchID))

	fail := func(stage string, err error) (BatchReport, error) {
		if dErr := p.source.Discard(context.WithoutCancel(ctx)); dErr != nil {
			logger.Error("discarding batch failed", slog.Any("error", dErr))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		report.Duration = p.now().Sub(start)
		metrics.ObserveBatch(report.Duration, metrics.OutcomeError)
		return report, fmt.Errorf("%s: %w", stage, err)
	}

	batch, err := p.source.Poll(ctx)
	if err != nil {
		return fail("poll", err)
	}
	batch.ID = report.BatchID
	report.Records = len(batch.Records)
	report.Malformed = batch.Malformed
	span.SetAttributes(attribute.Int("batch.records", report.Records))

	predictions, rejected, err := p.score(ctx, batch.Records)
	if err != nil {
		return fail("score", err)
	}
	report.Malformed += rejected

	for _, pred := range predictions {
		if err := ctx.Err(); err != nil {
			return fail("reconcile", err)
		}
		report.Labels[pred.Label]++
		if _, err := p.reconciler.Apply(ctx, dir, pred.SourceID, pred.Label); err != nil {
			if utils.IsRecordLevel(err) {
				if errors.Is(err, utils.ErrUnknownEntity) {
					report.Unknown++
				} else {
					report.Malformed++
				}
				continue
			}
			return fail("reconcile", err)
		}
		report.Upserted++
	}

	if err := p.source.Commit(ctx); err != nil {
		return fail("commit", err)
	}

	report.Duration = p.now().Sub(start)
	metrics.ObserveBatch(report.Duration, metrics.OutcomeSuccess)
	metrics.AddRecords(metrics.ResultMalformed, report.Malformed)
	metrics.AddRecords(metrics.ResultUnknown, report.Unknown)
	metrics.AddRecords(metrics.ResultUpserted, report.Upserted)
	for label, n := range report.Labels {
		metrics.AddPredictions(string(label), n)
	}

	if report.Records > 0 || report.Malformed > 0 {
		logger.Info("batch committed",
			slog.Int("records", report.Records),
			slog.Int("malformed", report.Malformed),
			slog.Int("upserted", report.Upserted),
			slog.Int("unknown", report.Unknown),
			slog.Int("fault_predicted", report.Labels[models.LabelFaultPredicted]),
			slog.Duration("duration", report.Duration))
	}
	return report, nil
}

// score labels records in parallel. Predictions keep record order; records the model
// rejects individually are dropped and counted.
func (p *Pipeline) score(ctx context.Context, records []models.FeatureRecord) ([]models.Prediction, int, error) {
	predictions := make([]models.Prediction, len(records))
	rejected := make([]bool, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, rec := range records {
		g.Go(func() error {
			label, raw, err := p.scorer.Score(gctx, rec.Vector())
			if utils.IsRecordLevel(err) {
				p.logger.Warn("model rejected record",
					slog.String("origin", rec.Origin),
					slog.Int64("offset", rec.Offset),
					slog.Any("error", err))
				rejected[i] = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("record %s@%d: %w", rec.Origin, rec.Offset, err)
			}
			predictions[i] = models.Prediction{SourceID: rec.SourceID, Label: label, RawLabel: raw, Record: rec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	kept := predictions[:0]
	var dropped int
	for i, pred := range predictions {
		if rejected[i] {
			dropped++
			continue
		}
		kept = append(kept, pred)
	}
	return kept, dropped, nil
}
