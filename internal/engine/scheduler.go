package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-twin/internal/metrics"
	"github.com/miradorstack/mirador-twin/internal/utils"
)

// State is the scheduler's observable state.
type State int32

const (
	StateWaiting State = iota
	StateProcessing
)

func (s State) String() string {
	if s == StateProcessing {
		return "PROCESSING"
	}
	return "WAITING"
}

// HealthReporter receives serving status changes.
type HealthReporter interface {
	SetServing(serving bool)
}

type batchRunner interface {
	RunBatch(ctx context.Context, dir *Directory) (BatchReport, error)
}

// SchedulerOptions tunes the trigger loop.
type SchedulerOptions struct {
	Interval         time.Duration
	DirectoryRefresh time.Duration
	UnhealthyAfter   int
}

const latencyLogEvery = 20

// Scheduler triggers micro-batches on a fixed interval. Batches never overlap: a trigger
// that fires mid-batch waits for the running batch to finish.
type Scheduler struct {
	runner  batchRunner
	loader  DirectoryLoader
	opts    SchedulerOptions
	health  HealthReporter
	logger  *slog.Logger
	latency *utils.LatencyTracker
	now     func() time.Time

	state atomic.Int32

	mu       sync.Mutex
	dir      *Directory
	failures int
	batches  int
	serving  bool
}

// NewScheduler constructs a Scheduler. health may be nil.
func NewScheduler(pipeline *Pipeline, loader DirectoryLoader, opts SchedulerOptions, health HealthReporter, logger *slog.Logger) *Scheduler {
	return newScheduler(pipeline, loader, opts, health, logger)
}

func newScheduler(runner batchRunner, loader DirectoryLoader, opts SchedulerOptions, health HealthReporter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.UnhealthyAfter <= 0 {
		opts.UnhealthyAfter = 3
	}
	return &Scheduler{
		runner:  runner,
		loader:  loader,
		opts:    opts,
		health:  health,
		logger:  logger,
		latency: utils.NewLatencyTracker(200),
		now:     time.Now,
		serving: true,
	}
}

// State reports whether a batch is in flight.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Run triggers one batch immediately and then one per interval until ctx is cancelled.
// Batch failures are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", slog.Duration("interval", s.opts.Interval))
	_, _ = s.Trigger(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			_, _ = s.Trigger(ctx)
		}
	}
}

// Trigger runs one batch, waiting for any batch already in flight.
func (s *Scheduler) Trigger(ctx context.Context) (BatchReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return BatchReport{}, err
	}

	s.setState(StateProcessing)
	defer s.setState(StateWaiting)

	dir, err := s.directory(ctx)
	if err != nil {
		s.recordFailure(err)
		return BatchReport{}, err
	}

	report, err := s.runner.RunBatch(ctx, dir)
	if err != nil {
		s.recordFailure(err)
		return report, err
	}
	s.recordSuccess(report)
	return report, nil
}

func (s *Scheduler) setState(state State) {
	s.state.Store(int32(state))
	metrics.SetProcessing(state == StateProcessing)
}

// directory returns the current snapshot, refreshing it once it is older than DirectoryRefresh.
// A failed refresh keeps serving the previous snapshot.
func (s *Scheduler) directory(ctx context.Context) (*Directory, error) {
	if s.dir != nil && (s.opts.DirectoryRefresh <= 0 || s.now().Sub(s.dir.LoadedAt()) < s.opts.DirectoryRefresh) {
		return s.dir, nil
	}
	twins, err := s.loader.LoadDirectory(ctx)
	if err != nil {
		if s.dir != nil {
			s.logger.Warn("directory refresh failed, keeping previous snapshot",
				slog.Time("loaded_at", s.dir.LoadedAt()),
				slog.Any("error", err))
			return s.dir, nil
		}
		return nil, fmt.Errorf("load directory: %w", err)
	}
	s.dir = NewDirectory(twins, s.now())
	metrics.SetDirectorySize(s.dir.Len())
	s.logger.Info("directory loaded", slog.Int("twins", s.dir.Len()))
	return s.dir, nil
}

func (s *Scheduler) recordFailure(err error) {
	s.failures++
	s.logger.Error("batch failed, checkpoint not advanced",
		slog.Int("consecutive_failures", s.failures),
		slog.Any("error", err))
	if s.failures >= s.opts.UnhealthyAfter && s.serving {
		s.serving = false
		s.logger.Warn("marking service not serving", slog.Int("consecutive_failures", s.failures))
		if s.health != nil {
			s.health.SetServing(false)
		}
	}
}

func (s *Scheduler) recordSuccess(report BatchReport) {
	s.failures = 0
	if !s.serving {
		s.serving = true
		s.logger.Info("batches recovered, marking service serving")
		if s.health != nil {
			s.health.SetServing(true)
		}
	}
	s.batches++
	s.latency.Observe(report.Duration)
	if s.batches%latencyLogEvery == 0 {
		s.logger.Info("batch latency",
			slog.Int("batches", s.batches),
			slog.Duration("p95", s.latency.Percentile(95)))
	}
}
