package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels batches whose checkpoint advanced.
	OutcomeSuccess = "success"
	// OutcomeError labels batches that were discarded.
	OutcomeError = "error"
)

// Record results.
const (
	ResultUpserted  = "upserted"
	ResultMalformed = "malformed"
	ResultUnknown   = "unknown_entity"
)

var (
	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twin_enricher",
			Name:      "batches_total",
			Help:      "Total number of micro-batches processed, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	batchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "twin_enricher",
			Name:      "batch_seconds",
			Help:      "Micro-batch latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twin_enricher",
			Name:      "records_total",
			Help:      "Feature records handled, partitioned by result.",
		},
		[]string{"result"},
	)

	predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "twin_enricher",
			Name:      "predictions_total",
			Help:      "Scorer outputs partitioned by label.",
		},
		[]string{"label"},
	)

	schedulerProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "twin_enricher",
			Name:      "scheduler_processing",
			Help:      "1 while a micro-batch is being processed, 0 while waiting for a trigger.",
		},
	)

	directoryEntities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "twin_enricher",
			Name:      "directory_entities",
			Help:      "Number of twins in the current entity directory snapshot.",
		},
	)
)

// Register attaches twin-enricher collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		batchesTotal,
		batchDurationSeconds,
		recordsTotal,
		predictionsTotal,
		schedulerProcessing,
		directoryEntities,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveBatch records a batch duration and outcome label.
func ObserveBatch(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	batchesTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	batchDurationSeconds.Observe(duration.Seconds())
}

// AddRecords counts n records with result.
func AddRecords(result string, n int) {
	if n <= 0 {
		return
	}
	recordsTotal.WithLabelValues(result).Add(float64(n))
}

// AddPredictions counts n scorer outputs with label.
func AddPredictions(label string, n int) {
	if n <= 0 {
		return
	}
	predictionsTotal.WithLabelValues(label).Add(float64(n))
}

// SetProcessing flips the scheduler state gauge.
func SetProcessing(processing bool) {
	if processing {
		schedulerProcessing.Set(1)
		return
	}
	schedulerProcessing.Set(0)
}

// SetDirectorySize reports the size of the active directory snapshot.
func SetDirectorySize(n int) {
	directoryEntities.Set(float64(n))
}
