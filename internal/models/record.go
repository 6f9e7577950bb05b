package models

import (
	"math"
	"time"
)

// Feature is a single named sensor statistic.
type Feature struct {
	Name  string
	Value float64
}

// FeatureRecord is one row of sensor features read from a landing input.
// Records are identified by (Origin, Offset) and never mutated after the reader emits them.
type FeatureRecord struct {
	SourceID  string
	Features  []Feature
	Origin    string
	Offset    int64
	ArrivedAt time.Time
}

// Vector returns the feature values in schema order.
func (r FeatureRecord) Vector() []float64 {
	values := make([]float64, len(r.Features))
	for i, f := range r.Features {
		values[i] = f.Value
	}
	return values
}

// IsMissing reports whether a feature value is NaN or infinite.
func IsMissing(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

// Batch is the set of records drained from a source for one trigger.
type Batch struct {
	ID        string
	Records   []FeatureRecord
	Malformed int
}

// Label enumerates scorer outcomes.
type Label string

const (
	LabelNormal         Label = "NORMAL"
	LabelFaultPredicted Label = "FAULT_PREDICTED"
)

// ParseLabel converts a configured label name into a Label.
func ParseLabel(value string) (Label, bool) {
	switch Label(value) {
	case LabelNormal:
		return LabelNormal, true
	case LabelFaultPredicted:
		return LabelFaultPredicted, true
	}
	return "", false
}

// Prediction pairs a record with its scored label. It is never persisted.
type Prediction struct {
	SourceID string
	Label    Label
	RawLabel string
	Record   FeatureRecord
}

// HealthState is the value written to the twin's health field.
type HealthState string

const (
	HealthOK             HealthState = "OK"
	HealthFaultPredicted HealthState = "FAULT_PREDICTED"
)

// HealthFor maps a prediction label to the twin health state.
func HealthFor(label Label) HealthState {
	if label == LabelFaultPredicted {
		return HealthFaultPredicted
	}
	return HealthOK
}
