package reqguard

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable classifies state store failures. Detectors treat any
// store error as "no signal" for the current request instead of failing the
// pipeline.
var ErrStoreUnavailable = errors.New("state store unavailable")

// StateStore is the keyed counter/TTL/set contract shared by all detectors.
// Implementations must provide read-your-writes consistency for a single
// key; cross-key atomicity is not required.
type StateStore interface {
	// Get returns the integer value of key, or found=false when absent or
	// expired.
	Get(ctx context.Context, key string) (value int64, found bool, err error)

	// IncrementWithExpiry atomically increments key (creating it at 1) and
	// (re)sets its TTL, returning the post-increment count.
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetWithExpiry stores a string value under key with the given TTL.
	SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error

	// GetJSON decodes the JSON value stored under key into dest, returning
	// found=false when absent or expired.
	GetJSON(ctx context.Context, key string, dest any) (found bool, err error)

	// SetJSON stores value as JSON under key with the given TTL.
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error

	// AddToSet adds member to the set stored under key and (re)sets the
	// set's TTL.
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) error

	// SetMembers returns all members of the set stored under key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	HealthCheck(ctx context.Context) error
}

// AnomalyModel is the injected scoring capability the anomaly detector
// delegates to. The pipeline owns feature extraction; the model owns the
// decision function. A nil model disables the detector.
type AnomalyModel interface {
	Score(ctx context.Context, features []float64) (anomalous bool, score float64, err error)
}

// Ledger records detection verdicts for later inspection.
type Ledger interface {
	Record(ctx context.Context, result *DetectionResult) error
}

// MetricsCollector is the pluggable observability sink the pipeline reports
// into, independent of the SecurityMetrics accumulator.
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	HealthCheck() error
	ExportPrometheus() string
}
