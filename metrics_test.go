package reqguard

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"
)

func resultWithLevel(level ThreatLevel) *DetectionResult {
	return &DetectionResult{
		Timestamp:   time.Now(),
		ThreatLevel: level,
		SourceIP:    "1.1.1.1",
		Details:     map[string]any{},
	}
}

func TestAccumulatorCounts(t *testing.T) {
	acc := NewMetricsAccumulator(nil)
	ctx := context.Background()

	acc.Record(ctx, resultWithLevel(LevelLow), 0)
	acc.Record(ctx, resultWithLevel(LevelMedium), 0)
	acc.Record(ctx, resultWithLevel(LevelHigh), 0)
	acc.Record(ctx, resultWithLevel(LevelCritical), 0)
	acc.Record(ctx, nil, 0)

	metrics := acc.Snapshot()
	if metrics.TotalRequests != 4 {
		t.Fatalf("nil results must not count; got total %d", metrics.TotalRequests)
	}
	if metrics.SuspiciousRequests != 3 {
		t.Fatalf("expected 3 suspicious, got %d", metrics.SuspiciousRequests)
	}
	if metrics.BlockedRequests != 2 {
		t.Fatalf("expected 2 blocked, got %d", metrics.BlockedRequests)
	}
}

func TestResponseTimeMovingAverage(t *testing.T) {
	acc := NewMetricsAccumulator(nil)
	ctx := context.Background()

	acc.Record(ctx, resultWithLevel(LevelLow), 1.0)
	if got := acc.Snapshot().AvgResponseTime; math.Abs(got-0.1) > 1e-9 {
		t.Fatalf("after first sample: got %v, want 0.1", got)
	}

	acc.Record(ctx, resultWithLevel(LevelLow), 1.0)
	if got := acc.Snapshot().AvgResponseTime; math.Abs(got-0.19) > 1e-9 {
		t.Fatalf("after second sample: got %v, want 0.19", got)
	}
}

func TestErrorRate(t *testing.T) {
	acc := NewMetricsAccumulator(nil)
	ctx := context.Background()

	acc.Record(ctx, resultWithLevel(LevelLow), 0)
	failed := resultWithLevel(LevelLow)
	failed.Details["error"] = "store unreachable"
	acc.Record(ctx, failed, 0)

	if got := acc.Snapshot().ErrorRate; math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("expected error rate 0.5, got %v", got)
	}
}

func TestUniqueIPsFromStore(t *testing.T) {
	store := NewInMemoryStateStore()
	acc := NewMetricsAccumulator(store)
	ctx := context.Background()

	store.AddToSet(ctx, uniqueIPSetKey, "1.1.1.1", time.Hour)
	store.AddToSet(ctx, uniqueIPSetKey, "2.2.2.2", time.Hour)

	acc.Record(ctx, resultWithLevel(LevelLow), 0)
	if got := acc.Snapshot().UniqueIPs; got != 2 {
		t.Fatalf("expected 2 unique IPs, got %d", got)
	}
}

func TestLoginMetrics(t *testing.T) {
	acc := NewMetricsAccumulator(nil)
	acc.RecordLogin(true)
	acc.RecordLogin(false)
	acc.RecordLogin(false)

	metrics := acc.Snapshot()
	if metrics.SuccessfulLogins != 1 || metrics.FailedLogins != 2 {
		t.Fatalf("unexpected login metrics: %+v", metrics)
	}
}

func TestCollectorCountersAndLabels(t *testing.T) {
	collector := NewInMemoryMetricsCollector()

	collector.IncrementCounter("detector_triggered_total", map[string]string{"detector": "rate_limit"})
	collector.IncrementCounter("detector_triggered_total", map[string]string{"detector": "rate_limit"})
	collector.IncrementCounter("detector_triggered_total", map[string]string{"detector": "pattern_detection"})
	collector.IncrementCounter("plain_total", nil)

	if got := collector.GetCounterValue("detector_triggered_total", map[string]string{"detector": "rate_limit"}); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := collector.GetCounterValue("detector_triggered_total", map[string]string{"detector": "pattern_detection"}); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := collector.GetCounterValue("plain_total", nil); got != 1 {
		t.Fatalf("expected 1 for unlabeled counter, got %d", got)
	}
	if got := collector.GetCounterValue("missing_total", nil); got != 0 {
		t.Fatalf("expected 0 for unknown counter, got %d", got)
	}
}

func TestPrometheusExport(t *testing.T) {
	collector := NewInMemoryMetricsCollector()
	collector.IncrementCounter("requests_total", map[string]string{"code": "200"})
	collector.SetGauge("queue_depth", 3, nil)
	collector.ObserveHistogram("latency_seconds", 0.25, nil)
	collector.ObserveHistogram("latency_seconds", 0.75, nil)

	output := collector.ExportPrometheus()
	for _, want := range []string{
		"# TYPE requests_total counter",
		"requests_total{code=200} 1",
		"# TYPE queue_depth gauge",
		"# TYPE latency_seconds histogram",
		"latency_seconds_count 2",
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("export missing %q:\n%s", want, output)
		}
	}
}
