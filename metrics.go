package reqguard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ewmaAlpha is the smoothing factor for the response time moving average.
const ewmaAlpha = 0.1

// MetricsAccumulator maintains the process-lifetime SecurityMetrics. The
// EWMA update is not commutative across interleavings, so every update runs
// under the mutex.
type MetricsAccumulator struct {
	mu         sync.Mutex
	metrics    SecurityMetrics
	errorCount int64
	store      StateStore
}

func NewMetricsAccumulator(store StateStore) *MetricsAccumulator {
	return &MetricsAccumulator{store: store}
}

// Record consumes one completed request. responseTime is in seconds.
func (a *MetricsAccumulator) Record(ctx context.Context, result *DetectionResult, responseTime float64) {
	if result == nil {
		return
	}

	// Approximate cardinality from the tracked IP set; reads outside the
	// lock since the store serializes its own access.
	uniqueIPs := -1
	if a.store != nil {
		if members, err := a.store.SetMembers(ctx, uniqueIPSetKey); err == nil {
			uniqueIPs = len(members)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.metrics.TotalRequests++
	if result.ThreatLevel != LevelLow {
		a.metrics.SuspiciousRequests++
	}
	if result.ThreatLevel == LevelHigh || result.ThreatLevel == LevelCritical {
		a.metrics.BlockedRequests++
	}
	if _, hasError := result.Details["error"]; hasError {
		a.errorCount++
	}
	a.metrics.AvgResponseTime = ewmaAlpha*responseTime + (1-ewmaAlpha)*a.metrics.AvgResponseTime
	a.metrics.ErrorRate = float64(a.errorCount) / float64(a.metrics.TotalRequests)
	if uniqueIPs >= 0 {
		a.metrics.UniqueIPs = uniqueIPs
	}
}

func (a *MetricsAccumulator) RecordLogin(ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ok {
		a.metrics.SuccessfulLogins++
	} else {
		a.metrics.FailedLogins++
	}
}

// Snapshot returns a copy of the current metrics.
func (a *MetricsAccumulator) Snapshot() SecurityMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// InMemoryMetricsCollector implements MetricsCollector with labeled
// in-process counters, gauges and histograms.
type InMemoryMetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]map[string]int64
	gauges     map[string]map[string]float64
	histograms map[string][]float64
}

func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		counters:   make(map[string]map[string]int64),
		gauges:     make(map[string]map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (m *InMemoryMetricsCollector) IncrementCounter(name string, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters[name] == nil {
		m.counters[name] = make(map[string]int64)
	}
	m.counters[name][makeLabelKey(labels)]++
}

func (m *InMemoryMetricsCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms[name] = append(m.histograms[name], value)
}

func (m *InMemoryMetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges[name] == nil {
		m.gauges[name] = make(map[string]float64)
	}
	m.gauges[name][makeLabelKey(labels)] = value
}

// GetCounterValue returns the current value of a counter (for testing).
func (m *InMemoryMetricsCollector) GetCounterValue(name string, labels map[string]string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if counters, exists := m.counters[name]; exists {
		return counters[makeLabelKey(labels)]
	}
	return 0
}

func (m *InMemoryMetricsCollector) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_ = len(m.counters)
	_ = len(m.gauges)
	_ = len(m.histograms)
	return nil
}

// ExportPrometheus renders the collected metrics in Prometheus text format.
func (m *InMemoryMetricsCollector) ExportPrometheus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var output strings.Builder
	for name, labelMap := range m.counters {
		output.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
		for labelKey, value := range labelMap {
			output.WriteString(fmt.Sprintf("%s{%s} %d\n", name, labelKey, value))
		}
	}
	for name, labelMap := range m.gauges {
		output.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
		for labelKey, value := range labelMap {
			output.WriteString(fmt.Sprintf("%s{%s} %f\n", name, labelKey, value))
		}
	}
	for name, values := range m.histograms {
		if len(values) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		output.WriteString(fmt.Sprintf("# TYPE %s histogram\n", name))
		output.WriteString(fmt.Sprintf("%s_sum %f\n", name, sum))
		output.WriteString(fmt.Sprintf("%s_count %d\n", name, len(values)))
	}
	return output.String()
}

func makeLabelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return "default"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}
