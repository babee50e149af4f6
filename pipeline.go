package reqguard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/log"
)

// Detector names used as keys in DetectionResult.Details.
const (
	detectorRateLimit = "rate_limit"
	detectorPattern   = "pattern_detection"
	detectorBehavior  = "behavioral_analysis"
	detectorAnomaly   = "ml_detection"
	detectorAuth      = "auth_analysis"
)

const uniqueIPSetKey = "unique_ips"

// Limits holds the hot-reloadable detection thresholds.
type Limits struct {
	MaxRequestsPerMinute int
	MaxFailedLogins      int
}

// Options configures a Pipeline. Store is required; everything else has a
// sensible default.
type Options struct {
	Store        StateStore
	Model        AnomalyModel
	Ledger       Ledger
	Collector    MetricsCollector
	Logger       *log.Logger
	Limits       Limits
	StoreTimeout time.Duration
}

// Pipeline runs the five detection signals against a request and merges
// their outcomes into a single verdict. Construct one per process with New;
// there is no hidden shared instance.
type Pipeline struct {
	store        StateStore
	rate         *RateLimitDetector
	pattern      *PatternDetector
	behavior     *BehaviorAnalyzer
	anomaly      *AnomalyScorer
	auth         *AuthAbuseTracker
	metrics      *MetricsAccumulator
	collector    MetricsCollector
	ledger       Ledger
	logger       *log.Logger
	limits       atomic.Pointer[Limits]
	storeTimeout time.Duration
}

func New(opts Options) *Pipeline {
	if opts.Store == nil {
		opts.Store = NewInMemoryStateStore()
	}
	if opts.Collector == nil {
		opts.Collector = NewInMemoryMetricsCollector()
	}
	if opts.Logger == nil {
		opts.Logger = &log.Logger{Level: log.WarnLevel}
	}
	if opts.Limits.MaxRequestsPerMinute <= 0 {
		opts.Limits.MaxRequestsPerMinute = 1000
	}
	if opts.Limits.MaxFailedLogins <= 0 {
		opts.Limits.MaxFailedLogins = 5
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}

	p := &Pipeline{
		store:        opts.Store,
		rate:         NewRateLimitDetector(opts.Store),
		pattern:      NewPatternDetector(),
		behavior:     NewBehaviorAnalyzer(opts.Store),
		anomaly:      NewAnomalyScorer(opts.Model),
		auth:         NewAuthAbuseTracker(opts.Store),
		metrics:      NewMetricsAccumulator(opts.Store),
		collector:    opts.Collector,
		ledger:       opts.Ledger,
		logger:       opts.Logger,
		storeTimeout: opts.StoreTimeout,
	}
	p.limits.Store(&opts.Limits)
	return p
}

// SetLimits atomically swaps the detection thresholds. Used by the config
// watcher; in-flight evaluations keep the limits they started with.
func (p *Pipeline) SetLimits(limits Limits) {
	if limits.MaxRequestsPerMinute <= 0 || limits.MaxFailedLogins <= 0 {
		return
	}
	p.limits.Store(&limits)
}

// Evaluate scores a request. It never returns an error: internal failures
// collapse into a low-severity result carrying the error detail.
func (p *Pipeline) Evaluate(ctx context.Context, req *Request) (result *DetectionResult) {
	start := time.Now()
	req = normalizeRequest(req)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("ip", req.IP).Msgf("evaluation panic: %v", r)
			result = p.degradedResult(req, fmt.Errorf("panic: %v", r))
		}
		p.collector.ObserveHistogram("evaluate_duration_seconds", time.Since(start).Seconds(), nil)
	}()

	limits := *p.limits.Load()
	outcomes := p.runDetectors(ctx, req, limits)

	// Fold in fixed detector order. The order fixes the evidence append
	// sequence, not severity.
	mapped := []struct {
		name    string
		level   ThreatLevel
		outcome SignalOutcome
	}{
		{detectorRateLimit, LevelHigh, outcomes[0]},
		{detectorPattern, LevelMedium, outcomes[1]},
		{detectorBehavior, LevelMedium, outcomes[2]},
		{detectorAnomaly, LevelHigh, outcomes[3]},
		{detectorAuth, LevelHigh, outcomes[4]},
	}

	level := LevelLow
	confidence := 0.0
	var evidence []string
	details := make(map[string]any)

	for _, m := range mapped {
		if m.outcome.Detail != nil {
			details[m.name] = m.outcome.Detail
		}
		if !m.outcome.Triggered {
			continue
		}
		level = maxLevel(level, m.level)
		if m.outcome.Confidence > confidence {
			confidence = m.outcome.Confidence
		}
		evidence = append(evidence, m.outcome.Evidence...)
		p.collector.IncrementCounter("detector_triggered_total", map[string]string{"detector": m.name})
	}

	// Final override: severity is recomputed from evidence volume and peak
	// confidence alone, replacing the per-detector mapping. This can lower
	// a level an individual detector set. Preserved as-is; see DESIGN.md
	// before changing.
	switch {
	case len(evidence) > 3 || confidence > 0.8:
		level = LevelCritical
	case len(evidence) > 1 || confidence > 0.6:
		level = LevelHigh
	case len(evidence) > 0 || confidence > 0.4:
		level = LevelMedium
	default:
		level = LevelLow
	}

	result = &DetectionResult{
		Timestamp:      req.Timestamp,
		ThreatLevel:    level,
		AnomalyType:    AnomalyBehavioral,
		Confidence:     clamp(confidence, 0, 1),
		Details:        details,
		SourceIP:       req.IP,
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		Recommendation: recommendationFor(level, evidence),
		Evidence:       evidence,
	}

	p.trackSourceIP(ctx, req.IP)
	if p.ledger != nil && level != LevelLow {
		if err := p.ledger.Record(ctx, result); err != nil {
			p.logger.Warn().Err(err).Msg("ledger record failed")
		}
	}
	return result
}

// runDetectors executes all five detectors concurrently and returns their
// outcomes in fixed order: rate limit, pattern, behavior, anomaly, auth.
// A failing detector degrades to a neutral outcome.
func (p *Pipeline) runDetectors(ctx context.Context, req *Request, limits Limits) [5]SignalOutcome {
	runs := [5]struct {
		name string
		fn   func(context.Context) (SignalOutcome, error)
	}{
		{detectorRateLimit, func(c context.Context) (SignalOutcome, error) {
			return p.rate.Detect(c, req, limits.MaxRequestsPerMinute)
		}},
		{detectorPattern, func(c context.Context) (SignalOutcome, error) {
			return p.pattern.Detect(req), nil
		}},
		{detectorBehavior, func(c context.Context) (SignalOutcome, error) {
			return p.behavior.Detect(c, req)
		}},
		{detectorAnomaly, func(c context.Context) (SignalOutcome, error) {
			return p.anomaly.Detect(c, req)
		}},
		{detectorAuth, func(c context.Context) (SignalOutcome, error) {
			return p.auth.Detect(c, req, limits.MaxFailedLogins)
		}},
	}

	var outcomes [5]SignalOutcome
	var wg sync.WaitGroup
	for i := range runs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error().Str("detector", runs[idx].name).Msgf("detector panic: %v", r)
					outcomes[idx] = SignalOutcome{}
				}
			}()
			dctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
			defer cancel()
			outcome, err := runs[idx].fn(dctx)
			if err != nil {
				p.logger.Warn().Err(err).Str("detector", runs[idx].name).Msg("detector degraded to neutral")
				p.collector.IncrementCounter("detector_errors_total", map[string]string{"detector": runs[idx].name})
				outcome = SignalOutcome{}
			}
			outcomes[idx] = outcome
		}(i)
	}
	wg.Wait()
	return outcomes
}

// RecordOutcome feeds a completed request into the metrics accumulator.
func (p *Pipeline) RecordOutcome(ctx context.Context, result *DetectionResult, responseTimeSeconds float64) {
	p.metrics.Record(ctx, result, responseTimeSeconds)
}

// Metrics returns a point-in-time snapshot of the security metrics.
func (p *Pipeline) Metrics() SecurityMetrics {
	return p.metrics.Snapshot()
}

// RecordLogin feeds an authentication outcome into the auth counters and
// metrics. Callers invoke it from their login handler; the pipeline cannot
// observe login success on its own.
func (p *Pipeline) RecordLogin(ctx context.Context, userID, ip string, ok bool) {
	p.metrics.RecordLogin(ok)
	if userID == "" {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	if err := p.store.AddToSet(sctx, "login_ips:"+userID, ip, loginIPTTL); err != nil {
		p.logger.Warn().Err(err).Msg("login ip tracking failed")
	}
	if !ok {
		if _, err := p.store.IncrementWithExpiry(sctx, "failed_logins:"+userID, failedLoginTTL); err != nil {
			p.logger.Warn().Err(err).Msg("failed login tracking failed")
		}
	}
}

// Collector exposes the observability sink for HTTP export.
func (p *Pipeline) Collector() MetricsCollector {
	return p.collector
}

// HealthCheck reports whether the backing store is reachable.
func (p *Pipeline) HealthCheck(ctx context.Context) error {
	return p.store.HealthCheck(ctx)
}

func (p *Pipeline) trackSourceIP(ctx context.Context, ip string) {
	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	if err := p.store.AddToSet(sctx, uniqueIPSetKey, ip, 24*time.Hour); err != nil {
		p.logger.Warn().Err(err).Msg("unique ip tracking failed")
	}
}

func (p *Pipeline) degradedResult(req *Request, cause error) *DetectionResult {
	return &DetectionResult{
		Timestamp:      time.Now(),
		ThreatLevel:    LevelLow,
		AnomalyType:    AnomalyBehavioral,
		Confidence:     0,
		Details:        map[string]any{"error": cause.Error()},
		SourceIP:       req.IP,
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		Recommendation: "Monitor request due to analysis error",
		Evidence:       []string{fmt.Sprintf("Analysis error: %v", cause)},
	}
}

func normalizeRequest(req *Request) *Request {
	if req == nil {
		req = &Request{}
	}
	normalized := *req
	if normalized.IP == "" {
		normalized.IP = "unknown"
	}
	if normalized.SessionID == "" {
		normalized.SessionID = uuid.NewString()
	}
	if normalized.Timestamp.IsZero() {
		normalized.Timestamp = time.Now()
	}
	return &normalized
}

var recommendations = map[ThreatLevel]string{
	LevelLow:      "Monitor request - no immediate action required",
	LevelMedium:   "Review request details and consider additional logging",
	LevelHigh:     "Consider blocking IP and investigating user behavior",
	LevelCritical: "IMMEDIATE ACTION: Block IP, revoke sessions, and conduct security investigation",
}

func recommendationFor(level ThreatLevel, evidence []string) string {
	base, ok := recommendations[level]
	if !ok {
		base = "Monitor request"
	}
	if len(evidence) > 0 {
		top := evidence
		if len(top) > 3 {
			top = top[:3]
		}
		base += ". Detected issues: " + strings.Join(top, ", ")
	}
	return base
}
