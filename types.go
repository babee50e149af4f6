package reqguard

import (
	"encoding/json"
	"fmt"
	"time"
)

// ThreatLevel is the ordered severity of a detection verdict.
type ThreatLevel int

const (
	LevelLow ThreatLevel = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l ThreatLevel) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	}
	return "unknown"
}

func (l ThreatLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *ThreatLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "low":
		*l = LevelLow
	case "medium":
		*l = LevelMedium
	case "high":
		*l = LevelHigh
	case "critical":
		*l = LevelCritical
	default:
		return fmt.Errorf("unknown threat level: %q", s)
	}
	return nil
}

func maxLevel(a, b ThreatLevel) ThreatLevel {
	if a > b {
		return a
	}
	return b
}

// AnomalyType classifies a detection for downstream reporting. It does not
// participate in severity aggregation.
type AnomalyType string

const (
	AnomalyBehavioral     AnomalyType = "behavioral"
	AnomalyTraffic        AnomalyType = "traffic"
	AnomalyAuthentication AnomalyType = "authentication"
	AnomalyDataAccess     AnomalyType = "data_access"
	AnomalyPerformance    AnomalyType = "performance"
)

// Request is the immutable input to the detection pipeline.
type Request struct {
	IP        string            `json:"ip"`
	UserID    string            `json:"userId,omitempty"`
	SessionID string            `json:"sessionId"`
	UserAgent string            `json:"userAgent"`
	Path      string            `json:"path"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SignalOutcome is what a single detector reports for one request.
type SignalOutcome struct {
	Triggered  bool
	Confidence float64
	Evidence   []string
	Detail     any
}

// DetectionResult is the aggregated verdict for one request. It is created
// once per Evaluate call and never mutated afterwards.
type DetectionResult struct {
	Timestamp      time.Time      `json:"timestamp"`
	ThreatLevel    ThreatLevel    `json:"threatLevel"`
	AnomalyType    AnomalyType    `json:"anomalyType"`
	Confidence     float64        `json:"confidence"`
	Details        map[string]any `json:"details"`
	SourceIP       string         `json:"sourceIp"`
	UserID         string         `json:"userId,omitempty"`
	SessionID      string         `json:"sessionId"`
	Recommendation string         `json:"recommendation"`
	Evidence       []string       `json:"evidence"`
}

// Per-detector detail payloads, keyed by detector name in
// DetectionResult.Details.

type RateLimitDetail struct {
	Blocked         bool  `json:"blocked"`
	IPRequests      int64 `json:"ipRequests"`
	SessionRequests int64 `json:"sessionRequests"`
	Limit           int   `json:"limit"`
}

type PatternDetail struct {
	Patterns      []string `json:"patterns"`
	TotalPatterns int      `json:"totalPatterns"`
}

type BehaviorDetail struct {
	Reason        string `json:"reason,omitempty"`
	TotalRequests int    `json:"totalRequests"`
	UniquePaths   int    `json:"uniquePaths"`
	UniqueMethods int    `json:"uniqueMethods"`
}

type AnomalyDetail struct {
	Anomalous bool      `json:"anomalous"`
	Score     float64   `json:"score"`
	Features  []float64 `json:"features"`
}

type AuthDetail struct {
	FailedLogins int64    `json:"failedLogins"`
	DistinctIPs  int      `json:"distinctIps"`
	RapidLogins  int64    `json:"rapidLogins"`
	Reasons      []string `json:"reasons,omitempty"`
}

// BehaviorHistory is the bounded per-identity access trail the behavior
// analyzer maintains in the state store.
type BehaviorHistory struct {
	Paths      []string `json:"paths"`
	Methods    []string `json:"methods"`
	Timestamps []string `json:"timestamps"`
}

// SecurityMetrics is the process-lifetime accumulator exposed by the
// pipeline. Snapshot copies are safe to share.
type SecurityMetrics struct {
	TotalRequests      int64   `json:"totalRequests"`
	SuspiciousRequests int64   `json:"suspiciousRequests"`
	BlockedRequests    int64   `json:"blockedRequests"`
	AvgResponseTime    float64 `json:"averageResponseTime"`
	ErrorRate          float64 `json:"errorRate"`
	UniqueIPs          int     `json:"uniqueIps"`
	FailedLogins       int64   `json:"failedLogins"`
	SuccessfulLogins   int64   `json:"successfulLogins"`
}
