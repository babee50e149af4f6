package reqguard

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

type stubModel struct {
	anomalous bool
	score     float64
	err       error
	features  []float64
}

func (m *stubModel) Score(_ context.Context, features []float64) (bool, float64, error) {
	m.features = features
	return m.anomalous, m.score, m.err
}

func TestNilModelIsNoOp(t *testing.T) {
	scorer := NewAnomalyScorer(nil)
	outcome, err := scorer.Detect(context.Background(), &Request{Path: "/x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Triggered || outcome.Confidence != 0 || outcome.Detail != nil {
		t.Fatalf("expected neutral outcome, got %+v", outcome)
	}
}

func TestModelErrorPropagates(t *testing.T) {
	scorer := NewAnomalyScorer(&stubModel{err: errors.New("model offline")})
	_, err := scorer.Detect(context.Background(), &Request{Path: "/x"})
	if err == nil {
		t.Fatalf("expected error from failing model")
	}
}

func TestFeatureVector(t *testing.T) {
	scorer := NewAnomalyScorer(&stubModel{})
	scorer.now = func() time.Time {
		// Monday 12:00.
		return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	}

	req := &Request{
		Path:      "/a<b>",
		Method:    "POST",
		UserAgent: "agent",
		Body:      "body",
		Headers:   map[string]string{"h1": "v", "h2": "v"},
		UserID:    "u1",
	}
	features := scorer.ExtractFeatures(req)

	if len(features) != 10 {
		t.Fatalf("expected 10 features, got %d", len(features))
	}
	if features[0] != 5 {
		t.Fatalf("path length: got %v", features[0])
	}
	if features[1] != 1 {
		t.Fatalf("method ordinal for POST: got %v", features[1])
	}
	if features[2] != 2 {
		t.Fatalf("special chars in path: got %v", features[2])
	}
	if features[3] != 5 || features[4] != 4 || features[5] != 2 {
		t.Fatalf("length features: got %v %v %v", features[3], features[4], features[5])
	}
	if features[6] != 1 {
		t.Fatalf("authenticated flag: got %v", features[6])
	}
	if features[7] != 12.0/24.0 {
		t.Fatalf("hour feature: got %v", features[7])
	}
	if features[8] != 1.0/7.0 {
		t.Fatalf("weekday feature: got %v", features[8])
	}
}

func TestMethodOrdinals(t *testing.T) {
	cases := map[string]int{
		"GET": 0, "POST": 1, "PUT": 2, "DELETE": 3, "PATCH": 4, "OPTIONS": 5, "": 5,
	}
	for method, want := range cases {
		if got := methodOrdinal(method); got != want {
			t.Fatalf("methodOrdinal(%q) = %d, want %d", method, got, want)
		}
	}
}

func TestPathEntropy(t *testing.T) {
	if got := pathEntropy(""); got != 0 {
		t.Fatalf("empty path entropy: got %v", got)
	}
	if got := pathEntropy("aaaa"); got != 0 {
		t.Fatalf("single-symbol entropy: got %v", got)
	}
	// Two equally likely symbols carry exactly one bit.
	if got := pathEntropy("abab"); math.Abs(got-1) > 1e-9 {
		t.Fatalf("two-symbol entropy: got %v", got)
	}
	// Case is folded before counting.
	if got := pathEntropy("AbAb"); math.Abs(got-1) > 1e-9 {
		t.Fatalf("case-folded entropy: got %v", got)
	}
}

func TestAnomalyConfidenceClamped(t *testing.T) {
	scorer := NewAnomalyScorer(&stubModel{anomalous: true, score: -0.3})
	outcome, err := scorer.Detect(context.Background(), &Request{Path: "/x", Method: "GET"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Triggered {
		t.Fatalf("expected anomalous score to trigger")
	}
	// (-0.3+0.5)/0.5 = 0.4
	if math.Abs(outcome.Confidence-0.4) > 1e-9 {
		t.Fatalf("expected confidence 0.4, got %v", outcome.Confidence)
	}
	if outcome.Evidence[0] != "ML anomaly detected: -0.3" {
		t.Fatalf("unexpected evidence: %v", outcome.Evidence)
	}

	scorer = NewAnomalyScorer(&stubModel{anomalous: true, score: 3})
	outcome, _ = scorer.Detect(context.Background(), &Request{Path: "/x"})
	if outcome.Confidence != 1 {
		t.Fatalf("expected confidence clamped to 1, got %v", outcome.Confidence)
	}

	scorer = NewAnomalyScorer(&stubModel{anomalous: true, score: -2})
	outcome, _ = scorer.Detect(context.Background(), &Request{Path: "/x"})
	if outcome.Confidence != 0 {
		t.Fatalf("expected confidence clamped to 0, got %v", outcome.Confidence)
	}
}

func TestNonAnomalousScoreKeepsDetail(t *testing.T) {
	scorer := NewAnomalyScorer(&stubModel{anomalous: false, score: 0.2})
	outcome, err := scorer.Detect(context.Background(), &Request{Path: "/x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Triggered {
		t.Fatalf("did not expect trigger")
	}
	detail, ok := outcome.Detail.(AnomalyDetail)
	if !ok || detail.Score != 0.2 || len(detail.Features) != 10 {
		t.Fatalf("unexpected detail: %+v", outcome.Detail)
	}
}
