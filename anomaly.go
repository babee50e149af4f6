package reqguard

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// AnomalyScorer adapts an injected AnomalyModel to the pipeline. The scorer
// owns feature extraction only; a nil model turns the detector into a no-op.
type AnomalyScorer struct {
	model AnomalyModel
	now   func() time.Time
}

func NewAnomalyScorer(model AnomalyModel) *AnomalyScorer {
	return &AnomalyScorer{model: model, now: time.Now}
}

func (d *AnomalyScorer) Detect(ctx context.Context, req *Request) (SignalOutcome, error) {
	if d.model == nil {
		return SignalOutcome{}, nil
	}

	features := d.ExtractFeatures(req)
	anomalous, score, err := d.model.Score(ctx, features)
	if err != nil {
		return SignalOutcome{}, err
	}

	outcome := SignalOutcome{
		Detail: AnomalyDetail{Anomalous: anomalous, Score: score, Features: features},
	}
	if anomalous {
		outcome.Triggered = true
		outcome.Confidence = clamp((score+0.5)/0.5, 0, 1)
		outcome.Evidence = append(outcome.Evidence, fmt.Sprintf("ML anomaly detected: %v", score))
	}
	return outcome, nil
}

// ExtractFeatures builds the fixed 10-element vector fed to the model. All
// features are request-derived except the two time features, which follow
// wall-clock time.
func (d *AnomalyScorer) ExtractFeatures(req *Request) []float64 {
	features := make([]float64, 0, 10)

	features = append(features, float64(len(req.Path)))
	features = append(features, float64(methodOrdinal(req.Method)))
	features = append(features, float64(countSpecialChars(req.Path)))
	features = append(features, float64(len(req.UserAgent)))
	features = append(features, float64(len(req.Body)))
	features = append(features, float64(len(req.Headers)))
	if req.UserID != "" {
		features = append(features, 1)
	} else {
		features = append(features, 0)
	}

	now := d.now()
	features = append(features, float64(now.Hour())/24.0)
	features = append(features, float64(now.Weekday())/7.0)

	features = append(features, pathEntropy(req.Path))
	return features
}

func methodOrdinal(method string) int {
	switch method {
	case "GET":
		return 0
	case "POST":
		return 1
	case "PUT":
		return 2
	case "DELETE":
		return 3
	case "PATCH":
		return 4
	}
	return 5
}

func countSpecialChars(path string) int {
	count := 0
	for _, r := range path {
		switch r {
		case '<', '>', '"', '\'', '&', '%':
			count++
		}
	}
	return count
}

// pathEntropy is the Shannon entropy (base 2) of the character frequency
// distribution of the lower-cased path. Empty path scores 0.
func pathEntropy(path string) float64 {
	if path == "" {
		return 0
	}
	lower := strings.ToLower(path)
	counts := make(map[rune]int)
	total := 0
	for _, r := range lower {
		counts[r]++
		total++
	}
	entropy := 0.0
	for _, count := range counts {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
