package reqguard

import (
	"context"
	"time"
)

const (
	behaviorHistoryLimit = 100
	behaviorHistoryTTL   = time.Hour
)

// BehaviorAnalyzer tracks the recent access trail of each identity (user ID
// when present, source IP otherwise) and flags unusual path usage. The
// history write happens on every call, whether or not anything triggers.
type BehaviorAnalyzer struct {
	store StateStore
}

func NewBehaviorAnalyzer(store StateStore) *BehaviorAnalyzer {
	return &BehaviorAnalyzer{store: store}
}

func (d *BehaviorAnalyzer) Detect(ctx context.Context, req *Request) (SignalOutcome, error) {
	identity := req.UserID
	if identity == "" {
		identity = req.IP
	}
	key := "behavior:" + identity

	var history BehaviorHistory
	if _, err := d.store.GetJSON(ctx, key, &history); err != nil {
		return SignalOutcome{}, err
	}

	history.Paths = append(history.Paths, req.Path)
	history.Methods = append(history.Methods, req.Method)
	history.Timestamps = append(history.Timestamps, time.Now().Format(time.RFC3339))
	history.Paths = lastN(history.Paths, behaviorHistoryLimit)
	history.Methods = lastN(history.Methods, behaviorHistoryLimit)
	history.Timestamps = lastN(history.Timestamps, behaviorHistoryLimit)

	// Rules run on the post-append history. When both fire, the scanning
	// rule overwrites the repetitive rule; last rule wins.
	var (
		anomalous  bool
		confidence float64
		reason     string
	)

	total := len(history.Paths)
	uniquePaths := countDistinct(history.Paths)

	if total >= 10 && float64(uniquePaths)/float64(total) < 0.1 {
		anomalous = true
		confidence = 0.7
		reason = "Unusual repetitive behavior detected"
	}

	if total >= 5 {
		recent := history.Paths[total-5:]
		if countDistinct(recent) == len(recent) {
			anomalous = true
			confidence = 0.6
			reason = "Unusual rapid path changes detected"
		}
	}

	if err := d.store.SetJSON(ctx, key, &history, behaviorHistoryTTL); err != nil {
		return SignalOutcome{}, err
	}

	outcome := SignalOutcome{
		Detail: BehaviorDetail{
			Reason:        reason,
			TotalRequests: total,
			UniquePaths:   uniquePaths,
			UniqueMethods: countDistinct(history.Methods),
		},
	}
	if anomalous {
		outcome.Triggered = true
		outcome.Confidence = confidence
		outcome.Evidence = append(outcome.Evidence, reason)
	}
	return outcome, nil
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func countDistinct(items []string) int {
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		seen[item] = struct{}{}
	}
	return len(seen)
}
