package reqguard

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestRateLimitBlocksAboveIPLimit(t *testing.T) {
	store := NewInMemoryStateStore()
	detector := NewRateLimitDetector(store)
	ctx := context.Background()

	req := &Request{IP: "1.2.3.4", SessionID: "s1"}
	limit := 10

	for i := 1; i <= limit; i++ {
		// Fresh session per call so only the IP counter accumulates.
		outcome, err := detector.Detect(ctx, &Request{IP: req.IP, SessionID: fmt.Sprintf("s%d", i)}, limit)
		if err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
		if outcome.Triggered {
			t.Fatalf("did not expect trigger on call %d", i)
		}
	}

	outcome, err := detector.Detect(ctx, &Request{IP: req.IP, SessionID: "s-final"}, limit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Triggered {
		t.Fatalf("expected call %d to trigger", limit+1)
	}
	if outcome.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9, got %v", outcome.Confidence)
	}
	want := fmt.Sprintf("Rate limit exceeded: %d requests/minute", limit+1)
	if len(outcome.Evidence) != 1 || outcome.Evidence[0] != want {
		t.Fatalf("unexpected evidence: %v", outcome.Evidence)
	}
}

func TestRateLimitSessionCountsHalfOfIPLimit(t *testing.T) {
	store := NewInMemoryStateStore()
	detector := NewRateLimitDetector(store)
	ctx := context.Background()
	limit := 10

	// Rotate IPs so only the session counter accumulates. The session
	// threshold is limit/2, so call 6 crosses it.
	var outcome SignalOutcome
	var err error
	for i := 1; i <= 6; i++ {
		outcome, err = detector.Detect(ctx, &Request{IP: fmt.Sprintf("10.0.0.%d", i), SessionID: "shared"}, limit)
		if err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
	}
	if !outcome.Triggered {
		t.Fatalf("expected session limit to trigger on call 6")
	}
	// Evidence always reports the IP count, even on a session-only trip.
	if !strings.Contains(outcome.Evidence[0], "Rate limit exceeded: 1 requests/minute") {
		t.Fatalf("unexpected evidence: %v", outcome.Evidence)
	}
	detail, ok := outcome.Detail.(RateLimitDetail)
	if !ok {
		t.Fatalf("expected RateLimitDetail, got %T", outcome.Detail)
	}
	if detail.SessionRequests != 6 || detail.IPRequests != 1 {
		t.Fatalf("unexpected detail: %+v", detail)
	}
}

func TestRateLimitFullWindowAtDefaultLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 1001-iteration window test in short mode")
	}
	store := NewInMemoryStateStore()
	detector := NewRateLimitDetector(store)
	ctx := context.Background()

	var outcome SignalOutcome
	var err error
	for i := 1; i <= 1001; i++ {
		outcome, err = detector.Detect(ctx, &Request{IP: "9.9.9.9", SessionID: fmt.Sprintf("w%d", i)}, 1000)
		if err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
		if i <= 1000 && outcome.Triggered {
			t.Fatalf("did not expect trigger on call %d", i)
		}
	}
	if !outcome.Triggered {
		t.Fatalf("expected the 1001st call in the window to be blocked")
	}
}
