package reqguard

import (
	"context"
	"fmt"
	"time"
)

const rateWindow = 60 * time.Second

// RateLimitDetector counts requests per source IP and per session in fixed
// 60 second windows. A burst split across a window boundary can evade it;
// that approximation is deliberate, matching the counter contract.
type RateLimitDetector struct {
	store StateStore
}

func NewRateLimitDetector(store StateStore) *RateLimitDetector {
	return &RateLimitDetector{store: store}
}

// Detect increments both counters and flags the request when the IP count
// exceeds maxPerMinute or the session count exceeds half of it. The session
// limit is half of the IP limit because one session spamming from one
// address is suspicious well before the address itself is.
func (d *RateLimitDetector) Detect(ctx context.Context, req *Request, maxPerMinute int) (SignalOutcome, error) {
	ipCount, err := d.store.IncrementWithExpiry(ctx, "rate_limit:ip:"+req.IP, rateWindow)
	if err != nil {
		return SignalOutcome{}, err
	}
	sessionCount, err := d.store.IncrementWithExpiry(ctx, "rate_limit:session:"+req.SessionID, rateWindow)
	if err != nil {
		return SignalOutcome{}, err
	}

	blocked := ipCount > int64(maxPerMinute) || float64(sessionCount) > float64(maxPerMinute)*0.5

	outcome := SignalOutcome{
		Detail: RateLimitDetail{
			Blocked:         blocked,
			IPRequests:      ipCount,
			SessionRequests: sessionCount,
			Limit:           maxPerMinute,
		},
	}
	if blocked {
		outcome.Triggered = true
		outcome.Confidence = 0.9
		outcome.Evidence = append(outcome.Evidence,
			fmt.Sprintf("Rate limit exceeded: %d requests/minute", ipCount))
	}
	return outcome, nil
}
