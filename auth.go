package reqguard

import (
	"context"
	"fmt"
	"time"
)

const (
	failedLoginTTL = time.Hour
	loginIPTTL     = 24 * time.Hour
	rapidLoginTTL  = 5 * time.Minute
)

// AuthAbuseTracker inspects per-user and per-IP login abuse counters. It
// only runs for authenticated requests; anonymous traffic gets a neutral
// outcome.
//
// The tracking counters are advanced only when the request is already
// judged suspicious, so a first offense in a clean state is recorded but
// never detected. That bootstrap asymmetry is intentional and must not be
// "fixed" without a behavior review.
type AuthAbuseTracker struct {
	store StateStore
}

func NewAuthAbuseTracker(store StateStore) *AuthAbuseTracker {
	return &AuthAbuseTracker{store: store}
}

func (d *AuthAbuseTracker) Detect(ctx context.Context, req *Request, maxFailedLogins int) (SignalOutcome, error) {
	if req.UserID == "" {
		return SignalOutcome{}, nil
	}

	failedKey := "failed_logins:" + req.UserID
	ipSetKey := "login_ips:" + req.UserID
	rapidKey := "rapid_logins:" + req.IP

	failedCount, _, err := d.store.Get(ctx, failedKey)
	if err != nil {
		return SignalOutcome{}, err
	}
	loginIPs, err := d.store.SetMembers(ctx, ipSetKey)
	if err != nil {
		return SignalOutcome{}, err
	}
	rapidCount, _, err := d.store.Get(ctx, rapidKey)
	if err != nil {
		return SignalOutcome{}, err
	}

	var (
		reasons    []string
		confidence float64
	)

	if failedCount > int64(maxFailedLogins) {
		reasons = append(reasons, fmt.Sprintf("Multiple failed login attempts: %d", failedCount))
		confidence = maxFloat(confidence, 0.8)
	}
	if len(loginIPs) > 5 {
		reasons = append(reasons, fmt.Sprintf("Login from multiple IPs: %d different IPs", len(loginIPs)))
		confidence = maxFloat(confidence, 0.6)
	}
	if rapidCount > 10 {
		reasons = append(reasons, fmt.Sprintf("Rapid login attempts from IP: %d", rapidCount))
		confidence = maxFloat(confidence, 0.7)
	}

	suspicious := len(reasons) > 0
	if suspicious {
		if _, err := d.store.IncrementWithExpiry(ctx, failedKey, failedLoginTTL); err != nil {
			return SignalOutcome{}, err
		}
		if err := d.store.AddToSet(ctx, ipSetKey, req.IP, loginIPTTL); err != nil {
			return SignalOutcome{}, err
		}
		if _, err := d.store.IncrementWithExpiry(ctx, rapidKey, rapidLoginTTL); err != nil {
			return SignalOutcome{}, err
		}
	}

	outcome := SignalOutcome{
		Detail: AuthDetail{
			FailedLogins: failedCount,
			DistinctIPs:  len(loginIPs),
			RapidLogins:  rapidCount,
			Reasons:      reasons,
		},
	}
	if suspicious {
		outcome.Triggered = true
		outcome.Confidence = confidence
		outcome.Evidence = reasons
	}
	return outcome, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
