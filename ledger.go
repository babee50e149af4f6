package reqguard

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger keeps the most recent detection per source IP for a bounded
// time, for live summaries without touching persistent storage.
type MemoryLedger struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*ledgerEntry
}

type ledgerEntry struct {
	result   *DetectionResult
	recorded time.Time
}

// LedgerSummary is an aggregated view of recent detections.
type LedgerSummary struct {
	ActiveIPs       int            `json:"activeIps"`
	TotalDetections int            `json:"totalDetections"`
	ByLevel         map[string]int `json:"byLevel"`
	LastUpdated     time.Time      `json:"lastUpdated"`
}

func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryLedger{
		ttl:     ttl,
		entries: make(map[string]*ledgerEntry),
	}
}

func (l *MemoryLedger) Record(ctx context.Context, result *DetectionResult) error {
	if result == nil || result.SourceIP == "" {
		return nil
	}
	l.mu.Lock()
	l.entries[result.SourceIP] = &ledgerEntry{result: result, recorded: time.Now()}
	l.mu.Unlock()
	return nil
}

// Snapshot returns the unexpired detections.
func (l *MemoryLedger) Snapshot() []*DetectionResult {
	now := time.Now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	var results []*DetectionResult
	for _, entry := range l.entries {
		if now.Sub(entry.recorded) > l.ttl {
			continue
		}
		results = append(results, entry.result)
	}
	return results
}

func (l *MemoryLedger) Summary() LedgerSummary {
	summary := LedgerSummary{ByLevel: make(map[string]int)}
	now := time.Now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, entry := range l.entries {
		if now.Sub(entry.recorded) > l.ttl {
			continue
		}
		summary.ActiveIPs++
		summary.TotalDetections++
		summary.ByLevel[entry.result.ThreatLevel.String()]++
		if entry.recorded.After(summary.LastUpdated) {
			summary.LastUpdated = entry.recorded
		}
	}
	return summary
}

func (l *MemoryLedger) Cleanup() {
	now := time.Now()
	l.mu.Lock()
	for ip, entry := range l.entries {
		if now.Sub(entry.recorded) > l.ttl {
			delete(l.entries, ip)
		}
	}
	l.mu.Unlock()
}

// FanoutLedger records into every wrapped ledger, returning the first
// error.
type FanoutLedger struct {
	ledgers []Ledger
}

func NewFanoutLedger(ledgers ...Ledger) *FanoutLedger {
	return &FanoutLedger{ledgers: ledgers}
}

func (l *FanoutLedger) Record(ctx context.Context, result *DetectionResult) error {
	var first error
	for _, ledger := range l.ledgers {
		if err := ledger.Record(ctx, result); err != nil && first == nil {
			first = err
		}
	}
	return first
}
