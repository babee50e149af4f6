package reqguard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS detections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at TIMESTAMP NOT NULL,
	source_ip TEXT NOT NULL,
	user_id TEXT,
	session_id TEXT,
	threat_level TEXT NOT NULL,
	confidence REAL NOT NULL,
	recommendation TEXT,
	evidence TEXT
);
CREATE INDEX IF NOT EXISTS idx_detections_recorded_at ON detections(recorded_at);
CREATE INDEX IF NOT EXISTS idx_detections_source_ip ON detections(source_ip);
`

// SQLiteLedger persists detections for audit. Unlike MemoryLedger, nothing
// expires; retention is the operator's concern.
type SQLiteLedger struct {
	db *sqlx.DB
}

// DetectionRow is the persisted form of a detection verdict.
type DetectionRow struct {
	ID             int64     `db:"id" json:"id"`
	RecordedAt     time.Time `db:"recorded_at" json:"recordedAt"`
	SourceIP       string    `db:"source_ip" json:"sourceIp"`
	UserID         string    `db:"user_id" json:"userId,omitempty"`
	SessionID      string    `db:"session_id" json:"sessionId"`
	ThreatLevel    string    `db:"threat_level" json:"threatLevel"`
	Confidence     float64   `db:"confidence" json:"confidence"`
	Recommendation string    `db:"recommendation" json:"recommendation"`
	Evidence       string    `db:"evidence" json:"evidence"`
}

func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) Record(ctx context.Context, result *DetectionResult) error {
	if result == nil {
		return nil
	}
	evidence, err := json.Marshal(result.Evidence)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO detections
		 (recorded_at, source_ip, user_id, session_id, threat_level, confidence, recommendation, evidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.Timestamp, result.SourceIP, result.UserID, result.SessionID,
		result.ThreatLevel.String(), result.Confidence, result.Recommendation, string(evidence))
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

// Recent returns the latest detections, newest first.
func (l *SQLiteLedger) Recent(ctx context.Context, limit int) ([]DetectionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []DetectionRow
	err := l.db.SelectContext(ctx, &rows,
		`SELECT id, recorded_at, source_ip, user_id, session_id, threat_level, confidence, recommendation, evidence
		 FROM detections ORDER BY recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select detections: %w", err)
	}
	return rows, nil
}

// CountByLevel aggregates detections per threat level since the cutoff.
func (l *SQLiteLedger) CountByLevel(ctx context.Context, since time.Time) (map[string]int, error) {
	var rows []struct {
		Level string `db:"threat_level"`
		Count int    `db:"count"`
	}
	err := l.db.SelectContext(ctx, &rows,
		`SELECT threat_level, COUNT(*) AS count FROM detections
		 WHERE recorded_at >= ? GROUP BY threat_level`, since)
	if err != nil {
		return nil, fmt.Errorf("count detections: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Level] = row.Count
	}
	return counts, nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
