// Package history archives completed respawn cycles to SQLite. The rolling
// in-memory window answers dashboard queries; this store is the durable
// record that survives supervisor restarts.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Dicklesworthstone/deckhand/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	cycle_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	cycle_number INTEGER NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	idle_reason TEXT NOT NULL DEFAULT '',
	idle_detection_ms INTEGER NOT NULL DEFAULT 0,
	steps_completed TEXT NOT NULL DEFAULT '[]',
	clear_skipped INTEGER NOT NULL DEFAULT 0,
	tokens_at_start INTEGER NOT NULL DEFAULT 0,
	tokens_at_end INTEGER NOT NULL DEFAULT 0,
	confirm_duration_ms INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cycles_session ON cycles(session_id, completed_at);
CREATE INDEX IF NOT EXISTS idx_cycles_outcome ON cycles(outcome);
`

// Store is a SQLite-backed cycle archive. It implements metrics.Sink.
type Store struct {
	db *sql.DB
}

var _ metrics.Sink = (*Store)(nil)

// Open opens (or creates) the archive at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the archive.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append archives one completed cycle.
func (s *Store) Append(m metrics.CycleMetrics) error {
	steps, err := json.Marshal(m.StepsCompleted)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO cycles (
			cycle_id, session_id, cycle_number, started_at, completed_at,
			idle_reason, idle_detection_ms, steps_completed, clear_skipped,
			tokens_at_start, tokens_at_end, confirm_duration_ms,
			outcome, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.CycleID,
		m.SessionID,
		m.CycleNumber,
		m.StartedAt.UTC().Format(time.RFC3339Nano),
		m.CompletedAt.UTC().Format(time.RFC3339Nano),
		m.IdleReason,
		m.IdleDetection.Milliseconds(),
		string(steps),
		boolToInt(m.ClearSkipped),
		m.TokensAtStart,
		m.TokensAtEnd,
		m.ConfirmDuration.Milliseconds(),
		string(m.Outcome),
		m.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("archive cycle %s: %w", m.CycleID, err)
	}
	return nil
}

// Recent returns the most recently completed cycles, newest first. An empty
// sessionID returns cycles across all sessions.
func (s *Store) Recent(sessionID string, limit int) ([]metrics.CycleMetrics, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT cycle_id, session_id, cycle_number, started_at, completed_at,
			idle_reason, idle_detection_ms, steps_completed, clear_skipped,
			tokens_at_start, tokens_at_end, confirm_duration_ms,
			outcome, error_message
		FROM cycles`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY completed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []metrics.CycleMetrics
	for rows.Next() {
		var (
			m                 metrics.CycleMetrics
			startedAt         string
			completedAt       string
			idleDetectionMs   int64
			steps             string
			clearSkipped      int
			confirmDurationMs int64
			outcome           string
		)
		if err := rows.Scan(
			&m.CycleID, &m.SessionID, &m.CycleNumber, &startedAt, &completedAt,
			&m.IdleReason, &idleDetectionMs, &steps, &clearSkipped,
			&m.TokensAtStart, &m.TokensAtEnd, &confirmDurationMs,
			&outcome, &m.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		m.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		m.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
		m.IdleDetection = time.Duration(idleDetectionMs) * time.Millisecond
		m.ConfirmDuration = time.Duration(confirmDurationMs) * time.Millisecond
		m.ClearSkipped = clearSkipped != 0
		m.Outcome = metrics.Outcome(outcome)
		if err := json.Unmarshal([]byte(steps), &m.StepsCompleted); err != nil {
			m.StepsCompleted = nil
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountByOutcome returns total archived cycles per outcome.
func (s *Store) CountByOutcome() (map[metrics.Outcome]int, error) {
	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM cycles GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count cycles: %w", err)
	}
	defer rows.Close()

	counts := make(map[metrics.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[metrics.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

// Prune deletes archived cycles older than cutoff and returns how many were
// removed.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cycles WHERE completed_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune cycles: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
