// Package metrics aggregates completed respawn cycles into rolling fleet
// statistics. One Tracker instance is shared by every controller in the
// process; the host owns it and passes it by handle so tests stay isolated.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how a respawn cycle ended.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeStuckRecovery Outcome = "stuck_recovery"
	OutcomeBlocked       Outcome = "blocked"
	OutcomeError         Outcome = "error"
	OutcomeCancelled     Outcome = "cancelled"
)

// CycleMetrics records one completed respawn cycle. Records are append-only.
type CycleMetrics struct {
	CycleID         string        `json:"cycle_id"`
	SessionID       string        `json:"session_id"`
	CycleNumber     int           `json:"cycle_number"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     time.Time     `json:"completed_at"`
	IdleReason      string        `json:"idle_reason"`
	IdleDetection   time.Duration `json:"idle_detection_ms"`
	StepsCompleted  []string      `json:"steps_completed"`
	ClearSkipped    bool          `json:"clear_skipped"`
	TokensAtStart   int64         `json:"tokens_at_start"`
	TokensAtEnd     int64         `json:"tokens_at_end"`
	ConfirmDuration time.Duration `json:"confirm_duration_ms"`
	Outcome         Outcome       `json:"outcome"`
	ErrorMessage    string        `json:"error_message,omitempty"`
}

// Duration returns the wall-clock length of the cycle.
func (m CycleMetrics) Duration() time.Duration {
	return m.CompletedAt.Sub(m.StartedAt)
}

// Aggregate holds rolling statistics over all completed cycles.
type Aggregate struct {
	TotalCycles         int           `json:"total_cycles"`
	SuccessfulCycles    int           `json:"successful_cycles"`
	StuckRecoveryCycles int           `json:"stuck_recovery_cycles"`
	BlockedCycles       int           `json:"blocked_cycles"`
	ErrorCycles         int           `json:"error_cycles"`
	CancelledCycles     int           `json:"cancelled_cycles"`
	AvgCycleDuration    time.Duration `json:"avg_cycle_duration_ms"`
	AvgIdleDetection    time.Duration `json:"avg_idle_detection_ms"`
	P90CycleDuration    time.Duration `json:"p90_cycle_duration_ms"`
	SuccessRate         int           `json:"success_rate"`
	LastUpdatedAt       time.Time     `json:"last_updated_at"`
}

// windowSize caps the retained cycle window; the oldest record is evicted
// first. Aggregate counters keep counting past the window.
const windowSize = 100

// Sink receives completed cycles for durable archival (optional).
type Sink interface {
	Append(m CycleMetrics) error
}

// Tracker collects cycle records and recomputes the aggregate on every
// completion. Safe for concurrent use by multiple controllers.
type Tracker struct {
	mu         sync.RWMutex
	recent     []CycleMetrics
	aggregate  Aggregate
	inProgress map[string]*CycleMetrics // session id -> open record
	completed  map[string]int           // session id -> completed cycle count
	sink       Sink
}

// NewTracker creates an empty tracker. With no completed cycles the success
// rate reports 100.
func NewTracker() *Tracker {
	return &Tracker{
		aggregate:  Aggregate{SuccessRate: 100},
		inProgress: make(map[string]*CycleMetrics),
		completed:  make(map[string]int),
	}
}

// WithSink attaches a durable sink for completed cycles.
func (t *Tracker) WithSink(sink Sink) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
	return t
}

// StartCycle opens the in-progress record for a session. A session has at
// most one open record; starting again before CompleteCycle is an error.
func (t *Tracker) StartCycle(sessionID, idleReason string, idleDetection, confirmDuration time.Duration, tokensAtStart int64) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, open := t.inProgress[sessionID]; open {
		return "", fmt.Errorf("cycle already in progress for session %s", sessionID)
	}

	id := uuid.NewString()
	t.inProgress[sessionID] = &CycleMetrics{
		CycleID:         id,
		SessionID:       sessionID,
		CycleNumber:     t.completed[sessionID] + 1,
		StartedAt:       time.Now(),
		IdleReason:      idleReason,
		IdleDetection:   idleDetection,
		ConfirmDuration: confirmDuration,
		TokensAtStart:   tokensAtStart,
	}
	return id, nil
}

// RecordStep appends a completed control-input step to the open record.
// A step without an open cycle is dropped silently; delivery failures after
// cycle completion can race the final step report.
func (t *Tracker) RecordStep(sessionID, step string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, open := t.inProgress[sessionID]; open {
		rec.StepsCompleted = append(rec.StepsCompleted, step)
	}
}

// MarkClearSkipped flags the open record as having skipped the /clear step.
func (t *Tracker) MarkClearSkipped(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, open := t.inProgress[sessionID]; open {
		rec.ClearSkipped = true
	}
}

// CompleteCycle finalizes the open record for a session, appends it to the
// rolling window, and recomputes the aggregate in place. Returns the
// completed record.
func (t *Tracker) CompleteCycle(sessionID string, outcome Outcome, tokensAtEnd int64, errorMessage string) (CycleMetrics, error) {
	t.mu.Lock()

	rec, open := t.inProgress[sessionID]
	if !open {
		t.mu.Unlock()
		return CycleMetrics{}, fmt.Errorf("no cycle in progress for session %s", sessionID)
	}
	delete(t.inProgress, sessionID)

	rec.CompletedAt = time.Now()
	rec.Outcome = outcome
	rec.TokensAtEnd = tokensAtEnd
	rec.ErrorMessage = errorMessage
	t.completed[sessionID] = rec.CycleNumber

	t.recent = append(t.recent, *rec)
	if len(t.recent) > windowSize {
		t.recent = t.recent[len(t.recent)-windowSize:]
	}
	t.recomputeLocked(*rec)
	sink := t.sink
	done := *rec
	t.mu.Unlock()

	// Archive outside the lock; the sink may hit disk.
	if sink != nil {
		if err := sink.Append(done); err != nil {
			return done, fmt.Errorf("archive cycle %s: %w", done.CycleID, err)
		}
	}
	return done, nil
}

// Abandon drops any in-progress record for a session without completing it.
// Used when a controller stops mid-decision before a cycle properly started.
func (t *Tracker) Abandon(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inProgress, sessionID)
}

// GetAggregate returns a copy of the current aggregate.
func (t *Tracker) GetAggregate() Aggregate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.aggregate
}

// GetRecent returns up to limit of the most recent completed cycles, newest
// last. The returned slice is a defensive copy.
func (t *Tracker) GetRecent(limit int) []CycleMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := len(t.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]CycleMetrics, n)
	copy(out, t.recent[len(t.recent)-n:])
	for i := range out {
		steps := make([]string, len(out[i].StepsCompleted))
		copy(steps, out[i].StepsCompleted)
		out[i].StepsCompleted = steps
	}
	return out
}

// Reset clears everything, including in-progress records.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recent = nil
	t.aggregate = Aggregate{SuccessRate: 100}
	t.inProgress = make(map[string]*CycleMetrics)
	t.completed = make(map[string]int)
}

// recomputeLocked folds the just-completed record into the counters and
// recomputes the window statistics.
func (t *Tracker) recomputeLocked(done CycleMetrics) {
	t.aggregate.TotalCycles++
	switch done.Outcome {
	case OutcomeSuccess:
		t.aggregate.SuccessfulCycles++
	case OutcomeStuckRecovery:
		t.aggregate.StuckRecoveryCycles++
	case OutcomeBlocked:
		t.aggregate.BlockedCycles++
	case OutcomeError:
		t.aggregate.ErrorCycles++
	case OutcomeCancelled:
		t.aggregate.CancelledCycles++
	}

	var totalDur, totalIdle time.Duration
	durations := make([]time.Duration, 0, len(t.recent))
	for _, rec := range t.recent {
		d := rec.Duration()
		totalDur += d
		totalIdle += rec.IdleDetection
		durations = append(durations, d)
	}
	if n := len(t.recent); n > 0 {
		t.aggregate.AvgCycleDuration = totalDur / time.Duration(n)
		t.aggregate.AvgIdleDetection = totalIdle / time.Duration(n)
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		idx := int(math.Ceil(0.9*float64(n))) - 1
		if idx < 0 {
			idx = 0
		}
		t.aggregate.P90CycleDuration = durations[idx]
	}

	if t.aggregate.TotalCycles > 0 {
		rate := float64(t.aggregate.SuccessfulCycles) / float64(t.aggregate.TotalCycles) * 100
		t.aggregate.SuccessRate = int(math.Round(rate))
	} else {
		t.aggregate.SuccessRate = 100
	}
	t.aggregate.LastUpdatedAt = time.Now()
}
