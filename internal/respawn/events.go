package respawn

import (
	"time"

	"github.com/Dicklesworthstone/deckhand/internal/metrics"
)

// Event is the controller's typed outcome stream. The set of event types is
// closed: side effects are reported exclusively through these values, never
// through return values or an open string-keyed bus.
type Event interface {
	isEvent()
	Session() string
}

// BlockReason explains why a respawn cycle was not started.
type BlockReason string

const (
	// BlockActiveTeammates: the team-awareness gate reports cooperating
	// agents still working on the same project.
	BlockActiveTeammates BlockReason = "active_teammates"
	// BlockQuestionPrompt: the session is waiting on a human answer.
	BlockQuestionPrompt BlockReason = "question_prompt"
)

// StateChanged reports every controller state transition.
type StateChanged struct {
	SessionID string    `json:"session_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	At        time.Time `json:"at"`
}

// CycleStarted reports that control inputs are about to be sent.
type CycleStarted struct {
	SessionID string    `json:"session_id"`
	CycleID   string    `json:"cycle_id"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// StepSent reports one delivered control-input step.
type StepSent struct {
	SessionID string    `json:"session_id"`
	Step      string    `json:"step"`
	At        time.Time `json:"at"`
}

// Blocked reports a respawn decision that was vetoed before any input was
// sent. For BlockActiveTeammates, Details is always formatted
// "<n> teammate(s) still working".
type Blocked struct {
	SessionID string      `json:"session_id"`
	Reason    BlockReason `json:"reason"`
	Details   string      `json:"details"`
	At        time.Time   `json:"at"`
}

// CycleCompleted carries the finalized metrics record for a cycle.
type CycleCompleted struct {
	SessionID string               `json:"session_id"`
	Metrics   metrics.CycleMetrics `json:"metrics"`
	At        time.Time            `json:"at"`
}

func (e StateChanged) isEvent()   {}
func (e CycleStarted) isEvent()   {}
func (e StepSent) isEvent()       {}
func (e Blocked) isEvent()        {}
func (e CycleCompleted) isEvent() {}

func (e StateChanged) Session() string   { return e.SessionID }
func (e CycleStarted) Session() string   { return e.SessionID }
func (e StepSent) Session() string       { return e.SessionID }
func (e Blocked) Session() string        { return e.SessionID }
func (e CycleCompleted) Session() string { return e.SessionID }
