package respawn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dicklesworthstone/deckhand/internal/metrics"
	"github.com/Dicklesworthstone/deckhand/internal/verdict"
)

type fakeSession struct {
	mu       sync.Mutex
	id       string
	writes   []string
	writeErr error
	muxOK    bool
	tracker  bool
}

func (s *fakeSession) ID() string         { return s.id }
func (s *fakeSession) PID() int           { return 4242 }
func (s *fakeSession) WorkingDir() string { return "/tmp/project" }
func (s *fakeSession) Status() string     { return "running" }
func (s *fakeSession) IterationTrackerEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker
}

func (s *fakeSession) Write(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, text)
	return nil
}

func (s *fakeSession) WriteViaMux(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.muxOK {
		return false
	}
	s.writes = append(s.writes, text)
	return true
}

func (s *fakeSession) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	copy(out, s.writes)
	return out
}

type fakeJudge struct {
	mu        sync.Mutex
	enabled   bool
	res       verdict.Result
	err       error
	hold      chan struct{} // when set, Check blocks until Cancel or ctx
	checks    int
	cancels   int
	cancelled chan struct{}
}

func newFakeJudge(enabled bool) *fakeJudge {
	return &fakeJudge{enabled: enabled, cancelled: make(chan struct{}, 4)}
}

func (j *fakeJudge) Check(ctx context.Context, terminalBuffer string) (verdict.Result, error) {
	j.mu.Lock()
	j.checks++
	hold := j.hold
	res, err := j.res, j.err
	j.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
			return verdict.Result{}, verdict.ErrCheckCancelled
		case <-ctx.Done():
			return verdict.Result{}, verdict.ErrCheckCancelled
		}
	}
	return res, err
}

func (j *fakeJudge) Cancel() {
	j.mu.Lock()
	j.cancels++
	if j.hold != nil {
		close(j.hold)
		j.hold = nil
	}
	j.mu.Unlock()
	select {
	case j.cancelled <- struct{}{}:
	default:
	}
}

func (j *fakeJudge) Enabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enabled
}

func (j *fakeJudge) UpdateConfig(cfg verdict.Config) error { return nil }
func (j *fakeJudge) Snapshot() verdict.Snapshot            { return verdict.Snapshot{} }

func (j *fakeJudge) checkCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.checks
}

func (j *fakeJudge) cancelCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancels
}

type fakeGate struct {
	mu    sync.Mutex
	count int
}

func (g *fakeGate) HasActiveTeammates(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count > 0
}

func (g *fakeGate) ActiveTeammateCount(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// eventLog drains a controller's event stream into an inspectable slice.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	closed chan struct{}
}

func collectEvents(c *Controller) *eventLog {
	log := &eventLog{closed: make(chan struct{})}
	go func() {
		for ev := range c.Events() {
			log.mu.Lock()
			log.events = append(log.events, ev)
			log.mu.Unlock()
		}
		close(log.closed)
	}()
	return log
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) find(match func(Event) bool) (Event, bool) {
	for _, ev := range l.all() {
		if match(ev) {
			return ev, true
		}
	}
	return nil, false
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 0
	cfg.CompletionConfirm = 40 * time.Millisecond
	cfg.NoOutputTimeout = 5 * time.Second
	cfg.InterStepDelay = 5 * time.Millisecond
	cfg.IdleCheck.Enabled = false
	cfg.PlanCheck.Enabled = false
	return cfg
}

func newTestController(t *testing.T, cfg Config, idle, plan *fakeJudge) (*Controller, *fakeSession, *metrics.Tracker, *eventLog) {
	t.Helper()
	session := &fakeSession{id: "test-session"}
	tracker := metrics.NewTracker()
	c, err := NewController(session, cfg, tracker, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	c.WithJudges(idle, plan)
	log := collectEvents(c)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c, session, tracker, log
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestCompletionSignalDrivesFullCycle(t *testing.T) {
	c, session, tracker, log := newTestController(t, testConfig(), newFakeJudge(false), newFakeJudge(false))

	c.HandleOutput("Task complete. Let me know if you need anything else.\n")

	waitFor(t, "cycle started", func() bool {
		_, ok := log.find(func(ev Event) bool { _, is := ev.(CycleStarted); return is })
		return ok
	})
	waitFor(t, "waiting_update", func() bool { return c.GetStatus().State == StateWaitingUpdate })

	// Session resumes; the cycle should land as success.
	c.HandleOutput("Working on the next item\n")
	waitFor(t, "cycle completed", func() bool {
		_, ok := log.find(func(ev Event) bool { _, is := ev.(CycleCompleted); return is })
		return ok
	})

	ev, _ := log.find(func(ev Event) bool { _, is := ev.(CycleCompleted); return is })
	done := ev.(CycleCompleted)
	if done.Metrics.Outcome != metrics.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", done.Metrics.Outcome)
	}

	writes := session.written()
	wantSteps := []string{"/clear\r", DefaultUpdatePrompt + "\r", DefaultKickstartPrompt + "\r"}
	if len(writes) != len(wantSteps) {
		t.Fatalf("writes = %q, want %d steps", writes, len(wantSteps))
	}
	for i, want := range wantSteps {
		if writes[i] != want {
			t.Errorf("step %d = %q, want %q", i, writes[i], want)
		}
	}

	agg := tracker.GetAggregate()
	if agg.TotalCycles != 1 || agg.SuccessRate != 100 {
		t.Fatalf("aggregate = %+v, want 1 cycle at 100%%", agg)
	}
	waitFor(t, "watching again", func() bool { return c.GetStatus().State == StateWatching })
}

func TestTeamGateBlocksCycle(t *testing.T) {
	c, session, tracker, log := newTestController(t, testConfig(), newFakeJudge(false), newFakeJudge(false))
	c.SetTeamWatcher(&fakeGate{count: 2})

	c.HandleOutput("All done! Everything passes.\n")

	waitFor(t, "blocked event", func() bool {
		_, ok := log.find(func(ev Event) bool {
			b, is := ev.(Blocked)
			return is && b.Reason == BlockActiveTeammates
		})
		return ok
	})

	ev, _ := log.find(func(ev Event) bool {
		b, is := ev.(Blocked)
		return is && b.Reason == BlockActiveTeammates
	})
	if details := ev.(Blocked).Details; details != "2 teammate(s) still working" {
		t.Fatalf("details = %q", details)
	}

	if _, ok := log.find(func(ev Event) bool { _, is := ev.(CycleStarted); return is }); ok {
		t.Fatal("blocked decision must not announce a cycle start")
	}
	if got := session.written(); len(got) != 0 {
		t.Fatalf("no input should be sent while blocked, got %q", got)
	}

	waitFor(t, "blocked metric", func() bool { return tracker.GetAggregate().BlockedCycles == 1 })
	waitFor(t, "back to watching", func() bool { return c.GetStatus().State == StateWatching })
}

func TestWorkingSignalCancelsConfirmAndStretches(t *testing.T) {
	cfg := testConfig()
	cfg.CompletionConfirm = 150 * time.Millisecond
	c, session, tracker, _ := newTestController(t, cfg, newFakeJudge(false), newFakeJudge(false))

	c.HandleOutput("Task complete.\n")
	waitFor(t, "confirming", func() bool { return c.GetStatus().State == StateConfirmingIdle })

	c.HandleOutput("✻ Thinking… (3s)\n")
	waitFor(t, "back to watching", func() bool { return c.GetStatus().State == StateWatching })

	if got := c.GetStatus().ConfirmStretch; got != 1.5 {
		t.Fatalf("confirm stretch = %v, want 1.5 after false positive", got)
	}
	if tracker.GetAggregate().TotalCycles != 0 {
		t.Fatal("false positive must not record a cycle")
	}
	if len(session.written()) != 0 {
		t.Fatal("false positive must not send input")
	}
}

func TestConfirmStretchCapsAtTriple(t *testing.T) {
	cfg := testConfig()
	cfg.CompletionConfirm = 150 * time.Millisecond
	c, _, _, _ := newTestController(t, cfg, newFakeJudge(false), newFakeJudge(false))

	for i := 0; i < 6; i++ {
		c.HandleOutput("Task complete.\n")
		waitFor(t, "confirming", func() bool { return c.GetStatus().State == StateConfirmingIdle })
		c.HandleOutput("✻ Compacting… (1s)\n")
		waitFor(t, "watching", func() bool { return c.GetStatus().State == StateWatching })
	}

	if got := c.GetStatus().ConfirmStretch; got != 3.0 {
		t.Fatalf("confirm stretch = %v, want cap of 3.0", got)
	}
}

func TestIdleCheckerNegativeVerdictReturnsToWatching(t *testing.T) {
	idle := newFakeJudge(true)
	idle.res = verdict.Result{Verdict: "WORKING", Positive: false}
	c, session, tracker, _ := newTestController(t, testConfig(), idle, newFakeJudge(false))

	c.HandleOutput("All finished.\n")
	waitFor(t, "checker consulted", func() bool { return idle.checkCount() == 1 })
	waitFor(t, "watching", func() bool { return c.GetStatus().State == StateWatching })

	if tracker.GetAggregate().TotalCycles != 0 {
		t.Fatal("negative verdict must not record a cycle")
	}
	if len(session.written()) != 0 {
		t.Fatal("negative verdict must not send input")
	}
}

func TestIdleCheckerPositiveVerdictStartsCycle(t *testing.T) {
	idle := newFakeJudge(true)
	idle.res = verdict.Result{Verdict: "IDLE", Reasoning: "prompt box is empty", Positive: true}
	c, _, tracker, log := newTestController(t, testConfig(), idle, newFakeJudge(false))

	c.HandleOutput("Task complete.\n")
	waitFor(t, "cycle started", func() bool {
		_, ok := log.find(func(ev Event) bool { _, is := ev.(CycleStarted); return is })
		return ok
	})
	waitFor(t, "waiting_update", func() bool { return c.GetStatus().State == StateWaitingUpdate })

	c.HandleOutput("resuming\n")
	waitFor(t, "success recorded", func() bool { return tracker.GetAggregate().SuccessfulCycles == 1 })
}

func TestCheckerDisabledErrorFallsBackToHeuristic(t *testing.T) {
	idle := newFakeJudge(true)
	idle.err = verdict.ErrCheckerDisabled
	c, _, _, log := newTestController(t, testConfig(), idle, newFakeJudge(false))

	c.HandleOutput("All done.\n")
	waitFor(t, "cycle started despite disabled checker", func() bool {
		_, ok := log.find(func(ev Event) bool { _, is := ev.(CycleStarted); return is })
		return ok
	})
}

func TestWatchdogPreemptsInFlightCheck(t *testing.T) {
	cfg := testConfig()
	cfg.NoOutputTimeout = 120 * time.Millisecond
	idle := newFakeJudge(true)
	idle.hold = make(chan struct{})
	c, _, tracker, log := newTestController(t, cfg, idle, newFakeJudge(false))

	c.HandleOutput("Finished the work.\n")
	waitFor(t, "check in flight", func() bool { return idle.checkCount() == 1 })

	// Silence past the watchdog while the checker hangs.
	waitFor(t, "check cancelled by watchdog", func() bool { return idle.cancelCount() >= 1 })
	waitFor(t, "forced cycle started", func() bool {
		_, ok := log.find(func(ev Event) bool { _, is := ev.(CycleStarted); return is })
		return ok
	})
	waitFor(t, "waiting_update", func() bool { return c.GetStatus().State == StateWaitingUpdate })

	c.HandleOutput("back at it\n")
	waitFor(t, "stuck recovery recorded", func() bool {
		return tracker.GetAggregate().StuckRecoveryCycles == 1
	})
}

func TestStopHookShortCircuitsConfirmation(t *testing.T) {
	cfg := testConfig()
	cfg.CompletionConfirm = 10 * time.Second // would never elapse on its own
	idle := newFakeJudge(true)               // would normally be consulted
	c, _, _, log := newTestController(t, cfg, idle, newFakeJudge(false))

	c.SignalStopHook()
	waitFor(t, "cycle started", func() bool {
		ev, ok := log.find(func(ev Event) bool { _, is := ev.(CycleStarted); return is })
		return ok && ev.(CycleStarted).Reason == "stop_hook"
	})
	if idle.checkCount() != 0 {
		t.Fatal("stop hook must bypass the AI check")
	}
}

func TestIdlePromptSignalOpensConfirmation(t *testing.T) {
	c, _, _, _ := newTestController(t, testConfig(), newFakeJudge(false), newFakeJudge(false))

	c.SignalIdlePrompt()
	waitFor(t, "confirming", func() bool { return c.GetStatus().State == StateConfirmingIdle })
}

func TestQuestionPromptBlocksRespawn(t *testing.T) {
	c, session, tracker, log := newTestController(t, testConfig(), newFakeJudge(false), newFakeJudge(false))

	c.HandleOutput("Do you want to proceed?\n❯ 1. Yes\n  2. No\n")
	waitFor(t, "question blocked event", func() bool {
		_, ok := log.find(func(ev Event) bool {
			b, is := ev.(Blocked)
			return is && b.Reason == BlockQuestionPrompt
		})
		return ok
	})

	// A completion signal while the question is pending must not respawn.
	c.HandleOutput("Task complete.\n")
	time.Sleep(150 * time.Millisecond)
	if _, ok := log.find(func(ev Event) bool { _, is := ev.(CycleStarted); return is }); ok {
		t.Fatal("pending question must veto the cycle")
	}
	if len(session.written()) != 0 || tracker.GetAggregate().SuccessfulCycles != 0 {
		t.Fatal("no input while a question is pending")
	}

	// A working signal clears the pending question.
	c.HandleOutput("✻ Running… (2s)\n")
	waitFor(t, "question cleared", func() bool { return !c.GetStatus().QuestionPending })
}

func TestAutoAcceptSendsEnter(t *testing.T) {
	cfg := testConfig()
	cfg.AutoAcceptPrompts = true
	cfg.AutoAcceptDelay = 30 * time.Millisecond
	c, session, _, _ := newTestController(t, cfg, newFakeJudge(false), newFakeJudge(false))

	c.HandleOutput("Would you like to continue? (y/n)\n")
	waitFor(t, "enter sent", func() bool {
		for _, w := range session.written() {
			if w == "\r" {
				return true
			}
		}
		return false
	})
	waitFor(t, "question cleared", func() bool { return !c.GetStatus().QuestionPending })
}

func TestAutoAcceptConsultsPlanChecker(t *testing.T) {
	cfg := testConfig()
	cfg.AutoAcceptPrompts = true
	cfg.AutoAcceptDelay = 20 * time.Millisecond

	t.Run("positive verdict accepts", func(t *testing.T) {
		plan := newFakeJudge(true)
		plan.res = verdict.Result{Verdict: "PLAN_MODE", Positive: true}
		c, session, _, _ := newTestController(t, cfg, newFakeJudge(false), plan)

		c.HandleOutput("Do you want to proceed with this plan?\n")
		waitFor(t, "plan check ran", func() bool { return plan.checkCount() == 1 })
		waitFor(t, "enter sent", func() bool {
			for _, w := range session.written() {
				if w == "\r" {
					return true
				}
			}
			return false
		})
	})

	t.Run("negative verdict holds", func(t *testing.T) {
		plan := newFakeJudge(true)
		plan.res = verdict.Result{Verdict: "NORMAL", Positive: false}
		c, session, _, _ := newTestController(t, cfg, newFakeJudge(false), plan)

		c.HandleOutput("Do you want to proceed with this plan?\n")
		waitFor(t, "plan check ran", func() bool { return plan.checkCount() == 1 })
		time.Sleep(80 * time.Millisecond)
		if len(session.written()) != 0 {
			t.Fatal("negative plan verdict must not auto-accept")
		}
		if !c.GetStatus().QuestionPending {
			t.Fatal("question should remain pending")
		}
	})
}

func TestStopDuringCycleRecordsCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.InterStepDelay = 10 * time.Second // park the loop mid-delivery
	c, _, tracker, log := newTestController(t, cfg, newFakeJudge(false), newFakeJudge(false))

	c.HandleOutput("All done here.\n")
	waitFor(t, "sending_update", func() bool { return c.GetStatus().State == StateSendingUpdate })

	c.Stop()
	<-log.closed

	if got := c.GetStatus().State; got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
	agg := tracker.GetAggregate()
	if agg.CancelledCycles != 1 {
		t.Fatalf("cancelled count = %d, want 1", agg.CancelledCycles)
	}
	if err := c.Start(); !errors.Is(err, ErrControllerStopped) {
		t.Fatalf("Start after Stop = %v, want ErrControllerStopped", err)
	}
}

func TestStopDuringCheckCancelsInvocation(t *testing.T) {
	idle := newFakeJudge(true)
	idle.hold = make(chan struct{})
	c, _, tracker, log := newTestController(t, testConfig(), idle, newFakeJudge(false))

	c.HandleOutput("Finished.\n")
	waitFor(t, "check in flight", func() bool { return idle.checkCount() == 1 })

	c.Stop()
	<-log.closed

	if idle.cancelCount() == 0 {
		t.Fatal("stop must cancel the in-flight check")
	}
	if tracker.GetAggregate().CancelledCycles != 1 {
		t.Fatal("interrupted decision should be recorded as cancelled")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c, _, _, log := newTestController(t, testConfig(), newFakeJudge(false), newFakeJudge(false))
	c.Stop()
	c.Stop()
	<-log.closed
}

func TestStopWithoutStart(t *testing.T) {
	session := &fakeSession{id: "never-started"}
	c, err := NewController(session, testConfig(), metrics.NewTracker(), nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	c.Stop()
	if got := c.GetStatus().State; got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
	if _, open := <-c.Events(); open {
		t.Fatal("events channel should be closed")
	}
}

func TestUpdateConfigMergesWithoutReset(t *testing.T) {
	cfg := testConfig()
	cfg.CompletionConfirm = 10 * time.Second
	c, _, _, _ := newTestController(t, cfg, newFakeJudge(false), newFakeJudge(false))

	c.HandleOutput("Task complete.\n")
	waitFor(t, "confirming", func() bool { return c.GetStatus().State == StateConfirmingIdle })

	off := false
	shorter := 20 * time.Millisecond
	if err := c.UpdateConfig(ConfigPatch{SendClear: &off, InterStepDelay: &shorter}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	got := c.GetConfig()
	if got.SendClear || got.InterStepDelay != shorter {
		t.Fatalf("merged config = %+v", got)
	}
	if got.CompletionConfirm != 10*time.Second {
		t.Fatal("unpatched field must keep its value")
	}
	// The running confirmation window is untouched by the update.
	if c.GetStatus().State != StateConfirmingIdle {
		t.Fatal("config update must not reset controller state")
	}
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	c, _, _, _ := newTestController(t, testConfig(), newFakeJudge(false), newFakeJudge(false))

	bad := -time.Second
	if err := c.UpdateConfig(ConfigPatch{IdleTimeout: &bad}); err == nil {
		t.Fatal("negative duration must be rejected")
	}
	if c.GetConfig().IdleTimeout < 0 {
		t.Fatal("rejected patch must not be applied")
	}
}

func TestClearSkippedWhenIterationTrackerEnabled(t *testing.T) {
	c, session, tracker, log := newTestController(t, testConfig(), newFakeJudge(false), newFakeJudge(false))
	session.mu.Lock()
	session.tracker = true
	session.mu.Unlock()

	c.HandleOutput("All done with everything.\n")
	waitFor(t, "cycle completed", func() bool {
		c.HandleOutput("resumed\n")
		_, ok := log.find(func(ev Event) bool { _, is := ev.(CycleCompleted); return is })
		return ok
	})

	for _, w := range session.written() {
		if strings.HasPrefix(w, "/clear") {
			t.Fatal("/clear must be skipped when the iteration tracker owns context")
		}
	}
	recent := tracker.GetRecent(1)
	if len(recent) != 1 || !recent[0].ClearSkipped {
		t.Fatalf("recent = %+v, want clear_skipped", recent)
	}
}

func TestDeliveryFailureRecordsError(t *testing.T) {
	c, session, tracker, _ := newTestController(t, testConfig(), newFakeJudge(false), newFakeJudge(false))
	session.mu.Lock()
	session.writeErr = fmt.Errorf("pane gone")
	session.muxOK = false
	session.mu.Unlock()

	c.HandleOutput("Finished all items.\n")
	waitFor(t, "error recorded", func() bool { return tracker.GetAggregate().ErrorCycles == 1 })

	recent := tracker.GetRecent(1)
	if len(recent) != 1 || !strings.Contains(recent[0].ErrorMessage, "pane gone") {
		t.Fatalf("recent = %+v, want delivery error message", recent)
	}
}

func TestWaitTimeoutRecordsError(t *testing.T) {
	cfg := testConfig()
	cfg.NoOutputTimeout = 80 * time.Millisecond
	c, _, tracker, _ := newTestController(t, cfg, newFakeJudge(false), newFakeJudge(false))

	c.HandleOutput("Completed successfully.\n")
	waitFor(t, "waiting_update", func() bool { return c.GetStatus().State == StateWaitingUpdate })
	waitFor(t, "timeout error recorded", func() bool { return tracker.GetAggregate().ErrorCycles == 1 })
	waitFor(t, "watching again", func() bool { return c.GetStatus().State == StateWatching })
}

func TestIdleTimeoutCountsSilenceAsCandidate(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 60 * time.Millisecond
	_, _, _, log := newTestController(t, cfg, newFakeJudge(false), newFakeJudge(false))

	waitFor(t, "cycle from silence", func() bool {
		ev, ok := log.find(func(ev Event) bool { _, is := ev.(CycleStarted); return is })
		return ok && ev.(CycleStarted).Reason == "idle_timeout"
	})
}

func TestStartIsIdempotent(t *testing.T) {
	c, _, _, _ := newTestController(t, testConfig(), newFakeJudge(false), newFakeJudge(false))
	if err := c.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
}
