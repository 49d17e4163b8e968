// Package respawn keeps a terminal-attached coding-agent session productive
// over unattended runs. A per-session controller watches the session's
// output stream, debounces candidate idle signals, optionally delegates the
// judgment call to an ephemeral verdict checker, consults the team-awareness
// gate, and then drives the session forward with a small set of control
// inputs. Side effects are reported only through the typed event stream.
package respawn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dicklesworthstone/deckhand/internal/agent"
	"github.com/Dicklesworthstone/deckhand/internal/metrics"
	"github.com/Dicklesworthstone/deckhand/internal/verdict"
)

// State is the controller's position in the respawn state machine.
type State string

const (
	StateWatching       State = "watching"
	StateConfirmingIdle State = "confirming_idle"
	StateAIChecking     State = "ai_checking"
	StateSendingUpdate  State = "sending_update"
	StateWaitingUpdate  State = "waiting_update"
	StateStopped        State = "stopped"
)

// ErrControllerStopped is returned by Start on a controller that has already
// been stopped; stopped is terminal.
var ErrControllerStopped = errors.New("respawn controller stopped")

// Session is the supervised terminal session, owned by the multiplexer
// layer. Write delivers raw bytes to the session's input; WriteViaMux is the
// multiplexer fallback path and reports delivery.
type Session interface {
	ID() string
	PID() int
	WorkingDir() string
	Status() string
	Write(text string) error
	WriteViaMux(text string) bool
	// IterationTrackerEnabled reports whether the session's autonomous
	// iteration tracker is on. The controller reads it but does not own it.
	IterationTrackerEnabled() bool
}

// TeamGate reports whether cooperating agents are still working on the same
// project. A nil gate behaves as "no active teammates".
type TeamGate interface {
	HasActiveTeammates(sessionID string) bool
	ActiveTeammateCount(sessionID string) int
}

// Judge is the verdict-checker surface the controller depends on; the
// concrete implementation is verdict.Checker.
type Judge interface {
	Check(ctx context.Context, terminalBuffer string) (verdict.Result, error)
	Cancel()
	Enabled() bool
	UpdateConfig(cfg verdict.Config) error
	Snapshot() verdict.Snapshot
}

// Status is a read-only snapshot of a controller.
type Status struct {
	SessionID       string           `json:"session_id"`
	State           State            `json:"state"`
	QuestionPending bool             `json:"question_pending"`
	LastOutputAt    time.Time        `json:"last_output_at"`
	ConfirmStretch  float64          `json:"confirm_stretch"`
	StartedAt       time.Time        `json:"started_at,omitempty"`
	IdleChecker     verdict.Snapshot `json:"idle_checker"`
	PlanChecker     verdict.Snapshot `json:"plan_checker"`
}

// maxBuffer bounds the rolling terminal buffer kept for checker context.
const maxBuffer = 64 * 1024

// maxConfirmStretch caps the adaptive confirmation window at three times the
// configured base.
const maxConfirmStretch = 3.0

type step struct {
	name  string
	input string
}

type checkOutcome struct {
	gen int
	res verdict.Result
	err error
}

type hookSignal int

const (
	hookElicitation hookSignal = iota
	hookStop
	hookIdlePrompt
)

// Controller is the per-session respawn state machine. All transitions run
// on a single goroutine; public methods hand work to it, so no two handlers
// for the same controller ever run concurrently.
type Controller struct {
	session Session
	tracker *metrics.Tracker
	logger  *slog.Logger

	idleChecker Judge
	planChecker Judge

	events  chan Event
	dropped atomic.Int64

	outputCh chan string
	cmdCh    chan func()
	checkCh  chan checkOutcome
	planCh   chan checkOutcome

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	mu              sync.RWMutex
	cfg             Config
	state           State
	gate            TeamGate
	started         bool
	stopped         bool
	questionPending bool
	lastOutputAt    time.Time
	confirmStretch  float64
	startedAt       time.Time

	// Loop-owned bookkeeping; never touched outside run().
	buffer        []byte
	lastTokens    int64
	idleSignalAt  time.Time
	idleReason    string
	confirmDur    time.Duration
	forcedStuck   bool
	steps         []step
	clearSkipped  bool
	checkGen      int
	planGen       int
	idleTimer     *time.Timer
	confirmTimer  *time.Timer
	watchdogTimer *time.Timer
	stepTimer     *time.Timer
	waitTimer     *time.Timer
	acceptTimer   *time.Timer
	stopTimer     *time.Timer
}

// NewController creates a controller for a session. The tracker is the
// process-wide metrics instance, shared across controllers and owned by the
// host. The runner launches ephemeral verdict invocations.
func NewController(session Session, cfg Config, tracker *metrics.Tracker, runner verdict.Runner) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("respawn config: %w", err)
	}
	c := &Controller{
		session:        session,
		tracker:        tracker,
		logger:         slog.Default(),
		cfg:            cfg,
		state:          StateWatching,
		confirmStretch: 1.0,
		events:         make(chan Event, 128),
		outputCh:       make(chan string, 256),
		cmdCh:          make(chan func(), 32),
		checkCh:        make(chan checkOutcome, 4),
		planCh:         make(chan checkOutcome, 4),
		loopDone:       make(chan struct{}),
	}
	c.idleChecker = verdict.NewChecker(verdict.IdleKind, session.ID(), cfg.IdleCheck, runner)
	c.planChecker = verdict.NewChecker(verdict.PlanKind, session.ID(), cfg.PlanCheck, runner)
	return c, nil
}

// WithLogger sets a custom logger.
func (c *Controller) WithLogger(logger *slog.Logger) *Controller {
	c.logger = logger
	return c
}

// WithJudges replaces both checkers. Used by tests and by hosts that share
// checker infrastructure.
func (c *Controller) WithJudges(idle, plan Judge) *Controller {
	c.idleChecker = idle
	c.planChecker = plan
	return c
}

// SetTeamWatcher installs the team-awareness gate. A nil gate means no
// teammates are ever reported.
func (c *Controller) SetTeamWatcher(gate TeamGate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = gate
}

// Events returns the typed outcome stream. The channel is closed once the
// controller has fully stopped.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Start launches the controller loop. Calling Start again is a no-op;
// calling it after Stop returns ErrControllerStopped.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrControllerStopped
	}
	if c.started {
		return nil
	}
	c.started = true
	c.startedAt = time.Now()
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.logger.Info("[Respawner] start",
		"session", c.session.ID(),
		"completion_confirm", c.cfg.CompletionConfirm,
		"idle_check", c.cfg.IdleCheck.Enabled,
		"plan_check", c.cfg.PlanCheck.Enabled)

	go c.run()
	return nil
}

// Stop halts the controller, releases every timer, and cancels any in-flight
// checker invocation. Idempotent; the controller ends in the terminal
// stopped state.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if !started {
		// Never ran: settle state and close the stream directly.
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		close(c.events)
		return
	}
	cancel()
	<-c.loopDone
}

// UpdateConfig merges a partial config live. It never resets controller
// state; a running confirmation window keeps its original duration.
func (c *Controller) UpdateConfig(patch ConfigPatch) error {
	c.mu.Lock()
	merged := patch.Apply(c.cfg)
	c.mu.Unlock()
	return c.SetConfig(merged)
}

// SetConfig replaces the whole config live, with the same no-reset
// guarantee as UpdateConfig. Used when a config file reload supplies the
// full document.
func (c *Controller) SetConfig(merged Config) error {
	if err := merged.Validate(); err != nil {
		return fmt.Errorf("respawn config: %w", err)
	}
	if err := c.idleChecker.UpdateConfig(merged.IdleCheck); err != nil {
		return fmt.Errorf("idle_check: %w", err)
	}
	if err := c.planChecker.UpdateConfig(merged.PlanCheck); err != nil {
		return fmt.Errorf("plan_check: %w", err)
	}

	c.mu.Lock()
	c.cfg = merged
	c.mu.Unlock()

	c.logger.Info("[Respawner] config_updated", "session", c.session.ID())
	return nil
}

// GetConfig returns a copy of the current config.
func (c *Controller) GetConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// GetStatus returns a read-only snapshot.
func (c *Controller) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		SessionID:       c.session.ID(),
		State:           c.state,
		QuestionPending: c.questionPending,
		LastOutputAt:    c.lastOutputAt,
		ConfirmStretch:  c.confirmStretch,
		StartedAt:       c.startedAt,
		IdleChecker:     c.idleChecker.Snapshot(),
		PlanChecker:     c.planChecker.Snapshot(),
	}
}

// HandleOutput feeds a chunk of the session's output stream into the
// controller. Chunks for one session arrive in production order; when the
// controller cannot keep up the chunk is dropped and counted.
func (c *Controller) HandleOutput(chunk string) {
	if chunk == "" {
		return
	}
	select {
	case c.outputCh <- chunk:
	default:
		n := c.dropped.Add(1)
		if n == 1 || n%1000 == 0 {
			c.logger.Warn("[Respawner] output_dropped", "session", c.session.ID(), "dropped", n)
		}
	}
}

// SignalElicitation injects an externally observed question dialog
// (elicitation_dialog hook event).
func (c *Controller) SignalElicitation() { c.postSignal(hookElicitation) }

// SignalStopHook injects a definitive completion signal (stop hook event);
// it short-circuits the confirmation debounce.
func (c *Controller) SignalStopHook() { c.postSignal(hookStop) }

// SignalIdlePrompt injects an externally observed idle prompt (idle_prompt
// hook event); it is treated as a candidate idle signal.
func (c *Controller) SignalIdlePrompt() { c.postSignal(hookIdlePrompt) }

func (c *Controller) postSignal(sig hookSignal) {
	c.post(func() { c.handleSignal(sig) })
}

// post hands a closure to the controller loop. No-op when the loop is not
// running.
func (c *Controller) post(fn func()) {
	c.mu.RLock()
	running := c.started && !c.stopped
	ctx := c.ctx
	c.mu.RUnlock()
	if !running {
		return
	}
	select {
	case c.cmdCh <- fn:
	case <-ctx.Done():
	}
}

// run is the controller's single event loop. Every state transition happens
// here.
func (c *Controller) run() {
	defer close(c.loopDone)
	defer close(c.events)
	defer c.shutdown()

	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	if cfg.IdleTimeout > 0 {
		c.resetTimer(&c.idleTimer, cfg.IdleTimeout)
	}
	if cfg.RunDuration > 0 {
		c.resetTimer(&c.stopTimer, cfg.RunDuration)
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case chunk := <-c.outputCh:
			c.handleChunk(chunk)
		case fn := <-c.cmdCh:
			fn()
		case out := <-c.checkCh:
			c.handleCheckResult(out)
		case out := <-c.planCh:
			c.handlePlanResult(out)
		case <-timerC(c.idleTimer):
			c.handleIdleTimeout()
		case <-timerC(c.confirmTimer):
			c.handleConfirmElapsed()
		case <-timerC(c.watchdogTimer):
			c.handleWatchdog()
		case <-timerC(c.stepTimer):
			c.sendNextStep()
		case <-timerC(c.waitTimer):
			c.handleWaitTimeout()
		case <-timerC(c.acceptTimer):
			c.handleAutoAccept()
		case <-timerC(c.stopTimer):
			c.logger.Info("[Respawner] run_duration_elapsed", "session", c.session.ID())
			c.mu.Lock()
			c.stopped = true
			c.mu.Unlock()
			c.cancel()
		}
	}
}

// shutdown settles any in-flight work. Runs on the loop goroutine after the
// context is cancelled, so no handler can race it.
func (c *Controller) shutdown() {
	c.idleChecker.Cancel()
	c.planChecker.Cancel()

	switch c.currentState() {
	case StateAIChecking:
		// A check was in flight with no cycle open yet; the cancelled
		// decision still counts in the outcome partition.
		if _, err := c.tracker.StartCycle(c.session.ID(), c.idleReason, time.Since(c.idleSignalAt), c.confirmDur, c.lastTokens); err == nil {
			c.finishCycle(metrics.OutcomeCancelled, "controller stopped during check")
		}
	case StateSendingUpdate, StateWaitingUpdate:
		c.finishCycle(metrics.OutcomeCancelled, "controller stopped mid-cycle")
	}

	for _, t := range []**time.Timer{
		&c.idleTimer, &c.confirmTimer, &c.watchdogTimer,
		&c.stepTimer, &c.waitTimer, &c.acceptTimer, &c.stopTimer,
	} {
		clearTimer(t)
	}

	c.setState(StateStopped)
	c.logger.Info("[Respawner] stopped", "session", c.session.ID())
}

// handleChunk classifies one output chunk and advances the state machine.
func (c *Controller) handleChunk(chunk string) {
	c.buffer = append(c.buffer, chunk...)
	if len(c.buffer) > maxBuffer {
		c.buffer = c.buffer[len(c.buffer)-maxBuffer:]
	}
	if tokens := agent.ExtractTokenCount(chunk); tokens > 0 {
		c.lastTokens = tokens
	}

	c.mu.Lock()
	c.lastOutputAt = time.Now()
	c.mu.Unlock()

	cfg := c.GetConfig()
	state := c.currentState()

	// Any output feeds the watchdog and the quiet-session clock.
	if state == StateWatching && cfg.IdleTimeout > 0 {
		c.resetTimer(&c.idleTimer, cfg.IdleTimeout)
	}
	if (state == StateConfirmingIdle || state == StateAIChecking) && cfg.NoOutputTimeout > 0 {
		c.resetTimer(&c.watchdogTimer, cfg.NoOutputTimeout)
	}

	if state == StateWaitingUpdate {
		// The session resumed: the control inputs landed.
		outcome := metrics.OutcomeSuccess
		if c.forcedStuck {
			outcome = metrics.OutcomeStuckRecovery
		}
		c.finishCycle(outcome, "")
		return
	}

	switch agent.Classify(chunk) {
	case agent.SignalQuestion:
		c.handleQuestion()
	case agent.SignalWorking:
		c.setQuestionPending(false)
		clearTimer(&c.acceptTimer)
		switch state {
		case StateConfirmingIdle:
			// The working signal won the debounce race; stretch the next
			// confirmation window.
			c.stretchConfirm()
			c.toWatching()
		case StateAIChecking:
			c.checkGen++
			c.idleChecker.Cancel()
			c.toWatching()
		}
	case agent.SignalCompletion:
		if state == StateWatching {
			c.enterConfirming("completion_signal")
		}
	}
}

// handleQuestion reacts to a question dialog, whether pattern-matched from
// output or injected via the elicitation hook.
func (c *Controller) handleQuestion() {
	c.setQuestionPending(true)
	cfg := c.GetConfig()

	switch c.currentState() {
	case StateConfirmingIdle:
		c.toWatching()
	case StateAIChecking:
		c.checkGen++
		c.idleChecker.Cancel()
		c.toWatching()
	}
	c.emit(Blocked{SessionID: c.session.ID(), Reason: BlockQuestionPrompt, Details: "session is waiting on a question prompt", At: time.Now()})

	if cfg.AutoAcceptPrompts && cfg.AutoAcceptDelay >= 0 {
		c.resetTimer(&c.acceptTimer, cfg.AutoAcceptDelay)
	}
}

// handleSignal processes externally injected hook events.
func (c *Controller) handleSignal(sig hookSignal) {
	switch sig {
	case hookElicitation:
		c.handleQuestion()
	case hookIdlePrompt:
		if c.currentState() == StateWatching {
			c.enterConfirming("idle_prompt")
		}
	case hookStop:
		// Definitive stop: skip the debounce and the AI check entirely.
		switch c.currentState() {
		case StateWatching:
			c.idleSignalAt = time.Now()
			c.idleReason = "stop_hook"
			c.confirmDur = 0
			c.gateCheck()
		case StateConfirmingIdle:
			clearTimer(&c.confirmTimer)
			c.idleReason = "stop_hook"
			c.gateCheck()
		}
	}
}

// handleIdleTimeout treats prolonged total silence in watching as a
// candidate idle signal.
func (c *Controller) handleIdleTimeout() {
	if c.currentState() == StateWatching {
		c.enterConfirming("idle_timeout")
	}
}

// enterConfirming opens the completion-confirm debounce window.
func (c *Controller) enterConfirming(reason string) {
	cfg := c.GetConfig()
	c.idleSignalAt = time.Now()
	c.idleReason = reason
	c.forcedStuck = false

	c.mu.RLock()
	stretch := c.confirmStretch
	c.mu.RUnlock()
	c.confirmDur = time.Duration(float64(cfg.CompletionConfirm) * stretch)

	clearTimer(&c.idleTimer)
	c.resetTimer(&c.confirmTimer, c.confirmDur)
	if cfg.NoOutputTimeout > 0 {
		c.resetTimer(&c.watchdogTimer, cfg.NoOutputTimeout)
	}
	c.setState(StateConfirmingIdle)

	c.logger.Debug("[Respawner] idle_candidate",
		"session", c.session.ID(),
		"reason", reason,
		"confirm_window", c.confirmDur)
}

// handleConfirmElapsed fires when the debounce window closes with no working
// signal: the idle candidate is confirmed.
func (c *Controller) handleConfirmElapsed() {
	if c.currentState() != StateConfirmingIdle {
		return
	}
	if c.idleChecker.Enabled() {
		c.startIdleCheck()
		return
	}
	c.gateCheck()
}

// startIdleCheck hands the judgment call to the idle verdict checker.
func (c *Controller) startIdleCheck() {
	c.checkGen++
	gen := c.checkGen
	buffer := string(c.buffer)
	c.setState(StateAIChecking)

	go func() {
		res, err := c.idleChecker.Check(c.ctx, buffer)
		select {
		case c.checkCh <- checkOutcome{gen: gen, res: res, err: err}:
		case <-c.ctx.Done():
		}
	}()
}

// handleCheckResult feeds an idle-checker verdict back into the state
// machine. Stale results from preempted checks are dropped by generation.
func (c *Controller) handleCheckResult(out checkOutcome) {
	if out.gen != c.checkGen || c.currentState() != StateAIChecking {
		return
	}

	switch {
	case out.err == nil && out.res.Positive:
		c.gateCheck()
	case errors.Is(out.err, verdict.ErrCheckerDisabled):
		// Circuit breaker open: fall back to direct heuristic detection
		// rather than failing the cycle.
		c.logger.Warn("[Respawner] idle_check_disabled_fallback", "session", c.session.ID())
		c.gateCheck()
	default:
		// Negative verdict, cooldown, or a transient failure; the checker
		// manages its own cooldown state.
		c.toWatching()
	}
}

// handleWatchdog forces a stuck-recovery cycle after prolonged silence
// during confirmation or an AI check, preempting any check in progress.
func (c *Controller) handleWatchdog() {
	state := c.currentState()
	if state != StateConfirmingIdle && state != StateAIChecking {
		return
	}

	c.logger.Warn("[Respawner] stuck_watchdog_fired",
		"session", c.session.ID(),
		"state", state)

	if state == StateAIChecking {
		c.checkGen++
		c.idleChecker.Cancel()
	}
	clearTimer(&c.confirmTimer)
	c.forcedStuck = true
	c.idleReason = "stuck_no_output"
	c.gateCheck()
}

// gateCheck is the synchronous pre-cycle veto point. It is not a visible
// state; it either starts the cycle or returns to watching.
func (c *Controller) gateCheck() {
	c.mu.RLock()
	gate := c.gate
	question := c.questionPending
	c.mu.RUnlock()

	if question {
		c.emit(Blocked{SessionID: c.session.ID(), Reason: BlockQuestionPrompt, Details: "session is waiting on a question prompt", At: time.Now()})
		c.toWatching()
		return
	}

	if gate != nil && gate.HasActiveTeammates(c.session.ID()) {
		n := gate.ActiveTeammateCount(c.session.ID())
		details := fmt.Sprintf("%d teammate(s) still working", n)
		c.emit(Blocked{SessionID: c.session.ID(), Reason: BlockActiveTeammates, Details: details, At: time.Now()})
		c.logger.Info("[Respawner] respawn_blocked",
			"session", c.session.ID(),
			"reason", BlockActiveTeammates,
			"teammates", n)

		// Blocked decisions count in the outcome partition even though no
		// input was sent.
		if _, err := c.tracker.StartCycle(c.session.ID(), c.idleReason, time.Since(c.idleSignalAt), c.confirmDur, c.lastTokens); err == nil {
			c.finishCycle(metrics.OutcomeBlocked, details)
			return
		}
		c.toWatching()
		return
	}

	c.startCycle()
}

// startCycle opens the metrics record, builds the control-input plan, and
// begins delivery.
func (c *Controller) startCycle() {
	cfg := c.GetConfig()

	cycleID, err := c.tracker.StartCycle(c.session.ID(), c.idleReason, time.Since(c.idleSignalAt), c.confirmDur, c.lastTokens)
	if err != nil {
		c.logger.Error("[Respawner] cycle_start_failed", "session", c.session.ID(), "error", err)
		c.toWatching()
		return
	}

	c.steps = c.steps[:0]
	c.clearSkipped = true
	if cfg.SendClear && !c.session.IterationTrackerEnabled() {
		c.clearSkipped = false
		c.steps = append(c.steps, step{name: "clear", input: "/clear\r"})
	}
	if c.clearSkipped {
		c.tracker.MarkClearSkipped(c.session.ID())
	}
	if cfg.SendInit {
		c.steps = append(c.steps, step{name: "init", input: "/init\r"})
	}
	if cfg.UpdatePrompt {
		c.steps = append(c.steps, step{name: "update_prompt", input: DefaultUpdatePrompt + "\r"})
	}
	if cfg.KickstartPrompt != "" {
		c.steps = append(c.steps, step{name: "kickstart", input: cfg.KickstartPrompt + "\r"})
	}

	c.emit(CycleStarted{SessionID: c.session.ID(), CycleID: cycleID, Reason: c.idleReason, At: time.Now()})
	c.logger.Info("[Respawner] cycle_start",
		"session", c.session.ID(),
		"cycle_id", cycleID,
		"reason", c.idleReason,
		"steps", len(c.steps))

	clearTimer(&c.watchdogTimer)
	c.setState(StateSendingUpdate)
	c.sendNextStep()
}

// sendNextStep delivers the next control input, pacing steps by the
// configured delay. An empty plan moves straight to delivery confirmation.
func (c *Controller) sendNextStep() {
	if c.currentState() != StateSendingUpdate {
		return
	}
	cfg := c.GetConfig()

	if len(c.steps) == 0 {
		c.setState(StateWaitingUpdate)
		wait := cfg.NoOutputTimeout
		if wait <= 0 {
			wait = 2 * time.Minute
		}
		c.resetTimer(&c.waitTimer, wait)
		return
	}

	next := c.steps[0]
	c.steps = c.steps[1:]

	if err := c.session.Write(next.input); err != nil {
		if !c.session.WriteViaMux(next.input) {
			c.logger.Error("[Respawner] step_delivery_failed",
				"session", c.session.ID(),
				"step", next.name,
				"error", err)
			c.finishCycle(metrics.OutcomeError, fmt.Sprintf("deliver %s: %v", next.name, err))
			return
		}
	}

	c.tracker.RecordStep(c.session.ID(), next.name)
	c.emit(StepSent{SessionID: c.session.ID(), Step: next.name, At: time.Now()})
	c.logger.Debug("[Respawner] step_sent", "session", c.session.ID(), "step", next.name)

	if len(c.steps) == 0 {
		c.setState(StateWaitingUpdate)
		wait := cfg.NoOutputTimeout
		if wait <= 0 {
			wait = 2 * time.Minute
		}
		c.resetTimer(&c.waitTimer, wait)
		return
	}
	c.resetTimer(&c.stepTimer, cfg.InterStepDelay)
}

// handleWaitTimeout fires when the session never resumed after the control
// inputs were sent.
func (c *Controller) handleWaitTimeout() {
	if c.currentState() != StateWaitingUpdate {
		return
	}
	c.finishCycle(metrics.OutcomeError, "no activity after control inputs")
}

// handleAutoAccept answers a pending question prompt, consulting the plan
// checker first when it is enabled.
func (c *Controller) handleAutoAccept() {
	c.mu.RLock()
	pending := c.questionPending
	c.mu.RUnlock()
	if !pending || !c.GetConfig().AutoAcceptPrompts {
		return
	}

	if c.planChecker.Enabled() {
		c.planGen++
		gen := c.planGen
		buffer := string(c.buffer)
		go func() {
			res, err := c.planChecker.Check(c.ctx, buffer)
			select {
			case c.planCh <- checkOutcome{gen: gen, res: res, err: err}:
			case <-c.ctx.Done():
			}
		}()
		return
	}
	c.acceptPrompt()
}

// handlePlanResult accepts the prompt only on a confirmed plan-mode verdict.
func (c *Controller) handlePlanResult(out checkOutcome) {
	if out.gen != c.planGen {
		return
	}
	if out.err != nil {
		c.logger.Debug("[Respawner] plan_check_failed", "session", c.session.ID(), "error", out.err)
		return
	}
	if out.res.Positive {
		c.acceptPrompt()
	}
}

// acceptPrompt sends a bare Enter to take the dialog's default option.
func (c *Controller) acceptPrompt() {
	if err := c.session.Write("\r"); err != nil && !c.session.WriteViaMux("\r") {
		c.logger.Warn("[Respawner] auto_accept_failed", "session", c.session.ID(), "error", err)
		return
	}
	c.setQuestionPending(false)
	c.logger.Info("[Respawner] prompt_auto_accepted", "session", c.session.ID())
}

// finishCycle completes the open metrics record and returns to watching.
func (c *Controller) finishCycle(outcome metrics.Outcome, errMsg string) {
	rec, err := c.tracker.CompleteCycle(c.session.ID(), outcome, c.lastTokens, errMsg)
	if err != nil {
		c.logger.Error("[Respawner] cycle_complete_failed", "session", c.session.ID(), "error", err)
	} else {
		c.emit(CycleCompleted{SessionID: c.session.ID(), Metrics: rec, At: time.Now()})
		c.logger.Info("[Respawner] cycle_complete",
			"session", c.session.ID(),
			"cycle_id", rec.CycleID,
			"outcome", outcome,
			"duration", rec.Duration())
	}

	if outcome == metrics.OutcomeSuccess {
		c.mu.Lock()
		c.confirmStretch = 1.0
		c.mu.Unlock()
	}
	c.forcedStuck = false
	c.toWatching()
}

// toWatching returns to the initial listening state and re-arms the quiet
// clock.
func (c *Controller) toWatching() {
	if c.currentState() == StateStopped {
		return
	}
	clearTimer(&c.confirmTimer)
	clearTimer(&c.watchdogTimer)
	clearTimer(&c.stepTimer)
	clearTimer(&c.waitTimer)

	cfg := c.GetConfig()
	if cfg.IdleTimeout > 0 {
		c.resetTimer(&c.idleTimer, cfg.IdleTimeout)
	}
	c.setState(StateWatching)
}

// stretchConfirm widens the adaptive confirmation window after a false
// positive, capped at maxConfirmStretch.
func (c *Controller) stretchConfirm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmStretch *= 1.5
	if c.confirmStretch > maxConfirmStretch {
		c.confirmStretch = maxConfirmStretch
	}
}

func (c *Controller) currentState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) setState(next State) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()

	c.emit(StateChanged{SessionID: c.session.ID(), From: prev, To: next, At: time.Now()})
}

func (c *Controller) setQuestionPending(v bool) {
	c.mu.Lock()
	c.questionPending = v
	c.mu.Unlock()
}

// emit delivers an event without ever blocking the loop.
func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		n := c.dropped.Add(1)
		if n == 1 || n%1000 == 0 {
			c.logger.Warn("[Respawner] events_dropped", "session", c.session.ID(), "dropped", n)
		}
	}
}

// Timer helpers. Every timer has a single owner in the loop and is cleared
// before a same-purpose timer is recreated, so no two competing timers of
// one kind coexist.

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func clearTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Controller) resetTimer(t **time.Timer, d time.Duration) {
	clearTimer(t)
	*t = time.NewTimer(d)
}
