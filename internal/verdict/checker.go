// Package verdict delegates ambiguous judgment calls about a supervised
// session's terminal state to a fresh, independent invocation of the agent
// CLI. Each controller owns two checker instances (idle and plan) built from
// the same state machine: ready, checking, cooldown, error, disabled.
package verdict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Dicklesworthstone/deckhand/internal/agent"
)

// Status is the checker's lifecycle state.
type Status string

const (
	StatusReady    Status = "ready"
	StatusChecking Status = "checking"
	StatusCooldown Status = "cooldown"
	StatusError    Status = "error"
	StatusDisabled Status = "disabled"
)

// Rejection errors returned synchronously by Check without spawning an
// invocation.
var (
	ErrCheckerDisabled = errors.New("checker disabled")
	ErrCheckerBusy     = errors.New("check already in flight")
	ErrCheckerCooldown = errors.New("checker in cooldown")
)

// Config holds one checker's tunables. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	Enabled              bool          `toml:"enabled" json:"enabled"`
	Model                string        `toml:"model" json:"model"`
	MaxContextChars      int           `toml:"max_context_chars" json:"max_context_chars"`
	CheckTimeout         time.Duration `toml:"check_timeout" json:"check_timeout"`
	Cooldown             time.Duration `toml:"cooldown" json:"cooldown"`
	ErrorCooldown        time.Duration `toml:"error_cooldown" json:"error_cooldown"`
	MaxConsecutiveErrors int           `toml:"max_consecutive_errors" json:"max_consecutive_errors"`
	PollInterval         time.Duration `toml:"poll_interval" json:"poll_interval"`
}

// DefaultConfig returns the documented checker defaults. Checks are off
// until explicitly enabled.
func DefaultConfig() Config {
	return Config{
		Enabled:              false,
		Model:                "haiku",
		MaxContextChars:      8000,
		CheckTimeout:         45 * time.Second,
		Cooldown:             60 * time.Second,
		ErrorCooldown:        2 * time.Minute,
		MaxConsecutiveErrors: 3,
		PollInterval:         500 * time.Millisecond,
	}
}

// fillDefaults replaces zero values with the documented defaults.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.MaxContextChars == 0 {
		c.MaxContextChars = def.MaxContextChars
	}
	if c.CheckTimeout == 0 {
		c.CheckTimeout = def.CheckTimeout
	}
	if c.Cooldown == 0 {
		c.Cooldown = def.Cooldown
	}
	if c.ErrorCooldown == 0 {
		c.ErrorCooldown = def.ErrorCooldown
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if c.PollInterval == 0 {
		c.PollInterval = def.PollInterval
	}
}

// Validate rejects configs before any state mutation.
func (c Config) Validate() error {
	if c.MaxContextChars < 0 {
		return fmt.Errorf("max_context_chars must be non-negative")
	}
	if c.CheckTimeout < 0 || c.Cooldown < 0 || c.ErrorCooldown < 0 || c.PollInterval < 0 {
		return fmt.Errorf("checker durations must be non-negative")
	}
	if c.MaxConsecutiveErrors < 0 {
		return fmt.Errorf("max_consecutive_errors must be non-negative")
	}
	return nil
}

// Snapshot is a read-only view of checker state for status reporting.
type Snapshot struct {
	Kind              string    `json:"kind"`
	Status            Status    `json:"status"`
	LastVerdict       string    `json:"last_verdict,omitempty"`
	LastReasoning     string    `json:"last_reasoning,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	TotalChecks       int       `json:"total_checks"`
	CooldownEndsAt    time.Time `json:"cooldown_ends_at,omitempty"`
	DisabledReason    string    `json:"disabled_reason,omitempty"`
}

// Checker runs ephemeral verdict checks for one session. At most one Check
// Invocation is in flight per instance at a time.
type Checker struct {
	kind      Kind
	sessionID string
	runner    Runner
	logger    *slog.Logger

	mu                sync.Mutex
	cfg               Config
	status            Status
	lastVerdict       string
	lastReasoning     string
	consecutiveErrors int
	totalChecks       int
	cooldownEndsAt    time.Time
	disabledReason    string
	inFlight          *invocation
}

// NewChecker creates a checker of the given kind for a session.
func NewChecker(kind Kind, sessionID string, cfg Config, runner Runner) *Checker {
	cfg.fillDefaults()
	return &Checker{
		kind:      kind,
		sessionID: sessionID,
		runner:    runner,
		cfg:       cfg,
		status:    StatusReady,
		logger:    slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (c *Checker) WithLogger(logger *slog.Logger) *Checker {
	c.logger = logger
	return c
}

// Enabled reports whether checks are turned on in the current config.
func (c *Checker) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Enabled
}

// Check renders a verdict for the given terminal buffer. Rejections
// (disabled, cooldown, already checking) return synchronously with no
// invocation spawned. Otherwise it blocks until the ephemeral invocation
// completes, times out, fails, or is cancelled.
func (c *Checker) Check(ctx context.Context, terminalBuffer string) (Result, error) {
	c.mu.Lock()

	if !c.cfg.Enabled || c.status == StatusDisabled {
		reason := c.disabledReason
		c.mu.Unlock()
		if reason != "" {
			return Result{}, fmt.Errorf("%w: %s", ErrCheckerDisabled, reason)
		}
		return Result{}, ErrCheckerDisabled
	}
	if c.status == StatusChecking {
		c.mu.Unlock()
		return Result{}, ErrCheckerBusy
	}
	if (c.status == StatusCooldown || c.status == StatusError) && time.Now().Before(c.cooldownEndsAt) {
		ends := c.cooldownEndsAt
		c.mu.Unlock()
		return Result{}, fmt.Errorf("%w until %s", ErrCheckerCooldown, ends.Format(time.RFC3339))
	}

	// Namespace by session id and timestamp so concurrent controllers never
	// collide on session names or temp files.
	name := fmt.Sprintf("deckhand-%s-check-%s-%d", c.kind.Name, c.sessionID, time.Now().UnixMilli())
	inv := newInvocation(name, filepath.Join(os.TempDir(), name+".out"), c.runner, c.cfg.PollInterval, c.cfg.CheckTimeout)

	c.status = StatusChecking
	c.totalChecks++
	c.inFlight = inv
	model := c.cfg.Model
	tail := agent.TailTruncate(agent.StripANSI(terminalBuffer), c.cfg.MaxContextChars)
	c.mu.Unlock()

	c.logger.Debug("[VerdictChecker] check_start",
		"kind", c.kind.Name,
		"session", c.sessionID,
		"invocation", name)

	raw, err := inv.run(ctx, model, c.kind.BuildPrompt(tail))
	var res Result
	if err == nil {
		res, err = c.kind.Parse(raw)
	}
	return c.settle(res, err)
}

// settle folds an invocation result back into the checker state machine.
func (c *Checker) settle(res Result, err error) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = nil

	if errors.Is(err, ErrCheckCancelled) {
		// Cancellation is not a checker failure.
		if c.status == StatusChecking {
			c.status = StatusReady
		}
		c.logger.Info("[VerdictChecker] check_cancelled",
			"kind", c.kind.Name,
			"session", c.sessionID)
		return Result{}, err
	}

	if err != nil {
		c.consecutiveErrors++
		if c.consecutiveErrors >= c.cfg.MaxConsecutiveErrors {
			c.status = StatusDisabled
			c.disabledReason = fmt.Sprintf("%d consecutive check failures, last: %v", c.consecutiveErrors, err)
			c.logger.Warn("[VerdictChecker] checker_disabled",
				"kind", c.kind.Name,
				"session", c.sessionID,
				"consecutive_errors", c.consecutiveErrors,
				"error", err)
		} else {
			c.status = StatusError
			c.cooldownEndsAt = time.Now().Add(c.cfg.ErrorCooldown)
			c.logger.Warn("[VerdictChecker] check_failed",
				"kind", c.kind.Name,
				"session", c.sessionID,
				"consecutive_errors", c.consecutiveErrors,
				"error", err)
		}
		return Result{}, err
	}

	c.consecutiveErrors = 0
	c.lastVerdict = res.Verdict
	c.lastReasoning = res.Reasoning
	if res.Positive {
		c.status = StatusReady
	} else {
		c.status = StatusCooldown
		c.cooldownEndsAt = time.Now().Add(c.cfg.Cooldown)
	}

	c.logger.Info("[VerdictChecker] check_complete",
		"kind", c.kind.Name,
		"session", c.sessionID,
		"verdict", res.Verdict,
		"positive", res.Positive)
	return res, nil
}

// Cancel resolves any pending invocation as cancelled and guarantees the
// ephemeral process and temp file are released before returning. Safe to
// call from any state.
func (c *Checker) Cancel() {
	c.mu.Lock()
	inv := c.inFlight
	c.mu.Unlock()

	if inv != nil {
		inv.cancel()
	}
}

// UpdateConfig merges a new config in. Setting Enabled recovers a checker
// from the disabled state; nothing else does.
func (c *Checker) UpdateConfig(cfg Config) error {
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reenabled := cfg.Enabled && c.status == StatusDisabled
	c.cfg = cfg
	if reenabled {
		c.status = StatusReady
		c.consecutiveErrors = 0
		c.disabledReason = ""
		c.logger.Info("[VerdictChecker] checker_reenabled",
			"kind", c.kind.Name,
			"session", c.sessionID)
	}
	return nil
}

// Snapshot returns a copy of the checker's observable state.
func (c *Checker) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Kind:              c.kind.Name,
		Status:            c.status,
		LastVerdict:       c.lastVerdict,
		LastReasoning:     c.lastReasoning,
		ConsecutiveErrors: c.consecutiveErrors,
		TotalChecks:       c.totalChecks,
		CooldownEndsAt:    c.cooldownEndsAt,
		DisabledReason:    c.disabledReason,
	}
}
