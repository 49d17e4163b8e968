package respawn

import (
	"fmt"
	"time"

	"github.com/Dicklesworthstone/deckhand/internal/verdict"
)

// Config is an immutable snapshot of a controller's tunables. Updates
// replace it wholesale after validation; live state is never reset by a
// config change.
type Config struct {
	// IdleTimeout is how long the session may produce no output at all,
	// while watching, before that silence counts as a candidate idle signal.
	IdleTimeout time.Duration `toml:"idle_timeout" json:"idle_timeout"`

	// CompletionConfirm is the debounce window between a "looks done"
	// signal and treating it as real idle.
	CompletionConfirm time.Duration `toml:"completion_confirm" json:"completion_confirm"`

	// NoOutputTimeout is the stuck-recovery watchdog: total silence for
	// this long during idle confirmation or an AI check forces a cycle.
	NoOutputTimeout time.Duration `toml:"no_output_timeout" json:"no_output_timeout"`

	// InterStepDelay is the pause between control-input steps.
	InterStepDelay time.Duration `toml:"inter_step_delay" json:"inter_step_delay"`

	// Control-input toggles for the respawn cycle, applied in order.
	SendClear       bool   `toml:"send_clear" json:"send_clear"`
	SendInit        bool   `toml:"send_init" json:"send_init"`
	UpdatePrompt    bool   `toml:"update_prompt" json:"update_prompt"`
	KickstartPrompt string `toml:"kickstart_prompt" json:"kickstart_prompt"`

	// AutoAcceptPrompts answers question dialogs with a bare Enter after
	// AutoAcceptDelay, consulting the plan checker first when it is enabled.
	AutoAcceptPrompts bool          `toml:"auto_accept_prompts" json:"auto_accept_prompts"`
	AutoAcceptDelay   time.Duration `toml:"auto_accept_delay" json:"auto_accept_delay"`

	// IdleCheck and PlanCheck configure the two verdict checkers.
	IdleCheck verdict.Config `toml:"idle_check" json:"idle_check"`
	PlanCheck verdict.Config `toml:"plan_check" json:"plan_check"`

	// RunDuration stops the controller automatically after this long of
	// supervision. Zero means run until stopped.
	RunDuration time.Duration `toml:"run_duration" json:"run_duration"`
}

// DefaultKickstartPrompt is sent when no per-session prompt is configured.
const DefaultKickstartPrompt = "Continue working through the current task list. " +
	"Pick the next incomplete item and keep going until everything is done."

// DefaultUpdatePrompt asks the agent to refresh its working notes before the
// kickstart.
const DefaultUpdatePrompt = "Before continuing, update your task list and working notes " +
	"to reflect what has been completed so far."

// DefaultConfig returns the documented default for every field.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:       90 * time.Second,
		CompletionConfirm: 8 * time.Second,
		NoOutputTimeout:   3 * time.Minute,
		InterStepDelay:    1500 * time.Millisecond,
		SendClear:         true,
		SendInit:          false,
		UpdatePrompt:      true,
		KickstartPrompt:   DefaultKickstartPrompt,
		AutoAcceptPrompts: false,
		AutoAcceptDelay:   5 * time.Second,
		IdleCheck:         verdict.DefaultConfig(),
		PlanCheck:         verdict.DefaultConfig(),
		RunDuration:       0,
	}
}

// Validate rejects a config before any state mutation.
func (c Config) Validate() error {
	if c.IdleTimeout < 0 || c.CompletionConfirm < 0 || c.NoOutputTimeout < 0 ||
		c.InterStepDelay < 0 || c.AutoAcceptDelay < 0 || c.RunDuration < 0 {
		return fmt.Errorf("respawn durations must be non-negative")
	}
	if err := c.IdleCheck.Validate(); err != nil {
		return fmt.Errorf("idle_check: %w", err)
	}
	if err := c.PlanCheck.Validate(); err != nil {
		return fmt.Errorf("plan_check: %w", err)
	}
	return nil
}

// ConfigPatch is a partial config for merge-not-replace updates. Nil fields
// keep the current value.
type ConfigPatch struct {
	IdleTimeout       *time.Duration  `toml:"idle_timeout" json:"idle_timeout,omitempty"`
	CompletionConfirm *time.Duration  `toml:"completion_confirm" json:"completion_confirm,omitempty"`
	NoOutputTimeout   *time.Duration  `toml:"no_output_timeout" json:"no_output_timeout,omitempty"`
	InterStepDelay    *time.Duration  `toml:"inter_step_delay" json:"inter_step_delay,omitempty"`
	SendClear         *bool           `toml:"send_clear" json:"send_clear,omitempty"`
	SendInit          *bool           `toml:"send_init" json:"send_init,omitempty"`
	UpdatePrompt      *bool           `toml:"update_prompt" json:"update_prompt,omitempty"`
	KickstartPrompt   *string         `toml:"kickstart_prompt" json:"kickstart_prompt,omitempty"`
	AutoAcceptPrompts *bool           `toml:"auto_accept_prompts" json:"auto_accept_prompts,omitempty"`
	AutoAcceptDelay   *time.Duration  `toml:"auto_accept_delay" json:"auto_accept_delay,omitempty"`
	IdleCheck         *verdict.Config `toml:"idle_check" json:"idle_check,omitempty"`
	PlanCheck         *verdict.Config `toml:"plan_check" json:"plan_check,omitempty"`
	RunDuration       *time.Duration  `toml:"run_duration" json:"run_duration,omitempty"`
}

// Apply merges the patch over a base config and returns the result.
func (p ConfigPatch) Apply(base Config) Config {
	out := base
	if p.IdleTimeout != nil {
		out.IdleTimeout = *p.IdleTimeout
	}
	if p.CompletionConfirm != nil {
		out.CompletionConfirm = *p.CompletionConfirm
	}
	if p.NoOutputTimeout != nil {
		out.NoOutputTimeout = *p.NoOutputTimeout
	}
	if p.InterStepDelay != nil {
		out.InterStepDelay = *p.InterStepDelay
	}
	if p.SendClear != nil {
		out.SendClear = *p.SendClear
	}
	if p.SendInit != nil {
		out.SendInit = *p.SendInit
	}
	if p.UpdatePrompt != nil {
		out.UpdatePrompt = *p.UpdatePrompt
	}
	if p.KickstartPrompt != nil {
		out.KickstartPrompt = *p.KickstartPrompt
	}
	if p.AutoAcceptPrompts != nil {
		out.AutoAcceptPrompts = *p.AutoAcceptPrompts
	}
	if p.AutoAcceptDelay != nil {
		out.AutoAcceptDelay = *p.AutoAcceptDelay
	}
	if p.IdleCheck != nil {
		out.IdleCheck = *p.IdleCheck
	}
	if p.PlanCheck != nil {
		out.PlanCheck = *p.PlanCheck
	}
	if p.RunDuration != nil {
		out.RunDuration = *p.RunDuration
	}
	return out
}
