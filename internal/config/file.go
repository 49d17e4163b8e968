package config

import (
	"time"

	"github.com/Dicklesworthstone/deckhand/internal/respawn"
	"github.com/Dicklesworthstone/deckhand/internal/verdict"
)

// fileConfig is the on-disk TOML shape. Durations are millisecond integers
// so the file stays hand-editable and sub-second windows survive the
// round trip.
type fileConfig struct {
	IdleTimeoutMs       int    `toml:"idle_timeout_ms"`
	CompletionConfirmMs int    `toml:"completion_confirm_ms"`
	NoOutputTimeoutMs   int    `toml:"no_output_timeout_ms"`
	InterStepDelayMs    int    `toml:"inter_step_delay_ms"`
	SendClear           bool   `toml:"send_clear"`
	SendInit            bool   `toml:"send_init"`
	UpdatePrompt        bool   `toml:"update_prompt"`
	KickstartPrompt     string `toml:"kickstart_prompt"`
	AutoAcceptPrompts   bool   `toml:"auto_accept_prompts"`
	AutoAcceptDelayMs   int    `toml:"auto_accept_delay_ms"`
	RunDurationMs       int64  `toml:"run_duration_ms"`

	IdleCheck fileCheckConfig `toml:"idle_check"`
	PlanCheck fileCheckConfig `toml:"plan_check"`
}

type fileCheckConfig struct {
	Enabled              bool   `toml:"enabled"`
	Model                string `toml:"model"`
	MaxContextChars      int    `toml:"max_context_chars"`
	CheckTimeoutMs       int    `toml:"check_timeout_ms"`
	CooldownMs           int    `toml:"cooldown_ms"`
	ErrorCooldownMs      int    `toml:"error_cooldown_ms"`
	MaxConsecutiveErrors int    `toml:"max_consecutive_errors"`
	PollIntervalMs       int    `toml:"poll_interval_ms"`
}

func toFile(cfg respawn.Config) fileConfig {
	return fileConfig{
		IdleTimeoutMs:       int(cfg.IdleTimeout / time.Millisecond),
		CompletionConfirmMs: int(cfg.CompletionConfirm / time.Millisecond),
		NoOutputTimeoutMs:   int(cfg.NoOutputTimeout / time.Millisecond),
		InterStepDelayMs:    int(cfg.InterStepDelay / time.Millisecond),
		SendClear:           cfg.SendClear,
		SendInit:            cfg.SendInit,
		UpdatePrompt:        cfg.UpdatePrompt,
		KickstartPrompt:     cfg.KickstartPrompt,
		AutoAcceptPrompts:   cfg.AutoAcceptPrompts,
		AutoAcceptDelayMs:   int(cfg.AutoAcceptDelay / time.Millisecond),
		RunDurationMs:       int64(cfg.RunDuration / time.Millisecond),
		IdleCheck:           toFileCheck(cfg.IdleCheck),
		PlanCheck:           toFileCheck(cfg.PlanCheck),
	}
}

func toFileCheck(cfg verdict.Config) fileCheckConfig {
	return fileCheckConfig{
		Enabled:              cfg.Enabled,
		Model:                cfg.Model,
		MaxContextChars:      cfg.MaxContextChars,
		CheckTimeoutMs:       int(cfg.CheckTimeout / time.Millisecond),
		CooldownMs:           int(cfg.Cooldown / time.Millisecond),
		ErrorCooldownMs:      int(cfg.ErrorCooldown / time.Millisecond),
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		PollIntervalMs:       int(cfg.PollInterval / time.Millisecond),
	}
}

func (f fileConfig) toConfig() respawn.Config {
	return respawn.Config{
		IdleTimeout:       time.Duration(f.IdleTimeoutMs) * time.Millisecond,
		CompletionConfirm: time.Duration(f.CompletionConfirmMs) * time.Millisecond,
		NoOutputTimeout:   time.Duration(f.NoOutputTimeoutMs) * time.Millisecond,
		InterStepDelay:    time.Duration(f.InterStepDelayMs) * time.Millisecond,
		SendClear:         f.SendClear,
		SendInit:          f.SendInit,
		UpdatePrompt:      f.UpdatePrompt,
		KickstartPrompt:   f.KickstartPrompt,
		AutoAcceptPrompts: f.AutoAcceptPrompts,
		AutoAcceptDelay:   time.Duration(f.AutoAcceptDelayMs) * time.Millisecond,
		RunDuration:       time.Duration(f.RunDurationMs) * time.Millisecond,
		IdleCheck:         f.IdleCheck.toConfig(),
		PlanCheck:         f.PlanCheck.toConfig(),
	}
}

func (f fileCheckConfig) toConfig() verdict.Config {
	return verdict.Config{
		Enabled:              f.Enabled,
		Model:                f.Model,
		MaxContextChars:      f.MaxContextChars,
		CheckTimeout:         time.Duration(f.CheckTimeoutMs) * time.Millisecond,
		Cooldown:             time.Duration(f.CooldownMs) * time.Millisecond,
		ErrorCooldown:        time.Duration(f.ErrorCooldownMs) * time.Millisecond,
		MaxConsecutiveErrors: f.MaxConsecutiveErrors,
		PollInterval:         time.Duration(f.PollIntervalMs) * time.Millisecond,
	}
}
