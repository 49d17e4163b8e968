package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Dicklesworthstone/deckhand/internal/respawn"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestLoadMissingReturnsDefaults(t *testing.T) {
	s := newTestStore(t)

	cfg, err := s.Load("fresh")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := respawn.DefaultConfig()
	if cfg.CompletionConfirm != want.CompletionConfirm || cfg.SendClear != want.SendClear {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	cfg := respawn.DefaultConfig()
	cfg.CompletionConfirm = 12 * time.Second
	cfg.SendClear = false
	cfg.KickstartPrompt = "back to work"
	cfg.IdleCheck.Enabled = true
	cfg.IdleCheck.Model = "sonnet"

	if err := s.Save("s1", cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CompletionConfirm != cfg.CompletionConfirm ||
		got.SendClear != cfg.SendClear ||
		got.KickstartPrompt != cfg.KickstartPrompt ||
		!got.IdleCheck.Enabled || got.IdleCheck.Model != "sonnet" {
		t.Fatalf("round trip = %+v", got)
	}
}

func TestSaveLoadKeepsSubSecondDurations(t *testing.T) {
	s := newTestStore(t)

	cfg := respawn.DefaultConfig()
	cfg.CompletionConfirm = 200 * time.Millisecond
	cfg.AutoAcceptDelay = 750 * time.Millisecond
	cfg.IdleCheck.CheckTimeout = 1500 * time.Millisecond
	cfg.IdleCheck.Cooldown = 250 * time.Millisecond
	cfg.IdleCheck.ErrorCooldown = 900 * time.Millisecond

	if err := s.Save("s1", cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CompletionConfirm != 200*time.Millisecond {
		t.Fatalf("completion confirm = %v", got.CompletionConfirm)
	}
	if got.AutoAcceptDelay != 750*time.Millisecond {
		t.Fatalf("auto accept delay = %v", got.AutoAcceptDelay)
	}
	if got.IdleCheck.CheckTimeout != 1500*time.Millisecond ||
		got.IdleCheck.Cooldown != 250*time.Millisecond ||
		got.IdleCheck.ErrorCooldown != 900*time.Millisecond {
		t.Fatalf("checker windows = %+v", got.IdleCheck)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	s := newTestStore(t)

	cfg := respawn.DefaultConfig()
	cfg.IdleTimeout = -time.Second
	if err := s.Save("s1", cfg); err == nil {
		t.Fatal("invalid config must be rejected")
	}
	if _, err := os.Stat(s.Path("s1")); !os.IsNotExist(err) {
		t.Fatal("rejected config must not be written")
	}
}

func TestPartialFileGetsDefaults(t *testing.T) {
	s := newTestStore(t)

	partial := "completion_confirm_ms = 20000\nsend_clear = false\n"
	if err := os.WriteFile(s.Path("s1"), []byte(partial), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := s.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CompletionConfirm != 20*time.Second || cfg.SendClear {
		t.Fatalf("patched fields = %v/%v", cfg.CompletionConfirm, cfg.SendClear)
	}
	want := respawn.DefaultConfig()
	if cfg.NoOutputTimeout != want.NoOutputTimeout || !cfg.UpdatePrompt {
		t.Fatal("unset fields must keep defaults")
	}
}

func TestCorruptFileFallsBackToDefaults(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.Path("s1"), []byte("not [valid toml"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := s.Load("s1")
	if err == nil {
		t.Fatal("corrupt file should surface an error")
	}
	want := respawn.DefaultConfig()
	if cfg.CompletionConfirm != want.CompletionConfirm {
		t.Fatal("returned config should still be the defaults")
	}
}

func TestApplyMerges(t *testing.T) {
	s := newTestStore(t)

	base := respawn.DefaultConfig()
	base.KickstartPrompt = "original"
	if err := s.Save("s1", base); err != nil {
		t.Fatal(err)
	}

	off := false
	merged, err := s.Apply("s1", respawn.ConfigPatch{SendClear: &off})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if merged.SendClear {
		t.Fatal("patched field not applied")
	}
	if merged.KickstartPrompt != "original" {
		t.Fatal("unpatched field must survive the merge")
	}

	reloaded, err := s.Load("s1")
	if err != nil || reloaded.SendClear {
		t.Fatalf("merge not persisted: %+v, %v", reloaded, err)
	}
}

func TestApplyRejectsInvalidPatch(t *testing.T) {
	s := newTestStore(t)

	bad := -time.Minute
	if _, err := s.Apply("s1", respawn.ConfigPatch{NoOutputTimeout: &bad}); err == nil {
		t.Fatal("invalid patch must be rejected")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	if err := s.Save("s1", respawn.DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete("s1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestWatchFiresReload(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	var mu sync.Mutex
	var gotSession string
	var gotCfg respawn.Config
	fired := make(chan struct{}, 4)

	s.OnReload(func(sessionID string, cfg respawn.Config) {
		mu.Lock()
		gotSession = sessionID
		gotCfg = cfg
		mu.Unlock()
		fired <- struct{}{}
	})
	if err := s.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	cfg := respawn.DefaultConfig()
	cfg.CompletionConfirm = 42 * time.Second
	if err := s.Save("live", cfg); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotSession != "live" {
		t.Fatalf("session = %q", gotSession)
	}
	if gotCfg.CompletionConfirm != 42*time.Second {
		t.Fatalf("reloaded confirm = %v", gotCfg.CompletionConfirm)
	}
}

func TestWatchIgnoresNonTOML(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	fired := make(chan struct{}, 4)
	s.OnReload(func(string, respawn.Config) { fired <- struct{}{} })
	if err := s.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(s.dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
		t.Fatal("non-TOML files must not trigger reloads")
	case <-time.After(300 * time.Millisecond):
	}
}
