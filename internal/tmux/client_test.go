package tmux

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// fakeExec records commands and replays scripted responses.
type fakeExec struct {
	mu    sync.Mutex
	calls [][]string
	// respond maps a space-joined command prefix to its output or error.
	outputs map[string]string
	errs    map[string]error
}

func newFakeExec() *fakeExec {
	return &fakeExec{outputs: make(map[string]string), errs: make(map[string]error)}
}

func (f *fakeExec) run(bin string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := append([]string{bin}, args...)
	f.calls = append(f.calls, call)
	joined := strings.Join(call, " ")
	for prefix, err := range f.errs {
		if strings.HasPrefix(joined, prefix) {
			return "", err
		}
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(joined, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeExec) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if strings.HasPrefix(strings.Join(call, " "), prefix) {
			n++
		}
	}
	return n
}

func (f *fakeExec) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func newFakeClient() (*Client, *fakeExec) {
	fake := newFakeExec()
	return NewClient("").withExec(fake.run), fake
}

func TestSendKeysLiteralThenEnter(t *testing.T) {
	client, fake := newFakeClient()

	if err := client.SendKeys("work:0.0", "/clear", true); err != nil {
		t.Fatalf("SendKeys: %v", err)
	}

	if got := fake.callCount("tmux send-keys -t work:0.0 -l -- /clear"); got != 1 {
		t.Fatalf("literal send count = %d", got)
	}
	last := fake.lastCall()
	if last[len(last)-1] != "C-m" {
		t.Fatalf("last call = %v, want trailing C-m", last)
	}
}

func TestSendKeysEmptyTextSendsOnlyEnter(t *testing.T) {
	client, fake := newFakeClient()

	if err := client.SendKeys("work:0.0", "", true); err != nil {
		t.Fatalf("SendKeys: %v", err)
	}
	if got := fake.callCount("tmux send-keys -t work:0.0 -l"); got != 0 {
		t.Fatal("empty text must not issue a literal send")
	}
	if got := fake.callCount("tmux send-keys -t work:0.0 C-m"); got != 1 {
		t.Fatalf("enter count = %d", got)
	}
}

func TestKillSessionIdempotent(t *testing.T) {
	client, fake := newFakeClient()
	fake.errs["tmux kill-session -t gone"] = errors.New(`tmux kill-session -t gone: exit status 1: can't find session: gone`)

	if err := client.KillSession("gone"); err != nil {
		t.Fatalf("killing a missing session should succeed, got %v", err)
	}

	fake.errs["tmux kill-session -t broken"] = errors.New("tmux kill-session -t broken: permission denied")
	if err := client.KillSession("broken"); err == nil {
		t.Fatal("real failures must surface")
	}
}

func TestNewSessionArgs(t *testing.T) {
	client, fake := newFakeClient()

	if err := client.NewSession("check-1", "/tmp", "sh", "-c", "true"); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	want := []string{"tmux", "new-session", "-d", "-s", "check-1", "-c", "/tmp", "sh", "-c", "true"}
	got := fake.lastCall()
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("args = %v, want %v", got, want)
		}
	}
}

func TestRemoteRunsOverSSH(t *testing.T) {
	fake := newFakeExec()
	client := NewClient("dev@build-host").withExec(fake.run)

	_, _ = client.Run("has-session", "-t", "work")

	got := fake.lastCall()
	if got[0] != "ssh" || got[1] != "dev@build-host" || got[2] != "tmux" {
		t.Fatalf("remote call = %v", got)
	}
}

func TestPanePID(t *testing.T) {
	client, fake := newFakeClient()
	fake.outputs["tmux display-message -p -t work:0.0 #{pane_pid}"] = "31337"

	pid, err := client.PanePID("work:0.0")
	if err != nil || pid != 31337 {
		t.Fatalf("PanePID = %d, %v", pid, err)
	}

	fake.outputs["tmux display-message -p -t bad:0.0 #{pane_pid}"] = "not-a-pid"
	if _, err := client.PanePID("bad:0.0"); err == nil {
		t.Fatal("garbage pid must error")
	}
}

func TestValidateSessionName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"work", true},
		{"my-session_2", true},
		{"", false},
		{"a:b", false},
		{"a.b", false},
	}
	for _, tc := range cases {
		err := ValidateSessionName(tc.name)
		if (err == nil) != tc.ok {
			t.Errorf("ValidateSessionName(%q) = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestShellQuote(t *testing.T) {
	if got := ShellQuote("plain"); got != "'plain'" {
		t.Fatalf("got %s", got)
	}
	if got := ShellQuote("it's"); got != `'it'\''s'` {
		t.Fatalf("got %s", got)
	}
}

func TestCheckRunnerStartDetached(t *testing.T) {
	client, fake := newFakeClient()
	runner := NewCheckRunner(client, "claude")

	err := runner.StartDetached("deckhand-idle-check-s1-1", "haiku", "is it idle?", "/tmp/out.txt")
	if err != nil {
		t.Fatalf("StartDetached: %v", err)
	}

	got := fake.lastCall()
	script := got[len(got)-1]
	for _, want := range []string{"claude --model 'haiku'", "-p 'is it idle?'", "> '/tmp/out.txt'", "printf", ">> '/tmp/out.txt'"} {
		if !strings.Contains(script, want) {
			t.Errorf("script %q missing %q", script, want)
		}
	}
	if got[1] != "new-session" || got[2] != "-d" {
		t.Fatalf("call = %v, want detached new-session", got)
	}
}

func TestCheckRunnerKillIdempotent(t *testing.T) {
	client, fake := newFakeClient()
	fake.errs["tmux kill-session -t deckhand"] = fmt.Errorf("can't find session: deckhand-idle-check")

	runner := NewCheckRunner(client, "claude")
	if err := runner.Kill("deckhand-idle-check-s1-1"); err != nil {
		t.Fatalf("Kill on exited session: %v", err)
	}
}

func TestAgentSessionWriteFallback(t *testing.T) {
	client, fake := newFakeClient()
	fake.outputs["tmux display-message -p -t work:0.0 #{pane_pid}"] = "100"
	fake.outputs["tmux has-session -t work"] = ""

	s, err := NewAgentSession(client, "work", "/tmp/project")
	if err != nil {
		t.Fatalf("NewAgentSession: %v", err)
	}
	if s.ID() != "work" || s.PID() != 100 {
		t.Fatalf("session = %s/%d", s.ID(), s.PID())
	}

	if err := s.Write("hello\r"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := fake.callCount("tmux send-keys -t work:0.0 -l -- hello"); got != 1 {
		t.Fatalf("literal send count = %d", got)
	}

	// Literal path broken: the paste-buffer fallback takes over.
	fake.errs["tmux send-keys -t work:0.0 -l"] = errors.New("send-keys: argument too long")
	if err := s.Write("big prompt\r"); err == nil {
		t.Fatal("Write should fail when send-keys fails")
	}
	if !s.WriteViaMux("big prompt\r") {
		t.Fatal("paste fallback should deliver")
	}
	if got := fake.callCount("tmux paste-buffer"); got != 1 {
		t.Fatalf("paste-buffer count = %d", got)
	}
}

func TestAgentSessionRejectsMissing(t *testing.T) {
	client, fake := newFakeClient()
	fake.errs["tmux has-session -t absent"] = errors.New("can't find session: absent")

	if _, err := NewAgentSession(client, "absent", "/tmp"); err == nil {
		t.Fatal("missing session must be rejected at attach time")
	}
}
