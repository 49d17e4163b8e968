package tmux

import (
	"fmt"

	"github.com/Dicklesworthstone/deckhand/internal/verdict"
)

// CheckRunner launches verdict-check invocations as detached tmux sessions.
// Each invocation runs the agent CLI once in print mode, redirects its output
// to a temp file, and appends the completion marker so the poller can tell a
// finished check from a partial write.
type CheckRunner struct {
	client *Client
	binary string // agent CLI binary, e.g. "claude"
}

// NewCheckRunner creates a runner using the given agent CLI binary.
func NewCheckRunner(client *Client, binary string) *CheckRunner {
	if binary == "" {
		binary = "claude"
	}
	return &CheckRunner{client: client, binary: binary}
}

// StartDetached launches a named detached invocation. The session exits on
// its own once the CLI finishes; Kill remains safe either way.
func (r *CheckRunner) StartDetached(name, model, prompt, outputPath string) error {
	script := fmt.Sprintf("%s --model %s -p %s > %s 2>&1; printf '%%s' %s >> %s",
		r.binary,
		ShellQuote(model),
		ShellQuote(prompt),
		ShellQuote(outputPath),
		ShellQuote(verdict.DoneMarker),
		ShellQuote(outputPath))
	if err := r.client.NewSession(name, "", "sh", "-c", script); err != nil {
		return fmt.Errorf("start check session %s: %w", name, err)
	}
	return nil
}

// Kill terminates an invocation's session. A session that already exited is
// not an error.
func (r *CheckRunner) Kill(name string) error {
	return r.client.KillSession(name)
}
