// Package tmux wraps the tmux operations the supervisor needs: delivering
// input to a supervised pane, capturing its scrollback, and running ephemeral
// detached sessions for verdict checks.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// execFunc runs a binary and returns its trimmed stdout. Injectable so unit
// tests never need a tmux server.
type execFunc func(bin string, args ...string) (string, error)

func runCommand(bin string, args ...string) (string, error) {
	cmd := exec.Command(bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", bin, strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Client handles tmux operations, optionally on a remote host.
type Client struct {
	Remote string // "user@host" or empty for local
	exec   execFunc
}

// NewClient creates a tmux client.
func NewClient(remote string) *Client {
	return &Client{Remote: remote, exec: runCommand}
}

// withExec substitutes the command executor; test hook.
func (c *Client) withExec(fn execFunc) *Client {
	c.exec = fn
	return c
}

// Run executes a tmux command and returns its stdout.
func (c *Client) Run(args ...string) (string, error) {
	if c.Remote == "" {
		return c.exec("tmux", args...)
	}
	// ssh concatenates args; fine for the simple commands we issue.
	sshArgs := append([]string{c.Remote, "tmux"}, args...)
	return c.exec("ssh", sshArgs...)
}

// RunSilent executes a tmux command ignoring output.
func (c *Client) RunSilent(args ...string) error {
	_, err := c.Run(args...)
	return err
}

// IsInstalled checks if tmux is available on the target host.
func (c *Client) IsInstalled() bool {
	if c.Remote == "" {
		_, err := exec.LookPath("tmux")
		return err == nil
	}
	return c.RunSilent("-V") == nil
}

// SessionExists checks if a session exists.
func (c *Client) SessionExists(name string) bool {
	return c.RunSilent("has-session", "-t", name) == nil
}

// NewSession creates a detached session rooted in directory. When command is
// non-empty it runs instead of the default shell.
func (c *Client) NewSession(name, directory string, command ...string) error {
	args := []string{"new-session", "-d", "-s", name}
	if directory != "" {
		args = append(args, "-c", directory)
	}
	args = append(args, command...)
	return c.RunSilent(args...)
}

// KillSession kills a session. Killing a session that is already gone is not
// an error.
func (c *Client) KillSession(name string) error {
	err := c.RunSilent("kill-session", "-t", name)
	if err != nil && isMissingTarget(err) {
		return nil
	}
	return err
}

// isMissingTarget recognizes tmux's "already gone" failures.
func isMissingTarget(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "No such file or directory")
}

// SendKeys sends literal keys to a pane, optionally followed by Enter.
func (c *Client) SendKeys(target, keys string, enter bool) error {
	if keys != "" {
		if err := c.RunSilent("send-keys", "-t", target, "-l", "--", keys); err != nil {
			return err
		}
	}
	if enter {
		return c.RunSilent("send-keys", "-t", target, "C-m")
	}
	return nil
}

// SendInterrupt sends Ctrl+C to a pane.
func (c *Client) SendInterrupt(target string) error {
	return c.RunSilent("send-keys", "-t", target, "C-c")
}

// PasteText delivers text through a tmux paste buffer. Used as the fallback
// path when literal send-keys fails on long or unusual input.
func (c *Client) PasteText(target, text string) error {
	buf := fmt.Sprintf("deckhand-%d", os.Getpid())
	if err := c.RunSilent("set-buffer", "-b", buf, "--", text); err != nil {
		return err
	}
	defer c.RunSilent("delete-buffer", "-b", buf)
	return c.RunSilent("paste-buffer", "-b", buf, "-t", target, "-d")
}

// CapturePane captures the last lines of a pane's scrollback.
func (c *Client) CapturePane(target string, lines int) (string, error) {
	return c.Run("capture-pane", "-t", target, "-p", "-S", fmt.Sprintf("-%d", lines))
}

// PanePID returns the pid of the process running in a pane.
func (c *Client) PanePID(target string) (int, error) {
	out, err := c.Run("display-message", "-p", "-t", target, "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse pane pid %q: %w", out, err)
	}
	return pid, nil
}

// PaneCommand returns the command currently running in a pane.
func (c *Client) PaneCommand(target string) (string, error) {
	return c.Run("display-message", "-p", "-t", target, "#{pane_current_command}")
}

// ValidateSessionName checks if a session name is usable as a tmux target.
func ValidateSessionName(name string) error {
	if name == "" {
		return errors.New("session name cannot be empty")
	}
	if strings.ContainsAny(name, ":.") {
		return errors.New("session name cannot contain ':' or '.'")
	}
	return nil
}

// ShellQuote wraps s in single quotes for safe inclusion in a shell command.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
