package tmux

import (
	"fmt"
	"sync/atomic"
)

// AgentSession is a tmux-backed supervised session. It satisfies the respawn
// controller's session surface: identity plus two input-delivery paths.
type AgentSession struct {
	client  *Client
	name    string
	target  string // pane target, e.g. "work:0.0"
	workdir string
	pid     int

	iterTracker atomic.Bool
}

// NewAgentSession wraps an existing tmux session. The pane pid is resolved
// once at attach time; a session whose pane is gone fails here rather than
// on first write.
func NewAgentSession(client *Client, name, workdir string) (*AgentSession, error) {
	if err := ValidateSessionName(name); err != nil {
		return nil, err
	}
	if !client.SessionExists(name) {
		return nil, fmt.Errorf("session %q not found", name)
	}
	target := name + ":0.0"
	pid, err := client.PanePID(target)
	if err != nil {
		return nil, fmt.Errorf("resolve pane pid: %w", err)
	}
	return &AgentSession{
		client:  client,
		name:    name,
		target:  target,
		workdir: workdir,
		pid:     pid,
	}, nil
}

func (s *AgentSession) ID() string         { return s.name }
func (s *AgentSession) PID() int           { return s.pid }
func (s *AgentSession) WorkingDir() string { return s.workdir }

// Target returns the pane target for capture and delivery.
func (s *AgentSession) Target() string { return s.target }

// Status reports the command currently running in the supervised pane, or
// "gone" when the session no longer exists.
func (s *AgentSession) Status() string {
	if !s.client.SessionExists(s.name) {
		return "gone"
	}
	cmd, err := s.client.PaneCommand(s.target)
	if err != nil {
		return "unknown"
	}
	return cmd
}

// Write delivers raw text to the pane. A trailing carriage return in the
// text acts as Enter.
func (s *AgentSession) Write(text string) error {
	return s.client.SendKeys(s.target, text, false)
}

// WriteViaMux is the paste-buffer fallback path; it reports delivery.
func (s *AgentSession) WriteViaMux(text string) bool {
	return s.client.PasteText(s.target, text) == nil
}

// IterationTrackerEnabled reports whether the session's own iteration
// tracker manages context, in which case /clear is withheld.
func (s *AgentSession) IterationTrackerEnabled() bool {
	return s.iterTracker.Load()
}

// SetIterationTracker flips the iteration-tracker flag; owned by the host.
func (s *AgentSession) SetIterationTracker(on bool) {
	s.iterTracker.Store(on)
}

// Interrupt sends Ctrl+C to the supervised pane.
func (s *AgentSession) Interrupt() error {
	return s.client.SendInterrupt(s.target)
}

// Capture returns the last lines of the pane's scrollback.
func (s *AgentSession) Capture(lines int) (string, error) {
	return s.client.CapturePane(s.target, lines)
}
