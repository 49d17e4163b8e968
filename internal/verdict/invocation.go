package verdict

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DoneMarker is appended to the invocation's output file by the runner once
// the agent CLI has exited. Its presence is the completion signal the poll
// loop looks for; a direct callback is not possible because the invoked
// process outlives the invoking call.
const DoneMarker = "__DECKHAND_CHECK_DONE__"

// Runner launches and tears down detached, named agent-CLI invocations.
// Implementations must make Kill a no-op when the name no longer exists.
type Runner interface {
	// StartDetached launches an independent agent CLI under the given name
	// with the prompt and model, output (and DoneMarker) redirected to
	// outputPath. It returns once the invocation is launched, not when it
	// finishes.
	StartDetached(name, model, prompt, outputPath string) error

	// Kill forcefully terminates the named invocation. Terminating a name
	// that does not exist is not an error.
	Kill(name string) error
}

// ErrCheckCancelled resolves an invocation that was cancelled mid-flight.
var ErrCheckCancelled = errors.New("check cancelled")

// invocation is one ephemeral check: a uniquely named secondary CLI session
// plus a uniquely named temp file. Cleanup of both is guaranteed on every
// exit path, including mid-flight cancellation.
type invocation struct {
	name       string
	outputPath string
	runner     Runner

	pollInterval time.Duration
	timeout      time.Duration

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
}

func newInvocation(name, outputPath string, runner Runner, pollInterval, timeout time.Duration) *invocation {
	return &invocation{
		name:         name,
		outputPath:   outputPath,
		runner:       runner,
		pollInterval: pollInterval,
		timeout:      timeout,
		cancelCh:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// run launches the invocation and polls the output file for the completion
// marker. It returns the raw output before the marker.
func (inv *invocation) run(ctx context.Context, model, prompt string) (string, error) {
	defer close(inv.done)
	defer inv.cleanup()

	if err := inv.runner.StartDetached(inv.name, model, prompt, inv.outputPath); err != nil {
		return "", fmt.Errorf("start check invocation %s: %w", inv.name, err)
	}

	deadline := time.Now().Add(inv.timeout)
	ticker := time.NewTicker(inv.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ErrCheckCancelled
		case <-inv.cancelCh:
			return "", ErrCheckCancelled
		case <-ticker.C:
			data, err := os.ReadFile(inv.outputPath)
			if err != nil {
				// The runner may not have created the file yet.
				if time.Now().After(deadline) {
					return "", fmt.Errorf("check invocation %s timed out after %v", inv.name, inv.timeout)
				}
				continue
			}
			if idx := strings.Index(string(data), DoneMarker); idx >= 0 {
				return string(data[:idx]), nil
			}
			if time.Now().After(deadline) {
				return "", fmt.Errorf("check invocation %s timed out after %v", inv.name, inv.timeout)
			}
		}
	}
}

// cancel resolves the invocation as cancelled. Safe to call more than once
// and from any goroutine; it returns once cleanup has finished.
func (inv *invocation) cancel() {
	inv.cancelOnce.Do(func() { close(inv.cancelCh) })
	<-inv.done
}

// cleanup tears down the ephemeral process and temp file. Both paths are
// idempotent.
func (inv *invocation) cleanup() {
	_ = inv.runner.Kill(inv.name)
	_ = os.Remove(inv.outputPath)
}
