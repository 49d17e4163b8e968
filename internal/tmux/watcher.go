package tmux

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// WatcherConfig tunes the pane poll loop.
type WatcherConfig struct {
	// PollInterval is how often the pane is captured (default: 500ms).
	PollInterval time.Duration
	// CaptureLines is the scrollback depth per capture (default: 100).
	CaptureLines int
}

// DefaultWatcherConfig returns the defaults used in production.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval: 500 * time.Millisecond,
		CaptureLines: 100,
	}
}

// PaneWatcher polls a pane's scrollback and feeds only the new portion to a
// sink, in capture order. It is the bridge between a tmux pane and a respawn
// controller's HandleOutput.
type PaneWatcher struct {
	client *Client
	target string
	config WatcherConfig
	sink   func(chunk string)
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	last    string
}

// NewPaneWatcher creates a watcher delivering new pane output to sink.
func NewPaneWatcher(client *Client, target string, sink func(chunk string), cfg WatcherConfig) *PaneWatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.CaptureLines <= 0 {
		cfg.CaptureLines = 100
	}
	return &PaneWatcher{
		client: client,
		target: target,
		config: cfg,
		sink:   sink,
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (w *PaneWatcher) WithLogger(logger *slog.Logger) *PaneWatcher {
	w.logger = logger
	return w
}

// Start begins polling. Idempotent while running.
func (w *PaneWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.poll()
}

// Stop halts polling and waits for the loop to exit.
func (w *PaneWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}

func (w *PaneWatcher) poll() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			output, err := w.client.CapturePane(w.target, w.config.CaptureLines)
			if err != nil {
				if w.ctx.Err() != nil {
					return
				}
				w.logger.Debug("[PaneWatcher] capture_failed", "target", w.target, "error", err)
				continue
			}
			if chunk := w.diff(output); chunk != "" {
				w.sink(chunk)
			}
		}
	}
}

// diff returns the portion of output not yet delivered. Captures are
// snapshots of the visible tail, so the previous capture usually survives as
// a prefix or an overlapping suffix of the new one; when neither holds the
// screen was redrawn and the whole capture is delivered.
func (w *PaneWatcher) diff(output string) string {
	prev := w.last
	w.last = output

	if output == prev {
		return ""
	}
	if prev == "" {
		return output
	}
	if rest, ok := strings.CutPrefix(output, prev); ok {
		return rest
	}
	// Scrolled: find the longest suffix of prev that prefixes output, on
	// line boundaries.
	lines := strings.SplitAfter(prev, "\n")
	for i := 1; i < len(lines); i++ {
		tail := strings.Join(lines[i:], "")
		if tail == "" {
			break
		}
		if rest, ok := strings.CutPrefix(output, tail); ok {
			return rest
		}
	}
	return output
}
