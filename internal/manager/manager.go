// Package manager owns the per-session respawn controllers: one controller
// per enabled session, one shared metrics tracker, the optional SQLite
// history sink, and the broadcast feed that the HTTP API streams out.
package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Dicklesworthstone/deckhand/internal/config"
	"github.com/Dicklesworthstone/deckhand/internal/metrics"
	"github.com/Dicklesworthstone/deckhand/internal/respawn"
	"github.com/Dicklesworthstone/deckhand/internal/verdict"
)

// Hook event names accepted from the supervised agent's hook integration.
const (
	HookElicitationDialog = "elicitation_dialog"
	HookStop              = "stop"
	HookIdlePrompt        = "idle_prompt"
)

// ErrSessionNotManaged is returned for operations on a session with no
// running controller.
var ErrSessionNotManaged = errors.New("session not managed")

// Sink is the optional durable archive for completed cycles.
type Sink = metrics.Sink

type managed struct {
	ctrl    *respawn.Controller
	session respawn.Session
	done    chan struct{}
}

// Manager supervises respawn controllers across sessions.
type Manager struct {
	tracker *metrics.Tracker
	store   *config.Store
	runner  verdict.Runner
	gate    respawn.TeamGate
	logger  *slog.Logger
	feed    *broadcaster

	mu       sync.RWMutex
	sessions map[string]*managed
	closed   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfigStore attaches the per-session config store; enabled sessions
// load their config from it and follow live file edits.
func WithConfigStore(store *config.Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithHistory attaches a durable sink for completed cycles.
func WithHistory(sink Sink) Option {
	return func(m *Manager) { m.tracker.WithSink(sink) }
}

// WithTeamGate installs the team-awareness gate given to every controller.
func WithTeamGate(gate respawn.TeamGate) Option {
	return func(m *Manager) { m.gate = gate }
}

// WithRunner sets the verdict invocation runner shared by controllers.
func WithRunner(runner verdict.Runner) Option {
	return func(m *Manager) { m.runner = runner }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New creates a manager with a fresh shared tracker.
func New(opts ...Option) *Manager {
	m := &Manager{
		tracker:  metrics.NewTracker(),
		logger:   slog.Default(),
		feed:     newBroadcaster(),
		sessions: make(map[string]*managed),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store != nil {
		m.store.OnReload(m.onConfigReload)
	}
	return m
}

// Enable starts respawn supervision for a session. The config comes from
// the store when one is attached, else the defaults.
func (m *Manager) Enable(session respawn.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("manager closed")
	}
	id := session.ID()
	if _, exists := m.sessions[id]; exists {
		return fmt.Errorf("session %s already has a respawn controller", id)
	}

	cfg := respawn.DefaultConfig()
	if m.store != nil {
		loaded, err := m.store.Load(id)
		if err != nil {
			m.logger.Warn("[Manager] config_load_failed", "session", id, "error", err)
		} else {
			cfg = loaded
		}
	}

	ctrl, err := respawn.NewController(session, cfg, m.tracker, m.runner)
	if err != nil {
		return fmt.Errorf("controller for %s: %w", id, err)
	}
	ctrl.WithLogger(m.logger)
	if m.gate != nil {
		ctrl.SetTeamWatcher(m.gate)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("start controller for %s: %w", id, err)
	}

	mg := &managed{ctrl: ctrl, session: session, done: make(chan struct{})}
	m.sessions[id] = mg
	go m.forward(id, mg)

	m.logger.Info("[Manager] respawn_enabled", "session", id)
	m.feed.publish(FeedEvent{Type: FeedStarted, SessionID: id, At: time.Now()})
	return nil
}

// Disable stops and removes a session's controller.
func (m *Manager) Disable(sessionID string) error {
	m.mu.Lock()
	mg, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotManaged
	}

	mg.ctrl.Stop()
	<-mg.done

	m.logger.Info("[Manager] respawn_disabled", "session", sessionID)
	m.feed.publish(FeedEvent{Type: FeedStopped, SessionID: sessionID, At: time.Now()})
	return nil
}

// forward translates a controller's typed events onto the broadcast feed.
func (m *Manager) forward(sessionID string, mg *managed) {
	defer close(mg.done)
	for ev := range mg.ctrl.Events() {
		switch e := ev.(type) {
		case respawn.Blocked:
			m.feed.publish(FeedEvent{
				Type: FeedBlocked, SessionID: sessionID, At: e.At,
				Payload: map[string]string{"reason": string(e.Reason), "details": e.Details},
			})
		case respawn.CycleCompleted:
			m.feed.publish(FeedEvent{
				Type: FeedCycle, SessionID: sessionID, At: e.At,
				Payload: e.Metrics,
			})
		}
	}
}

// Controller returns a session's controller.
func (m *Manager) Controller(sessionID string) (*respawn.Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mg, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return mg.ctrl, true
}

// Sessions lists managed session ids.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// Status returns a session's controller snapshot.
func (m *Manager) Status(sessionID string) (respawn.Status, error) {
	ctrl, ok := m.Controller(sessionID)
	if !ok {
		return respawn.Status{}, ErrSessionNotManaged
	}
	return ctrl.GetStatus(), nil
}

// Config returns a session's live config.
func (m *Manager) Config(sessionID string) (respawn.Config, error) {
	ctrl, ok := m.Controller(sessionID)
	if !ok {
		return respawn.Config{}, ErrSessionNotManaged
	}
	return ctrl.GetConfig(), nil
}

// UpdateConfig merges a patch into a session's live config and, when a
// store is attached, persists the merged result.
func (m *Manager) UpdateConfig(sessionID string, patch respawn.ConfigPatch) error {
	ctrl, ok := m.Controller(sessionID)
	if !ok {
		return ErrSessionNotManaged
	}
	if err := ctrl.UpdateConfig(patch); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.Save(sessionID, ctrl.GetConfig()); err != nil {
			m.logger.Warn("[Manager] config_persist_failed", "session", sessionID, "error", err)
		}
	}
	m.feed.publish(FeedEvent{Type: FeedConfigUpdated, SessionID: sessionID, At: time.Now()})
	return nil
}

// onConfigReload pushes an on-disk config edit into the running controller.
func (m *Manager) onConfigReload(sessionID string, cfg respawn.Config) {
	ctrl, ok := m.Controller(sessionID)
	if !ok {
		return
	}
	if err := ctrl.SetConfig(cfg); err != nil {
		m.logger.Warn("[Manager] config_reload_rejected", "session", sessionID, "error", err)
		return
	}
	m.feed.publish(FeedEvent{Type: FeedConfigUpdated, SessionID: sessionID, At: time.Now()})
}

// HandleHookEvent routes an agent hook event to the session's controller.
func (m *Manager) HandleHookEvent(sessionID, event string) error {
	ctrl, ok := m.Controller(sessionID)
	if !ok {
		return ErrSessionNotManaged
	}
	switch event {
	case HookElicitationDialog:
		ctrl.SignalElicitation()
	case HookStop:
		ctrl.SignalStopHook()
	case HookIdlePrompt:
		ctrl.SignalIdlePrompt()
	default:
		return fmt.Errorf("unknown hook event %q", event)
	}
	return nil
}

// HandleOutput feeds session output to its controller, if managed.
func (m *Manager) HandleOutput(sessionID, chunk string) {
	if ctrl, ok := m.Controller(sessionID); ok {
		ctrl.HandleOutput(chunk)
	}
}

// Subscribe attaches a listener to the broadcast feed.
func (m *Manager) Subscribe() (<-chan FeedEvent, func()) {
	return m.feed.subscribe()
}

// Aggregate returns the fleet-wide rolling statistics.
func (m *Manager) Aggregate() metrics.Aggregate {
	return m.tracker.GetAggregate()
}

// RecentCycles returns the most recent completed cycles from the rolling
// window.
func (m *Manager) RecentCycles(limit int) []metrics.CycleMetrics {
	return m.tracker.GetRecent(limit)
}

// Close stops every controller and the feed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*managed, 0, len(m.sessions))
	for _, mg := range m.sessions {
		sessions = append(sessions, mg)
	}
	m.sessions = make(map[string]*managed)
	m.mu.Unlock()

	for _, mg := range sessions {
		mg.ctrl.Stop()
		<-mg.done
	}
	m.feed.closeAll()
	m.logger.Info("[Manager] closed")
}
