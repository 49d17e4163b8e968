// Package team implements the team-awareness gate over the coordination
// layer's presence file. The respawn controller consults it right before a
// cycle; as long as teammates are mid-task the respawn is vetoed so a /clear
// cannot stomp on shared context.
package team

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Member is one agent's entry in the presence file.
type Member struct {
	ID       string    `yaml:"id"`
	Status   string    `yaml:"status"` // "active", "idle", "done"
	Task     string    `yaml:"task,omitempty"`
	LastSeen time.Time `yaml:"last_seen"`
}

// presenceDoc is the on-disk shape of the presence file.
type presenceDoc struct {
	Members []Member `yaml:"members"`
}

// StatusActive is the presence status that counts toward the gate.
const StatusActive = "active"

// DefaultHeartbeatTTL is how recent a heartbeat must be for a member to
// count as working. Stale entries belong to crashed or departed agents.
const DefaultHeartbeatTTL = 2 * time.Minute

// PresenceGate reads the presence file on demand. A gate over a missing or
// unreadable file reports zero teammates: the coordination layer is optional
// and its absence must never block respawns.
type PresenceGate struct {
	path   string
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	cached   []Member
	cachedAt time.Time
	cacheFor time.Duration
}

// NewPresenceGate creates a gate over the presence file at path.
func NewPresenceGate(path string) *PresenceGate {
	return &PresenceGate{
		path:     path,
		ttl:      DefaultHeartbeatTTL,
		logger:   slog.Default(),
		cacheFor: 2 * time.Second,
	}
}

// WithHeartbeatTTL overrides the heartbeat freshness window.
func (g *PresenceGate) WithHeartbeatTTL(ttl time.Duration) *PresenceGate {
	if ttl > 0 {
		g.ttl = ttl
	}
	return g
}

// WithLogger sets a custom logger.
func (g *PresenceGate) WithLogger(logger *slog.Logger) *PresenceGate {
	g.logger = logger
	return g
}

// HasActiveTeammates reports whether any other agent is mid-task.
func (g *PresenceGate) HasActiveTeammates(sessionID string) bool {
	return g.ActiveTeammateCount(sessionID) > 0
}

// ActiveTeammateCount counts members that are active, fresh, and not the
// querying session itself.
func (g *PresenceGate) ActiveTeammateCount(sessionID string) int {
	members := g.load()
	now := time.Now()
	count := 0
	for _, m := range members {
		if m.ID == sessionID {
			continue
		}
		if m.Status != StatusActive {
			continue
		}
		if now.Sub(m.LastSeen) > g.ttl {
			continue
		}
		count++
	}
	return count
}

// Members returns the current presence entries, fresh or not.
func (g *PresenceGate) Members() []Member {
	members := g.load()
	out := make([]Member, len(members))
	copy(out, members)
	return out
}

// load reads the presence file, with a short cache so a burst of gate checks
// does not hammer the filesystem.
func (g *PresenceGate) load() []Member {
	g.mu.Lock()
	defer g.mu.Unlock()

	if time.Since(g.cachedAt) < g.cacheFor {
		return g.cached
	}

	data, err := os.ReadFile(g.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			g.logger.Debug("[TeamGate] presence_read_failed", "path", g.path, "error", err)
		}
		g.cached = nil
		g.cachedAt = time.Now()
		return nil
	}

	var doc presenceDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		g.logger.Warn("[TeamGate] presence_parse_failed", "path", g.path, "error", err)
		g.cached = nil
		g.cachedAt = time.Now()
		return nil
	}

	g.cached = doc.Members
	g.cachedAt = time.Now()
	return g.cached
}

// Heartbeat upserts this session's own entry and writes the file back. The
// supervisor calls it periodically so teammates' gates see us.
func (g *PresenceGate) Heartbeat(sessionID, status, task string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var doc presenceDoc
	if data, err := os.ReadFile(g.path); err == nil {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			// Corrupt file: start over rather than fail heartbeats forever.
			doc = presenceDoc{}
		}
	}

	now := time.Now()
	found := false
	for i := range doc.Members {
		if doc.Members[i].ID == sessionID {
			doc.Members[i].Status = status
			doc.Members[i].Task = task
			doc.Members[i].LastSeen = now
			found = true
			break
		}
	}
	if !found {
		doc.Members = append(doc.Members, Member{
			ID: sessionID, Status: status, Task: task, LastSeen: now,
		})
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	if err := os.Rename(tmp, g.path); err != nil {
		return fmt.Errorf("replace presence: %w", err)
	}

	// Invalidate the read cache so our own write is visible immediately.
	g.cachedAt = time.Time{}
	return nil
}
