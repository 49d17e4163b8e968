package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/deckhand/internal/config"
	"github.com/Dicklesworthstone/deckhand/internal/history"
	"github.com/Dicklesworthstone/deckhand/internal/manager"
	"github.com/Dicklesworthstone/deckhand/internal/respawn"
	"github.com/Dicklesworthstone/deckhand/internal/serve"
	"github.com/Dicklesworthstone/deckhand/internal/team"
	"github.com/Dicklesworthstone/deckhand/internal/tmux"
)

type serveOptions struct {
	Host        string
	Port        int
	ConfigDir   string
	DataDir     string
	TeamFile    string
	SSHRemote   string
	CheckBinary string
	NoHistory   bool
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{
		Host: "127.0.0.1",
		Port: 7717,
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the respawn daemon with the HTTP API and event stream",
		Long: `Run the deckhand daemon. Sessions are enabled and disabled through
the REST API; every enabled session gets a respawn controller fed by a
tmux pane watcher.

API Endpoints:
  GET  /api/v1/sessions                          Supervised sessions
  POST /api/v1/sessions/:id/respawn/start        Enable supervision
  POST /api/v1/sessions/:id/respawn/stop         Disable supervision
  GET  /api/v1/sessions/:id/respawn/status       Controller snapshot
  GET  /api/v1/sessions/:id/respawn/config       Live config
  PATCH /api/v1/sessions/:id/respawn/config      Merge a config patch
  POST /api/v1/sessions/:id/hook-events          Agent hook events
  GET  /api/v1/metrics/aggregate                 Fleet-wide cycle stats
  GET  /api/v1/metrics/recent                    Rolling cycle window
  GET  /api/v1/history                           Durable cycle archive
  GET  /events                                   Server-Sent Events stream

Examples:
  deckhand serve                         # Bind 127.0.0.1:7717
  deckhand serve --port 8080
  deckhand serve --team-file /work/.deckhand-team.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", opts.Host, "HTTP bind host")
	cmd.Flags().IntVar(&opts.Port, "port", opts.Port, "HTTP server port")
	cmd.Flags().StringVar(&opts.ConfigDir, "config-dir", "", "Per-session config directory (default: user config dir)")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "Cycle archive directory (default: user data dir)")
	cmd.Flags().StringVar(&opts.TeamFile, "team-file", "", "Team presence file; blocks respawns while teammates are active")
	cmd.Flags().StringVar(&opts.SSHRemote, "ssh", "", "Run tmux commands on a remote host over ssh")
	cmd.Flags().StringVar(&opts.CheckBinary, "check-binary", "claude", "Agent binary used for headless idle checks")
	cmd.Flags().BoolVar(&opts.NoHistory, "no-history", false, "Disable the durable cycle archive")

	return cmd
}

func runServe(opts serveOptions) error {
	logger := slog.Default()

	client := tmux.NewClient(opts.SSHRemote)
	if !client.IsInstalled() {
		return fmt.Errorf("tmux not found in PATH")
	}

	configDir := opts.ConfigDir
	if configDir == "" {
		configDir = defaultConfigDir()
	}
	store, err := config.NewStore(configDir)
	if err != nil {
		return fmt.Errorf("config store: %w", err)
	}
	defer store.Close()

	mgrOpts := []manager.Option{
		manager.WithConfigStore(store),
		manager.WithRunner(tmux.NewCheckRunner(client, opts.CheckBinary)),
		manager.WithLogger(logger),
	}

	var hist *history.Store
	if !opts.NoHistory {
		dataDir := opts.DataDir
		if dataDir == "" {
			dataDir = defaultDataDir()
		}
		hist, err = history.Open(filepath.Join(dataDir, "history.db"))
		if err != nil {
			return fmt.Errorf("history store: %w", err)
		}
		defer hist.Close()
		mgrOpts = append(mgrOpts, manager.WithHistory(hist))
	}

	if opts.TeamFile != "" {
		mgrOpts = append(mgrOpts, manager.WithTeamGate(team.NewPresenceGate(opts.TeamFile)))
	}

	mgr := manager.New(mgrOpts...)
	defer mgr.Close()

	if err := store.Watch(); err != nil {
		logger.Warn("[Serve] config_watch_unavailable", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Every enabled session gets a pane watcher feeding its controller.
	watchers := newWatcherSet(ctx, client, mgr)
	defer watchers.stopAll()

	srv, err := serve.New(serve.Config{
		Host:    opts.Host,
		Port:    opts.Port,
		Manager: mgr,
		History: hist,
		Logger:  logger,
		Version: Version,
		Resolve: func(id string) (respawn.Session, error) {
			session, err := tmux.NewAgentSession(client, id, "")
			if err != nil {
				return nil, err
			}
			watchers.start(id, session.Target())
			return session, nil
		},
	})
	if err != nil {
		return err
	}

	return srv.Start(ctx)
}

// watcherSet tracks one pane watcher per enabled session. Resolve runs
// on HTTP handler goroutines, so the map is mutex guarded.
type watcherSet struct {
	ctx    context.Context
	client *tmux.Client
	mgr    *manager.Manager

	mu       sync.Mutex
	watchers map[string]*tmux.PaneWatcher
}

func newWatcherSet(ctx context.Context, client *tmux.Client, mgr *manager.Manager) *watcherSet {
	return &watcherSet{
		ctx:      ctx,
		client:   client,
		mgr:      mgr,
		watchers: make(map[string]*tmux.PaneWatcher),
	}
}

func (ws *watcherSet) start(sessionID, target string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, exists := ws.watchers[sessionID]; exists {
		return
	}
	w := tmux.NewPaneWatcher(ws.client, target, func(chunk string) {
		ws.mgr.HandleOutput(sessionID, chunk)
	}, tmux.WatcherConfig{})
	w.Start(ws.ctx)
	ws.watchers[sessionID] = w
}

func (ws *watcherSet) stopAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, w := range ws.watchers {
		w.Stop()
	}
}
