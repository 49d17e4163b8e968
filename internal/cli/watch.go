package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/deckhand/internal/config"
	"github.com/Dicklesworthstone/deckhand/internal/history"
	"github.com/Dicklesworthstone/deckhand/internal/manager"
	"github.com/Dicklesworthstone/deckhand/internal/metrics"
	"github.com/Dicklesworthstone/deckhand/internal/team"
	"github.com/Dicklesworthstone/deckhand/internal/tmux"
)

type watchOptions struct {
	ConfigDir   string
	DataDir     string
	TeamFile    string
	SSHRemote   string
	CheckBinary string
	Duration    time.Duration
	NoHistory   bool
}

func newWatchCmd() *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch <session>",
		Short: "Supervise one tmux session in the foreground",
		Long: `Attach a respawn controller to a tmux session and run until
interrupted. Cycle events print to stdout as they happen.

Examples:
  deckhand watch myproject
  deckhand watch myproject --for 4h
  deckhand watch myproject --team-file /work/.deckhand-team.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigDir, "config-dir", "", "Per-session config directory (default: user config dir)")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "Cycle archive directory (default: user data dir)")
	cmd.Flags().StringVar(&opts.TeamFile, "team-file", "", "Team presence file; blocks respawns while teammates are active")
	cmd.Flags().StringVar(&opts.SSHRemote, "ssh", "", "Run tmux commands on a remote host over ssh")
	cmd.Flags().StringVar(&opts.CheckBinary, "check-binary", "claude", "Agent binary used for headless idle checks")
	cmd.Flags().DurationVar(&opts.Duration, "for", 0, "Stop supervision after this long (0 = until interrupted)")
	cmd.Flags().BoolVar(&opts.NoHistory, "no-history", false, "Disable the durable cycle archive")

	return cmd
}

func runWatch(sessionID string, opts watchOptions) error {
	logger := slog.Default()

	client := tmux.NewClient(opts.SSHRemote)
	if !client.IsInstalled() {
		return fmt.Errorf("tmux not found in PATH")
	}

	session, err := tmux.NewAgentSession(client, sessionID, "")
	if err != nil {
		return fmt.Errorf("attach to %s: %w", sessionID, err)
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

	if !opts.NoHistory {
		dataDir := opts.DataDir
		if dataDir == "" {
			dataDir = defaultDataDir()
		}
		hist, err := history.Open(filepath.Join(dataDir, "history.db"))
		if err != nil {
			return fmt.Errorf("history store: %w", err)
		}
		defer hist.Close()
		mgrOpts = append(mgrOpts, manager.WithHistory(hist))
	}

	var gate *team.PresenceGate
	if opts.TeamFile != "" {
		gate = team.NewPresenceGate(opts.TeamFile)
		mgrOpts = append(mgrOpts, manager.WithTeamGate(gate))
	}

	mgr := manager.New(mgrOpts...)
	defer mgr.Close()

	if err := store.Watch(); err != nil {
		logger.Warn("[Watch] config_watch_unavailable", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	feed, unsubscribe := mgr.Subscribe()
	defer unsubscribe()

	if err := mgr.Enable(session); err != nil {
		return err
	}

	watcher := tmux.NewPaneWatcher(client, session.Target(), func(chunk string) {
		mgr.HandleOutput(sessionID, chunk)
	}, tmux.WatcherConfig{})
	watcher.Start(ctx)
	defer watcher.Stop()

	// Advertise our own presence so teammates' supervisors see us.
	if gate != nil {
		go heartbeatLoop(ctx, gate, sessionID, logger)
	}

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", sessionID)
	for {
		select {
		case <-ctx.Done():
			fmt.Println(renderAggregate(mgr.Aggregate()))
			return nil
		case ev, ok := <-feed:
			if !ok {
				return nil
			}
			printFeedEvent(ev)
		}
	}
}

func heartbeatLoop(ctx context.Context, gate *team.PresenceGate, sessionID string, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	beat := func() {
		if err := gate.Heartbeat(sessionID, team.StatusActive, "supervising"); err != nil {
			logger.Warn("[Watch] heartbeat_failed", "error", err)
		}
	}
	beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

func printFeedEvent(ev manager.FeedEvent) {
	ts := ev.At.Local().Format("15:04:05")
	switch ev.Type {
	case manager.FeedCycle:
		if m, ok := ev.Payload.(metrics.CycleMetrics); ok {
			fmt.Printf("%s  cycle #%d  %s  (%s)\n", ts, m.CycleNumber,
				renderOutcome(string(m.Outcome)), m.Duration().Round(time.Second))
			return
		}
		fmt.Printf("%s  cycle completed\n", ts)
	case manager.FeedBlocked:
		fmt.Printf("%s  %s\n", ts, styleMuted().Render("respawn blocked"))
	default:
		fmt.Printf("%s  %s\n", ts, ev.Type)
	}
}
