// Package cli implements the deckhand command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	// Global JSON output flag, inherited by all subcommands.
	jsonOutput bool

	// Global color control flag.
	noColor bool

	verbose bool

	// Build information, set via ldflags.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "deckhand",
	Short: "Autonomous respawn supervisor for tmux-hosted coding agents",
	Long: `Deckhand watches coding-agent tmux sessions for idleness, confirms it,
and respawns the agent with a fresh context so long-running work keeps
moving without a human at the keyboard.

Quick Start:
  deckhand watch myproject               # Supervise one session in the foreground
  deckhand serve                         # Run the daemon with the HTTP API
  deckhand status                        # Show supervised sessions and cycle stats
  deckhand history --session myproject   # Past respawn cycles from the archive`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			os.Setenv("NO_COLOR", "1")
		}
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output machine-readable JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newHookCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				fmt.Printf("{\"version\":%q,\"commit\":%q,\"date\":%q}\n", Version, Commit, Date)
				return
			}
			fmt.Printf("deckhand %s (commit %s, built %s)\n", Version, Commit, Date)
		},
	}
}

// defaultConfigDir is where per-session respawn configs live.
func defaultConfigDir() string {
	if dir := os.Getenv("DECKHAND_CONFIG_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "deckhand")
}

// defaultDataDir holds the durable cycle archive.
func defaultDataDir() string {
	if dir := os.Getenv("DECKHAND_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "share", "deckhand")
}
