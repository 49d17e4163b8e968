package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/deckhand/internal/history"
)

type historyOptions struct {
	DataDir string
	Session string
	Limit   int
	Prune   time.Duration
}

func newHistoryCmd() *cobra.Command {
	opts := historyOptions{Limit: 30}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past respawn cycles from the durable archive",
		Long: `Read completed cycles from the on-disk archive. Unlike the rolling
metrics window, the archive reaches back indefinitely.

Examples:
  deckhand history
  deckhand history --session myproject --limit 100
  deckhand history --prune 720h          # Drop cycles older than 30 days`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts)
		},
	}

	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "Cycle archive directory (default: user data dir)")
	cmd.Flags().StringVar(&opts.Session, "session", "", "Filter by session")
	cmd.Flags().IntVar(&opts.Limit, "limit", opts.Limit, "Maximum cycles to show")
	cmd.Flags().DurationVar(&opts.Prune, "prune", 0, "Delete cycles older than this age instead of listing")

	return cmd
}

func runHistory(opts historyOptions) error {
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = defaultDataDir()
	}
	store, err := history.Open(filepath.Join(dataDir, "history.db"))
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	defer store.Close()

	if opts.Prune > 0 {
		removed, err := store.Prune(time.Now().Add(-opts.Prune))
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d cycle(s)\n", removed)
		return nil
	}

	cycles, err := store.Recent(opts.Session, opts.Limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cycles)
	}
	if len(cycles) == 0 {
		fmt.Println("No recorded cycles.")
		return nil
	}

	table := NewStyledTable("WHEN", "SESSION", "#", "OUTCOME", "IDLE REASON", "DURATION")
	for _, c := range cycles {
		table.AddRow(
			c.CompletedAt.Local().Format("Jan 02 15:04"),
			c.SessionID,
			fmt.Sprintf("%d", c.CycleNumber),
			renderOutcome(string(c.Outcome)),
			c.IdleReason,
			c.Duration().Round(time.Second).String(),
		)
	}
	counts, err := store.CountByOutcome()
	if err == nil && len(counts) > 0 {
		parts := make([]string, 0, len(counts))
		for outcome, n := range counts {
			parts = append(parts, fmt.Sprintf("%s=%d", outcome, n))
		}
		sort.Strings(parts)
		table.WithFooter("All time: " + strings.Join(parts, "  "))
	}
	fmt.Print(table.WithTitle("Respawn History").Render())
	return nil
}
