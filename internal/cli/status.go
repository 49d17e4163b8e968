package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/muesli/reflow/wordwrap"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Dicklesworthstone/deckhand/internal/metrics"
)

type statusOptions struct {
	Server  string
	Session string
}

func newStatusCmd() *cobra.Command {
	var opts statusOptions

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show supervised sessions and cycle statistics",
		Long: `Query a running deckhand daemon for its supervised sessions and
the fleet-wide respawn statistics.

Examples:
  deckhand status
  deckhand status --session myproject
  deckhand status --server http://127.0.0.1:8080 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "http://127.0.0.1:7717", "Daemon base URL")
	cmd.Flags().StringVar(&opts.Session, "session", "", "Show detail for one session")

	return cmd
}

type sessionRow struct {
	ID              string `json:"id"`
	State           string `json:"state"`
	QuestionPending bool   `json:"question_pending"`
	LastOutputAt    string `json:"last_output_at"`
}

type sessionsResponse struct {
	Success  bool         `json:"success"`
	Sessions []sessionRow `json:"sessions"`
}

type aggregateResponse struct {
	Success   bool              `json:"success"`
	Aggregate metrics.Aggregate `json:"aggregate"`
}

func runStatus(opts statusOptions) error {
	client := &http.Client{Timeout: 10 * time.Second}
	base := strings.TrimSuffix(opts.Server, "/")

	if opts.Session != "" {
		return showSessionStatus(client, base, opts.Session)
	}

	var sessions sessionsResponse
	if err := getJSON(client, base+"/api/v1/sessions", &sessions); err != nil {
		return err
	}
	var agg aggregateResponse
	if err := getJSON(client, base+"/api/v1/metrics/aggregate", &agg); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(map[string]any{
			"sessions":  sessions.Sessions,
			"aggregate": agg.Aggregate,
		})
	}

	if len(sessions.Sessions) == 0 {
		fmt.Println("No sessions under supervision.")
	} else {
		table := NewStyledTable("SESSION", "STATE", "QUESTION", "LAST OUTPUT")
		for _, s := range sessions.Sessions {
			question := ""
			if s.QuestionPending {
				question = styleWarn().Render("pending")
			}
			table.AddRow(s.ID, renderState(s.State), question, renderSince(s.LastOutputAt))
		}
		fmt.Print(table.WithTitle("Supervised Sessions").Render())
	}

	fmt.Println()
	fmt.Println(renderAggregate(agg.Aggregate))
	return nil
}

func showSessionStatus(client *http.Client, base, session string) error {
	var body struct {
		Success bool           `json:"success"`
		Status  map[string]any `json:"status"`
	}
	if err := getJSON(client, base+"/api/v1/sessions/"+session+"/respawn/status", &body); err != nil {
		return err
	}
	var cfgBody struct {
		Success bool           `json:"success"`
		Config  map[string]any `json:"config"`
	}
	if err := getJSON(client, base+"/api/v1/sessions/"+session+"/respawn/config", &cfgBody); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(map[string]any{"status": body.Status, "config": cfgBody.Config})
	}

	fmt.Println(styleHeader().Render("Session " + session))
	table := NewStyledTable("FIELD", "VALUE")
	table.AddRow("state", renderState(fmt.Sprint(body.Status["state"])))
	table.AddRow("question pending", fmt.Sprint(body.Status["question_pending"]))
	table.AddRow("confirm stretch", fmt.Sprint(body.Status["confirm_stretch"]))
	fmt.Print(table.Render())

	if prompt, ok := cfgBody.Config["kickstart_prompt"].(string); ok && prompt != "" {
		fmt.Println(styleMuted().Render("Kickstart prompt:"))
		fmt.Println(wordwrap.String(prompt, terminalWidth()))
	}
	return nil
}

// renderAggregate formats fleet-wide cycle statistics for the terminal.
func renderAggregate(agg metrics.Aggregate) string {
	table := NewStyledTable("METRIC", "VALUE")
	table.AddRow("total cycles", fmt.Sprintf("%d", agg.TotalCycles))
	table.AddRow("successful", styleGood().Render(fmt.Sprintf("%d", agg.SuccessfulCycles)))
	table.AddRow("stuck recoveries", fmt.Sprintf("%d", agg.StuckRecoveryCycles))
	table.AddRow("blocked", fmt.Sprintf("%d", agg.BlockedCycles))
	table.AddRow("errors", styleBad().Render(fmt.Sprintf("%d", agg.ErrorCycles)))
	table.AddRow("cancelled", fmt.Sprintf("%d", agg.CancelledCycles))
	table.AddRow("success rate", fmt.Sprintf("%d%%", agg.SuccessRate))
	table.AddRow("avg cycle", agg.AvgCycleDuration.Round(time.Second).String())
	table.AddRow("p90 cycle", agg.P90CycleDuration.Round(time.Second).String())
	table.AddRow("avg idle detection", agg.AvgIdleDetection.Round(time.Second).String())
	return table.WithTitle("Respawn Cycles").Render()
}

func renderState(state string) string {
	switch state {
	case "watching":
		return styleGood().Render(state)
	case "stopped":
		return styleMuted().Render(state)
	case "sending_update", "waiting_update":
		return styleWarn().Render(state)
	default:
		return state
	}
}

func renderSince(stamp string) string {
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil || t.IsZero() {
		return styleMuted().Render("never")
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

// terminalWidth returns the display width for wrapping, defaulting to 80
// when stdout is not a terminal.
func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	if width > 120 {
		width = 120
	}
	return width
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
