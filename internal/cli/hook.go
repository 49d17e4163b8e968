package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newHookCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "hook <session> <event>",
		Short: "Forward an agent hook event to the daemon",
		Long: `Forward a hook event to a running deckhand daemon. Wire this into the
coding agent's hook configuration so the supervisor reacts immediately
instead of waiting for output heuristics.

Events:
  stop                The agent's stop hook fired
  idle_prompt         The agent is sitting at an idle prompt
  elicitation_dialog  The agent opened a question dialog

Example hook command:
  deckhand hook myproject stop`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postHookEvent(server, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:7717", "Daemon base URL")
	return cmd
}

func postHookEvent(server, session, event string) error {
	body, err := json.Marshal(map[string]string{"event": event})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("%s/api/v1/sessions/%s/hook-events", server, session)
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(msg, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("hook event rejected with status %d", resp.StatusCode)
	}
	return nil
}
