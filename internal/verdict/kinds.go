package verdict

import (
	"fmt"
	"strings"

	"github.com/Dicklesworthstone/deckhand/internal/agent"
)

// Kind describes one checker instantiation: the judgment it renders, the
// prompt it sends to the ephemeral agent, and which verdict keywords it
// accepts on the first output line.
type Kind struct {
	Name     string
	Keywords []string        // accepted first-line verdicts, upper-case
	Positive map[string]bool // keyword -> counts as a positive verdict

	promptHeader string
}

// IdleKind judges whether the supervised session has genuinely gone idle.
var IdleKind = Kind{
	Name:     "idle",
	Keywords: []string{"IDLE", "WORKING", "UNSURE"},
	Positive: map[string]bool{"IDLE": true},
	promptHeader: "You are inspecting the terminal of a coding agent session. " +
		"Decide whether the agent has finished its work and is idle at its input prompt, " +
		"or is still actively working. Answer on the FIRST line with exactly one word: " +
		"IDLE, WORKING, or UNSURE. Use following lines for a one-sentence reason.",
}

// PlanKind judges whether the session is parked in a plan-approval menu.
var PlanKind = Kind{
	Name:     "plan",
	Keywords: []string{"PLAN_MODE", "NORMAL"},
	Positive: map[string]bool{"PLAN_MODE": true},
	promptHeader: "You are inspecting the terminal of a coding agent session. " +
		"Decide whether the agent is showing a plan-approval menu waiting for the user to pick an option. " +
		"Answer on the FIRST line with exactly one word: PLAN_MODE or NORMAL. " +
		"Use following lines for a one-sentence reason.",
}

// BuildPrompt renders the full check prompt for a terminal buffer snapshot.
func (k Kind) BuildPrompt(terminalTail string) string {
	return k.promptHeader + "\n\nTerminal output (most recent last):\n---\n" + terminalTail + "\n---"
}

// Result is a rendered verdict.
type Result struct {
	Verdict   string `json:"verdict"`
	Reasoning string `json:"reasoning"`
	Positive  bool   `json:"positive"`
}

// Parse applies the verdict parsing contract: the first token of the first
// line must match one of the kind's keywords, case-insensitive; the rest of
// the output is free-form reasoning. Empty or non-matching output is an
// error, never coerced to a default verdict.
func (k Kind) Parse(raw string) (Result, error) {
	clean := strings.TrimSpace(agent.StripANSI(raw))
	if clean == "" {
		return Result{}, fmt.Errorf("%s check produced empty output", k.Name)
	}

	firstLine, rest, _ := strings.Cut(clean, "\n")
	fields := strings.Fields(firstLine)
	token := strings.ToUpper(fields[0])

	matched := false
	for _, kw := range k.Keywords {
		if token == kw {
			matched = true
			break
		}
	}
	if !matched {
		snippet := firstLine
		if len(snippet) > 120 {
			snippet = snippet[:120]
		}
		return Result{}, fmt.Errorf("%s check output %q does not start with a verdict keyword", k.Name, snippet)
	}

	reasoning := strings.TrimSpace(strings.TrimPrefix(firstLine, fields[0]))
	if rest = strings.TrimSpace(rest); rest != "" {
		if reasoning != "" {
			reasoning += "\n"
		}
		reasoning += rest
	}

	return Result{
		Verdict:   token,
		Reasoning: reasoning,
		Positive:  k.Positive[token],
	}, nil
}
