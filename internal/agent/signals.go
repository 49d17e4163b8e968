// Package agent classifies terminal output from a supervised coding-agent
// session. The respawn controller feeds it raw pane chunks and acts on the
// returned signal: completion, activity, or a question prompt waiting for the
// user.
package agent

import (
	"regexp"
	"strconv"
	"strings"
)

// Signal is the classification of a chunk of terminal output.
type Signal int

const (
	SignalNone Signal = iota
	// SignalWorking means the agent is actively producing output.
	// CRITICAL: when this fires, do not interrupt the agent.
	SignalWorking
	// SignalCompletion means the output looks like the agent finished its turn.
	SignalCompletion
	// SignalQuestion means the agent is showing a prompt that expects a
	// human answer (permission dialog, numbered menu, y/n).
	SignalQuestion
)

// String returns the signal name for logging.
func (s Signal) String() string {
	switch s {
	case SignalWorking:
		return "working"
	case SignalCompletion:
		return "completion"
	case SignalQuestion:
		return "question"
	default:
		return "none"
	}
}

var (
	// completionPatterns indicate the agent has finished a turn and is
	// waiting at its input box. Broad patterns are fine here: a false
	// positive only opens the confirmation window, it never respawns on
	// its own.
	completionPatterns = []string{
		"task complete",
		"all done",
		"finished",
		"completed successfully",
		"anything else",
		"let me know if",
		"is there anything",
	}

	// completionPromptPatterns match the idle input box itself.
	completionPromptPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^\s*>\s*$`),
		regexp.MustCompile(`│\s*>\s*│`),
		regexp.MustCompile(`\?\s+for\s+shortcuts`),
	}

	// workingPatterns indicate in-flight tool use or generation.
	workingPatterns = []string{
		"```",
		"writing ",
		"creating ",
		"editing ",
		"reading ",
		"searching ",
		"running ",
		"executing ",
		"installing ",
		"compiling",
		"building",
		"testing",
		"fetching",
		"thinking",
		"esc to interrupt",
	}

	// workingSpinnerPattern matches the animated status line the agent
	// renders while a request is in flight.
	workingSpinnerPattern = regexp.MustCompile(`[✻✽✶·✳]\s+\w+…`)

	// questionPatterns indicate a dialog that blocks on human input.
	questionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)do you want to`),
		regexp.MustCompile(`(?i)would you like to`),
		regexp.MustCompile(`(?m)^\s*❯?\s*1\.\s+yes`),
		regexp.MustCompile(`(?i)\(y/n\)`),
		regexp.MustCompile(`(?i)press enter to continue`),
	}

	// tokenPattern extracts the running token counter from the status line.
	// Example: "✶ Reticulating… (esc to interrupt · 42.3k tokens)"
	tokenPattern = regexp.MustCompile(`([\d,]+(?:\.\d+)?)(k?)\s*tokens`)
)

// Classify inspects a cleaned output chunk and returns the strongest signal.
// Question outranks working; working outranks completion, so an agent that
// prints "done" mid-stream is not treated as idle.
func Classify(chunk string) Signal {
	clean := StripANSI(chunk)
	if clean == "" {
		return SignalNone
	}

	if matchAnyRegex(clean, questionPatterns) {
		return SignalQuestion
	}
	if workingSpinnerPattern.MatchString(clean) || matchAny(clean, workingPatterns) {
		return SignalWorking
	}
	if matchAny(clean, completionPatterns) || matchAnyRegex(clean, completionPromptPatterns) {
		return SignalCompletion
	}
	return SignalNone
}

// ExtractTokenCount returns the most recent token counter seen in the output,
// or 0 if none is present. "42.3k" style suffixes are expanded.
func ExtractTokenCount(output string) int64 {
	matches := tokenPattern.FindAllStringSubmatch(StripANSI(output), -1)
	if len(matches) == 0 {
		return 0
	}
	m := matches[len(matches)-1]
	raw := strings.ReplaceAll(m[1], ",", "")
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	if m[2] == "k" {
		val *= 1000
	}
	return int64(val)
}

// TailTruncate keeps at most max bytes from the end of text, cutting on a
// line boundary when one is close. The most recent output matters most.
func TailTruncate(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	tail := text[len(text)-max:]
	if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx < max/4 {
		tail = tail[idx+1:]
	}
	return tail
}

// LastNonEmptyLine returns the last line of text that contains more than
// whitespace, with ANSI codes removed.
func LastNonEmptyLine(text string) string {
	lines := strings.Split(StripANSI(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// ansiPattern matches CSI sequences (with private mode ?) and OSC sequences.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\a\x1b]*(\a|\x1b\\)`)

// StripANSI removes ANSI escape sequences so pattern matching sees plain text.
func StripANSI(text string) string {
	return ansiPattern.ReplaceAllString(text, "")
}

// matchAny returns true if text contains any of the patterns (case-insensitive).
func matchAny(text string, patterns []string) bool {
	textLower := strings.ToLower(text)
	for _, p := range patterns {
		if strings.Contains(textLower, p) {
			return true
		}
	}
	return false
}

// matchAnyRegex returns true if text matches any of the regex patterns.
func matchAnyRegex(text string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
