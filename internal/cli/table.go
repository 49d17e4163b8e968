package cli

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
)

// colorEnabled reports whether styled output should be used.
func colorEnabled() bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func styleHeader() lipgloss.Style {
	if !colorEnabled() {
		return lipgloss.NewStyle()
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
}

func styleMuted() lipgloss.Style {
	if !colorEnabled() {
		return lipgloss.NewStyle()
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
}

func styleGood() lipgloss.Style {
	if !colorEnabled() {
		return lipgloss.NewStyle()
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
}

func styleBad() lipgloss.Style {
	if !colorEnabled() {
		return lipgloss.NewStyle()
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
}

func styleWarn() lipgloss.Style {
	if !colorEnabled() {
		return lipgloss.NewStyle()
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
}

// renderOutcome colors a cycle outcome for terminal display.
func renderOutcome(outcome string) string {
	switch outcome {
	case "success":
		return styleGood().Render(outcome)
	case "stuck_recovery":
		return styleWarn().Render(outcome)
	case "error":
		return styleBad().Render(outcome)
	default:
		return styleMuted().Render(outcome)
	}
}

// StyledTable renders terminal tables with box-drawing borders.
type StyledTable struct {
	headers []string
	rows    [][]string
	widths  []int
	title   string
	footer  string
}

// NewStyledTable creates a table with the given headers.
func NewStyledTable(headers ...string) *StyledTable {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	return &StyledTable{
		headers: headers,
		rows:    [][]string{},
		widths:  widths,
	}
}

// WithTitle adds a title line above the table.
func (t *StyledTable) WithTitle(title string) *StyledTable {
	t.title = title
	return t
}

// WithFooter adds a footer line below the table.
func (t *StyledTable) WithFooter(footer string) *StyledTable {
	t.footer = footer
	return t
}

// AddRow adds a row, widening columns as needed.
func (t *StyledTable) AddRow(cols ...string) {
	for i, c := range cols {
		if i < len(t.widths) {
			if w := runewidth.StringWidth(stripANSI(c)); w > t.widths[i] {
				t.widths[i] = w
			}
		}
	}
	t.rows = append(t.rows, cols)
}

// RowCount returns the number of rows added.
func (t *StyledTable) RowCount() int {
	return len(t.rows)
}

// Render returns the table as a string.
func (t *StyledTable) Render() string {
	if len(t.headers) == 0 {
		return ""
	}

	var sb strings.Builder

	hline := func(left, mid, right string) string {
		parts := make([]string, len(t.widths))
		for i, w := range t.widths {
			parts[i] = strings.Repeat("─", w+2)
		}
		return left + strings.Join(parts, mid) + right + "\n"
	}

	if t.title != "" {
		sb.WriteString(styleHeader().Render(t.title))
		sb.WriteString("\n")
	}

	sb.WriteString(hline("╭", "┬", "╮"))

	sb.WriteString("│")
	for i, h := range t.headers {
		sb.WriteString(" " + styleHeader().Render(padRight(h, t.widths[i])) + " │")
	}
	sb.WriteString("\n")
	sb.WriteString(hline("├", "┼", "┤"))

	for _, row := range t.rows {
		sb.WriteString("│")
		for i := range t.headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			sb.WriteString(" " + padRight(cell, t.widths[i]) + " │")
		}
		sb.WriteString("\n")
	}

	sb.WriteString(hline("╰", "┴", "╯"))

	if t.footer != "" {
		sb.WriteString(styleMuted().Render(t.footer))
		sb.WriteString("\n")
	}

	return sb.String()
}

// String implements fmt.Stringer.
func (t *StyledTable) String() string {
	return t.Render()
}

// padRight pads a cell to the column width, counting display width and
// ignoring ANSI escapes.
func padRight(s string, width int) string {
	current := runewidth.StringWidth(stripANSI(s))
	if current >= width {
		return s
	}
	return s + strings.Repeat(" ", width-current)
}

// stripANSI removes ANSI escape sequences for width calculation.
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}
