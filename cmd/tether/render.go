package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"tether/internal/agent/ports"
)

var (
	resultBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#6B7280")).
				Padding(0, 1)
	budgetLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#6B7280")).
				Width(10)
	budgetValueStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#10B981"))
	budgetExhaustedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#EF4444")).
				Bold(true)
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	width -= 4
	if width > 120 {
		width = 120
	}
	if width < 20 {
		width = 20
	}
	return width
}

// runRenderer turns engine events and final results into terminal output.
// Events arrive on the engine goroutine, so handlers stay cheap.
type runRenderer struct {
	out      io.Writer
	verbose  bool
	markdown *glamour.TermRenderer
}

func newRunRenderer(out io.Writer, verbose bool) *runRenderer {
	r := &runRenderer{out: out, verbose: verbose}
	if isTTY() {
		md, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle("dark"),
			glamour.WithWordWrap(terminalWidth()),
			glamour.WithEmoji(),
		)
		if err == nil {
			r.markdown = md
		}
	}
	return r
}

func (r *runRenderer) handle(event ports.Event) {
	switch event.Type {
	case ports.EventPlanning, ports.EventStateChange, ports.EventCheckpoint:
		if r.verbose {
			fmt.Fprintf(r.out, "%s\n", gray(fmt.Sprintf("  %s %s", event.Type, event.Message)))
		}
	case ports.EventToolStart:
		fmt.Fprintf(r.out, "%s %s\n", cyan("▸"), event.Tool)
	case ports.EventToolEnd:
		if r.verbose {
			fmt.Fprintf(r.out, "%s %s\n", gray("  done"), gray(event.Tool))
		}
	case ports.EventCacheHit:
		fmt.Fprintf(r.out, "%s %s %s\n", yellow("↺"), event.Tool, gray("(cached)"))
	case ports.EventApprovalRequired:
		fmt.Fprintf(r.out, "%s %s\n", yellow("⏳"), event.Message)
	case ports.EventApprovalResolved:
		if strings.Contains(event.Message, "approved") {
			fmt.Fprintf(r.out, "%s %s\n", green("✓"), event.Message)
		} else {
			fmt.Fprintf(r.out, "%s %s\n", red("✗"), event.Message)
		}
	case ports.EventDenied:
		fmt.Fprintf(r.out, "%s %s\n", red("✗"), event.Message)
	case ports.EventBudget:
		fmt.Fprintf(r.out, "%s %s\n", red("■"), event.Message)
	case ports.EventDone:
		// renderResult covers completion.
	}
}

func (r *runRenderer) renderResult(result *ports.TaskResult) {
	if result == nil {
		return
	}
	fmt.Fprintln(r.out)
	switch result.Status {
	case ports.StatusCompleted:
		fmt.Fprintf(r.out, "%s %s\n", green("✓"), bold(fmt.Sprintf("Task %s completed", result.TaskID)))
	case ports.StatusRejected:
		fmt.Fprintf(r.out, "%s %s\n", yellow("⊘"), bold(fmt.Sprintf("Task %s rejected", result.TaskID)))
	case ports.StatusBudgetExhausted:
		fmt.Fprintf(r.out, "%s %s\n", red("■"), bold(fmt.Sprintf("Task %s stopped: budget exhausted", result.TaskID)))
	default:
		fmt.Fprintf(r.out, "%s %s\n", red("✗"), bold(fmt.Sprintf("Task %s failed", result.TaskID)))
	}
	if result.ErrorMessage != "" {
		fmt.Fprintf(r.out, "  %s\n", red(result.ErrorMessage))
	}
	if result.Answer != "" {
		fmt.Fprintln(r.out, r.renderMarkdown(result.Answer))
	}
	fmt.Fprintln(r.out, budgetTable(result.Budget))
}

func (r *runRenderer) renderMarkdown(text string) string {
	if r.markdown == nil {
		return text
	}
	rendered, err := r.markdown.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(rendered, "\n")
}

func budgetTable(report ports.BudgetReport) string {
	rows := []string{
		budgetRow("steps", fmt.Sprintf("%d", report.Steps), limitString(report.MaxSteps), report.Exhausted == "steps"),
		budgetRow("tokens", fmt.Sprintf("%d", report.Tokens), limitString(report.MaxTokens), report.Exhausted == "tokens"),
		budgetRow("cost", fmt.Sprintf("$%.4f", report.CostUSD), costLimitString(report.MaxCostUSD), report.Exhausted == "cost"),
		budgetRow("elapsed", report.Elapsed.Round(time.Millisecond).String(), durationLimitString(report.MaxDuration), report.Exhausted == "duration"),
	}
	return resultBorderStyle.Render(strings.Join(rows, "\n"))
}

func budgetRow(label, used, limit string, exhausted bool) string {
	value := budgetValueStyle
	if exhausted {
		value = budgetExhaustedStyle
	}
	return fmt.Sprintf("%s %s", budgetLabelStyle.Render(label), value.Render(used+" / "+limit))
}

func limitString(limit int) string {
	if limit <= 0 {
		return "∞"
	}
	return fmt.Sprintf("%d", limit)
}

func costLimitString(limit float64) string {
	if limit <= 0 {
		return "∞"
	}
	return fmt.Sprintf("$%.2f", limit)
}

func durationLimitString(limit time.Duration) string {
	if limit <= 0 {
		return "∞"
	}
	return limit.String()
}
