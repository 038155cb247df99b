package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/autopilot/internal/orchestrator"
	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

var (
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#10B981"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F59E0B"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

func statusStyle(s workflow.Status) lipgloss.Style {
	switch s {
	case workflow.StatusCompleted:
		return okStyle
	case workflow.StatusFailed:
		return failStyle
	default:
		return warnStyle
	}
}

// renderResult prints a summary of a finished run.
func renderResult(w io.Writer, res orchestrator.AutomationResult) {
	fmt.Fprintf(w, "%s %s (%s)\n",
		statusStyle(res.Status).Render(string(res.Status)),
		res.Name,
		mutedStyle.Render(res.WorkflowID))
	if res.Reason != "" {
		fmt.Fprintf(w, "%s\n", res.Reason)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tVERDICT\tDURATION\tNOTES")
	for _, s := range res.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.StepID, s.Status, verdictLabel(s.Verdict), formatDuration(s.Duration), stepNotes(s))
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\n%s\n", mutedStyle.Render(fmt.Sprintf(
		"%d decisions, %d recovery attempts, %s elapsed",
		len(res.Decisions), len(res.RecoveryLog), formatDuration(res.Elapsed))))
}

func verdictLabel(v workflow.Verdict) string {
	if v == workflow.VerdictNone {
		return "-"
	}
	return string(v)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func stepNotes(r workflow.StepResult) string {
	var notes []string
	if r.RecoveryAttempted {
		notes = append(notes, "recovered")
	}
	if len(r.Errors) > 0 {
		notes = append(notes, truncate(r.Errors[0], 60))
	} else if len(r.Issues) > 0 {
		notes = append(notes, fmt.Sprintf("%d issues", len(r.Issues)))
	}
	return strings.Join(notes, "; ")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
