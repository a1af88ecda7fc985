package scheduler

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/manifest"
)

const (
	batchColumnWidth  = 6
	taskColumnWidth   = 12
	depsColumnWidth   = 20
	readsColumnWidth  = 20
	writesColumnWidth = 20
	nameColumnWidth   = 40
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	cellStyle = lipgloss.NewStyle()

	separatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	summaryStyle = lipgloss.NewStyle().
			Bold(true)
)

// FormatDryRun renders the plain-text dry-run report for a plan.
func FormatDryRun(runID string, plan Plan) string {
	var b strings.Builder
	if len(plan.Batches) == 0 {
		fmt.Fprintf(&b, "Dry run %s: no pending tasks.\n", runID)
		return b.String()
	}
	fmt.Fprintf(&b, "Dry run %s: %d batch(es) planned.\n", runID, len(plan.Batches))
	for _, batch := range plan.Batches {
		suffix := ""
		if text := FormatLocks(batch.Locks); text != "" {
			suffix = " [locks: " + text + "]"
		}
		fmt.Fprintf(&b, "- Batch %d: %s%s\n", batch.ID, strings.Join(batch.Tasks, ", "), suffix)
	}
	return b.String()
}

// FormatLocks renders locks as "reads=a,b; writes=c", omitting empty sides.
func FormatLocks(locks manifest.Locks) string {
	var parts []string
	if len(locks.Reads) > 0 {
		parts = append(parts, "reads="+strings.Join(locks.Reads, ","))
	}
	if len(locks.Writes) > 0 {
		parts = append(parts, "writes="+strings.Join(locks.Writes, ","))
	}
	return strings.Join(parts, "; ")
}

// PlanTable renders a styled per-task table of the plan for terminals.
func PlanTable(plan Plan, manifests []manifest.Manifest) string {
	byID := make(map[string]manifest.Manifest, len(manifests))
	for _, task := range manifests {
		byID[task.ID] = task
	}

	var b strings.Builder
	taskCount := 0
	for _, batch := range plan.Batches {
		taskCount += len(batch.Tasks)
	}
	b.WriteString(summaryStyle.Render(fmt.Sprintf("Plan (%d batches, %d tasks)", len(plan.Batches), taskCount)))
	b.WriteString("\n\n")
	if taskCount == 0 {
		b.WriteString("No pending tasks.\n")
		return b.String()
	}

	headers := []string{
		padRight("Batch", batchColumnWidth),
		padRight("Task", taskColumnWidth),
		padRight("Depends On", depsColumnWidth),
		padRight("Reads", readsColumnWidth),
		padRight("Writes", writesColumnWidth),
		"Name",
	}
	b.WriteString(headerStyle.Render(strings.Join(headers, "  ")))
	b.WriteString("\n")
	totalWidth := batchColumnWidth + taskColumnWidth + depsColumnWidth + readsColumnWidth + writesColumnWidth + nameColumnWidth + 10
	b.WriteString(separatorStyle.Render(strings.Repeat("─", totalWidth)))
	b.WriteString("\n")

	for _, batch := range plan.Batches {
		for _, id := range batch.Tasks {
			task := byID[id]
			line := fmt.Sprintf("%s  %s  %s  %s  %s  %s",
				padRight(fmt.Sprintf("%d", batch.ID), batchColumnWidth),
				padRight(id, taskColumnWidth),
				padRight(dashIfEmpty(task.Dependencies), depsColumnWidth),
				padRight(dashIfEmpty(task.Locks.Reads), readsColumnWidth),
				padRight(dashIfEmpty(task.Locks.Writes), writesColumnWidth),
				truncate(task.Name, nameColumnWidth),
			)
			b.WriteString(cellStyle.Render(line))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func dashIfEmpty(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}

// padRight pads a string to the specified width.
func padRight(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

// truncate truncates a string to the specified width with ellipsis.
func truncate(s string, width int) string {
	if len(s) <= width {
		return s
	}
	if width <= 3 {
		return s[:width]
	}
	return s[:width-3] + "..."
}
