// Package status builds the run status report shown by `ralph status`.
package status

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/format"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/state"
)

const (
	idColumnWidth       = 14
	statusColumnWidth   = 20
	attemptsColumnWidth = 8
	batchColumnWidth    = 6
	stageColumnWidth    = 12
	elapsedColumnWidth  = 10
	tokensColumnWidth   = 10
	reviewReasonWidth   = 16
	reviewSourceWidth   = 20
)

var taskStatusOrder = map[state.TaskStatus]int{
	state.TaskRunning:          0,
	state.TaskNeedsHumanReview: 1,
	state.TaskFailed:           2,
	state.TaskPending:          3,
	state.TaskSkipped:          4,
	state.TaskComplete:         5,
}

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	columnStyle  = lipgloss.NewStyle().Bold(true)
	reviewStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	statusStyles = map[state.TaskStatus]lipgloss.Style{
		state.TaskComplete:         lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		state.TaskRunning:          lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		state.TaskFailed:           lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		state.TaskNeedsHumanReview: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		state.TaskSkipped:          lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
)

// Report is a point-in-time view of a run.
type Report struct {
	Summary    state.Summary
	Rows       []TaskRow
	UpdatedAt  time.Time
	StopSignal string
	LastError  string
}

// TaskRow is one task line in the report.
type TaskRow struct {
	ID       string
	Status   state.TaskStatus
	Attempts int
	BatchID  int
	Stage    string
	Elapsed  string
	Tokens   int
	Branch   string
	Error    string
}

// Load reads the run state for project and builds its report. An empty runID selects the most
// recently updated run.
func Load(repo state.Repository, project string, runID string, now time.Time) (Report, error) {
	if strings.TrimSpace(project) == "" {
		return Report{}, errors.New("project is required")
	}
	if runID == "" {
		latest, err := repo.FindLatestRunID(project)
		if err != nil {
			return Report{}, err
		}
		runID = latest
	}
	store, err := repo.Load(project, runID)
	if err != nil {
		return Report{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	return Build(store.Snapshot(), now), nil
}

// Build derives the report from a run snapshot.
func Build(run state.RunState, now time.Time) Report {
	report := Report{
		Summary:    state.Summarize(run),
		UpdatedAt:  run.UpdatedAt,
		StopSignal: run.StopSignal,
		LastError:  run.LastError,
	}
	for id, task := range run.Tasks {
		row := TaskRow{
			ID:       id,
			Status:   task.Status,
			Attempts: task.Attempts,
			BatchID:  task.BatchID,
			Stage:    task.LastStage,
			Tokens:   task.TokensUsed,
			Branch:   task.Branch,
			Error:    task.LastError,
			Elapsed:  "-",
		}
		if task.StartedAt != nil {
			end := now
			if task.CompletedAt != nil {
				end = *task.CompletedAt
			}
			row.Elapsed = format.Since(*task.StartedAt, end)
		}
		report.Rows = append(report.Rows, row)
	}
	sort.Slice(report.Rows, func(i, j int) bool {
		left, right := report.Rows[i], report.Rows[j]
		if taskStatusOrder[left.Status] != taskStatusOrder[right.Status] {
			return taskStatusOrder[left.Status] < taskStatusOrder[right.Status]
		}
		return left.ID < right.ID
	})
	return report
}

// Counts renders the task counts line, e.g. "tasks total=3 pending=1 running=0 ...".
func (report Report) Counts() string {
	counts := report.Summary.TaskCounts
	total := 0
	for _, count := range counts {
		total += count
	}
	return fmt.Sprintf("tasks total=%d pending=%d running=%d complete=%d failed=%d needs_human_review=%d skipped=%d",
		total,
		counts[state.TaskPending],
		counts[state.TaskRunning],
		counts[state.TaskComplete],
		counts[state.TaskFailed],
		counts[state.TaskNeedsHumanReview],
		counts[state.TaskSkipped],
	)
}

// Header renders the run line.
func (report Report) Header() string {
	line := fmt.Sprintf("run %s project=%s status=%s tokens=%s cost=%s",
		report.Summary.RunID,
		report.Summary.Project,
		report.Summary.Status,
		format.Tokens(report.Summary.TokensUsed),
		format.Cost(report.Summary.EstimatedCost),
	)
	if report.StopSignal != "" {
		line += " stopped_by=" + report.StopSignal
	}
	return line
}

// String returns the plain-text report.
func (report Report) String() string {
	return report.render(false)
}

// Styled returns the report with terminal styling.
func (report Report) Styled() string {
	return report.render(true)
}

func (report Report) render(styled bool) string {
	paint := func(style lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return style.Render(text)
	}

	var b strings.Builder
	b.WriteString(paint(headingStyle, report.Header()))
	b.WriteString("\n")
	b.WriteString(report.Counts())
	b.WriteString("\n")
	if report.LastError != "" {
		fmt.Fprintf(&b, "last_error=%s\n", strconv.Quote(report.LastError))
	}
	if len(report.Rows) > 0 {
		header := fmt.Sprintf("%-*s %-*s %-*s %-*s %-*s %-*s %-*s %s",
			idColumnWidth, "id",
			statusColumnWidth, "status",
			attemptsColumnWidth, "attempts",
			batchColumnWidth, "batch",
			stageColumnWidth, "stage",
			elapsedColumnWidth, "elapsed",
			tokensColumnWidth, "tokens",
			"branch",
		)
		b.WriteString(paint(columnStyle, header))
		b.WriteString("\n")
		for _, row := range report.Rows {
			statusText := fmt.Sprintf("%-*s", statusColumnWidth, row.Status)
			if style, ok := statusStyles[row.Status]; ok {
				statusText = paint(style, statusText)
			}
			fmt.Fprintf(&b, "%-*s %s %-*d %-*s %-*s %-*s %-*s %s\n",
				idColumnWidth, row.ID,
				statusText,
				attemptsColumnWidth, row.Attempts,
				batchColumnWidth, dashIfZero(row.BatchID),
				stageColumnWidth, dashIfEmpty(row.Stage),
				elapsedColumnWidth, row.Elapsed,
				tokensColumnWidth, format.Tokens(row.Tokens),
				dashIfEmpty(row.Branch),
			)
		}
	}
	review := report.Summary.HumanReview
	fmt.Fprintf(&b, "%s\n", paint(reviewStyle, fmt.Sprintf("human-review=%d", len(review))))
	for _, entry := range review {
		fmt.Fprintf(&b, "%-*s %-*s %-*s %s\n",
			idColumnWidth, entry.ID,
			reviewSourceWidth, dashIfEmpty(entry.Validator),
			reviewReasonWidth, dashIfEmpty(entry.Reason),
			reviewDetail(entry),
		)
	}
	return strings.TrimRight(b.String(), "\n")
}

func reviewDetail(entry state.HumanReviewEntry) string {
	detail := entry.Summary
	if entry.ReportPath != "" {
		if detail != "" {
			detail += " "
		}
		detail += "(" + entry.ReportPath + ")"
	}
	return dashIfEmpty(detail)
}

func dashIfEmpty(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func dashIfZero(value int) string {
	if value == 0 {
		return "-"
	}
	return strconv.Itoa(value)
}
