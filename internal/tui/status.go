// Package tui provides the interactive run status view.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/format"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/status"
)

const fallbackRefresh = 5 * time.Second

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			MarginLeft(1)

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginLeft(1).
			MarginTop(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			MarginLeft(1)

	countsStyle = lipgloss.NewStyle().
			Bold(true).
			MarginLeft(1).
			MarginBottom(1)

	reviewStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")).
			MarginLeft(1)
)

// Loader reads the latest report.
type Loader func() (status.Report, error)

// Model represents the interactive status TUI state.
type Model struct {
	table      table.Model
	load       Loader
	report     status.Report
	lastUpdate time.Time
	err        error
	quitting   bool
}

type tickMsg time.Time

// ReloadMsg asks the model to reload the report, typically after the state file changed.
type ReloadMsg struct{}

type reportMsg struct {
	report status.Report
	at     time.Time
}

type errMsg struct{ err error }

func tickCmd() tea.Cmd {
	return tea.Tick(fallbackRefresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// New creates a status model that reads reports through load.
func New(load Loader) Model {
	columns := []table.Column{
		{Title: "ID", Width: 14},
		{Title: "Status", Width: 20},
		{Title: "Attempts", Width: 8},
		{Title: "Batch", Width: 6},
		{Title: "Stage", Width: 12},
		{Title: "Elapsed", Width: 10},
		{Title: "Tokens", Width: 10},
		{Title: "Branch", Width: 36},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(20),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true).
		Foreground(lipgloss.Color("12"))
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{table: t, load: load}
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.reload())
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.reload()
		}

	case tea.WindowSizeMsg:
		height := msg.Height - 12
		if height < 3 {
			height = 3
		}
		m.table.SetHeight(height)
		return m, nil

	case tickMsg:
		return m, tea.Batch(tickCmd(), m.reload())

	case ReloadMsg:
		return m, m.reload()

	case reportMsg:
		m.err = nil
		m.report = msg.report
		m.lastUpdate = msg.at
		m.table.SetRows(tableRows(msg.report))
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func tableRows(report status.Report) []table.Row {
	rows := make([]table.Row, len(report.Rows))
	for i, row := range report.Rows {
		batch := "-"
		if row.BatchID > 0 {
			batch = strconv.Itoa(row.BatchID)
		}
		rows[i] = table.Row{
			row.ID,
			string(row.Status),
			strconv.Itoa(row.Attempts),
			batch,
			row.Stage,
			row.Elapsed,
			format.Tokens(row.Tokens),
			row.Branch,
		}
	}
	return rows
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	title := titleStyle.Render("ralph " + m.report.Header())
	timestamp := timestampStyle.Render(fmt.Sprintf("Last update: %s", m.lastUpdate.Format("15:04:05")))
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, title, strings.Repeat(" ", 5), timestamp))
	b.WriteString("\n\n")

	b.WriteString(countsStyle.Render(m.report.Counts()))
	b.WriteString("\n")

	b.WriteString(m.table.View())
	b.WriteString("\n")

	if queue := m.report.Summary.HumanReview; len(queue) > 0 {
		b.WriteString("\n")
		b.WriteString(reviewStyle.Render(fmt.Sprintf("Needs human review (%d):", len(queue))))
		for _, entry := range queue {
			b.WriteString("\n")
			b.WriteString(reviewStyle.Render(fmt.Sprintf("  %s  %s/%s  %s", entry.ID, entry.Validator, entry.Reason, entry.Summary)))
		}
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("↑/↓: navigate • r: refresh • q/esc: quit"))

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	}

	return b.String()
}

func (m Model) reload() tea.Cmd {
	load := m.load
	return func() tea.Msg {
		report, err := load()
		if err != nil {
			return errMsg{err: err}
		}
		return reportMsg{report: report, at: time.Now()}
	}
}

// Run starts the interactive TUI and reloads whenever statePath changes.
func Run(ctx context.Context, load Loader, statePath string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(New(load), tea.WithAltScreen(), tea.WithContext(ctx))
	go func() {
		err := Watch(ctx, statePath, func() { p.Send(ReloadMsg{}) })
		if err != nil {
			logger.Warn("state watch stopped; falling back to periodic refresh", zap.Error(err))
		}
	}()

	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
