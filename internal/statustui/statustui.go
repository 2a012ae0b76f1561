// Package statustui renders the operator status view for cmd/jobqueuectl
// (SPEC_FULL §4.7): a polling bubbletea table of the live queue snapshot
// and resident model, styled with lipgloss.
//
// Grounded on internal/tui/tui.go's model/StatusProvider/Run shape —
// generalized from "GoClaw status" (worker/queue-depth/lease counters) to
// the job queue's own snapshot (residency state, pending/streaming counts,
// per-job view).
package statustui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// JobView is one row of the queue table.
type JobView struct {
	ID       string
	Status   string
	Model    string
	Priority int
	Position int
}

// Snapshot is everything the status view renders, refreshed once per tick.
type Snapshot struct {
	Healthy        bool
	LoadedModel    string
	ResidencyState string
	PendingCount   int
	StreamingCount int
	Jobs           []JobView
	Uptime         time.Duration
	LastError      string
}

// StatusProvider fetches a fresh Snapshot, typically by polling the admin
// HTTP surface.
type StatusProvider func() Snapshot

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	tableHdr    = lipgloss.NewStyle().Bold(true).Underline(true)
)

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("jobqueue status"))
	b.WriteString("\n\n")

	healthLine := okStyle.Render("healthy")
	if !m.snap.Healthy {
		healthLine = badStyle.Render("unhealthy")
	}
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("daemon:"), healthLine)

	loaded := m.snap.LoadedModel
	if loaded == "" {
		loaded = dimStyle.Render("(none)")
	}
	fmt.Fprintf(&b, "%s %s  %s %s\n",
		labelStyle.Render("resident model:"), loaded,
		labelStyle.Render("residency state:"), m.snap.ResidencyState)
	fmt.Fprintf(&b, "%s %d   %s %d\n",
		labelStyle.Render("pending:"), m.snap.PendingCount,
		labelStyle.Render("streaming:"), m.snap.StreamingCount)
	fmt.Fprintf(&b, "%s %s\n\n", labelStyle.Render("uptime:"), m.snap.Uptime.Truncate(time.Second))

	if len(m.snap.Jobs) == 0 {
		b.WriteString(dimStyle.Render("(queue is empty)"))
		b.WriteString("\n")
	} else {
		fmt.Fprintf(&b, "%s\n", tableHdr.Render(fmt.Sprintf("%-3s %-36s %-10s %-16s %-8s", "POS", "JOB ID", "STATUS", "MODEL", "PRIORITY")))
		for _, j := range m.snap.Jobs {
			fmt.Fprintf(&b, "%-3d %-36s %-10s %-16s %-8d\n", j.Position, j.ID, j.Status, j.Model, j.Priority)
		}
	}

	if m.snap.LastError != "" {
		fmt.Fprintf(&b, "\n%s %s\n", badStyle.Render("last error:"), m.snap.LastError)
	}

	b.WriteString(dimStyle.Render("\npress q to quit\n"))
	return b.String()
}

// Run drives the status TUI until ctx is cancelled or the user quits.
func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
