// Package tui renders the live status display for `stagehand status --watch`.
//
// The model is a read-only surface: it polls a snapshot function once per
// second and renders whatever it returns. All workflow knowledge stays in the
// snapshot provider; quitting the display never affects the run.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pipeworks/stagehand/internal/style"
)

// AgentView is one agent row.
type AgentView struct {
	ID       string
	Role     string
	Status   string
	Artifact string
}

// StageView is one stage row.
type StageView struct {
	Name    string
	Pending int
	Done    int
}

// Snapshot is everything one refresh renders.
type Snapshot struct {
	Feature string
	State   string
	Agents  []AgentView
	Stages  []StageView
	Err     string
}

// SnapshotFunc produces the current snapshot. Called once per refresh tick.
type SnapshotFunc func() (Snapshot, error)

type snapshotMsg struct {
	snap Snapshot
	err  error
}

type tickMsg time.Time

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(style.ColorAccent)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(style.ColorMuted)
	errStyle    = lipgloss.NewStyle().Foreground(style.ColorFail)
)

// Model is the bubbletea model for the status watch.
type Model struct {
	fetch   SnapshotFunc
	spinner spinner.Model
	snap    Snapshot
	loaded  bool
	err     error
}

// New creates the status watch model.
func New(fetch SnapshotFunc) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(style.ColorAccent)
	return Model{fetch: fetch, spinner: sp}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.refresh(), tick())
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.fetch()
		return snapshotMsg{snap: snap, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil

	case snapshotMsg:
		m.snap = msg.snap
		m.err = msg.err
		m.loaded = true
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refresh(), tick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("stagehand"))
	if m.snap.Feature != "" {
		b.WriteString("  " + m.snap.Feature)
	}
	b.WriteString("\n\n")

	if !m.loaded {
		b.WriteString(m.spinner.View() + " loading…\n")
		return b.String()
	}
	if m.err != nil {
		b.WriteString(errStyle.Render("error: "+m.err.Error()) + "\n")
		return b.String()
	}

	b.WriteString(headerStyle.Render("state") + "  ")
	b.WriteString(style.RenderState(m.snap.State))
	if isActive(m.snap.State) {
		b.WriteString("  " + m.spinner.View())
	}
	b.WriteString("\n")
	if m.snap.Err != "" {
		b.WriteString(errStyle.Render(m.snap.Err) + "\n")
	}
	b.WriteString("\n")

	if len(m.snap.Agents) > 0 {
		b.WriteString(headerStyle.Render("agents") + "\n")
		for _, a := range m.snap.Agents {
			b.WriteString(fmt.Sprintf("  %-12s %-10s %s",
				a.ID, a.Role, style.RenderAgentStatus(a.Status)))
			if a.Artifact != "" {
				b.WriteString("  " + style.Dim.Render(a.Artifact))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(m.snap.Stages) > 0 {
		b.WriteString(headerStyle.Render("stages") + "\n")
		for _, s := range m.snap.Stages {
			line := fmt.Sprintf("  %-8s pending %d  done %d", s.Name, s.Pending, s.Done)
			if s.Pending > 0 {
				line = style.Info.Render(line)
			} else {
				line = style.Dim.Render(line)
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(style.Dim.Render("q to quit") + "\n")
	return b.String()
}

func isActive(s string) bool {
	switch s {
	case "complete", "error", "idle", "":
		return false
	}
	return true
}
