// Package style provides consistent terminal styling for CLI output.
package style

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Semantic colors.
var (
	ColorPass   = lipgloss.Color("35")
	ColorWarn   = lipgloss.Color("214")
	ColorFail   = lipgloss.Color("196")
	ColorAccent = lipgloss.Color("39")
	ColorMuted  = lipgloss.Color("245")
)

var (
	// Success style for positive outcomes (green)
	Success = lipgloss.NewStyle().
		Foreground(ColorPass).
		Bold(true)

	// Warning style for cautionary messages (yellow)
	Warning = lipgloss.NewStyle().
		Foreground(ColorWarn).
		Bold(true)

	// Error style for failures (red)
	Error = lipgloss.NewStyle().
		Foreground(ColorFail).
		Bold(true)

	// Info style for informational messages (blue)
	Info = lipgloss.NewStyle().
		Foreground(ColorAccent)

	// Dim style for secondary information (gray)
	Dim = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Bold style for emphasis
	Bold = lipgloss.NewStyle().
		Bold(true)
)

// StateStyles maps workflow states to their display style.
var StateStyles = map[string]lipgloss.Style{
	"complete": Success,
	"error":    Error,
	"idle":     Dim,
}

// RenderState styles a workflow state name. Pending states share the info
// style.
func RenderState(s string) string {
	if st, ok := StateStyles[s]; ok {
		return st.Render(s)
	}
	return Info.Render(s)
}

// RenderAgentStatus styles an agent status.
func RenderAgentStatus(s string) string {
	switch s {
	case "ready", "completed":
		return Success.Render(s)
	case "working", "starting":
		return Info.Render(s)
	case "stuck", "error":
		return Error.Render(s)
	default:
		return Dim.Render(s)
	}
}

// IsTerminal reports whether stdout is an interactive terminal. Styled and
// animated output is skipped when piping.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// PrintError prints an error message with consistent formatting.
func PrintError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s %s\n", Error.Render("✗"), fmt.Sprintf(format, args...))
}

// PrintSuccess prints a success message with consistent formatting.
func PrintSuccess(format string, args ...interface{}) {
	fmt.Printf("%s %s\n", Success.Render("✓"), fmt.Sprintf(format, args...))
}
