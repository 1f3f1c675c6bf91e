// Package tmux drives worker terminal sessions through the tmux CLI.
//
// Each worker runs inside its own detached tmux session so it survives
// orchestrator restarts and can be attached for inspection. The agent
// manager consumes this through its SessionHost interface; tests substitute
// a fake.
package tmux

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pipeworks/stagehand/internal/util"
)

// SessionPrefix namespaces Stagehand sessions so listing and cleanup never
// touch unrelated tmux sessions.
const SessionPrefix = "sh-"

// ErrSessionNotFound indicates the target session does not exist.
var ErrSessionNotFound = errors.New("tmux session not found")

// SessionName derives the tmux session name for an agent id.
func SessionName(agentID string) string {
	return SessionPrefix + agentID
}

// Tmux wraps the tmux binary.
type Tmux struct{}

// New creates a Tmux wrapper.
func New() *Tmux {
	return &Tmux{}
}

// NewSession creates a detached session rooted at workDir.
func (t *Tmux) NewSession(name, workDir string) error {
	if err := util.Run("tmux", "new-session", "-d", "-s", name, "-c", workDir); err != nil {
		return fmt.Errorf("creating session %s: %w", name, err)
	}
	return nil
}

// HasSession reports whether the named session exists. The trailing "="
// forces exact matching; tmux otherwise matches by prefix.
func (t *Tmux) HasSession(name string) bool {
	err := util.Run("tmux", "has-session", "-t", name+"=")
	return err == nil
}

// ListSessions returns the names of all Stagehand sessions.
func (t *Tmux) ListSessions() ([]string, error) {
	out, err := util.Output("tmux", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// tmux exits nonzero when no server is running; that is an empty
		// listing, not a failure.
		return nil, nil
	}

	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, SessionPrefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// SendText sends literal text to a session without a trailing newline.
// The -l flag prevents tmux from interpreting the text as key names.
func (t *Tmux) SendText(name, text string) error {
	if !t.HasSession(name) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	if err := util.Run("tmux", "send-keys", "-t", name, "-l", text); err != nil {
		return fmt.Errorf("sending text to %s: %w", name, err)
	}
	return nil
}

// SendEnter sends the Enter key to a session.
func (t *Tmux) SendEnter(name string) error {
	if err := util.Run("tmux", "send-keys", "-t", name, "Enter"); err != nil {
		return fmt.Errorf("sending Enter to %s: %w", name, err)
	}
	return nil
}

// Capture returns the last n lines of a session's pane.
func (t *Tmux) Capture(name string, lines int) (string, error) {
	out, err := util.Output("tmux", "capture-pane", "-t", name, "-p", "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", fmt.Errorf("capturing %s: %w", name, err)
	}
	return out, nil
}

// KillSession closes a session. A session that is already gone is fine.
func (t *Tmux) KillSession(name string) error {
	if !t.HasSession(name) {
		return nil
	}
	if err := util.Run("tmux", "kill-session", "-t", name+"="); err != nil {
		return fmt.Errorf("killing session %s: %w", name, err)
	}
	return nil
}
