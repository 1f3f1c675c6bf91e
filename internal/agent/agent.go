// Package agent owns the lifecycle of external worker processes.
//
// Each worker runs in an isolated terminal session created through a
// SessionHost. The manager starts workers, waits for them to become
// interactive, feeds them instructions, polls their output for fallback
// completion signals, detects inactivity, and tears sessions down. It never
// interprets worker output semantically; file-based completion detection
// belongs to the orchestrator.
package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/pipeworks/stagehand/internal/stage"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusReady     Status = "ready"
	StatusWorking   Status = "working"
	StatusStuck     Status = "stuck"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusStopped   Status = "stopped"
)

// Agent is a tracked handle to one running worker.
type Agent struct {
	ID              string     `json:"id"`
	Role            stage.Role `json:"role"`
	Session         string     `json:"session"`
	Status          Status     `json:"status"`
	LastActivity    time.Time  `json:"lastActivity"`
	CurrentArtifact string     `json:"currentArtifact,omitempty"`
}

// StartConfig describes how to launch one worker.
type StartConfig struct {
	// ID is the agent id: the role name, optionally suffixed with an
	// instance number for parallel workers (e.g. "developer-2").
	ID string

	Role    stage.Role
	WorkDir string

	// Command launches the worker inside its session.
	Command string

	// ReadinessMarkers are literal substrings the worker prints once it
	// is interactive.
	ReadinessMarkers []string

	// InitialPrompt is delivered after readiness, via a temp side-channel
	// file so long prompts are never truncated by the terminal buffer.
	InitialPrompt string
}

// RetryPolicy bounds StartWithRetry.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// SessionHost is the terminal session surface the manager drives.
// internal/tmux provides the real implementation; tests provide fakes.
type SessionHost interface {
	NewSession(name, workDir string) error
	HasSession(name string) bool
	SendText(name, text string) error
	SendEnter(name string) error
	Capture(name string, lines int) (string, error)
	KillSession(name string) error
}

// Common errors.
var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrAgentNotReady  = errors.New("agent is not ready for messages")
	ErrStartupTimeout = errors.New("worker did not become ready before timeout")
	ErrAlreadyTracked = errors.New("agent id already tracked")
)

// StartError reports that startup retries were exhausted.
type StartError struct {
	Config   StartConfig
	Attempts int
	Err      error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting agent %s failed after %d attempts: %v", e.Config.ID, e.Attempts, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}
