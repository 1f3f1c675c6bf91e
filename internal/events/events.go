// Package events provides the append-only run log for a workspace.
//
// Events are written as JSONL to <root>/.stagehand/events.jsonl. Logging is
// best-effort: a failed append never fails the operation that produced the
// event. Operator tooling (stagehand status, post-mortems) reads this file;
// the orchestrator never does.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pipeworks/stagehand/internal/workspace"
)

// Event is one entry in the run log.
type Event struct {
	Timestamp string                 `json:"ts"`
	Type      string                 `json:"type"`
	Actor     string                 `json:"actor,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Event types emitted by the orchestrator.
const (
	TypeWorkflowStarted  = "workflow_started"
	TypeWorkflowResumed  = "workflow_resumed"
	TypeWorkflowComplete = "workflow_complete"
	TypeWorkflowError    = "workflow_error"
	TypeStateChanged     = "state_changed"
	TypeAgentStarted     = "agent_started"
	TypeAgentReady       = "agent_ready"
	TypeAgentStuck       = "agent_stuck"
	TypeAgentStopped     = "agent_stopped"
	TypeInstructionSent  = "instruction_sent"
	TypeArtifactCreated  = "artifact_created"
	TypeArtifactDone     = "artifact_done"
	TypeStaleLockReaped  = "stale_lock_reaped"
)

// FileName is the run log file inside the workspace marker directory.
const FileName = "events.jsonl"

// Log appends events to a workspace's run log.
type Log struct {
	path string
	mu   sync.Mutex
}

// NewLog creates a Log for the given workspace root.
func NewLog(root string) *Log {
	return &Log{path: filepath.Join(workspace.MarkerPath(root), FileName)}
}

// Path returns the run log file path.
func (l *Log) Path() string {
	return l.path
}

// Record appends one event. Errors are returned for callers that care, but
// by convention callers ignore them.
func (l *Log) Record(eventType, actor string, payload map[string]interface{}) error {
	event := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Type:      eventType,
		Actor:     actor,
		Payload:   payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening events file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// Read returns every event in the log, oldest first. A missing log file is
// an empty history, not an error.
func Read(root string) ([]Event, error) {
	path := filepath.Join(workspace.MarkerPath(root), FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading events file: %w", err)
	}

	var events []Event
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var e Event
			if err := json.Unmarshal(line, &e); err != nil {
				continue // Skip malformed lines
			}
			events = append(events, e)
		}
	}
	return events, nil
}

// Tail returns the last n events.
func Tail(root string, n int) ([]Event, error) {
	events, err := Read(root)
	if err != nil {
		return nil, err
	}
	if len(events) <= n {
		return events, nil
	}
	return events[len(events)-n:], nil
}

// Payload helpers for common event structures.

// StatePayload builds the payload for state_changed events.
func StatePayload(from, to, feature string) map[string]interface{} {
	return map[string]interface{}{
		"from":    from,
		"to":      to,
		"feature": feature,
	}
}

// AgentPayload builds the payload for agent lifecycle events.
func AgentPayload(role, session string) map[string]interface{} {
	return map[string]interface{}{
		"role":    role,
		"session": session,
	}
}

// ArtifactPayload builds the payload for artifact events.
func ArtifactPayload(path, stageName string) map[string]interface{} {
	return map[string]interface{}{
		"path":  path,
		"stage": stageName,
	}
}

// ErrorPayload builds the payload for workflow_error events.
func ErrorPayload(message, agentID, stageName string) map[string]interface{} {
	p := map[string]interface{}{
		"message": message,
	}
	if agentID != "" {
		p["agent"] = agentID
	}
	if stageName != "" {
		p["stage"] = stageName
	}
	return p
}
