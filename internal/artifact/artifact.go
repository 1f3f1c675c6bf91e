// Package artifact parses and serializes work-item files.
//
// An artifact file is a YAML front-matter block between "---" delimiters
// followed by a free-form body. Parsing fails closed: an unknown value in
// any enumerated field is a hard error, never a warning, because a
// misclassified artifact would be routed to the wrong worker.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pipeworks/stagehand/internal/stage"
	"github.com/pipeworks/stagehand/internal/util"
)

// Common errors.
var (
	ErrNoFrontMatter = errors.New("artifact has no front-matter block")
	ErrMissingField  = errors.New("missing required front-matter field")
)

// Type classifies an artifact by the kind of work it carries.
type Type string

const (
	TypeSpec           Type = "spec"
	TypeArchitecture   Type = "architecture"
	TypeTask           Type = "task"
	TypeTest           Type = "test"
	TypeImplementation Type = "implementation"
	TypeReview         Type = "review"
	TypeDocumentation  Type = "documentation"
)

var validTypes = map[Type]bool{
	TypeSpec: true, TypeArchitecture: true, TypeTask: true, TypeTest: true,
	TypeImplementation: true, TypeReview: true, TypeDocumentation: true,
}

// Status tracks an artifact through its claim lifecycle.
// It only advances: pending → claimed → complete.
type Status string

const (
	StatusPending  Status = "pending"
	StatusClaimed  Status = "claimed"
	StatusComplete Status = "complete"
)

var validStatuses = map[Status]bool{
	StatusPending: true, StatusClaimed: true, StatusComplete: true,
}

// Priority orders artifacts within a stage.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var validPriorities = map[Priority]bool{
	PriorityHigh: true, PriorityNormal: true, PriorityLow: true,
}

// Meta is the structured front matter of an artifact.
type Meta struct {
	Type        Type       `yaml:"type"`
	From        stage.Role `yaml:"from"`
	To          stage.Role `yaml:"to"`
	Status      Status     `yaml:"status"`
	FeatureName string     `yaml:"featureName"`
	ClaimedBy   string     `yaml:"claimedBy,omitempty"`
	ClaimedAt   *time.Time `yaml:"claimedAt,omitempty"`
	Priority    Priority   `yaml:"priority,omitempty"`
	TaskID      string     `yaml:"taskId,omitempty"`
}

// Artifact is one unit of work flowing through the pipeline.
type Artifact struct {
	Path string
	Meta Meta
	Body string
}

const delimiter = "---"

// Parse decodes an artifact file's content.
func Parse(content string) (*Artifact, error) {
	front, body, err := splitFrontMatter(content)
	if err != nil {
		return nil, err
	}

	var meta Meta
	if err := yaml.Unmarshal([]byte(front), &meta); err != nil {
		return nil, fmt.Errorf("decoding front matter: %w", err)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	return &Artifact{Meta: meta, Body: body}, nil
}

// ParseFile reads and decodes an artifact from disk.
func ParseFile(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	a, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	a.Path = path
	return a, nil
}

// Serialize renders the artifact back into file content.
func (a *Artifact) Serialize() (string, error) {
	if err := a.Meta.Validate(); err != nil {
		return "", err
	}
	front, err := yaml.Marshal(&a.Meta)
	if err != nil {
		return "", fmt.Errorf("encoding front matter: %w", err)
	}

	var b strings.Builder
	b.WriteString(delimiter + "\n")
	b.Write(front)
	b.WriteString(delimiter + "\n")
	b.WriteString(a.Body)
	return b.String(), nil
}

// WriteFile serializes the artifact and writes it atomically to its Path.
func (a *Artifact) WriteFile() error {
	if a.Path == "" {
		return errors.New("artifact has no path")
	}
	content, err := a.Serialize()
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(a.Path, []byte(content), 0644)
}

// Validate checks required fields and enumerated values.
func (m *Meta) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("%w: type", ErrMissingField)
	}
	if !validTypes[m.Type] {
		return fmt.Errorf("invalid artifact type %q", m.Type)
	}
	if m.From == "" {
		return fmt.Errorf("%w: from", ErrMissingField)
	}
	if _, err := stage.ParseRole(string(m.From)); err != nil {
		return fmt.Errorf("invalid from role: %w", err)
	}
	if m.To == "" {
		return fmt.Errorf("%w: to", ErrMissingField)
	}
	if _, err := stage.ParseRole(string(m.To)); err != nil {
		return fmt.Errorf("invalid to role: %w", err)
	}
	if m.Status == "" {
		return fmt.Errorf("%w: status", ErrMissingField)
	}
	if !validStatuses[m.Status] {
		return fmt.Errorf("invalid status %q", m.Status)
	}
	if m.FeatureName == "" {
		return fmt.Errorf("%w: featureName", ErrMissingField)
	}
	if m.Priority != "" && !validPriorities[m.Priority] {
		return fmt.Errorf("invalid priority %q", m.Priority)
	}
	return nil
}

// splitFrontMatter separates the leading "---" block from the body.
func splitFrontMatter(content string) (front, body string, err error) {
	trimmed := strings.TrimLeft(content, "\n\r ")
	if !strings.HasPrefix(trimmed, delimiter) {
		return "", "", ErrNoFrontMatter
	}

	rest := trimmed[len(delimiter):]
	rest = strings.TrimPrefix(rest, "\r")
	if !strings.HasPrefix(rest, "\n") {
		return "", "", ErrNoFrontMatter
	}
	rest = rest[1:]

	idx := strings.Index(rest, "\n"+delimiter)
	if idx < 0 {
		return "", "", fmt.Errorf("%w: unterminated block", ErrNoFrontMatter)
	}
	front = rest[:idx+1]

	body = rest[idx+1+len(delimiter):]
	body = strings.TrimPrefix(body, "\r")
	body = strings.TrimPrefix(body, "\n")
	return front, body, nil
}
