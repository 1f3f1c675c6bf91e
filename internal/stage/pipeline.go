package stage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Common errors.
var (
	ErrUnknownStage   = errors.New("unknown stage")
	ErrMissingSource  = errors.New("source file does not exist")
	ErrNotInitialized = errors.New("pipeline not initialized")
)

// StagesDir is the directory under the workspace root holding all stages.
const StagesDir = "stages"

// LockSuffix marks claim files co-located with artifacts. Pending listings
// and the watcher both skip paths with this suffix.
const LockSuffix = ".lock"

// Pipeline manages the stage directory layout for one workspace.
type Pipeline struct {
	root        string
	stages      map[Name]*Stage
	ordered     []*Stage
	initialized bool
}

// NewPipeline creates a Pipeline rooted at the given workspace root.
// Call Initialize before using it.
func NewPipeline(root string) *Pipeline {
	return &Pipeline{
		root:   root,
		stages: make(map[Name]*Stage),
	}
}

// Root returns the workspace root this pipeline is bound to.
func (p *Pipeline) Root() string {
	return p.root
}

// Initialize creates <root>/stages/<name>/{pending,done} for every stage
// and populates the registry. Idempotent: pre-existing directories are fine.
func (p *Pipeline) Initialize() error {
	for _, d := range descriptors {
		base := filepath.Join(p.root, StagesDir, string(d.name))
		s := &Stage{
			Name:       d.name,
			PendingDir: filepath.Join(base, "pending"),
			DoneDir:    filepath.Join(base, "done"),
			Producer:   d.producer,
			Consumer:   d.consumer,
		}
		if err := os.MkdirAll(s.PendingDir, 0755); err != nil {
			return fmt.Errorf("creating pending dir for %s: %w", d.name, err)
		}
		if err := os.MkdirAll(s.DoneDir, 0755); err != nil {
			return fmt.Errorf("creating done dir for %s: %w", d.name, err)
		}
		p.stages[d.name] = s
	}
	p.ordered = make([]*Stage, 0, len(descriptors))
	for _, d := range descriptors {
		p.ordered = append(p.ordered, p.stages[d.name])
	}
	p.initialized = true
	return nil
}

// IsInitialized reports whether Initialize has completed.
func (p *Pipeline) IsInitialized() bool {
	return p.initialized
}

// Stage returns the descriptor for a stage name.
func (p *Pipeline) Stage(name Name) (*Stage, error) {
	if !p.initialized {
		return nil, ErrNotInitialized
	}
	s, ok := p.stages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}
	return s, nil
}

// AllStages returns the stage descriptors in pipeline order.
func (p *Pipeline) AllStages() []*Stage {
	return p.ordered
}

// Move relocates an artifact with an atomic rename, creating intermediate
// directories for the destination. The caller is expected to hold the
// artifact's claim; the pipeline does not verify that.
func (p *Pipeline) Move(from, to string) error {
	if _, err := os.Stat(from); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrMissingSource, from)
		}
		return fmt.Errorf("checking source: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return fmt.Errorf("creating destination dir: %w", err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("moving %s: %w", filepath.Base(from), err)
	}
	return nil
}

// MarkDone moves a pending artifact into its stage's done area.
func (p *Pipeline) MarkDone(name Name, artifactPath string) (string, error) {
	s, err := p.Stage(name)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(s.DoneDir, filepath.Base(artifactPath))
	if err := p.Move(artifactPath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// ListPending lists regular artifact files in a stage's pending area.
// Lock files, hidden files, and subdirectories are excluded.
func (p *Pipeline) ListPending(name Name) ([]string, error) {
	s, err := p.Stage(name)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.PendingDir)
	if err != nil {
		return nil, fmt.Errorf("reading pending dir for %s: %w", name, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !IsArtifactFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(s.PendingDir, e.Name()))
	}
	return paths, nil
}

// IsArtifactFile reports whether a file name looks like an artifact rather
// than a lock file, hidden file, or temp file.
func IsArtifactFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	if strings.HasSuffix(name, LockSuffix) {
		return false
	}
	if strings.HasSuffix(name, ".tmp") {
		return false
	}
	return true
}

// NameFromPath extracts the stage name from an artifact path: the path
// segment immediately following the stages root directory. Returns an
// error for paths outside the stages tree or with an unknown stage segment.
func NameFromPath(path string) (Name, error) {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i, part := range parts {
		if part == StagesDir && i+1 < len(parts) {
			return ParseName(parts[i+1])
		}
	}
	return "", fmt.Errorf("%w: no %s segment in %s", ErrUnknownStage, StagesDir, path)
}
