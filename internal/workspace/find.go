// Package workspace provides workspace detection for Stagehand.
//
// A Stagehand workspace is any directory containing a .stagehand/ marker
// directory with a workspace.json inside it. The stages/ tree, lock files,
// and run logs all live relative to the workspace root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound indicates no workspace was found.
var ErrNotFound = errors.New("not in a Stagehand workspace")

// Markers used to detect a Stagehand workspace.
const (
	// MarkerDir is the directory that identifies a workspace root.
	MarkerDir = ".stagehand"

	// MarkerFile is the config file inside the marker directory.
	// Its presence is authoritative; a bare .stagehand/ directory is
	// accepted as a fallback so a half-initialized workspace still resolves.
	MarkerFile = ".stagehand/workspace.json"

	// EnvRoot is the environment override for the workspace root. Worker
	// sessions are launched with this set so they resolve the same root
	// even when their working directory is elsewhere.
	EnvRoot = "STAGEHAND_ROOT"
)

// Find locates the workspace root by walking up from the given directory.
// The marker file is preferred over the bare marker directory.
// Does not resolve symlinks to stay consistent with os.Getwd().
func Find(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	var dirMatch string

	current := absDir
	for {
		if _, err := os.Stat(filepath.Join(current, MarkerFile)); err == nil {
			return current, nil
		}
		if info, err := os.Stat(filepath.Join(current, MarkerDir)); err == nil && info.IsDir() && dirMatch == "" {
			dirMatch = current
		}

		parent := filepath.Dir(current)
		if parent == current {
			if dirMatch != "" {
				return dirMatch, nil
			}
			return "", ErrNotFound
		}
		current = parent
	}
}

// FindFromCwd locates the workspace root from the current working directory.
// If getcwd fails (e.g. the directory was removed), falls back to the
// STAGEHAND_ROOT environment variable.
func FindFromCwd() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		if root := os.Getenv(EnvRoot); root != "" {
			if ok, _ := IsWorkspace(root); ok {
				return root, nil
			}
		}
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	return Find(cwd)
}

// IsWorkspace reports whether the given directory is a workspace root.
func IsWorkspace(dir string) (bool, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false, fmt.Errorf("resolving path: %w", err)
	}

	if _, err := os.Stat(filepath.Join(absDir, MarkerFile)); err == nil {
		return true, nil
	}

	info, err := os.Stat(filepath.Join(absDir, MarkerDir))
	if err == nil && info.IsDir() {
		return true, nil
	}

	return false, nil
}

// MarkerPath returns the path of the marker directory within a root.
func MarkerPath(root string) string {
	return filepath.Join(root, MarkerDir)
}

// Initialize creates the workspace marker in the given directory.
// Idempotent: an existing marker is left untouched.
func Initialize(dir string) error {
	markerDir := filepath.Join(dir, MarkerDir)
	if err := os.MkdirAll(markerDir, 0755); err != nil {
		return fmt.Errorf("creating marker directory: %w", err)
	}

	markerFile := filepath.Join(dir, MarkerFile)
	if _, err := os.Stat(markerFile); err == nil {
		return nil
	}
	if err := os.WriteFile(markerFile, []byte("{}\n"), 0644); err != nil {
		return fmt.Errorf("writing workspace marker: %w", err)
	}
	return nil
}
