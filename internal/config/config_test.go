package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pipeworks/stagehand/internal/stage"
	"github.com/pipeworks/stagehand/internal/workspace"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agents.Command != "claude" {
		t.Errorf("default command = %q", cfg.Agents.Command)
	}
	if cfg.Agents.MaxStartRetries != 3 {
		t.Errorf("default max_start_retries = %d", cfg.Agents.MaxStartRetries)
	}
	if cfg.Watch.StabilityWindow.Duration != 750*time.Millisecond {
		t.Errorf("default stability_window = %v", cfg.Watch.StabilityWindow.Duration)
	}
}

func writeConfig(t *testing.T, root, content string) {
	t.Helper()
	if err := workspace.Initialize(root); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(workspace.MarkerPath(root), FileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
[agents]
command = "worker --interactive"
startup_timeout = "90s"
chunk_bytes = 4096

[monitor]
stuck_threshold = "5m"

[roles.reviewer]
command = "worker --reviewer"
readiness_markers = ["review ready"]
`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agents.Command != "worker --interactive" {
		t.Errorf("command = %q", cfg.Agents.Command)
	}
	if cfg.Agents.StartupTimeout.Duration != 90*time.Second {
		t.Errorf("startup_timeout = %v", cfg.Agents.StartupTimeout.Duration)
	}
	if cfg.Monitor.StuckThreshold.Duration != 5*time.Minute {
		t.Errorf("stuck_threshold = %v", cfg.Monitor.StuckThreshold.Duration)
	}

	// Per-role override wins; unlisted roles inherit.
	if got := cfg.CommandFor(stage.RoleReviewer); got != "worker --reviewer" {
		t.Errorf("CommandFor(reviewer) = %q", got)
	}
	if got := cfg.CommandFor(stage.RoleDeveloper); got != "worker --interactive" {
		t.Errorf("CommandFor(developer) = %q", got)
	}
	if got := cfg.ReadinessMarkersFor(stage.RoleReviewer); len(got) != 1 || got[0] != "review ready" {
		t.Errorf("ReadinessMarkersFor(reviewer) = %v", got)
	}
}

func TestLoad_UnknownRoleFails(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
[roles.wizard]
command = "cast"
`)
	if _, err := Load(root); err == nil {
		t.Error("Load() with unknown role expected error")
	}
}

func TestLoad_InvalidToml(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "not [valid toml")
	if _, err := Load(root); err == nil {
		t.Error("Load() with invalid TOML expected error")
	}
}
