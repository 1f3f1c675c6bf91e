// Package config loads orchestrator settings from .stagehand/config.toml.
//
// Every field has a working default so a bare workspace runs without any
// config file. Role entries override the worker launch command and readiness
// markers per role; unlisted roles inherit the defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/pipeworks/stagehand/internal/stage"
	"github.com/pipeworks/stagehand/internal/workspace"
)

// FileName is the config file inside the workspace marker directory.
const FileName = "config.toml"

// Config holds all orchestrator settings.
type Config struct {
	Agents  AgentsConfig          `toml:"agents"`
	Watch   WatchConfig           `toml:"watch"`
	Monitor MonitorConfig         `toml:"monitor"`
	Roles   map[string]RoleConfig `toml:"roles"`
}

// AgentsConfig controls worker session lifecycle.
type AgentsConfig struct {
	// Command launches a worker. The role's instruction file path is
	// appended as the final argument.
	Command string `toml:"command"`

	// ReadinessMarkers are literal substrings a worker prints once
	// interactive.
	ReadinessMarkers []string `toml:"readiness_markers"`

	// CompletionMarkers / ErrorMarkers are the fallback literal output
	// signals; file-based completion is authoritative.
	CompletionMarkers []string `toml:"completion_markers"`
	ErrorMarkers      []string `toml:"error_markers"`

	StartupTimeout  duration `toml:"startup_timeout"`
	SettleDelay     duration `toml:"settle_delay"`
	MaxStartRetries int      `toml:"max_start_retries"`
	RetryInitial    duration `toml:"retry_initial_delay"`
	RetryMax        duration `toml:"retry_max_delay"`

	// ChunkBytes is the maximum size of one SendText burst; longer
	// messages are split with ChunkDelay pauses between bursts.
	ChunkBytes int      `toml:"chunk_bytes"`
	ChunkDelay duration `toml:"chunk_delay"`

	// KeepCompletedSessions leaves a worker's session open after its
	// artifact is produced, for inspection.
	KeepCompletedSessions bool `toml:"keep_completed_sessions"`
}

// WatchConfig controls the filesystem watcher.
type WatchConfig struct {
	// StabilityWindow is how long a file must stop changing before a
	// created event fires. Workers write artifacts incrementally.
	StabilityWindow duration `toml:"stability_window"`
}

// MonitorConfig controls output polling and stuck detection.
type MonitorConfig struct {
	PollInterval   duration `toml:"poll_interval"`
	StuckThreshold duration `toml:"stuck_threshold"`
	IntakeTimeout  duration `toml:"intake_timeout"`
}

// RoleConfig overrides per-role settings.
type RoleConfig struct {
	Command          string   `toml:"command"`
	ReadinessMarkers []string `toml:"readiness_markers"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Command:           "claude",
			ReadinessMarkers:  []string{"? for shortcuts", "Welcome back"},
			CompletionMarkers: []string{"WORK COMPLETE"},
			ErrorMarkers:      []string{"WORK FAILED"},
			StartupTimeout:    duration{60 * time.Second},
			SettleDelay:       duration{500 * time.Millisecond},
			MaxStartRetries:   3,
			RetryInitial:      duration{time.Second},
			RetryMax:          duration{15 * time.Second},
			ChunkBytes:        2048,
			ChunkDelay:        duration{150 * time.Millisecond},
		},
		Watch: WatchConfig{
			StabilityWindow: duration{750 * time.Millisecond},
		},
		Monitor: MonitorConfig{
			PollInterval:   duration{2 * time.Second},
			StuckThreshold: duration{10 * time.Minute},
			IntakeTimeout:  duration{30 * time.Minute},
		},
		Roles: map[string]RoleConfig{},
	}
}

// Load reads the workspace config, applying defaults for anything unset.
// A missing config file yields the defaults.
func Load(root string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(workspace.MarkerPath(root), FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// CommandFor returns the launch command for a role.
func (c *Config) CommandFor(role stage.Role) string {
	if rc, ok := c.Roles[string(role)]; ok && rc.Command != "" {
		return rc.Command
	}
	return c.Agents.Command
}

// ReadinessMarkersFor returns the readiness markers for a role.
func (c *Config) ReadinessMarkersFor(role stage.Role) []string {
	if rc, ok := c.Roles[string(role)]; ok && len(rc.ReadinessMarkers) > 0 {
		return rc.ReadinessMarkers
	}
	return c.Agents.ReadinessMarkers
}

func (c *Config) validate() error {
	for name := range c.Roles {
		if _, err := stage.ParseRole(name); err != nil {
			return err
		}
	}
	if c.Agents.MaxStartRetries < 1 {
		return fmt.Errorf("max_start_retries must be at least 1")
	}
	if c.Agents.ChunkBytes < 1 {
		return fmt.Errorf("chunk_bytes must be positive")
	}
	return nil
}

// duration wraps time.Duration so TOML values like "90s" decode directly.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}
