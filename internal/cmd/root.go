// Package cmd implements the stagehand CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pipeworks/stagehand/internal/config"
	"github.com/pipeworks/stagehand/internal/workspace"
)

var rootVerbose bool

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Multi-agent workflow orchestrator",
	Long: `Stagehand drives a fixed pipeline of specialized worker agents
(requirements -> architecture -> tests -> implementation -> review -> docs),
coordinating them through a shared stages/ tree of work-item files. Each
worker runs in its own tmux session.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger honoring --verbose.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if rootVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// resolveWorkspace locates the workspace root and loads its config.
func resolveWorkspace() (string, *config.Config, error) {
	root, err := workspace.FindFromCwd()
	if err != nil {
		return "", nil, fmt.Errorf("%w (run `stagehand stages init` first)", err)
	}
	cfg, err := config.Load(root)
	if err != nil {
		return "", nil, err
	}
	return root, cfg, nil
}
