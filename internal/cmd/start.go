package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pipeworks/stagehand/internal/orchestrator"
	"github.com/pipeworks/stagehand/internal/style"
	"github.com/pipeworks/stagehand/internal/tmux"
)

var (
	startBrief  string
	startResume bool
)

var startCmd = &cobra.Command{
	Use:   "start [feature name]",
	Short: "Run a feature workflow to completion",
	Long: `Start the pipeline for a feature. The intake agent turns the brief into a
specification, and each later stage is triggered by the previous stage's
artifact landing in its pending directory.

With --resume, an interrupted run is reconstructed from the pending
artifacts on disk instead; no feature name is needed.`,
	Args: cobra.ArbitraryArgs,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVarP(&startBrief, "brief", "b", "", "Feature brief handed to the intake agent")
	startCmd.Flags().BoolVar(&startResume, "resume", false, "Resume an interrupted workflow")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	root, cfg, err := resolveWorkspace()
	if err != nil {
		return err
	}

	feature := strings.Join(args, " ")
	if !startResume && feature == "" {
		return fmt.Errorf("a feature name is required unless --resume is given")
	}
	brief := startBrief
	if brief == "" {
		brief = feature
	}

	o := orchestrator.New(root, cfg, tmux.New(), newLogger())
	err = o.Run(context.Background(), orchestrator.Options{
		FeatureName: feature,
		Brief:       brief,
		Resume:      startResume,
	})
	if err != nil {
		style.PrintError("%v", err)
		return err
	}
	style.PrintSuccess("workflow complete")
	return nil
}
