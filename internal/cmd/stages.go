package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pipeworks/stagehand/internal/stage"
	"github.com/pipeworks/stagehand/internal/style"
	"github.com/pipeworks/stagehand/internal/workspace"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List pending artifacts per stage",
	RunE:  runStages,
}

var stagesInitCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a workspace and its stage tree",
	Long: `Create the .stagehand/ workspace marker and the stages/<name>/{pending,done}
tree in the given directory (default: current directory). Idempotent.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStagesInit,
}

func init() {
	stagesCmd.AddCommand(stagesInitCmd)
	rootCmd.AddCommand(stagesCmd)
}

func runStages(cmd *cobra.Command, args []string) error {
	root, _, err := resolveWorkspace()
	if err != nil {
		return err
	}

	p := stage.NewPipeline(root)
	if err := p.Initialize(); err != nil {
		return err
	}

	for _, s := range p.AllStages() {
		pending, err := p.ListPending(s.Name)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s -> %s)\n", style.Bold.Render(string(s.Name)), s.Producer, consumerLabel(s.Consumer))
		if len(pending) == 0 {
			fmt.Println(style.Dim.Render("  (empty)"))
			continue
		}
		for _, a := range pending {
			fmt.Printf("  %s\n", filepath.Base(a))
		}
	}
	return nil
}

func consumerLabel(r stage.Role) string {
	if r == "" {
		return "done"
	}
	return string(r)
}

func runStagesInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return err
	}
	if err := workspace.Initialize(abs); err != nil {
		return err
	}
	if err := stage.NewPipeline(abs).Initialize(); err != nil {
		return err
	}
	style.PrintSuccess("workspace initialized at %s", abs)
	return nil
}
