package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pipeworks/stagehand/internal/lock"
	"github.com/pipeworks/stagehand/internal/stage"
	"github.com/pipeworks/stagehand/internal/style"
)

var locksReap bool

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List artifact claims",
	Long: `List every artifact claim in the stage tree, with its holder and whether
the owning process is still alive.

Use --reap to release claims held by dead processes.`,
	RunE: runLocks,
}

func init() {
	locksCmd.Flags().BoolVar(&locksReap, "reap", false, "Release stale claims")
	rootCmd.AddCommand(locksCmd)
}

func runLocks(cmd *cobra.Command, args []string) error {
	root, _, err := resolveWorkspace()
	if err != nil {
		return err
	}

	p := stage.NewPipeline(root)
	if err := p.Initialize(); err != nil {
		return err
	}

	locks := lock.NewManager()
	var artifacts []string
	found := 0
	for _, s := range p.AllStages() {
		pending, err := p.ListPending(s.Name)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, pending...)
		for _, a := range pending {
			info, err := locks.Info(a)
			if err != nil {
				if errors.Is(err, lock.ErrCorruptLock) {
					fmt.Printf("  %s  %s\n", a, style.Error.Render("corrupt"))
					found++
				}
				continue
			}
			found++
			age := time.Since(info.ClaimedAt).Round(time.Second)
			holder := fmt.Sprintf("%s (pid %d, %s ago)", info.AgentID, info.PID, age)
			if info.IsStale() {
				fmt.Printf("  %s  %s %s\n", a, holder, style.Error.Render("stale"))
			} else {
				fmt.Printf("  %s  %s\n", a, holder)
			}
		}
	}

	if found == 0 {
		fmt.Println(style.Dim.Render("no claims"))
	}

	if locksReap {
		reaped, err := locks.ReapStale(artifacts)
		if err != nil {
			return err
		}
		style.PrintSuccess("reaped %d stale claim(s)", reaped)
	}
	return nil
}
