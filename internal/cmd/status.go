package cmd

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/pipeworks/stagehand/internal/events"
	"github.com/pipeworks/stagehand/internal/stage"
	"github.com/pipeworks/stagehand/internal/style"
	"github.com/pipeworks/stagehand/internal/tui"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workflow and agent status",
	Long: `Display the current workflow state, tracked agents, and per-stage artifact
counts, reconstructed from the workspace run log.

Use --watch for a continuously refreshing display.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Refresh continuously")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	root, _, err := resolveWorkspace()
	if err != nil {
		return err
	}
	fetch := func() (tui.Snapshot, error) { return snapshotFromDisk(root) }

	if statusWatch && style.IsTerminal() {
		_, err := tea.NewProgram(tui.New(fetch)).Run()
		return err
	}

	snap, err := fetch()
	if err != nil {
		return err
	}
	printSnapshot(snap)
	return nil
}

// snapshotFromDisk reconstructs status from the run log and the stage tree.
// It works whether or not an orchestrator is currently running.
func snapshotFromDisk(root string) (tui.Snapshot, error) {
	snap := tui.Snapshot{State: "idle"}

	evs, err := events.Read(root)
	if err != nil {
		return snap, err
	}

	agents := map[string]*tui.AgentView{}
	var order []string
	for _, e := range evs {
		switch e.Type {
		case events.TypeWorkflowStarted, events.TypeWorkflowResumed:
			if f, ok := e.Payload["feature"].(string); ok {
				snap.Feature = f
			}
			// A new run supersedes everything before it.
			agents = map[string]*tui.AgentView{}
			order = nil
			snap.Err = ""
		case events.TypeStateChanged:
			if to, ok := e.Payload["to"].(string); ok {
				snap.State = to
			}
			if f, ok := e.Payload["feature"].(string); ok {
				snap.Feature = f
			}
		case events.TypeWorkflowError:
			if msg, ok := e.Payload["message"].(string); ok {
				snap.Err = msg
			}
		case events.TypeAgentReady:
			role, _ := e.Payload["role"].(string)
			if _, seen := agents[e.Actor]; !seen {
				order = append(order, e.Actor)
			}
			agents[e.Actor] = &tui.AgentView{ID: e.Actor, Role: role, Status: "ready"}
		case events.TypeInstructionSent:
			if id, ok := e.Payload["agent"].(string); ok {
				if a := agents[id]; a != nil {
					a.Status = "working"
					if in, ok := e.Payload["input"].(string); ok {
						a.Artifact = in
					}
				}
			}
		case events.TypeAgentStuck:
			if a := agents[e.Actor]; a != nil {
				a.Status = "stuck"
			}
		case events.TypeAgentStopped:
			delete(agents, e.Actor)
		}
	}
	for _, id := range order {
		if a, ok := agents[id]; ok {
			snap.Agents = append(snap.Agents, *a)
		}
	}

	p := stage.NewPipeline(root)
	if err := p.Initialize(); err != nil {
		return snap, err
	}
	for _, s := range p.AllStages() {
		pending, err := p.ListPending(s.Name)
		if err != nil {
			return snap, err
		}
		snap.Stages = append(snap.Stages, tui.StageView{
			Name:    string(s.Name),
			Pending: len(pending),
			Done:    countArtifacts(s.DoneDir),
		})
	}
	return snap, nil
}

func countArtifacts(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && stage.IsArtifactFile(e.Name()) {
			n++
		}
	}
	return n
}

func printSnapshot(snap tui.Snapshot) {
	if snap.Feature != "" {
		fmt.Printf("%s %s\n", style.Bold.Render("feature:"), snap.Feature)
	}
	fmt.Printf("%s %s\n", style.Bold.Render("state:"), style.RenderState(snap.State))
	if snap.Err != "" {
		style.PrintError("%s", snap.Err)
	}

	if len(snap.Agents) > 0 {
		fmt.Println()
		for _, a := range snap.Agents {
			fmt.Printf("  %-12s %-10s %s", a.ID, a.Role, style.RenderAgentStatus(a.Status))
			if a.Artifact != "" {
				fmt.Printf("  %s", style.Dim.Render(a.Artifact))
			}
			fmt.Println()
		}
	}

	fmt.Println()
	for _, s := range snap.Stages {
		fmt.Printf("  %-8s pending %d  done %d\n", s.Name, s.Pending, s.Done)
	}
}
