package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pipeworks/stagehand/internal/agent"
	"github.com/pipeworks/stagehand/internal/events"
	"github.com/pipeworks/stagehand/internal/instruct"
	"github.com/pipeworks/stagehand/internal/stage"
	"github.com/pipeworks/stagehand/internal/state"
)

// startIntake launches the intake worker with its instruction as the initial
// prompt: intake is the only role with no input artifact to route, so it is
// prompted at startup rather than through an artifact event.
func (o *Orchestrator) startIntake() error {
	ictx, err := o.instructionContext(stage.RoleIntake, "", false)
	if err != nil {
		return err
	}
	text, err := instruct.Build(stage.RoleIntake, ictx)
	if err != nil {
		return err
	}

	agentID := string(stage.RoleIntake)
	o.tracker.expect(agentID, stage.Spec, exactPattern(ictx.OutputFile))

	a, err := o.agents.StartWithRetry(o.ctx, agent.StartConfig{
		ID:               agentID,
		Role:             stage.RoleIntake,
		WorkDir:          o.root,
		Command:          o.cfg.CommandFor(stage.RoleIntake),
		ReadinessMarkers: o.cfg.ReadinessMarkersFor(stage.RoleIntake),
		InitialPrompt:    text,
	}, o.retryPolicy())
	if err != nil {
		o.tracker.drop(agentID)
		return err
	}

	_ = o.events.Record(events.TypeAgentReady, a.ID,
		events.AgentPayload(string(stage.RoleIntake), a.Session))
	_ = o.events.Record(events.TypeInstructionSent, claimant, map[string]interface{}{
		"agent": a.ID,
		"role":  string(stage.RoleIntake),
	})

	o.monitorFallback(a.ID)
	go o.superviseIntake(a.ID, a.Session, filepath.Join(ictx.OutputDir, ictx.OutputFile))
	return nil
}

// superviseIntake polls directly for intake's single output file. The
// watcher still delivers the artifact event; this loop only bounds how long
// the run waits and catches a worker that exits without producing anything.
func (o *Orchestrator) superviseIntake(agentID, session, expectedPath string) {
	deadline := time.Now().Add(o.cfg.Monitor.IntakeTimeout.Duration)
	ticker := time.NewTicker(o.cfg.Monitor.PollInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if o.machine.Current() != state.SpecPending {
				return // spec already consumed and archived
			}
			if _, err := os.Stat(expectedPath); err == nil {
				return
			}
			if !o.host.HasSession(session) {
				// The session ending and the file landing can race; look
				// once more before declaring failure.
				time.Sleep(o.cfg.Agents.SettleDelay.Duration)
				if _, err := os.Stat(expectedPath); err == nil {
					return
				}
				o.fail("intake ended before producing the specification", agentID, stage.Spec)
				return
			}
			if time.Now().After(deadline) {
				o.fail(fmt.Sprintf("intake produced no specification within %s",
					o.cfg.Monitor.IntakeTimeout.Duration), agentID, stage.Spec)
				return
			}
		}
	}
}
