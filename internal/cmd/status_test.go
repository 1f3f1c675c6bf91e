package cmd

import (
	"testing"

	"github.com/pipeworks/stagehand/internal/events"
	"github.com/pipeworks/stagehand/internal/workspace"
)

func TestSnapshotFromDisk(t *testing.T) {
	root := t.TempDir()
	if err := workspace.Initialize(root); err != nil {
		t.Fatal(err)
	}

	log := events.NewLog(root)
	mustRecord := func(typ, actor string, payload map[string]interface{}) {
		t.Helper()
		if err := log.Record(typ, actor, payload); err != nil {
			t.Fatal(err)
		}
	}
	mustRecord(events.TypeWorkflowStarted, "orchestrator", map[string]interface{}{"feature": "Dark Mode"})
	mustRecord(events.TypeStateChanged, "orchestrator", events.StatePayload("idle", "spec_pending", "Dark Mode"))
	mustRecord(events.TypeAgentReady, "intake", events.AgentPayload("intake", "sh-intake"))
	mustRecord(events.TypeInstructionSent, "orchestrator", map[string]interface{}{"agent": "intake"})
	mustRecord(events.TypeAgentReady, "architect", events.AgentPayload("architect", "sh-architect"))
	mustRecord(events.TypeAgentStopped, "architect", nil)

	snap, err := snapshotFromDisk(root)
	if err != nil {
		t.Fatal(err)
	}

	if snap.Feature != "Dark Mode" {
		t.Errorf("feature = %q", snap.Feature)
	}
	if snap.State != "spec_pending" {
		t.Errorf("state = %q", snap.State)
	}
	if len(snap.Agents) != 1 || snap.Agents[0].ID != "intake" || snap.Agents[0].Status != "working" {
		t.Errorf("agents = %+v, want working intake only", snap.Agents)
	}
	if len(snap.Stages) != 7 {
		t.Errorf("%d stage rows, want 7", len(snap.Stages))
	}
}

func TestSnapshotFromDisk_EmptyWorkspace(t *testing.T) {
	root := t.TempDir()
	if err := workspace.Initialize(root); err != nil {
		t.Fatal(err)
	}

	snap, err := snapshotFromDisk(root)
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != "idle" {
		t.Errorf("state = %q, want idle", snap.State)
	}
	if len(snap.Agents) != 0 {
		t.Errorf("agents = %+v, want none", snap.Agents)
	}
}
