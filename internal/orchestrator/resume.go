package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pipeworks/stagehand/internal/artifact"
	"github.com/pipeworks/stagehand/internal/events"
	"github.com/pipeworks/stagehand/internal/stage"
	"github.com/pipeworks/stagehand/internal/state"
	"github.com/pipeworks/stagehand/internal/watch"
)

// resumePlan is what scanForResume reconstructs from the stage tree.
type resumePlan struct {
	feature   string
	state     state.State
	reaped    int
	artifacts []watch.Event
}

// scanForResume rebuilds an interrupted run from disk: the earliest stage
// with unconsumed pending artifacts is the resume point, stale claims are
// reaped, and every pending artifact becomes a synthetic created event for
// the normal handler.
func (o *Orchestrator) scanForResume() (*resumePlan, error) {
	var resumeStage stage.Name
	var all []string
	var items []watch.Event

	for _, s := range o.pipeline.AllStages() {
		paths, err := o.pipeline.ListPending(s.Name)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", s.Name, err)
		}
		if len(paths) > 0 && resumeStage == "" {
			resumeStage = s.Name
		}
		all = append(all, paths...)
		for _, p := range paths {
			items = append(items, watch.Event{Type: watch.ArtifactCreated, Path: p, Stage: s.Name})
		}
	}
	if resumeStage == "" {
		return nil, ErrNothingToResume
	}

	reaped, err := o.locks.ReapStale(all)
	if err != nil {
		return nil, fmt.Errorf("reaping stale locks: %w", err)
	}
	if reaped > 0 {
		_ = o.events.Record(events.TypeStaleLockReaped, claimant,
			map[string]interface{}{"count": reaped})
		o.logger.Info("reaped stale locks", "count", reaped)
	}

	// Archived artifacts carry state the pending scan cannot see: the
	// developer gate needs inputs consumed before the interruption, and a
	// dead tester leaves only the archived arch document to restart from.
	o.prefillDeveloperGate()
	if extra := o.reinstructableArch(items); extra != nil {
		items = append([]watch.Event{*extra}, items...)
	}

	feature := ""
	for _, it := range items {
		a, err := artifact.ParseFile(it.Path)
		if err != nil {
			continue
		}
		feature = a.Meta.FeatureName
		break
	}
	if feature == "" {
		return nil, fmt.Errorf("no pending artifact has a readable featureName")
	}

	return &resumePlan{
		feature:   feature,
		state:     pendingState[resumeStage],
		reaped:    reaped,
		artifacts: items,
	}, nil
}

// prefillDeveloperGate restores the tasks/tests inputs the developer gate
// tracks, from artifacts already archived before the interruption.
func (o *Orchestrator) prefillDeveloperGate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p := o.firstDone(stage.Tasks); p != "" {
		o.tasksPath = p
	}
	if p := o.firstDone(stage.Tests); p != "" {
		o.testsPath = p
	}
}

// reinstructableArch handles the hole where the architect's task breakdown
// is still pending but the tester died before writing its plan: the archived
// arch document is re-dispatched so the tester is restarted.
func (o *Orchestrator) reinstructableArch(items []watch.Event) *watch.Event {
	tasksPending := false
	testsPending := false
	for _, it := range items {
		switch it.Stage {
		case stage.Tasks:
			tasksPending = true
		case stage.Tests:
			testsPending = true
		}
	}
	if !tasksPending || testsPending {
		return nil
	}
	if o.firstDone(stage.Tests) != "" {
		return nil
	}
	archDone := o.firstDone(stage.Arch)
	if archDone == "" {
		return nil
	}
	return &watch.Event{Type: watch.ArtifactCreated, Path: archDone, Stage: stage.Arch}
}

// firstDone returns the first archived artifact in a stage's done area.
func (o *Orchestrator) firstDone(name stage.Name) string {
	s, err := o.pipeline.Stage(name)
	if err != nil {
		return ""
	}
	entries, err := os.ReadDir(s.DoneDir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if e.IsDir() || !stage.IsArtifactFile(e.Name()) {
			continue
		}
		return filepath.Join(s.DoneDir, e.Name())
	}
	return ""
}
