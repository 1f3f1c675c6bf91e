// Package orchestrator is the composition root: it wires the stage pipeline,
// watcher, lock manager, state machine, and agent manager into one
// coordinating loop for a feature run.
//
// All coordination state lives on the Orchestrator value. A flock over
// .stagehand/orchestrator.lock guarantees at most one coordinating process
// per workspace; worker coordination inside the workspace uses the artifact
// claim files from internal/lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/pipeworks/stagehand/internal/agent"
	"github.com/pipeworks/stagehand/internal/artifact"
	"github.com/pipeworks/stagehand/internal/config"
	"github.com/pipeworks/stagehand/internal/events"
	"github.com/pipeworks/stagehand/internal/instruct"
	"github.com/pipeworks/stagehand/internal/lock"
	"github.com/pipeworks/stagehand/internal/stage"
	"github.com/pipeworks/stagehand/internal/state"
	"github.com/pipeworks/stagehand/internal/watch"
	"github.com/pipeworks/stagehand/internal/workspace"
)

// GuardFile is the singleton lock file inside the workspace marker dir.
const GuardFile = "orchestrator.lock"

// claimant recorded in artifact lock files taken by the coordinator.
const claimant = "orchestrator"

// Common errors.
var (
	ErrAlreadyRunning  = errors.New("another orchestrator is running in this workspace")
	ErrNoFeature       = errors.New("no feature name given")
	ErrBadFeature      = errors.New("feature name contains no usable characters")
	ErrNothingToResume = errors.New("no pending artifacts to resume from")
)

// Options selects what Run executes.
type Options struct {
	FeatureName string
	Brief       string

	// Resume reconstructs an interrupted run from pending artifacts
	// instead of starting a fresh one.
	Resume bool
}

// Orchestrator coordinates one feature run.
type Orchestrator struct {
	root   string
	cfg    *config.Config
	host   agent.SessionHost
	logger *slog.Logger

	runID    string
	guard    *flock.Flock
	pipeline *stage.Pipeline
	locks    *lock.Manager
	agents   *agent.Manager
	tracker  *tracker
	events   *events.Log

	machine *state.Machine
	watcher *watch.Watcher

	ctx context.Context

	mu        sync.Mutex
	tasksPath string // architect's task breakdown, archived until tests arrive
	testsPath string // tester's plan; developer starts once both are in

	done     chan struct{}
	doneOnce sync.Once
}

// New creates an Orchestrator for the workspace root. Sessions are driven
// through host; pass tmux.New() in production.
func New(root string, cfg *config.Config, host agent.SessionHost, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		root:     root,
		cfg:      cfg,
		host:     host,
		logger:   logger,
		runID:    uuid.NewString(),
		guard:    flock.New(filepath.Join(workspace.MarkerPath(root), GuardFile)),
		pipeline: stage.NewPipeline(root),
		locks:    lock.NewManager(),
		tracker:  newTracker(),
		events:   events.NewLog(root),
		agents: agent.NewManager(host, agent.Options{
			StartupTimeout:        cfg.Agents.StartupTimeout.Duration,
			SettleDelay:           cfg.Agents.SettleDelay.Duration,
			PollInterval:          cfg.Monitor.PollInterval.Duration,
			StuckThreshold:        cfg.Monitor.StuckThreshold.Duration,
			ChunkBytes:            cfg.Agents.ChunkBytes,
			ChunkDelay:            cfg.Agents.ChunkDelay.Duration,
			KeepCompletedSessions: cfg.Agents.KeepCompletedSessions,
		}, logger),
		done: make(chan struct{}),
	}
}

// Run executes one feature workflow to completion, error, or cancellation.
func (o *Orchestrator) Run(ctx context.Context, opts Options) error {
	locked, err := o.guard.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring orchestrator guard: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer func() { _ = o.guard.Unlock() }()

	o.ctx = ctx

	if err := o.pipeline.Initialize(); err != nil {
		return fmt.Errorf("initializing stages: %w", err)
	}

	feature, brief := opts.FeatureName, opts.Brief
	var plan *resumePlan
	if opts.Resume {
		plan, err = o.scanForResume()
		if err != nil {
			return err
		}
		feature = plan.feature
	}
	if feature == "" {
		return ErrNoFeature
	}
	// Output file names derive from the slug, so it must be nonempty.
	if state.Slugify(feature) == "" {
		return fmt.Errorf("%w: %q", ErrBadFeature, feature)
	}

	o.mu.Lock()
	o.machine = state.NewMachine(feature, brief, o.logger)
	o.mu.Unlock()
	o.machine.OnTransition(o.onTransition)
	o.machine.OnError(o.onWorkflowError)

	o.watcher = watch.New(o.cfg.Watch.StabilityWindow.Duration, o.logger)
	for _, s := range o.pipeline.AllStages() {
		o.watcher.AddPath(s.PendingDir)
	}
	o.watcher.Subscribe(watch.ArtifactCreated, o.handleCreated)
	if err := o.watcher.Start(); err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer o.watcher.Stop()
	defer func() {
		// Completed sessions may be kept for inspection; everything else
		// is torn down with the run.
		if !o.cfg.Agents.KeepCompletedSessions {
			o.agents.StopAll()
		}
	}()

	go o.stuckSweep(ctx)

	if opts.Resume {
		o.beginResumed(plan)
	} else {
		if err := o.beginFresh(); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
	}

	run := o.machine.Run()
	if run.State == state.Error && run.Err != nil {
		return fmt.Errorf("workflow failed at %s: %s", run.Err.Stage, run.Err.Message)
	}
	return nil
}

// beginFresh starts a new run: intake produces the spec, the architect is
// warmed up because it is always the next consumer.
func (o *Orchestrator) beginFresh() error {
	run := o.machine.Run()
	_ = o.events.Record(events.TypeWorkflowStarted, claimant, map[string]interface{}{
		"run":     o.runID,
		"feature": run.FeatureName,
		"slug":    run.Slug,
	})

	if err := o.machine.TransitionTo(state.SpecPending); err != nil {
		return err
	}
	if err := o.startIntake(); err != nil {
		o.fail(err.Error(), string(stage.RoleIntake), stage.Spec)
		return nil
	}
	if _, err := o.ensureAgent(stage.RoleArchitect); err != nil {
		o.fail(err.Error(), string(stage.RoleArchitect), stage.Spec)
	}
	return nil
}

// beginResumed reenters an interrupted run at the earliest pending stage and
// re-dispatches its unconsumed artifacts through the normal handler.
func (o *Orchestrator) beginResumed(plan *resumePlan) {
	o.machine.Resume(plan.state)
	_ = o.events.Record(events.TypeWorkflowResumed, claimant, map[string]interface{}{
		"run":     o.runID,
		"feature": plan.feature,
		"state":   string(plan.state),
		"reaped":  plan.reaped,
	})
	o.logger.Info("resuming workflow",
		"feature", plan.feature, "state", plan.state, "artifacts", len(plan.artifacts))

	for _, ev := range plan.artifacts {
		o.handleCreated(ev)
	}
}

// handleCreated is the watcher subscriber: any processing failure sends the
// workflow to the error state instead of crashing the coordinator.
func (o *Orchestrator) handleCreated(ev watch.Event) {
	if err := o.processArtifact(ev); err != nil {
		o.logger.Error("artifact handling failed", "stage", ev.Stage, "path", ev.Path, "error", err)
		o.fail(err.Error(), "", ev.Stage)
	}
}

// processArtifact claims, records, archives, and routes one new artifact.
func (o *Orchestrator) processArtifact(ev watch.Event) error {
	claimed, err := o.locks.Claim(ev.Path, claimant)
	if err != nil {
		return fmt.Errorf("claiming %s: %w", ev.Path, err)
	}
	if !claimed {
		return nil // already being handled
	}

	art, err := artifact.ParseFile(ev.Path)
	if err != nil {
		_ = o.locks.Release(ev.Path)
		return err
	}

	// The claim is stamped into the artifact itself, not just the lock
	// file; status only ever moves forward.
	if art.Meta.Status == artifact.StatusPending {
		now := time.Now().UTC()
		art.Meta.Status = artifact.StatusClaimed
		art.Meta.ClaimedBy = claimant
		art.Meta.ClaimedAt = &now
		if err := art.WriteFile(); err != nil {
			_ = o.locks.Release(ev.Path)
			return fmt.Errorf("recording claim on %s: %w", ev.Path, err)
		}
	}

	_ = o.events.Record(events.TypeArtifactCreated, string(art.Meta.From),
		events.ArtifactPayload(ev.Path, string(ev.Stage)))

	// Credit the producer before routing, so its session can be reclaimed.
	if agentID, remaining, ok := o.tracker.match(ev.Stage, filepath.Base(ev.Path)); ok {
		o.agents.RecordActivity(agentID, "")
		if remaining == 0 {
			if err := o.agents.MarkCompleted(agentID); err != nil {
				o.logger.Warn("marking agent completed", "agent", agentID, "error", err)
			} else {
				_ = o.events.Record(events.TypeAgentStopped, agentID, nil)
			}
		}
	}

	donePath, err := o.pipeline.MarkDone(ev.Stage, ev.Path)
	if err != nil {
		_ = o.locks.Release(ev.Path)
		return fmt.Errorf("archiving %s: %w", ev.Path, err)
	}
	if err := o.locks.Release(ev.Path); err != nil {
		o.logger.Warn("releasing claim", "path", ev.Path, "error", err)
	}

	art.Path = donePath
	if art.Meta.Status != artifact.StatusComplete {
		art.Meta.Status = artifact.StatusComplete
		if err := art.WriteFile(); err != nil {
			return fmt.Errorf("recording completion on %s: %w", donePath, err)
		}
	}

	_ = o.events.Record(events.TypeArtifactDone, claimant,
		events.ArtifactPayload(donePath, string(ev.Stage)))

	return o.advance(ev.Stage, donePath, art)
}

// advance routes a consumed artifact: pick the next consumer, instruct it,
// and move the workflow state forward.
func (o *Orchestrator) advance(st stage.Name, donePath string, art *artifact.Artifact) error {
	switch st {
	case stage.Docs:
		return o.machine.TransitionTo(state.Complete)

	case stage.Review:
		return o.advanceReview(donePath, art)

	case stage.Tasks, stage.Tests:
		return o.advanceToDeveloper(st, donePath)

	default:
		role, ok := consumerRole[st]
		if !ok || role == "" {
			return fmt.Errorf("no consumer for stage %s", st)
		}
		if err := o.instructRole(role, donePath, false); err != nil {
			return err
		}
		return o.machine.TransitionTo(stateAfter[st])
	}
}

// advanceReview routes a review artifact by its front matter: addressed to
// docs it is an approval, addressed to the developer it is a rework request.
func (o *Orchestrator) advanceReview(donePath string, art *artifact.Artifact) error {
	switch art.Meta.To {
	case stage.RoleDocs:
		if err := o.instructRole(stage.RoleDocs, donePath, false); err != nil {
			return err
		}
		return o.machine.TransitionTo(state.DocsPending)
	case stage.RoleDeveloper:
		if err := o.instructRole(stage.RoleDeveloper, donePath, true); err != nil {
			return err
		}
		return o.machine.TransitionTo(state.ImplPending)
	default:
		return fmt.Errorf("review artifact addressed to %q, want docs or developer", art.Meta.To)
	}
}

// advanceToDeveloper handles the developer's two inputs. The task breakdown
// and the test plan arrive independently, in either order; the first of them
// advances the workflow state per the stage table, and the instruction is
// held until both exist.
func (o *Orchestrator) advanceToDeveloper(st stage.Name, donePath string) error {
	o.mu.Lock()
	if st == stage.Tasks {
		o.tasksPath = donePath
	} else {
		o.testsPath = donePath
	}
	tasks, tests := o.tasksPath, o.testsPath
	o.mu.Unlock()

	if tasks != "" && tests != "" {
		// The test plan is the developer's primary input; the instruction
		// also points at the task breakdown.
		if err := o.instructRole(stage.RoleDeveloper, tests, false); err != nil {
			return err
		}
	} else {
		o.logger.Info("holding developer instruction until both inputs exist",
			"have", string(st), "tasks", tasks != "", "tests", tests != "")
	}

	switch o.machine.Current() {
	case state.TestsPending:
		return o.machine.TransitionTo(state.ImplPending)
	case state.ImplPending:
		return nil // the other gate input already advanced
	default:
		// The architect writes arch and tasks near-simultaneously, so the
		// tasks event can outrun the arch event. The arch and tests events
		// carry the state forward in that case.
		return nil
	}
}

// instructRole ensures the role's agent is running, registers the outputs it
// is now expected to produce, and delivers the instruction.
func (o *Orchestrator) instructRole(role stage.Role, inputPath string, rework bool) error {
	a, err := o.ensureAgent(role)
	if err != nil {
		return err
	}

	ictx, err := o.instructionContext(role, inputPath, rework)
	if err != nil {
		return err
	}
	o.registerExpectations(a.ID, role, ictx)

	text, err := instruct.Build(role, ictx)
	if err != nil {
		return err
	}
	if err := o.agents.SendMessage(a.ID, text); err != nil {
		return fmt.Errorf("instructing %s: %w", a.ID, err)
	}
	o.agents.RecordActivity(a.ID, inputPath)
	_ = o.events.Record(events.TypeInstructionSent, claimant, map[string]interface{}{
		"agent": a.ID,
		"role":  string(role),
		"input": inputPath,
	})
	o.monitorFallback(a.ID)
	return nil
}

// instructionContext fills the template context for one role.
func (o *Orchestrator) instructionContext(role stage.Role, inputPath string, rework bool) (instruct.Context, error) {
	run := o.machine.Run()
	ictx := instruct.Context{
		FeatureName: run.FeatureName,
		Slug:        run.Slug,
		Brief:       run.Brief,
		Root:        o.root,
		InputPath:   inputPath,
		Rework:      rework,
	}

	outStage := map[stage.Role]stage.Name{
		stage.RoleIntake:    stage.Spec,
		stage.RoleArchitect: stage.Arch,
		stage.RoleTester:    stage.Tests,
		stage.RoleDeveloper: stage.Impl,
		stage.RoleReviewer:  stage.Review,
		stage.RoleDocs:      stage.Docs,
	}[role]

	out, err := o.pipeline.Stage(outStage)
	if err != nil {
		return instruct.Context{}, err
	}
	ictx.OutputDir = out.PendingDir
	ictx.OutputFile = outputFile(run.Slug, outStage)

	switch role {
	case stage.RoleArchitect:
		tasks, err := o.pipeline.Stage(stage.Tasks)
		if err != nil {
			return instruct.Context{}, err
		}
		ictx.SecondOutputDir = tasks.PendingDir
		ictx.SecondOutputFile = outputFile(run.Slug, stage.Tasks)
	case stage.RoleReviewer:
		ictx.SecondOutputDir = out.PendingDir
		ictx.SecondOutputFile = fixesFile(run.Slug)
	}
	return ictx, nil
}

// registerExpectations records which files the agent must now produce.
func (o *Orchestrator) registerExpectations(agentID string, role stage.Role, ictx instruct.Context) {
	switch role {
	case stage.RoleArchitect:
		o.tracker.expect(agentID, stage.Arch, exactPattern(ictx.OutputFile))
		o.tracker.expect(agentID, stage.Tasks, exactPattern(ictx.SecondOutputFile))
	case stage.RoleReviewer:
		// Either outcome satisfies the reviewer.
		o.tracker.expect(agentID, stage.Review,
			exactPattern(ictx.OutputFile), exactPattern(ictx.SecondOutputFile))
	case stage.RoleIntake:
		o.tracker.expect(agentID, stage.Spec, exactPattern(ictx.OutputFile))
	case stage.RoleTester:
		o.tracker.expect(agentID, stage.Tests, exactPattern(ictx.OutputFile))
	case stage.RoleDeveloper:
		o.tracker.expect(agentID, stage.Impl, exactPattern(ictx.OutputFile))
	case stage.RoleDocs:
		o.tracker.expect(agentID, stage.Docs, exactPattern(ictx.OutputFile))
	}
}

// ensureAgent returns a usable agent for the role, starting one if needed.
func (o *Orchestrator) ensureAgent(role stage.Role) (agent.Agent, error) {
	if a, ok := o.agents.AgentForRole(string(role)); ok {
		if a.Status == agent.StatusReady || a.Status == agent.StatusWorking {
			return a, nil
		}
		// Completed or failed earlier in the run (rework loops revisit
		// roles); clear it out and start fresh.
		o.tracker.drop(a.ID)
		if err := o.agents.StopAgent(a.ID); err != nil && !errors.Is(err, agent.ErrAgentNotFound) {
			o.logger.Warn("replacing agent", "agent", a.ID, "error", err)
		}
	}

	a, err := o.agents.StartWithRetry(o.ctx, agent.StartConfig{
		ID:               string(role),
		Role:             role,
		WorkDir:          o.root,
		Command:          o.cfg.CommandFor(role),
		ReadinessMarkers: o.cfg.ReadinessMarkersFor(role),
	}, o.retryPolicy())
	if err != nil {
		return agent.Agent{}, err
	}
	_ = o.events.Record(events.TypeAgentReady, a.ID, events.AgentPayload(string(role), a.Session))
	return *a, nil
}

func (o *Orchestrator) retryPolicy() agent.RetryPolicy {
	return agent.RetryPolicy{
		MaxAttempts:  o.cfg.Agents.MaxStartRetries,
		InitialDelay: o.cfg.Agents.RetryInitial.Duration,
		MaxDelay:     o.cfg.Agents.RetryMax.Duration,
	}
}

// monitorFallback polls the agent's output for the literal failure markers.
// File-based detection stays authoritative; completion markers only refresh
// the activity clock.
func (o *Orchestrator) monitorFallback(agentID string) {
	err := o.agents.StartMonitoring(agentID, agent.MonitorConfig{
		Interval:          o.cfg.Monitor.PollInterval.Duration,
		CompletionMarkers: o.cfg.Agents.CompletionMarkers,
		ErrorMarkers:      o.cfg.Agents.ErrorMarkers,
		OnComplete: func(id string) {
			o.agents.RecordActivity(id, "")
		},
		OnError: func(id string, _ string) {
			o.fail("worker reported failure", id, "")
		},
	})
	if err != nil {
		o.logger.Warn("starting fallback monitor", "agent", agentID, "error", err)
	}
}

// stuckSweep periodically flags working agents with no observable progress.
func (o *Orchestrator) stuckSweep(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Monitor.PollInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case <-ticker.C:
			for _, id := range o.agents.CheckForStuckAgents() {
				_ = o.events.Record(events.TypeAgentStuck, id, nil)
				o.fail(fmt.Sprintf("agent %s made no progress for %s",
					id, o.cfg.Monitor.StuckThreshold.Duration), id, "")
				return
			}
		}
	}
}

// onTransition is the state machine listener feeding the run log.
func (o *Orchestrator) onTransition(from, to state.State, feature string) {
	_ = o.events.Record(events.TypeStateChanged, claimant,
		events.StatePayload(string(from), string(to), feature))
	if to == state.Complete {
		_ = o.events.Record(events.TypeWorkflowComplete, claimant, map[string]interface{}{
			"run":     o.runID,
			"feature": feature,
		})
		o.logger.Info("workflow complete", "feature", feature)
		o.finish()
	}
}

// onWorkflowError records the failure and ends the run.
func (o *Orchestrator) onWorkflowError(werr state.WorkflowError) {
	_ = o.events.Record(events.TypeWorkflowError, werr.AgentID,
		events.ErrorPayload(werr.Message, werr.AgentID, string(werr.Stage)))
	o.finish()
}

// fail sends the workflow to the error state.
func (o *Orchestrator) fail(message, agentID string, st stage.Name) {
	o.machine.TransitionToError(message, agentID, st)
}

func (o *Orchestrator) finish() {
	o.doneOnce.Do(func() { close(o.done) })
}

// Machine exposes the state machine snapshot surface for status tooling.
// Nil until Run has begun.
func (o *Orchestrator) Machine() *state.Machine {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine
}

// AgentSnapshots exposes tracked agents for status tooling.
func (o *Orchestrator) AgentSnapshots() []agent.Agent {
	return o.agents.Agents()
}
