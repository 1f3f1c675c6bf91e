package orchestrator

import (
	"github.com/pipeworks/stagehand/internal/stage"
	"github.com/pipeworks/stagehand/internal/state"
)

// consumerRole maps a produced artifact's stage to the role that consumes
// it. The review stage is absent: its consumer depends on the artifact's
// front matter (docs on approval, developer on rework).
var consumerRole = map[stage.Name]stage.Role{
	stage.Spec:  stage.RoleArchitect,
	stage.Arch:  stage.RoleTester,
	stage.Tasks: stage.RoleDeveloper,
	stage.Tests: stage.RoleDeveloper,
	stage.Impl:  stage.RoleReviewer,
	stage.Docs:  "",
}

// stateAfter maps a consumed artifact's stage to the workflow state the
// pipeline advances to.
var stateAfter = map[stage.Name]state.State{
	stage.Spec:   state.ArchPending,
	stage.Arch:   state.TestsPending,
	stage.Tasks:  state.ImplPending,
	stage.Tests:  state.ImplPending,
	stage.Impl:   state.ReviewPending,
	stage.Review: state.DocsPending,
	stage.Docs:   state.Complete,
}

// pendingState maps a stage with unconsumed pending artifacts to the
// workflow state a resumed run reenters.
var pendingState = map[stage.Name]state.State{
	stage.Spec:   state.SpecPending,
	stage.Arch:   state.ArchPending,
	stage.Tasks:  state.ArchPending,
	stage.Tests:  state.TestsPending,
	stage.Impl:   state.ImplPending,
	stage.Review: state.ReviewPending,
	stage.Docs:   state.DocsPending,
}

// outputFile is the conventional artifact file name a role writes for a
// stage, derived from the feature slug.
func outputFile(slug string, name stage.Name) string {
	switch name {
	case stage.Review:
		return slug + "-approved.md"
	default:
		return slug + "-" + string(name) + ".md"
	}
}

// fixesFile is the reviewer's alternative output requesting rework.
func fixesFile(slug string) string {
	return slug + "-fixes.md"
}
