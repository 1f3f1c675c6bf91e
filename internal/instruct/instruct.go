// Package instruct renders the instruction text delivered to each worker.
//
// Templates are pure text: they name the input artifact, where the output
// belongs, and the conventions the pipeline relies on (front matter, output
// file naming, the literal fallback markers). The coordinator fills in paths
// and feature context; nothing here touches the filesystem.
package instruct

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/pipeworks/stagehand/internal/stage"
)

// Context carries everything a template can reference.
type Context struct {
	FeatureName string
	Slug        string
	Brief       string

	// Root is the workspace root; all other paths are absolute.
	Root string

	// InputPath is the artifact the worker must read first. Empty for
	// intake, which starts from the brief alone.
	InputPath string

	// OutputDir is the pending directory the worker writes into.
	OutputDir string

	// OutputFile is the expected output file name (without directory).
	OutputFile string

	// SecondOutputFile names an additional expected output, for roles that
	// produce two artifacts (the architect writes arch and tasks).
	SecondOutputDir  string
	SecondOutputFile string

	// Rework is set when a reviewer sent the work back; InputPath then
	// points at the fixes file.
	Rework bool
}

const preamble = `You are the {{.RoleTitle}} in a staged development pipeline for the feature "{{.FeatureName}}".

Ground rules:
- Write your output as a markdown file with YAML front matter between ` + "`---`" + ` delimiters. Required front matter fields: type, from, to, status, featureName.
- Write the file atomically: write to a temporary name first, then rename it into place. Half-written files confuse the pipeline.
- When your work is finished and the file is in place, print the single line WORK COMPLETE.
- If you cannot finish, print the single line WORK FAILED followed by one sentence explaining why.
`

var templates = map[stage.Role]string{
	stage.RoleIntake: preamble + `
Feature brief:
{{.Brief}}

Turn the brief into a requirements specification. Cover user-visible behavior, constraints, and acceptance criteria. Do not design the implementation.

Write the specification to {{.OutputDir}}/{{.OutputFile}} with front matter type: spec, from: intake, to: architect, status: pending, featureName: {{.FeatureName}}.`,

	stage.RoleArchitect: preamble + `
Read the requirements specification at {{.InputPath}}.

Produce two artifacts:
1. An architecture document: components, data flow, interfaces, and the key design decisions with their tradeoffs. Write it to {{.OutputDir}}/{{.OutputFile}} with front matter type: architecture, from: architect, to: tester, status: pending, featureName: {{.FeatureName}}.
2. A task breakdown: an ordered list of implementation tasks, each small enough to verify independently. Write it to {{.SecondOutputDir}}/{{.SecondOutputFile}} with front matter type: task, from: architect, to: developer, status: pending, featureName: {{.FeatureName}}.

Print WORK COMPLETE only after both files are in place.`,

	stage.RoleTester: preamble + `
Read the architecture document at {{.InputPath}}.

Write a test plan before any implementation exists: the behaviors to verify, concrete test cases with inputs and expected outcomes, and the edge cases the architecture implies. The developer will implement against these tests.

Write the plan to {{.OutputDir}}/{{.OutputFile}} with front matter type: test, from: tester, to: developer, status: pending, featureName: {{.FeatureName}}.`,

	stage.RoleDeveloper: preamble + `
{{if .Rework -}}
The reviewer sent your implementation back. Read the required fixes at {{.InputPath}} and address every item.
{{- else -}}
Read the task breakdown and the test plan; your primary input is {{.InputPath}}.
{{- end}}

Implement the feature so the test plan passes. Record what you built and how to verify it in an implementation report.

Write the report to {{.OutputDir}}/{{.OutputFile}} with front matter type: implementation, from: developer, to: reviewer, status: pending, featureName: {{.FeatureName}}.`,

	stage.RoleReviewer: preamble + `
Read the implementation report at {{.InputPath}} and review the work against the requirements, the architecture, and the test plan.

Produce exactly one of:
- An approval: write {{.OutputDir}}/{{.OutputFile}} with front matter type: review, from: reviewer, to: docs, status: pending, featureName: {{.FeatureName}}.
- A fixes list: write {{.OutputDir}}/{{.SecondOutputFile}} with front matter type: review, from: reviewer, to: developer, status: pending, featureName: {{.FeatureName}}, listing every required change.`,

	stage.RoleDocs: preamble + `
Read the approved review at {{.InputPath}}.

Write the user-facing documentation for the feature: what it does, how to use it, and any migration notes.

Write it to {{.OutputDir}}/{{.OutputFile}} with front matter type: documentation, from: docs, to: docs, status: pending, featureName: {{.FeatureName}}.`,
}

var parsed = func() map[stage.Role]*template.Template {
	out := make(map[stage.Role]*template.Template, len(templates))
	for role, text := range templates {
		out[role] = template.Must(template.New(string(role)).Parse(text))
	}
	return out
}()

// roleTitles are the human labels used in the preamble.
var roleTitles = map[stage.Role]string{
	stage.RoleIntake:    "requirements analyst",
	stage.RoleArchitect: "software architect",
	stage.RoleTester:    "test engineer",
	stage.RoleDeveloper: "developer",
	stage.RoleReviewer:  "code reviewer",
	stage.RoleDocs:      "technical writer",
}

// templateData is Context plus derived fields templates reference.
type templateData struct {
	Context
	RoleTitle string
}

// Build renders the instruction for one role.
func Build(role stage.Role, ctx Context) (string, error) {
	tmpl, ok := parsed[role]
	if !ok {
		return "", fmt.Errorf("no instruction template for role %q", role)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, templateData{Context: ctx, RoleTitle: roleTitles[role]}); err != nil {
		return "", fmt.Errorf("rendering %s instruction: %w", role, err)
	}
	return sb.String(), nil
}
