// Package stage defines the fixed pipeline vocabulary and manages the
// on-disk stage layout.
//
// The pipeline has seven stages, each with a pending/ and a done/ area
// under <root>/stages/<name>/. Workers drop artifact files into a stage's
// pending area; the orchestrator moves them to done/ once consumed.
package stage

import "fmt"

// Role identifies one of the six worker roles.
type Role string

const (
	RoleIntake    Role = "intake"
	RoleArchitect Role = "architect"
	RoleTester    Role = "tester"
	RoleDeveloper Role = "developer"
	RoleReviewer  Role = "reviewer"
	RoleDocs      Role = "docs"
)

// AllRoles lists every worker role.
var AllRoles = []Role{
	RoleIntake, RoleArchitect, RoleTester, RoleDeveloper, RoleReviewer, RoleDocs,
}

// ParseRole validates a role string. Unknown values are a hard error;
// artifact parsing fails closed on them.
func ParseRole(s string) (Role, error) {
	for _, r := range AllRoles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Name identifies one of the seven pipeline stages.
type Name string

const (
	Spec   Name = "spec"
	Arch   Name = "arch"
	Tasks  Name = "tasks"
	Tests  Name = "tests"
	Impl   Name = "impl"
	Review Name = "review"
	Docs   Name = "docs"
)

// Stage is an immutable descriptor for one pipeline stage.
type Stage struct {
	Name       Name
	PendingDir string
	DoneDir    string
	Producer   Role // role that writes artifacts into this stage
	Consumer   Role // role that acts on artifacts in this stage
}

// descriptor is the compile-time shape of a stage before paths are bound.
type descriptor struct {
	name     Name
	producer Role
	consumer Role
}

// descriptors is the full ordered pipeline. Never mutated at runtime.
var descriptors = []descriptor{
	{Spec, RoleIntake, RoleArchitect},
	{Arch, RoleArchitect, RoleTester},
	{Tasks, RoleArchitect, RoleDeveloper},
	{Tests, RoleTester, RoleDeveloper},
	{Impl, RoleDeveloper, RoleReviewer},
	{Review, RoleReviewer, RoleDocs},
	{Docs, RoleDocs, ""},
}

// Order returns the stage names in pipeline order.
func Order() []Name {
	names := make([]Name, len(descriptors))
	for i, d := range descriptors {
		names[i] = d.name
	}
	return names
}

// ParseName validates a stage name string.
func ParseName(s string) (Name, error) {
	for _, d := range descriptors {
		if string(d.name) == s {
			return d.name, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}
