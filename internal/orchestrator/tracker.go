package orchestrator

import (
	"regexp"
	"sync"

	"github.com/pipeworks/stagehand/internal/stage"
)

// tracker records which output files each agent is expected to produce.
//
// One expectation is a group of alternative file patterns for one stage; the
// reviewer, for instance, satisfies its single expectation with either an
// approval file or a fixes file. A match consumes the whole group, so a
// re-delivered event for the same artifact never double-completes an agent.
type tracker struct {
	mu     sync.Mutex
	groups []*expectGroup
}

type expectGroup struct {
	agentID  string
	stage    stage.Name
	patterns []*regexp.Regexp
}

func newTracker() *tracker {
	return &tracker{}
}

// expect registers one expectation: the agent will produce a file in the
// given stage matching any of the patterns.
func (t *tracker) expect(agentID string, st stage.Name, patterns ...*regexp.Regexp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.groups = append(t.groups, &expectGroup{agentID: agentID, stage: st, patterns: patterns})
}

// match consumes the first expectation satisfied by the file. It returns the
// owning agent id and how many expectations that agent still has open.
// Unmatched files return ok=false; they are not an error, resumed runs
// dispatch artifacts nobody currently expects.
func (t *tracker) match(st stage.Name, fileName string) (agentID string, remaining int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for i, g := range t.groups {
		if g.stage != st {
			continue
		}
		for _, p := range g.patterns {
			if p.MatchString(fileName) {
				idx = i
				break
			}
		}
		if idx >= 0 {
			break
		}
	}
	if idx < 0 {
		return "", 0, false
	}

	matched := t.groups[idx]
	t.groups = append(t.groups[:idx], t.groups[idx+1:]...)

	for _, g := range t.groups {
		if g.agentID == matched.agentID {
			remaining++
		}
	}
	return matched.agentID, remaining, true
}

// drop discards every expectation held by an agent.
func (t *tracker) drop(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.groups[:0]
	for _, g := range t.groups {
		if g.agentID != agentID {
			kept = append(kept, g)
		}
	}
	t.groups = kept
}

// exactPattern compiles a pattern matching exactly the given file name.
func exactPattern(fileName string) *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(fileName) + "$")
}
