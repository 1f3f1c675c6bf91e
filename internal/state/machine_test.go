package state

import (
	"errors"
	"testing"

	"github.com/pipeworks/stagehand/internal/stage"
)

func TestTransitionTo_LegalPairs(t *testing.T) {
	for from, targets := range transitions {
		for _, to := range targets {
			t.Run(string(from)+"_to_"+string(to), func(t *testing.T) {
				m := NewMachine("feat", "", nil)
				m.Resume(from)
				if err := m.TransitionTo(to); err != nil {
					t.Fatalf("TransitionTo(%s) from %s error = %v", to, from, err)
				}
				if m.Current() != to {
					t.Errorf("Current() = %s, want %s", m.Current(), to)
				}
			})
		}
	}
}

func TestTransitionTo_IllegalPairs(t *testing.T) {
	all := []State{Idle, SpecPending, ArchPending, TestsPending, ImplPending, ReviewPending, DocsPending, Complete, Error}
	for _, from := range all {
		allowed := map[State]bool{}
		for _, to := range transitions[from] {
			allowed[to] = true
		}
		for _, to := range all {
			if allowed[to] {
				continue
			}
			m := NewMachine("feat", "", nil)
			m.Resume(from)
			err := m.TransitionTo(to)
			if err == nil {
				t.Errorf("TransitionTo(%s) from %s succeeded, want error", to, from)
				continue
			}
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Errorf("error type = %T, want *InvalidTransitionError", err)
			}
			if m.Current() != from {
				t.Errorf("state changed to %s on illegal transition", m.Current())
			}
		}
	}
}

func TestTransitionTo_CompleteStampsTime(t *testing.T) {
	m := NewMachine("feat", "", nil)
	m.Resume(DocsPending)
	if err := m.TransitionTo(Complete); err != nil {
		t.Fatal(err)
	}
	if m.Run().CompletedAt == nil {
		t.Error("CompletedAt not stamped on completion")
	}
}

func TestTransitionTo_NotifiesListeners(t *testing.T) {
	m := NewMachine("user-auth", "", nil)

	var gotFrom, gotTo State
	var gotFeature string
	m.OnTransition(func(from, to State, feature string) {
		gotFrom, gotTo, gotFeature = from, to, feature
	})

	if err := m.TransitionTo(SpecPending); err != nil {
		t.Fatal(err)
	}
	if gotFrom != Idle || gotTo != SpecPending || gotFeature != "user-auth" {
		t.Errorf("listener saw (%s, %s, %s)", gotFrom, gotTo, gotFeature)
	}
}

func TestTransitionTo_PanickingListenerDoesNotBlockOthers(t *testing.T) {
	m := NewMachine("feat", "", nil)

	m.OnTransition(func(from, to State, feature string) {
		panic("listener bug")
	})
	secondCalled := false
	m.OnTransition(func(from, to State, feature string) {
		secondCalled = true
	})

	if err := m.TransitionTo(SpecPending); err != nil {
		t.Fatalf("TransitionTo() error = %v, listener panic must not fail the transition", err)
	}
	if m.Current() != SpecPending {
		t.Error("state change lost to listener panic")
	}
	if !secondCalled {
		t.Error("second listener not called after first panicked")
	}
}

func TestTransitionToError_FromAnyState(t *testing.T) {
	all := []State{Idle, SpecPending, ArchPending, TestsPending, ImplPending, ReviewPending, DocsPending, Complete, Error}
	for _, from := range all {
		m := NewMachine("feat", "", nil)
		m.Resume(from)

		var got WorkflowError
		m.OnError(func(werr WorkflowError) { got = werr })

		m.TransitionToError("worker crashed", "developer-1", stage.Impl)
		if m.Current() != Error {
			t.Errorf("from %s: Current() = %s, want error", from, m.Current())
		}
		run := m.Run()
		if run.Err == nil || run.Err.Message != "worker crashed" {
			t.Errorf("from %s: WorkflowError not recorded", from)
		}
		if got.AgentID != "developer-1" || got.Stage != stage.Impl {
			t.Errorf("from %s: error listener saw %+v", from, got)
		}
	}
}

func TestReset(t *testing.T) {
	m := NewMachine("user-auth", "a brief", nil)
	m.TransitionToError("boom", "x", stage.Spec)

	m.Reset()

	run := m.Run()
	if run.State != Idle {
		t.Errorf("State = %s, want idle", run.State)
	}
	if run.Err != nil {
		t.Error("Err not cleared by Reset")
	}
	if run.CompletedAt != nil {
		t.Error("CompletedAt not cleared by Reset")
	}
	if run.FeatureName != "user-auth" || run.Slug != "user-auth" {
		t.Error("feature identity lost on Reset")
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"User Auth", "user-auth"},
		{"café menu", "cafe-menu"},
		{"  spaces   everywhere  ", "spaces-everywhere"},
		{"v2.0: the re-write!", "v2-0-the-re-write"},
		{"already-a-slug", "already-a-slug"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Slugify(tt.in); got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
