// Package state holds the authoritative workflow state for one feature run
// and enforces legal transitions between pipeline states.
package state

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pipeworks/stagehand/internal/stage"
)

// State is one of the fixed workflow states.
type State string

const (
	Idle          State = "idle"
	SpecPending   State = "spec_pending"
	ArchPending   State = "arch_pending"
	TestsPending  State = "tests_pending"
	ImplPending   State = "impl_pending"
	ReviewPending State = "review_pending"
	DocsPending   State = "docs_pending"
	Complete      State = "complete"
	Error         State = "error"
)

// transitions is the legal transition table. Error is additionally reachable
// from every state via TransitionToError.
var transitions = map[State][]State{
	Idle:          {SpecPending, Error},
	SpecPending:   {ArchPending, Error},
	ArchPending:   {TestsPending, Error},
	TestsPending:  {ImplPending, Error},
	ImplPending:   {ReviewPending, Error},
	ReviewPending: {DocsPending, ImplPending, Error}, // ImplPending is the rework loop
	DocsPending:   {Complete, Error},
	Complete:      {Idle},
	Error:         {Idle},
}

// InvalidTransitionError reports an attempt to make an illegal transition.
// It signals an ordering bug in the caller, never a user-recoverable state.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid workflow transition %s -> %s", e.From, e.To)
}

// WorkflowError records why a run entered the error state.
type WorkflowError struct {
	Message   string     `json:"message"`
	AgentID   string     `json:"agentId,omitempty"`
	Stage     stage.Name `json:"stage,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Run is one feature's pipeline execution.
type Run struct {
	FeatureName string         `json:"featureName"`
	Slug        string         `json:"slug"`
	Brief       string         `json:"brief,omitempty"`
	State       State          `json:"state"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Err         *WorkflowError `json:"error,omitempty"`
}

// TransitionListener observes successful state changes.
type TransitionListener func(from, to State, featureName string)

// ErrorListener observes entries into the error state.
type ErrorListener func(werr WorkflowError)

// Machine guards a Run and enforces the transition table.
// Listener failures are contained: a panicking listener is logged and does
// not prevent the state change or block other listeners.
type Machine struct {
	mu           sync.Mutex
	run          Run
	logger       *slog.Logger
	listeners    []TransitionListener
	errListeners []ErrorListener
}

// NewMachine creates a Machine for a fresh run in the idle state.
func NewMachine(featureName, brief string, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		run: Run{
			FeatureName: featureName,
			Slug:        Slugify(featureName),
			Brief:       brief,
			State:       Idle,
			StartedAt:   time.Now().UTC(),
		},
		logger: logger,
	}
}

// Run returns a snapshot of the current run.
func (m *Machine) Run() Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run.State
}

// OnTransition registers a listener for successful transitions.
func (m *Machine) OnTransition(fn TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// OnError registers a listener for error-state entries.
func (m *Machine) OnError(fn ErrorListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errListeners = append(m.errListeners, fn)
}

// TransitionTo moves to the next state if the transition table allows it.
// On success it stamps completion time for the terminal state and notifies
// listeners. On failure the state is unchanged.
func (m *Machine) TransitionTo(next State) error {
	m.mu.Lock()
	from := m.run.State
	if !legal(from, next) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: next}
	}
	m.run.State = next
	if next == Complete {
		now := time.Now().UTC()
		m.run.CompletedAt = &now
	}
	feature := m.run.FeatureName
	listeners := append([]TransitionListener(nil), m.listeners...)
	m.mu.Unlock()

	m.notifyTransition(listeners, from, next, feature)
	return nil
}

// TransitionToError records a workflow error and enters the error state.
// Legal from every state.
func (m *Machine) TransitionToError(message, agentID string, stageName stage.Name) {
	werr := WorkflowError{
		Message:   message,
		AgentID:   agentID,
		Stage:     stageName,
		Timestamp: time.Now().UTC(),
	}

	m.mu.Lock()
	from := m.run.State
	m.run.State = Error
	m.run.Err = &werr
	feature := m.run.FeatureName
	listeners := append([]TransitionListener(nil), m.listeners...)
	errListeners := append([]ErrorListener(nil), m.errListeners...)
	m.mu.Unlock()

	m.notifyTransition(listeners, from, Error, feature)
	for _, fn := range errListeners {
		m.safeNotify(func() { fn(werr) })
	}
}

// Reset returns the run to idle, preserving feature identity, clearing the
// recorded error and completion time, and re-stamping the start time.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run.State = Idle
	m.run.Err = nil
	m.run.CompletedAt = nil
	m.run.StartedAt = time.Now().UTC()
}

// Resume forces the state to a known value without consulting the table.
// Used only when reconstructing a run from artifacts left by an interrupted
// process; normal flow must go through TransitionTo.
func (m *Machine) Resume(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run.State = s
}

func (m *Machine) notifyTransition(listeners []TransitionListener, from, to State, feature string) {
	for _, fn := range listeners {
		fn := fn
		m.safeNotify(func() { fn(from, to, feature) })
	}
}

// safeNotify runs a listener, containing panics. Notification delivery is
// best-effort by contract.
func (m *Machine) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state listener panicked", "panic", r)
		}
	}()
	fn()
}

func legal(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// LegalTargets returns the states reachable from the given state.
func LegalTargets(from State) []State {
	return append([]State(nil), transitions[from]...)
}
