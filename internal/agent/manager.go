package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pipeworks/stagehand/internal/tmux"
)

// Options tune the manager. Zero values fall back to workable defaults; the
// orchestrator fills these from the workspace config.
type Options struct {
	StartupTimeout time.Duration
	SettleDelay    time.Duration
	PollInterval   time.Duration
	StuckThreshold time.Duration

	ChunkBytes int
	ChunkDelay time.Duration

	// CaptureLines is how much session scrollback each poll inspects.
	CaptureLines int

	// KeepCompletedSessions leaves sessions open after MarkCompleted.
	KeepCompletedSessions bool
}

func (o *Options) applyDefaults() {
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 60 * time.Second
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 500 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = 10 * time.Minute
	}
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = 2048
	}
	if o.ChunkDelay <= 0 {
		o.ChunkDelay = 150 * time.Millisecond
	}
	if o.CaptureLines <= 0 {
		o.CaptureLines = 200
	}
}

// Manager tracks running workers and their terminal sessions.
type Manager struct {
	host   SessionHost
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	agents   map[string]*Agent
	monitors map[string]*monitor

	cleanupOnce sync.Once
}

// NewManager creates a Manager driving sessions through host.
func NewManager(host SessionHost, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Manager{
		host:     host,
		opts:     opts,
		logger:   logger,
		agents:   make(map[string]*Agent),
		monitors: make(map[string]*monitor),
	}
}

// Start launches one worker and blocks until it is ready to receive its
// first instruction, or fails. On any failure the session is torn down so a
// retry starts clean.
func (m *Manager) Start(ctx context.Context, cfg StartConfig) (*Agent, error) {
	if cfg.ID == "" {
		cfg.ID = string(cfg.Role)
	}
	session := tmux.SessionName(cfg.ID)

	m.mu.Lock()
	if _, exists := m.agents[cfg.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTracked, cfg.ID)
	}
	a := &Agent{
		ID:           cfg.ID,
		Role:         cfg.Role,
		Session:      session,
		Status:       StatusStarting,
		LastActivity: time.Now(),
	}
	m.agents[cfg.ID] = a
	m.mu.Unlock()

	m.installExitCleanup()

	if err := m.launch(ctx, a, cfg); err != nil {
		m.forget(cfg.ID)
		_ = m.host.KillSession(session)
		return nil, err
	}

	m.setStatus(cfg.ID, StatusReady)
	m.logger.Info("agent ready", "agent", cfg.ID, "role", cfg.Role, "session", session)
	return m.snapshotAgent(cfg.ID), nil
}

// launch creates the session, runs the worker command, waits for a
// readiness marker, and delivers the initial prompt.
func (m *Manager) launch(ctx context.Context, a *Agent, cfg StartConfig) error {
	if err := m.host.NewSession(a.Session, cfg.WorkDir); err != nil {
		return fmt.Errorf("creating session for %s: %w", a.ID, err)
	}
	if err := m.host.SendText(a.Session, cfg.Command); err != nil {
		return fmt.Errorf("launching %s: %w", a.ID, err)
	}
	if err := m.host.SendEnter(a.Session); err != nil {
		return fmt.Errorf("launching %s: %w", a.ID, err)
	}

	if err := m.waitForReady(ctx, a.Session, cfg.ReadinessMarkers); err != nil {
		return err
	}

	// The worker UI repaints briefly after the marker appears; give it a
	// moment before typing at it.
	select {
	case <-time.After(m.opts.SettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if cfg.InitialPrompt != "" {
		if err := m.sendPrompt(a.Session, cfg.InitialPrompt); err != nil {
			return fmt.Errorf("sending initial prompt to %s: %w", a.ID, err)
		}
	}
	return nil
}

// waitForReady polls session output for any readiness marker.
func (m *Manager) waitForReady(ctx context.Context, session string, markers []string) error {
	deadline := time.Now().Add(m.opts.StartupTimeout)
	interval := m.opts.PollInterval
	if interval > time.Second {
		interval = time.Second
	}

	for {
		out, err := m.host.Capture(session, m.opts.CaptureLines)
		if err == nil {
			for _, marker := range markers {
				if strings.Contains(out, marker) {
					return nil
				}
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: session %s after %s", ErrStartupTimeout, session, m.opts.StartupTimeout)
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendPrompt writes the prompt to a temp file and replays its contents as a
// single literal send. The file round-trip guarantees the exact bytes are
// delivered even when the prompt came from a template pipeline, and keeps a
// debugging copy until delivery succeeds.
func (m *Manager) sendPrompt(session, prompt string) error {
	f, err := os.CreateTemp("", "stagehand-prompt-*.txt")
	if err != nil {
		return fmt.Errorf("creating prompt file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(prompt); err != nil {
		f.Close()
		return fmt.Errorf("writing prompt file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing prompt file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading prompt file back: %w", err)
	}

	if err := m.sendChunked(session, string(data)); err != nil {
		return err
	}
	return m.host.SendEnter(session)
}

// StartWithRetry wraps Start with exponential backoff. Transient failures
// (tmux races, slow worker cold starts) usually clear on the second try.
func (m *Manager) StartWithRetry(ctx context.Context, cfg StartConfig, policy RetryPolicy) (*Agent, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 15 * time.Second
	}

	delay := policy.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		a, err := m.Start(ctx, cfg)
		if err == nil {
			return a, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		m.logger.Warn("agent start failed",
			"agent", cfg.ID, "attempt", attempt, "max", policy.MaxAttempts, "error", err)
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &StartError{Config: cfg, Attempts: attempt, Err: ctx.Err()}
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return nil, &StartError{Config: cfg, Attempts: policy.MaxAttempts, Err: lastErr}
}

// SendMessage delivers an instruction to a ready or working agent. Long
// messages are split into bursts so the terminal's input buffer never drops
// bytes, and the agent is marked working.
func (m *Manager) SendMessage(agentID, text string) error {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if a.Status != StatusReady && a.Status != StatusWorking {
		status := a.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAgentNotReady, agentID, status)
	}
	session := a.Session
	m.mu.Unlock()

	if err := m.sendChunked(session, text); err != nil {
		return fmt.Errorf("sending to %s: %w", agentID, err)
	}
	if err := m.host.SendEnter(session); err != nil {
		return fmt.Errorf("sending to %s: %w", agentID, err)
	}

	m.mu.Lock()
	if a, ok := m.agents[agentID]; ok {
		a.Status = StatusWorking
		a.LastActivity = time.Now()
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) sendChunked(session, text string) error {
	for len(text) > 0 {
		n := m.opts.ChunkBytes
		if n > len(text) {
			n = len(text)
		}
		if err := m.host.SendText(session, text[:n]); err != nil {
			return err
		}
		text = text[n:]
		if len(text) > 0 {
			time.Sleep(m.opts.ChunkDelay)
		}
	}
	return nil
}

// RecordActivity notes that an agent produced observable progress, resetting
// its stuck timer and tracking the artifact it is working on.
func (m *Manager) RecordActivity(agentID, artifactPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[agentID]; ok {
		a.LastActivity = time.Now()
		if artifactPath != "" {
			a.CurrentArtifact = artifactPath
		}
	}
}

// CheckForStuckAgents marks working agents with no recent activity as stuck
// and returns their ids. Already-stuck agents are not reported twice.
func (m *Manager) CheckForStuckAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stuck []string
	now := time.Now()
	for id, a := range m.agents {
		if a.Status != StatusWorking {
			continue
		}
		if now.Sub(a.LastActivity) >= m.opts.StuckThreshold {
			a.Status = StatusStuck
			stuck = append(stuck, id)
		}
	}
	return stuck
}

// MarkCompleted records that an agent finished its work. Its session is torn
// down unless the manager keeps completed sessions for inspection.
func (m *Manager) MarkCompleted(agentID string) error {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	a.Status = StatusCompleted
	a.CurrentArtifact = ""
	session := a.Session
	m.mu.Unlock()

	m.stopMonitor(agentID)

	if !m.opts.KeepCompletedSessions {
		if err := m.host.KillSession(session); err != nil {
			m.logger.Warn("killing completed session", "agent", agentID, "error", err)
		}
	}
	return nil
}

// MarkError records a terminal failure for an agent. The session stays open
// so the failure can be inspected.
func (m *Manager) MarkError(agentID string) {
	m.setStatus(agentID, StatusError)
	m.stopMonitor(agentID)
}

// StopAgent tears down one agent's session and stops tracking it.
func (m *Manager) StopAgent(agentID string) error {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	session := a.Session
	a.Status = StatusStopped
	delete(m.agents, agentID)
	m.mu.Unlock()

	m.stopMonitor(agentID)

	if err := m.host.KillSession(session); err != nil {
		return fmt.Errorf("stopping %s: %w", agentID, err)
	}
	m.logger.Info("agent stopped", "agent", agentID)
	return nil
}

// StopAll tears down every tracked agent. Individual failures are logged and
// do not stop the sweep.
func (m *Manager) StopAll() {
	for _, a := range m.Agents() {
		if err := m.StopAgent(a.ID); err != nil {
			m.logger.Warn("stopping agent", "agent", a.ID, "error", err)
		}
	}
}

// Agent returns a snapshot of one tracked agent.
func (m *Manager) Agent(agentID string) (Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return *a, nil
}

// Agents returns a snapshot of all tracked agents.
func (m *Manager) Agents() []Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, *a)
	}
	return out
}

// AgentForRole returns the first tracked agent with the given role, if any.
func (m *Manager) AgentForRole(role string) (Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if string(a.Role) == role {
			return *a, true
		}
	}
	return Agent{}, false
}

func (m *Manager) setStatus(agentID string, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[agentID]; ok {
		a.Status = s
	}
}

func (m *Manager) forget(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
}

func (m *Manager) snapshotAgent(agentID string) *Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[agentID]; ok {
		cp := *a
		return &cp
	}
	return nil
}

// installExitCleanup arranges for every tracked session to be killed when
// the orchestrator is interrupted. Orphaned sessions keep burning worker
// quota invisibly, so teardown must not depend on a clean shutdown path.
func (m *Manager) installExitCleanup() {
	m.cleanupOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-ch
			m.logger.Info("signal received, stopping agents", "signal", sig)
			m.StopAll()
			signal.Stop(ch)
			// Re-raise so the process exits with conventional signal status.
			p, err := os.FindProcess(os.Getpid())
			if err == nil {
				_ = p.Signal(sig)
			} else {
				os.Exit(1)
			}
		}()
	})
}
