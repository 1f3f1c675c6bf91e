package agent

import (
	"strings"
	"sync"
	"time"
)

// MonitorConfig drives fallback output monitoring for one agent.
//
// File-based artifact detection is the authoritative completion signal;
// output markers exist for workers that crash or report failure before ever
// writing an artifact. Callbacks fire at most once, after which the monitor
// stops itself.
type MonitorConfig struct {
	Interval time.Duration

	CompletionMarkers []string
	ErrorMarkers      []string

	// Timeout bounds the whole monitoring run. Zero means no deadline.
	Timeout time.Duration

	OnComplete func(agentID string)
	OnError    func(agentID string, output string)
	OnTimeout  func(agentID string)
}

type monitor struct {
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (mo *monitor) halt() {
	mo.once.Do(func() { close(mo.stop) })
	mo.wg.Wait()
}

// StartMonitoring begins polling an agent's output on a background
// goroutine. A second call for the same agent replaces the previous monitor.
func (m *Manager) StartMonitoring(agentID string, cfg MonitorConfig) error {
	a, err := m.Agent(agentID)
	if err != nil {
		return err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = m.opts.PollInterval
	}

	mo := &monitor{stop: make(chan struct{})}

	m.mu.Lock()
	prev := m.monitors[agentID]
	m.monitors[agentID] = mo
	m.mu.Unlock()
	if prev != nil {
		prev.halt()
	}

	mo.wg.Add(1)
	go m.monitorLoop(mo, a.Session, agentID, cfg)
	return nil
}

// StopMonitoring halts the agent's monitor, if one is running.
func (m *Manager) StopMonitoring(agentID string) {
	m.stopMonitor(agentID)
}

func (m *Manager) stopMonitor(agentID string) {
	m.mu.Lock()
	mo := m.monitors[agentID]
	delete(m.monitors, agentID)
	m.mu.Unlock()
	if mo != nil {
		mo.halt()
	}
}

func (m *Manager) monitorLoop(mo *monitor, session, agentID string, cfg MonitorConfig) {
	defer mo.wg.Done()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if cfg.Timeout > 0 {
		timer := time.NewTimer(cfg.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var lastOutput string
	for {
		select {
		case <-mo.stop:
			return

		case <-deadline:
			m.logger.Warn("agent monitoring timed out", "agent", agentID, "timeout", cfg.Timeout)
			if cfg.OnTimeout != nil {
				cfg.OnTimeout(agentID)
			}
			return

		case <-ticker.C:
			out, err := m.host.Capture(session, m.opts.CaptureLines)
			if err != nil {
				// Session may be gone mid-teardown; the next tick or the
				// stop channel resolves it.
				m.logger.Debug("capture failed", "agent", agentID, "error", err)
				continue
			}

			if out != lastOutput {
				lastOutput = out
				m.RecordActivity(agentID, "")
			}

			if marker := firstMatch(out, cfg.ErrorMarkers); marker != "" {
				m.logger.Warn("agent reported failure", "agent", agentID, "marker", marker)
				if cfg.OnError != nil {
					cfg.OnError(agentID, out)
				}
				return
			}
			if marker := firstMatch(out, cfg.CompletionMarkers); marker != "" {
				m.logger.Info("agent reported completion", "agent", agentID, "marker", marker)
				if cfg.OnComplete != nil {
					cfg.OnComplete(agentID)
				}
				return
			}
		}
	}
}

func firstMatch(out string, markers []string) string {
	for _, marker := range markers {
		if marker != "" && strings.Contains(out, marker) {
			return marker
		}
	}
	return ""
}
