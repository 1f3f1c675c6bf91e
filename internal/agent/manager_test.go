package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pipeworks/stagehand/internal/stage"
	"github.com/pipeworks/stagehand/internal/tmux"
)

// fakeHost is an in-memory SessionHost.
type fakeHost struct {
	mu       sync.Mutex
	sessions map[string]bool
	output   map[string]string
	sent     map[string][]string
	enters   map[string]int

	// failCreates makes the next n NewSession calls fail.
	failCreates int
	creates     int
	kills       []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		sessions: make(map[string]bool),
		output:   make(map[string]string),
		sent:     make(map[string][]string),
		enters:   make(map[string]int),
	}
}

func (f *fakeHost) NewSession(name, workDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.failCreates > 0 {
		f.failCreates--
		return errors.New("tmux server not responding")
	}
	f.sessions[name] = true
	return nil
}

func (f *fakeHost) HasSession(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name]
}

func (f *fakeHost) SendText(name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[name] {
		return fmt.Errorf("no session %s", name)
	}
	f.sent[name] = append(f.sent[name], text)
	return nil
}

func (f *fakeHost) SendEnter(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[name] {
		return fmt.Errorf("no session %s", name)
	}
	f.enters[name]++
	return nil
}

func (f *fakeHost) Capture(name string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[name] {
		return "", fmt.Errorf("no session %s", name)
	}
	return f.output[name], nil
}

func (f *fakeHost) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	f.kills = append(f.kills, name)
	return nil
}

func (f *fakeHost) setOutput(name, out string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.output[name] = out
}

func (f *fakeHost) sentTexts(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[name]...)
}

func testOptions() Options {
	return Options{
		StartupTimeout: 200 * time.Millisecond,
		SettleDelay:    time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		StuckThreshold: 25 * time.Millisecond,
		ChunkBytes:     8,
		ChunkDelay:     time.Millisecond,
		CaptureLines:   50,
	}
}

// readyHost pre-arranges a host where any created session immediately shows
// a readiness marker.
func startReadyAgent(t *testing.T, m *Manager, host *fakeHost, cfg StartConfig) *Agent {
	t.Helper()
	session := tmux.SessionName(cfg.ID)
	if cfg.ID == "" {
		session = tmux.SessionName(string(cfg.Role))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if host.HasSession(session) {
				host.setOutput(session, "booting...\n? for shortcuts\n")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	a, err := m.Start(context.Background(), cfg)
	<-done
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func TestStart_BecomesReady(t *testing.T) {
	host := newFakeHost()
	m := NewManager(host, testOptions(), nil)

	a := startReadyAgent(t, m, host, StartConfig{
		Role:             stage.RoleArchitect,
		WorkDir:          t.TempDir(),
		Command:          "claude",
		ReadinessMarkers: []string{"? for shortcuts"},
		InitialPrompt:    "read your instructions",
	})

	if a.Status != StatusReady {
		t.Errorf("status = %s, want %s", a.Status, StatusReady)
	}
	if a.ID != "architect" {
		t.Errorf("id = %s, want architect", a.ID)
	}

	texts := host.sentTexts(a.Session)
	if len(texts) < 2 {
		t.Fatalf("sent %d texts, want command plus prompt", len(texts))
	}
	if texts[0] != "claude" {
		t.Errorf("first send = %q, want launch command", texts[0])
	}
	if joined := strings.Join(texts[1:], ""); joined != "read your instructions" {
		t.Errorf("prompt delivered as %q", joined)
	}
}

func TestStart_TimeoutTearsDownSession(t *testing.T) {
	host := newFakeHost()
	opts := testOptions()
	opts.StartupTimeout = 30 * time.Millisecond
	m := NewManager(host, opts, nil)

	_, err := m.Start(context.Background(), StartConfig{
		ID:               "architect",
		Role:             stage.RoleArchitect,
		Command:          "claude",
		ReadinessMarkers: []string{"never printed"},
	})
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("err = %v, want ErrStartupTimeout", err)
	}
	if host.HasSession(tmux.SessionName("architect")) {
		t.Error("failed start left its session running")
	}
	if _, err := m.Agent("architect"); !errors.Is(err, ErrAgentNotFound) {
		t.Error("failed start left the agent tracked")
	}
}

func TestStart_DuplicateID(t *testing.T) {
	host := newFakeHost()
	m := NewManager(host, testOptions(), nil)

	startReadyAgent(t, m, host, StartConfig{
		ID:               "tester",
		Role:             stage.RoleTester,
		Command:          "claude",
		ReadinessMarkers: []string{"? for shortcuts"},
	})

	_, err := m.Start(context.Background(), StartConfig{
		ID:   "tester",
		Role: stage.RoleTester,
	})
	if !errors.Is(err, ErrAlreadyTracked) {
		t.Fatalf("err = %v, want ErrAlreadyTracked", err)
	}
}

func TestStartWithRetry_RecoversFromTransientFailure(t *testing.T) {
	host := newFakeHost()
	host.failCreates = 2
	m := NewManager(host, testOptions(), nil)

	cfg := StartConfig{
		ID:               "developer",
		Role:             stage.RoleDeveloper,
		Command:          "claude",
		ReadinessMarkers: []string{"? for shortcuts"},
	}
	policy := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	done := make(chan struct{})
	go func() {
		defer close(done)
		session := tmux.SessionName("developer")
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if host.HasSession(session) {
				host.setOutput(session, "? for shortcuts")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	a, err := m.StartWithRetry(context.Background(), cfg, policy)
	<-done
	if err != nil {
		t.Fatalf("StartWithRetry: %v", err)
	}
	if a.Status != StatusReady {
		t.Errorf("status = %s, want ready", a.Status)
	}
	if host.creates != 3 {
		t.Errorf("creates = %d, want 3", host.creates)
	}
}

func TestStartWithRetry_Exhausted(t *testing.T) {
	host := newFakeHost()
	host.failCreates = 10
	m := NewManager(host, testOptions(), nil)

	_, err := m.StartWithRetry(context.Background(), StartConfig{
		ID:   "reviewer",
		Role: stage.RoleReviewer,
	}, RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	var startErr *StartError
	if !errors.As(err, &startErr) {
		t.Fatalf("err = %v, want *StartError", err)
	}
	if startErr.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", startErr.Attempts)
	}
}

func TestSendMessage_ChunksAndMarksWorking(t *testing.T) {
	host := newFakeHost()
	m := NewManager(host, testOptions(), nil)

	a := startReadyAgent(t, m, host, StartConfig{
		ID:               "developer",
		Role:             stage.RoleDeveloper,
		Command:          "claude",
		ReadinessMarkers: []string{"? for shortcuts"},
	})

	before := len(host.sentTexts(a.Session))
	msg := strings.Repeat("x", 20) // ChunkBytes is 8, so 3 bursts
	if err := m.SendMessage("developer", msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	texts := host.sentTexts(a.Session)[before:]
	if len(texts) != 3 {
		t.Fatalf("message sent in %d bursts, want 3", len(texts))
	}
	if joined := strings.Join(texts, ""); joined != msg {
		t.Errorf("reassembled message = %q", joined)
	}

	got, err := m.Agent("developer")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusWorking {
		t.Errorf("status = %s, want working", got.Status)
	}
}

func TestSendMessage_Errors(t *testing.T) {
	host := newFakeHost()
	m := NewManager(host, testOptions(), nil)

	if err := m.SendMessage("ghost", "hi"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("unknown agent: err = %v, want ErrAgentNotFound", err)
	}

	startReadyAgent(t, m, host, StartConfig{
		ID:               "docs",
		Role:             stage.RoleDocs,
		Command:          "claude",
		ReadinessMarkers: []string{"? for shortcuts"},
	})
	m.MarkError("docs")
	if err := m.SendMessage("docs", "hi"); !errors.Is(err, ErrAgentNotReady) {
		t.Errorf("errored agent: err = %v, want ErrAgentNotReady", err)
	}
}

func TestCheckForStuckAgents(t *testing.T) {
	host := newFakeHost()
	m := NewManager(host, testOptions(), nil)

	startReadyAgent(t, m, host, StartConfig{
		ID:               "developer",
		Role:             stage.RoleDeveloper,
		Command:          "claude",
		ReadinessMarkers: []string{"? for shortcuts"},
	})

	// Ready agents never count as stuck, no matter how idle.
	time.Sleep(30 * time.Millisecond)
	if stuck := m.CheckForStuckAgents(); len(stuck) != 0 {
		t.Fatalf("ready agent reported stuck: %v", stuck)
	}

	if err := m.SendMessage("developer", "implement it"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond) // past StuckThreshold

	stuck := m.CheckForStuckAgents()
	if len(stuck) != 1 || stuck[0] != "developer" {
		t.Fatalf("stuck = %v, want [developer]", stuck)
	}
	// Second sweep does not re-report.
	if stuck := m.CheckForStuckAgents(); len(stuck) != 0 {
		t.Errorf("second sweep = %v, want none", stuck)
	}
}

func TestRecordActivityResetsStuckTimer(t *testing.T) {
	host := newFakeHost()
	m := NewManager(host, testOptions(), nil)

	startReadyAgent(t, m, host, StartConfig{
		ID:               "developer",
		Role:             stage.RoleDeveloper,
		Command:          "claude",
		ReadinessMarkers: []string{"? for shortcuts"},
	})
	if err := m.SendMessage("developer", "go"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(15 * time.Millisecond)
	m.RecordActivity("developer", "stages/impl/pending/feature.md")
	time.Sleep(15 * time.Millisecond)

	if stuck := m.CheckForStuckAgents(); len(stuck) != 0 {
		t.Errorf("activity did not reset stuck timer: %v", stuck)
	}
	a, _ := m.Agent("developer")
	if a.CurrentArtifact != "stages/impl/pending/feature.md" {
		t.Errorf("current artifact = %q", a.CurrentArtifact)
	}
}

func TestMarkCompleted(t *testing.T) {
	t.Run("kills session by default", func(t *testing.T) {
		host := newFakeHost()
		m := NewManager(host, testOptions(), nil)
		a := startReadyAgent(t, m, host, StartConfig{
			ID:               "tester",
			Role:             stage.RoleTester,
			Command:          "claude",
			ReadinessMarkers: []string{"? for shortcuts"},
		})

		if err := m.MarkCompleted("tester"); err != nil {
			t.Fatal(err)
		}
		if host.HasSession(a.Session) {
			t.Error("completed session still running")
		}
		got, _ := m.Agent("tester")
		if got.Status != StatusCompleted {
			t.Errorf("status = %s, want completed", got.Status)
		}
	})

	t.Run("keeps session when configured", func(t *testing.T) {
		host := newFakeHost()
		opts := testOptions()
		opts.KeepCompletedSessions = true
		m := NewManager(host, opts, nil)
		a := startReadyAgent(t, m, host, StartConfig{
			ID:               "tester",
			Role:             stage.RoleTester,
			Command:          "claude",
			ReadinessMarkers: []string{"? for shortcuts"},
		})

		if err := m.MarkCompleted("tester"); err != nil {
			t.Fatal(err)
		}
		if !host.HasSession(a.Session) {
			t.Error("session killed despite keep_completed_sessions")
		}
	})
}

func TestStopAll(t *testing.T) {
	host := newFakeHost()
	m := NewManager(host, testOptions(), nil)

	for _, id := range []string{"architect", "tester"} {
		startReadyAgent(t, m, host, StartConfig{
			ID:               id,
			Role:             stage.RoleArchitect,
			Command:          "claude",
			ReadinessMarkers: []string{"? for shortcuts"},
		})
	}

	m.StopAll()
	if got := m.Agents(); len(got) != 0 {
		t.Errorf("%d agents still tracked after StopAll", len(got))
	}
	if len(host.kills) != 2 {
		t.Errorf("%d sessions killed, want 2", len(host.kills))
	}
}

func TestMonitoring(t *testing.T) {
	t.Run("completion marker", func(t *testing.T) {
		host := newFakeHost()
		m := NewManager(host, testOptions(), nil)
		a := startReadyAgent(t, m, host, StartConfig{
			ID:               "developer",
			Role:             stage.RoleDeveloper,
			Command:          "claude",
			ReadinessMarkers: []string{"? for shortcuts"},
		})

		completed := make(chan string, 1)
		err := m.StartMonitoring("developer", MonitorConfig{
			Interval:          5 * time.Millisecond,
			CompletionMarkers: []string{"WORK COMPLETE"},
			OnComplete:        func(id string) { completed <- id },
		})
		if err != nil {
			t.Fatal(err)
		}

		host.setOutput(a.Session, "done here\nWORK COMPLETE\n")
		select {
		case id := <-completed:
			if id != "developer" {
				t.Errorf("completed agent = %s", id)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("completion callback never fired")
		}
	})

	t.Run("error marker", func(t *testing.T) {
		host := newFakeHost()
		m := NewManager(host, testOptions(), nil)
		a := startReadyAgent(t, m, host, StartConfig{
			ID:               "developer",
			Role:             stage.RoleDeveloper,
			Command:          "claude",
			ReadinessMarkers: []string{"? for shortcuts"},
		})

		failed := make(chan string, 1)
		err := m.StartMonitoring("developer", MonitorConfig{
			Interval:     5 * time.Millisecond,
			ErrorMarkers: []string{"WORK FAILED"},
			OnError:      func(id, _ string) { failed <- id },
		})
		if err != nil {
			t.Fatal(err)
		}

		host.setOutput(a.Session, "WORK FAILED: tests will not pass\n")
		select {
		case <-failed:
		case <-time.After(2 * time.Second):
			t.Fatal("error callback never fired")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		host := newFakeHost()
		m := NewManager(host, testOptions(), nil)
		startReadyAgent(t, m, host, StartConfig{
			ID:               "intake",
			Role:             stage.RoleIntake,
			Command:          "claude",
			ReadinessMarkers: []string{"? for shortcuts"},
		})

		timedOut := make(chan string, 1)
		err := m.StartMonitoring("intake", MonitorConfig{
			Interval:  5 * time.Millisecond,
			Timeout:   30 * time.Millisecond,
			OnTimeout: func(id string) { timedOut <- id },
		})
		if err != nil {
			t.Fatal(err)
		}

		select {
		case <-timedOut:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout callback never fired")
		}
	})

	t.Run("unknown agent", func(t *testing.T) {
		m := NewManager(newFakeHost(), testOptions(), nil)
		if err := m.StartMonitoring("ghost", MonitorConfig{}); !errors.Is(err, ErrAgentNotFound) {
			t.Errorf("err = %v, want ErrAgentNotFound", err)
		}
	})
}
