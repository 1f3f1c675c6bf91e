// Package watch observes stage pending directories and turns raw filesystem
// events into artifact notifications.
//
// Workers write artifact files incrementally, so raw write events arrive in
// bursts. The watcher debounces with a stability window: a path must stop
// changing for the whole window before its created/modified notification
// fires. Lock files, hidden files, and paths that do not resolve to a known
// stage are dropped.
package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pipeworks/stagehand/internal/stage"
)

// ErrNoPaths indicates Start was called before any path was registered.
var ErrNoPaths = errors.New("no watch paths registered")

// EventType classifies an artifact notification.
type EventType string

const (
	ArtifactCreated  EventType = "artifact:created"
	ArtifactModified EventType = "artifact:modified"
	ArtifactDeleted  EventType = "artifact:deleted"
)

// Event is one artifact notification.
type Event struct {
	Type  EventType
	Path  string
	Stage stage.Name
}

// Subscriber receives artifact notifications. Delivery is best-effort: a
// panicking subscriber is logged and does not block the others.
type Subscriber func(Event)

// Watcher debounces filesystem events over stage pending directories.
type Watcher struct {
	stability time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	paths   []string
	subs    map[EventType][]Subscriber
	pending map[string]*pendingChange
	known   map[string]bool // paths already announced as created
	fsw     *fsnotify.Watcher
	started bool

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

type pendingChange struct {
	lastSeen time.Time
	deleted  bool
}

// New creates a Watcher with the given stability window.
func New(stability time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if stability <= 0 {
		stability = 500 * time.Millisecond
	}
	return &Watcher{
		stability: stability,
		logger:    logger,
		subs:      make(map[EventType][]Subscriber),
		pending:   make(map[string]*pendingChange),
		known:     make(map[string]bool),
		done:      make(chan struct{}),
	}
}

// AddPath registers a directory to watch. Must be called before Start.
func (w *Watcher) AddPath(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paths = append(w.paths, dir)
}

// Subscribe registers a subscriber for one event type.
func (w *Watcher) Subscribe(t EventType, fn Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs[t] = append(w.subs[t], fn)
}

// Start begins watching. Fails with ErrNoPaths if nothing was registered.
// Event delivery happens on the watcher's own goroutine; Start never blocks.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.paths) == 0 {
		return ErrNoPaths
	}
	if w.started {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	for _, p := range w.paths {
		if err := fsw.Add(p); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("watching %s: %w", p, err)
		}
	}
	w.fsw = fsw
	w.started = true

	w.wg.Add(1)
	go w.run()

	w.logger.Info("watcher started", "paths", len(w.paths), "stability", w.stability)
	return nil
}

// Stop releases the watch handle. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		fsw := w.fsw
		w.mu.Unlock()
		if fsw != nil {
			_ = fsw.Close()
		}
		w.wg.Wait()
	})
}

// run is the event loop: accumulate raw events, flush stable ones.
func (w *Watcher) run() {
	defer w.wg.Done()

	// Flush checks run at a fraction of the stability window so emission
	// lags stability by at most ~25%.
	tick := w.stability / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.accumulate(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch error", "error", err)

		case <-ticker.C:
			w.flushStable()
		}
	}
}

// accumulate records a raw event for later flushing.
func (w *Watcher) accumulate(ev fsnotify.Event) {
	if !stage.IsArtifactFile(filepath.Base(ev.Name)) {
		return
	}
	if _, err := stage.NameFromPath(ev.Name); err != nil {
		return // Path outside the stages tree; silently dropped.
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	pc, ok := w.pending[ev.Name]
	if !ok {
		pc = &pendingChange{}
		w.pending[ev.Name] = pc
	}
	pc.lastSeen = time.Now()
	pc.deleted = ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}

// flushStable emits notifications for paths quiet for a full window.
func (w *Watcher) flushStable() {
	now := time.Now()

	w.mu.Lock()
	var ready []Event
	for path, pc := range w.pending {
		if now.Sub(pc.lastSeen) < w.stability {
			continue
		}
		delete(w.pending, path)

		stageName, err := stage.NameFromPath(path)
		if err != nil {
			continue
		}

		var t EventType
		switch {
		case pc.deleted:
			if !w.known[path] {
				continue // deleted before it ever stabilized
			}
			delete(w.known, path)
			t = ArtifactDeleted
		case w.known[path]:
			t = ArtifactModified
		default:
			// A write burst can end in deletion without a Remove event
			// reaching us; confirm existence before announcing creation.
			if _, err := os.Stat(path); err != nil {
				continue
			}
			w.known[path] = true
			t = ArtifactCreated
		}
		ready = append(ready, Event{Type: t, Path: path, Stage: stageName})
	}
	subs := w.snapshotSubs()
	w.mu.Unlock()

	for _, ev := range ready {
		w.logger.Debug("artifact event", "type", ev.Type, "stage", ev.Stage, "path", ev.Path)
		for _, fn := range subs[ev.Type] {
			w.deliver(fn, ev)
		}
	}
}

func (w *Watcher) snapshotSubs() map[EventType][]Subscriber {
	out := make(map[EventType][]Subscriber, len(w.subs))
	for t, fns := range w.subs {
		out[t] = append([]Subscriber(nil), fns...)
	}
	return out
}

// deliver invokes one subscriber, containing panics so one failing
// subscriber cannot block delivery to others or crash the watcher.
func (w *Watcher) deliver(fn Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("subscriber panicked", "event", ev.Type, "path", ev.Path, "panic", r)
		}
	}()
	fn(ev)
}
