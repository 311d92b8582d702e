package docs

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce      = 500 * time.Millisecond
	defaultPollInterval  = 10 * time.Second
	fallbackPollInterval = 2 * time.Second
)

// WakeFunc wakes every scheduler in a workflow instance.
type WakeFunc func(workflow, tag string)

// Watcher observes the documents tree and wakes the schedulers of a
// workflow instance when its documents change, so agents notice edits made
// outside the daemon (a human adjusting instructions in place). Events are
// debounced and coalesced per instance.
type Watcher struct {
	root         string
	wake         WakeFunc
	logger       *log.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu            sync.Mutex
	pending       map[scope]struct{}
	debounceTimer *time.Timer
	lastSeen      map[scope]time.Time
	watcher       *fsnotify.Watcher
	useFsnotify   bool
	stopCh        chan struct{}
	doneCh        chan struct{}
}

type scope struct {
	workflow string
	tag      string
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the event coalescing window (default 500ms).
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithPollInterval sets the mtime-scan interval (default 10s, tightened to
// 2s when fsnotify is unavailable).
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.pollInterval = d
	}
}

// NewWatcher creates a watcher over the documents root. wake is called with
// each changed workflow instance after the debounce window closes.
func NewWatcher(root string, wake WakeFunc, logger *log.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		root:         root,
		wake:         wake,
		logger:       logger,
		debounce:     defaultDebounce,
		pollInterval: defaultPollInterval,
		pending:      make(map[scope]struct{}),
		lastSeen:     make(map[scope]time.Time),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start runs the file watcher and the fallback mtime scan. Returns when ctx
// is cancelled or Stop is called. If fsnotify fails to initialize, falls
// back to poll-only mode at a tighter interval.
func (w *Watcher) Start(ctx context.Context) {
	defer close(w.doneCh)

	if err := os.MkdirAll(w.root, 0o755); err != nil {
		w.logger.Printf("Docs watcher: create root %s failed: %v", w.root, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Printf("Docs watcher: fsnotify init failed (%v), using poll-only", err)
	} else {
		w.watcher = watcher
		w.useFsnotify = true
		if err := w.addAllDirs(); err != nil {
			w.logger.Printf("Docs watcher: watch %s failed (%v), using poll-only", w.root, err)
			_ = watcher.Close()
			w.watcher = nil
			w.useFsnotify = false
		}
	}

	if w.useFsnotify {
		defer w.watcher.Close()
		go w.watchLoop(ctx)
	} else if w.pollInterval > fallbackPollInterval {
		w.pollInterval = fallbackPollInterval
	}

	// Prime the mtime index so the first scan does not wake every workflow.
	w.scan(true)
	w.pollLoop(ctx)
}

// Stop signals the watcher to stop. Call after cancelling the context
// passed to Start.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Trigger marks a workflow instance changed, bypassing the filesystem.
// The provider calls this after same-process writes that fsnotify can miss.
func (w *Watcher) Trigger(workflow, tag string) {
	w.markPending(scope{workflow: workflow, tag: tag})
}

func (w *Watcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	// New directories must be added to the watch set; fsnotify is not
	// recursive on its own.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(event.Name)
		}
	}
	if sc, ok := w.scopeFor(event.Name); ok {
		w.markPending(sc)
	}
}

// scopeFor maps an absolute path to the (workflow, tag) it belongs to.
// Paths outside a scope or inside internal underscore segments map to none.
func (w *Watcher) scopeFor(path string) (scope, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return scope{}, false
	}
	segs := strings.Split(rel, string(filepath.Separator))
	if len(segs) < 2 {
		return scope{}, false
	}
	for _, seg := range segs {
		if strings.HasPrefix(seg, "_") {
			return scope{}, false
		}
	}
	return scope{workflow: segs[0], tag: segs[1]}, true
}

func (w *Watcher) markPending(sc scope) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[sc] = struct{}{}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	scopes := w.pending
	w.pending = make(map[scope]struct{})
	w.mu.Unlock()
	for sc := range scopes {
		w.wake(sc.workflow, sc.tag)
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.scan(false)
		}
	}
}

// scan walks the tree and marks scopes whose newest mtime advanced since
// the previous pass. prime records the baseline without waking anyone.
func (w *Watcher) scan(prime bool) {
	latest := make(map[scope]time.Time)
	_ = filepath.WalkDir(w.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == w.root {
				return filepath.SkipAll
			}
			return nil
		}
		if entry.IsDir() {
			if strings.HasPrefix(entry.Name(), "_") {
				return filepath.SkipDir
			}
			return nil
		}
		sc, ok := w.scopeFor(path)
		if !ok {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(latest[sc]) {
			latest[sc] = info.ModTime()
		}
		return nil
	})

	w.mu.Lock()
	prev := w.lastSeen
	w.lastSeen = latest
	w.mu.Unlock()

	if prime {
		return
	}
	for sc, tm := range latest {
		if before, ok := prev[sc]; !ok || tm.After(before) {
			w.markPending(sc)
		}
	}
}

func (w *Watcher) addAllDirs() error {
	return filepath.WalkDir(w.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if path != w.root && strings.HasPrefix(entry.Name(), "_") {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}
