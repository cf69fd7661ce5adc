package queries

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ha1tch/pgcompat/pkg/log"
)

// Event names passed to the reload callback.
const (
	EventCreated  = "created"
	EventModified = "modified"
	EventRemoved  = "removed"
)

// Watcher monitors a query directory and keeps a Registry in step with it.
type Watcher struct {
	mu sync.Mutex

	root     string
	registry *Registry
	loader   *Loader
	logger   *log.Logger

	fsWatcher *fsnotify.Watcher

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Events are collected per path and processed once the directory has
	// been quiet for debounceDelay.
	debounceDelay time.Duration
	pendingEvents map[string]fsnotify.Op
	eventTimer    *time.Timer

	onReload func(q *Query, event string)
	onError  func(err error)
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the delay used to batch file events.
// Default is 100ms.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = d
	}
}

// WithOnReload sets a callback run after a query is created, modified or
// removed.
func WithOnReload(fn func(q *Query, event string)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// WithOnError sets a callback for load and watch errors.
func WithOnError(fn func(err error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// NewWatcher creates a watcher for root that updates registry.
func NewWatcher(root string, registry *Registry, logger *log.Logger, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Discard()
	}

	w := &Watcher{
		root:          root,
		registry:      registry,
		loader:        NewLoader(root, logger),
		logger:        logger,
		fsWatcher:     fsw,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		debounceDelay: 100 * time.Millisecond,
		pendingEvents: make(map[string]fsnotify.Op),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start adds watches for root and its subdirectories and begins
// processing events. If the watches cannot be added the watcher is closed
// and must not be started again.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addWatches(w.root); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.fsWatcher.Close()
		return err
	}
	w.logger.Registry().Info("query watcher started", "root", w.root)

	go w.processEvents()
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	if w.eventTimer != nil {
		w.eventTimer.Stop()
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.logger.Registry().Info("query watcher stopped")
	return w.fsWatcher.Close()
}

// IsRunning reports whether the watcher is running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) addWatches(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsWatcher.Add(path); err != nil {
			w.logger.Registry().Warn("failed to watch directory", "path", path, "error", err.Error())
			return nil
		}
		w.logger.Registry().Debug("watching directory", "path", path)
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Registry().Error("watcher error", err)
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isQueryFile(event.Name) {
		if event.Has(fsnotify.Create) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := w.addWatches(event.Name); err == nil {
					w.loadNewDirectory(event.Name)
				}
			}
		}
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}

	// Last operation wins for the same file.
	w.pendingEvents[event.Name] = event.Op
	if w.eventTimer != nil {
		w.eventTimer.Stop()
	}
	w.eventTimer = time.AfterFunc(w.debounceDelay, w.processPendingEvents)
}

// loadNewDirectory picks up files that were written into a directory
// before its watch was added.
func (w *Watcher) loadNewDirectory(dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && isQueryFile(path) {
			w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Create})
		}
		return nil
	})
}

func (w *Watcher) processPendingEvents() {
	w.mu.Lock()
	events := w.pendingEvents
	w.pendingEvents = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	for path, op := range events {
		switch {
		case op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename):
			if _, err := os.Stat(path); err == nil {
				// Replaced by an atomic rename; treat as a write.
				w.handleFileChanged(path)
			} else {
				w.handleFileRemoved(path)
			}
		case op.Has(fsnotify.Create) || op.Has(fsnotify.Write):
			w.handleFileChanged(path)
		}
	}
}

func (w *Watcher) handleFileChanged(path string) {
	q, err := w.loader.LoadFile(path)
	if err != nil {
		w.logger.Registry().Error("failed to reload query", err, "path", path)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	event := EventCreated
	if existing, err := w.registry.LookupByFile(path); err == nil {
		if existing.SourceHash == q.SourceHash {
			w.logger.Registry().Debug("query unchanged, skipping reload", "query", q.Name, "path", path)
			return
		}
		event = EventModified
	}

	if err := w.registry.Register(q); err != nil {
		w.logger.Registry().Error("failed to register reloaded query", err, "query", q.Name, "path", path)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.logger.Registry().Info("query reloaded", "query", q.Name, "event", event, "path", path)
	if w.onReload != nil {
		w.onReload(q, event)
	}
}

func (w *Watcher) handleFileRemoved(path string) {
	q, err := w.registry.LookupByFile(path)
	if err != nil {
		return
	}
	if err := w.registry.Unregister(q.Name); err != nil {
		w.logger.Registry().Error("failed to unregister removed query", err, "query", q.Name, "path", path)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.logger.Registry().Info("query removed", "query", q.Name, "path", path)
	if w.onReload != nil {
		w.onReload(q, EventRemoved)
	}
}
