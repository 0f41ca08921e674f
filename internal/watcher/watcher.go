// Package watcher observes the working directory during iterations
// and emits debounced file-change events for persistence.
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/obra-dev/obra/pkg/models"
)

var debugEnabled = os.Getenv("OBRA_DEBUG") != ""

func debugLog(format string, args ...interface{}) {
	if debugEnabled {
		log.Printf("[watcher] "+format, args...)
	}
}

// ignoredDirs are never descended into.
var ignoredDirs = map[string]bool{
	".git":         true,
	".obra":        true,
	"node_modules": true,
	".venv":        true,
}

// Watcher turns raw fsnotify events into debounced FileChangeEvents.
// Rapid successive writes to the same path collapse into one event
// carrying the final state.
type Watcher struct {
	root     string
	debounce time.Duration

	fs     *fsnotify.Watcher
	events chan models.FileChangeEvent

	mu      sync.Mutex
	pending map[string]*pendingChange
	closed  bool
	done    chan struct{}
}

type pendingChange struct {
	kind  models.FileChangeKind
	timer *time.Timer
}

// New creates a watcher over root. debounce <= 0 defaults to 500ms.
func New(root string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		debounce: debounce,
		fs:       fs,
		events:   make(chan models.FileChangeEvent, 256),
		pending:  make(map[string]*pendingChange),
		done:     make(chan struct{}),
	}

	if err := w.addRecursive(root); err != nil {
		fs.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

// Events delivers debounced change events. Closed by Close.
func (w *Watcher) Events() <-chan models.FileChangeEvent {
	return w.events
}

// addRecursive registers root and every non-ignored subdirectory.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if ignoredDirs[d.Name()] && path != root {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("[watcher] %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if ignoredDirs[part] {
			return
		}
	}

	// New directories need watching; they do not emit change events.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				log.Printf("[watcher] add %s: %v", ev.Name, err)
			}
			return
		}
	}

	kind, ok := classify(ev.Op)
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if p, exists := w.pending[rel]; exists {
		// Coalesce: created-then-modified stays created; anything
		// followed by delete becomes delete.
		if kind == models.FileDeleted {
			p.kind = models.FileDeleted
		} else if p.kind == models.FileDeleted {
			p.kind = kind
		}
		p.timer.Reset(w.debounce)
		return
	}

	p := &pendingChange{kind: kind}
	p.timer = time.AfterFunc(w.debounce, func() { w.flush(rel) })
	w.pending[rel] = p
}

func classify(op fsnotify.Op) (models.FileChangeKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return models.FileCreated, true
	case op.Has(fsnotify.Write):
		return models.FileModified, true
	case op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename):
		return models.FileDeleted, true
	default:
		return "", false
	}
}

// flush emits the settled event for a path after its debounce window.
func (w *Watcher) flush(rel string) {
	w.mu.Lock()
	p, exists := w.pending[rel]
	if !exists || w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.pending, rel)
	w.mu.Unlock()

	event := models.FileChangeEvent{
		ID:        uuid.NewString(),
		Path:      rel,
		Kind:      p.kind,
		Timestamp: time.Now(),
	}
	if p.kind != models.FileDeleted {
		event.ContentHash = hashFile(filepath.Join(w.root, rel))
	}

	debugLog("%s %s", p.kind, rel)
	select {
	case w.events <- event:
	default:
		log.Printf("[watcher] event buffer full, dropping %s %s", p.kind, rel)
	}
}

// hashFile returns the sha256 of a file, empty string on error.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Close stops watching and closes the event channel after pending
// timers are cancelled.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, p := range w.pending {
		p.timer.Stop()
	}
	w.pending = map[string]*pendingChange{}
	w.mu.Unlock()

	close(w.done)
	err := w.fs.Close()
	close(w.events)
	return err
}
