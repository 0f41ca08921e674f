package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/obra-dev/obra/pkg/models"
)

// collect drains events until quiet for the given window.
func collect(t *testing.T, w *Watcher, quiet time.Duration) []models.FileChangeEvent {
	t.Helper()
	var events []models.FileChangeEvent
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-time.After(quiet):
			return events
		}
	}
}

func newTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := New(dir, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, dir
}

func TestCreateEmitsEvent(t *testing.T) {
	w, dir := newTestWatcher(t)

	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	events := collect(t, w, 300*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1: %+v", len(events), events)
	}
	ev := events[0]
	if ev.Path != "main.go" || ev.Kind != models.FileCreated {
		t.Errorf("event = %+v", ev)
	}
	if ev.ContentHash == "" {
		t.Error("created file has no content hash")
	}
}

func TestRapidWritesDebounceToOne(t *testing.T) {
	w, dir := newTestWatcher(t)
	path := filepath.Join(dir, "out.txt")

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte{byte('a' + i)}, 0o644); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	events := collect(t, w, 300*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 coalesced: %+v", len(events), events)
	}
	// Created-then-modified settles as created with the final content.
	if events[0].Kind != models.FileCreated {
		t.Errorf("kind = %s", events[0].Kind)
	}
}

func TestDeleteEvent(t *testing.T) {
	w, dir := newTestWatcher(t)
	path := filepath.Join(dir, "gone.txt")

	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Let the create settle first.
	collect(t, w, 200*time.Millisecond)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	events := collect(t, w, 300*time.Millisecond)
	if len(events) != 1 || events[0].Kind != models.FileDeleted {
		t.Fatalf("events = %+v, want one delete", events)
	}
	if events[0].ContentHash != "" {
		t.Error("deleted file carries a content hash")
	}
}

func TestIgnoredDirectories(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w, err := New(dir, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	events := collect(t, w, 300*time.Millisecond)
	if len(events) != 0 {
		t.Errorf("events from .git = %+v", events)
	}
}

func TestNewSubdirectoryWatched(t *testing.T) {
	w, dir := newTestWatcher(t)

	sub := filepath.Join(dir, "pkg")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Give the watcher a beat to register the new directory.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "lib.go"), []byte("package pkg\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	events := collect(t, w, 300*time.Millisecond)
	found := false
	for _, ev := range events {
		if ev.Path == filepath.Join("pkg", "lib.go") {
			found = true
		}
	}
	if !found {
		t.Errorf("no event for file in new subdirectory: %+v", events)
	}
}

func TestCloseIdempotent(t *testing.T) {
	w, _ := newTestWatcher(t)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Error("events channel still open after close")
	}
}
