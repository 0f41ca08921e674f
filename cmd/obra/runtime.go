package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/obra-dev/obra/internal/agent"
	"github.com/obra-dev/obra/internal/config"
	"github.com/obra-dev/obra/internal/decision"
	"github.com/obra-dev/obra/internal/directive"
	"github.com/obra-dev/obra/internal/git"
	"github.com/obra-dev/obra/internal/llm"
	"github.com/obra-dev/obra/internal/orchestrator"
	"github.com/obra-dev/obra/internal/retry"
	"github.com/obra-dev/obra/internal/session"
	"github.com/obra-dev/obra/internal/state"
	"github.com/obra-dev/obra/internal/validator"
	"github.com/obra-dev/obra/internal/watcher"
	"github.com/obra-dev/obra/pkg/models"
)

// runtime bundles everything a task or epic execution needs.
type runtime struct {
	ctrl    *orchestrator.Controller
	inbox   *directive.Inbox
	db      *state.DB
	watch   *watcher.Watcher
	sink    *orchestrator.JSONLSink
	driver  agent.Driver
	changes *changeRecorder
}

// newRuntime assembles the controller and its collaborators. stream
// adds a console event emitter on top of the JSONL sink.
func newRuntime(cfg *config.Config, db *state.DB, workingDir string, stream bool) (*runtime, error) {
	gateway, err := llm.New(cfg.LLM)
	if err != nil {
		return nil, err
	}
	driver, err := agent.NewDriver(cfg.Agent)
	if err != nil {
		return nil, err
	}
	if err := driver.Initialize(); err != nil {
		return nil, err
	}

	sink, err := orchestrator.NewJSONLSink(filepath.Join(workingDir, ".obra", "events.jsonl"))
	if err != nil {
		return nil, err
	}
	emitters := orchestrator.MultiEmitter{sink}
	if stream || flagVerbose {
		emitters = append(emitters, consoleEmitter{})
	}

	var hook *git.Hook
	if cfg.Git.Enabled {
		hook = git.NewHook(cfg.Git, workingDir)
	}

	inbox := directive.NewInbox(db, gateway)
	rt := &runtime{
		db:      db,
		inbox:   inbox,
		sink:    sink,
		driver:  driver,
		changes: &changeRecorder{},
		ctrl: orchestrator.NewController(orchestrator.Options{
			DB:         db,
			Config:     cfg,
			Driver:     driver,
			Sessions:   session.NewManager(db, gateway, cfg.Session),
			Pipeline:   validator.NewPipeline(validator.NewScorer(gateway)),
			Engine:     decision.New(cfg.DecisionEngine),
			Inbox:      inbox,
			Retries:    retry.NewCoordinator(cfg.Retry, db),
			Hook:       hook,
			Emitter:    emitters,
			WorkingDir: workingDir,
		}),
	}

	if cfg.Watcher.Enabled {
		w, werr := watcher.New(workingDir, cfg.Watcher.DebounceMS)
		if werr != nil {
			fmt.Fprintf(os.Stderr, "Warning: file watcher disabled: %v\n", werr)
		} else {
			rt.watch = w
			go rt.changes.consume(w.Events())
		}
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.watch != nil {
		rt.watch.Close()
	}
	if err := rt.driver.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: driver shutdown: %v\n", err)
	}
	rt.sink.Close()
}

// flushChanges attaches buffered file-change events to the task's
// latest iteration. Called after execution so the iteration exists.
func (rt *runtime) flushChanges(taskID string) {
	events := rt.changes.drain()
	if len(events) == 0 {
		return
	}
	latest, err := rt.db.LatestIteration(taskID)
	if err != nil || latest == nil {
		return
	}
	for i := range events {
		events[i].IterationID = latest.ID
		if err := rt.db.CreateFileChange(&events[i]); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: record file change %s: %v\n", events[i].Path, err)
		}
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nReceived interrupt, shutting down...")
		cancel()
	}()
	return ctx, cancel
}

// changeRecorder buffers watcher events until they can be attributed
// to an iteration.
type changeRecorder struct {
	mu     sync.Mutex
	events []models.FileChangeEvent
}

func (r *changeRecorder) consume(ch <-chan models.FileChangeEvent) {
	for ev := range ch {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

func (r *changeRecorder) drain() []models.FileChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events
	r.events = nil
	return events
}

// consoleEmitter prints loop events for --stream and --verbose runs.
type consoleEmitter struct{}

func (consoleEmitter) Emit(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventTaskStarted:
		printStatus("▶", fmt.Sprintf("task %s started", ev.TaskID), color.FgCyan)
	case orchestrator.EventIterationDone:
		fmt.Printf("  iteration %d: quality %.2f, decision %s (%s)\n",
			ev.Iteration, ev.Quality, ev.Decision, ev.Detail)
	case orchestrator.EventTaskCompleted:
		printStatus("✓", fmt.Sprintf("task %s completed (quality %.2f)", ev.TaskID, ev.Quality), color.FgGreen)
	case orchestrator.EventTaskEscalated:
		printStatus("✗", fmt.Sprintf("task %s escalated: %s", ev.TaskID, ev.Detail), color.FgRed)
	case orchestrator.EventTaskFailed:
		printStatus("✗", fmt.Sprintf("task %s failed: %s", ev.TaskID, ev.Detail), color.FgRed)
	case orchestrator.EventTaskCancelled:
		printStatus("✗", fmt.Sprintf("task %s cancelled", ev.TaskID), color.FgYellow)
	case orchestrator.EventTaskBreakpoint:
		printStatus("⏸", fmt.Sprintf("task %s paused: %s", ev.TaskID, ev.Detail), color.FgYellow)
	case orchestrator.EventSessionRefresh:
		printStatus("↻", fmt.Sprintf("session rotated to %s", ev.SessionID), color.FgYellow)
	case orchestrator.EventBudgetWarning:
		printStatus("⚠", "session token budget past warning threshold", color.FgYellow)
	}
}
