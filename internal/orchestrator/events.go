package orchestrator

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// EventKind labels a loop event for sinks.
type EventKind string

const (
	EventTaskStarted    EventKind = "task_started"
	EventIterationDone  EventKind = "iteration_done"
	EventTaskCompleted  EventKind = "task_completed"
	EventTaskEscalated  EventKind = "task_escalated"
	EventTaskFailed     EventKind = "task_failed"
	EventTaskCancelled  EventKind = "task_cancelled"
	EventTaskBreakpoint EventKind = "task_breakpoint"
	EventSessionRefresh EventKind = "session_refreshed"
	EventBudgetWarning  EventKind = "budget_warning"
	EventBudgetCritical EventKind = "budget_critical"
	// EventDecomposeRequested asks the scheduler to split the task's
	// remaining work into subtasks. Emitted at the critical budget
	// level when orchestration.decompose_on_critical is set.
	EventDecomposeRequested EventKind = "decompose_requested"
)

// Event is one structured loop occurrence, shaped for JSONL sinks.
type Event struct {
	Kind      EventKind `json:"kind"`
	ProjectID string    `json:"project_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
	Decision  string    `json:"decision,omitempty"`
	Quality   float64   `json:"quality,omitempty"`
	Tokens    int64     `json:"tokens,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter receives loop events. Implementations must be safe for
// concurrent use; emission is best effort and never blocks the loop.
type Emitter interface {
	Emit(ev Event)
}

// NopEmitter drops every event.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}

// JSONLSink appends events to a file, one JSON object per line.
type JSONLSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewJSONLSink opens (or creates) the sink file in append mode.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event sink %s: %w", path, err)
	}
	return &JSONLSink{f: f}, nil
}

// Emit implements Emitter.
func (s *JSONLSink) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[orchestrator] marshal event: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		log.Printf("[orchestrator] write event: %v", err)
	}
}

// Close closes the sink file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// MultiEmitter fans events out to several sinks.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(ev Event) {
	for _, e := range m {
		e.Emit(ev)
	}
}
