// Package graph provides the in-memory dependency DAG used for task
// scheduling. The graph is a derived view rebuilt from the tasks'
// depends_on lists; persistence remains the single source of truth.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/obra-dev/obra/pkg/models"
)

// ErrCycleDetected indicates an edge would introduce a circular dependency.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownTask indicates an operation referenced a task not in the graph.
var ErrUnknownTask = errors.New("unknown task")

// DependencyGraph is a directed acyclic graph of task dependencies.
// Edges point from a task to the tasks it depends on. A single writer
// lock guards mutations; reads take snapshots under the read lock.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to IDs of tasks it depends on.
	edges map[string][]string
	// cascadeFailures blocks the transitive closure on failure; when
	// false only direct dependents are blocked.
	cascadeFailures bool
	// maxDepth bounds dependency chain length at insertion, 0 = unbounded.
	maxDepth int
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph with failure cascading on.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:           make(map[string]*models.Task),
		edges:           make(map[string][]string),
		cascadeFailures: true,
		debugLog:        func(format string, args ...interface{}) {},
	}
}

// SetCascadeFailures toggles transitive blocking on failure.
func (g *DependencyGraph) SetCascadeFailures(cascade bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cascadeFailures = cascade
}

// SetMaxDepth bounds the longest dependency chain accepted at insertion.
func (g *DependencyGraph) SetMaxDepth(depth int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maxDepth = depth
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the graph from a slice of tasks, skipping
// soft-deleted ones. Returns an error on cycles or unknown references.
func (g *DependencyGraph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[string]*models.Task, len(tasks))
	g.edges = make(map[string][]string, len(tasks))

	for _, task := range tasks {
		if task.Deleted {
			continue
		}
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
	}
	for _, task := range tasks {
		if task.Deleted {
			continue
		}
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on %s: %w", task.ID, depID, ErrUnknownTask)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	g.debugLog("[graph.Build] built graph with %d nodes", len(g.nodes))
	return nil
}

// AddTask registers a task with the edges implied by its depends_on
// list. The operation is all-or-nothing: on any error the graph is
// unchanged.
func (g *DependencyGraph) AddTask(task *models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if task.Deleted {
		return fmt.Errorf("add task %s: task is deleted", task.ID)
	}
	if _, exists := g.nodes[task.ID]; exists {
		return fmt.Errorf("add task %s: already present", task.ID)
	}
	for _, depID := range task.DependsOn {
		if _, exists := g.nodes[depID]; !exists {
			return fmt.Errorf("add task %s: depends on %s: %w", task.ID, depID, ErrUnknownTask)
		}
	}

	g.nodes[task.ID] = task
	g.edges[task.ID] = append([]string(nil), task.DependsOn...)

	// A fresh node cannot close a cycle unless its deps reach back to it,
	// which is impossible since nothing points at it yet. Depth can still
	// overflow though.
	if g.maxDepth > 0 && g.depthLocked(task.ID) > g.maxDepth {
		delete(g.nodes, task.ID)
		delete(g.edges, task.ID)
		return fmt.Errorf("add task %s: dependency chain exceeds max depth %d", task.ID, g.maxDepth)
	}
	return nil
}

// AddDependency inserts an edge meaning "from depends on to". The edge
// is rejected, leaving the graph unchanged, when either endpoint is
// unknown or the edge would create a cycle.
func (g *DependencyGraph) AddDependency(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[from]; !exists {
		return fmt.Errorf("add dependency %s -> %s: %w", from, to, ErrUnknownTask)
	}
	if _, exists := g.nodes[to]; !exists {
		return fmt.Errorf("add dependency %s -> %s: %w", from, to, ErrUnknownTask)
	}
	for _, depID := range g.edges[from] {
		if depID == to {
			return nil // already present
		}
	}

	// A cycle appears exactly when `from` is reachable from `to`.
	if g.reachableLocked(to, from) {
		return fmt.Errorf("add dependency %s -> %s: %w", from, to, ErrCycleDetected)
	}

	g.edges[from] = append(g.edges[from], to)
	g.nodes[from].DependsOn = append(g.nodes[from].DependsOn, to)

	if g.maxDepth > 0 && g.depthLocked(from) > g.maxDepth {
		// Roll back; all-or-nothing.
		g.edges[from] = g.edges[from][:len(g.edges[from])-1]
		deps := g.nodes[from].DependsOn
		g.nodes[from].DependsOn = deps[:len(deps)-1]
		return fmt.Errorf("add dependency %s -> %s: chain exceeds max depth %d", from, to, g.maxDepth)
	}
	return nil
}

// reachableLocked reports whether target is reachable from start by
// following dependency edges. Caller must hold the lock.
func (g *DependencyGraph) reachableLocked(start, target string) bool {
	if start == target {
		return true
	}
	seen := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, depID := range g.edges[id] {
			if depID == target {
				return true
			}
			stack = append(stack, depID)
		}
	}
	return false
}

// depthLocked returns the longest dependency chain starting at id.
func (g *DependencyGraph) depthLocked(id string) int {
	longest := 0
	for _, depID := range g.edges[id] {
		if d := g.depthLocked(depID); d > longest {
			longest = d
		}
	}
	return longest + 1
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked detects back edges with DFS coloring.
// Caller must hold the lock.
func (g *DependencyGraph) hasCycleLocked() bool {
	// 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopoOrder returns task IDs with all dependencies before their
// dependents. The order is deterministic: ties break on task ID.
func (g *DependencyGraph) TopoOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	visited := make(map[string]bool, len(g.nodes))
	var result []string
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		deps := append([]string(nil), g.edges[id]...)
		sort.Strings(deps)
		for _, depID := range deps {
			visit(depID)
		}
		result = append(result, id)
	}
	for _, id := range ids {
		visit(id)
	}
	return result, nil
}

// ReadySet returns the tasks whose every dependency is completed and
// which are not blocked, running, terminal, or soft-deleted. Results
// sort by descending priority, then task ID.
func (g *DependencyGraph) ReadySet() []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*models.Task
	for id, task := range g.nodes {
		switch task.Status {
		case models.TaskStatusPending, models.TaskStatusReady:
		default:
			continue
		}
		satisfied := true
		for _, depID := range g.edges[id] {
			dep, exists := g.nodes[depID]
			if !exists || dep.Status != models.TaskStatusCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, task)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// OnComplete marks a task completed and promotes any newly-satisfied
// dependents from PENDING to READY. Returns the promoted task IDs.
func (g *DependencyGraph) OnComplete(taskID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.nodes[taskID]
	if !exists {
		return nil
	}
	task.Status = models.TaskStatusCompleted
	g.debugLog("[graph.OnComplete] task %s completed", taskID)

	var promoted []string
	for id, t := range g.nodes {
		if t.Status != models.TaskStatusPending {
			continue
		}
		satisfied := true
		for _, depID := range g.edges[id] {
			dep, ok := g.nodes[depID]
			if !ok || dep.Status != models.TaskStatusCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			t.Status = models.TaskStatusReady
			promoted = append(promoted, id)
		}
	}
	sort.Strings(promoted)
	return promoted
}

// OnFail marks a task failed and blocks its dependents: the transitive
// forward closure when cascading is on, direct dependents otherwise.
// Returns the blocked task IDs.
func (g *DependencyGraph) OnFail(taskID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.nodes[taskID]
	if !exists {
		return nil
	}
	task.Status = models.TaskStatusFailed
	g.debugLog("[graph.OnFail] task %s failed, cascade=%v", taskID, g.cascadeFailures)

	var blocked []string
	mark := func(id, reason string) {
		t := g.nodes[id]
		if t.Status.Terminal() || t.Status == models.TaskStatusBlocked {
			return
		}
		t.Status = models.TaskStatusBlocked
		t.BlockedReason = reason
		blocked = append(blocked, id)
	}

	direct := g.dependentsLocked(taskID)
	if !g.cascadeFailures {
		for _, id := range direct {
			mark(id, "dependency_failed:"+taskID)
		}
		sort.Strings(blocked)
		return blocked
	}

	// Transitive forward closure over dependents.
	seen := map[string]bool{taskID: true}
	queue := direct
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		mark(id, "dependency_failed:"+taskID)
		queue = append(queue, g.dependentsLocked(id)...)
	}
	sort.Strings(blocked)
	return blocked
}

// dependentsLocked returns the IDs of tasks that depend on taskID.
// Caller must hold the lock.
func (g *DependencyGraph) dependentsLocked(taskID string) []string {
	var dependents []string
	for id, deps := range g.edges {
		for _, depID := range deps {
			if depID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *DependencyGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependentsLocked(taskID)
}

// Dependencies returns the IDs the given task depends on.
func (g *DependencyGraph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[taskID]...)
}

// GetTask returns the task for a given ID, or nil if not found.
func (g *DependencyGraph) GetTask(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
