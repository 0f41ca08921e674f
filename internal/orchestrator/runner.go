package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/obra-dev/obra/internal/graph"
	"github.com/obra-dev/obra/pkg/models"
)

// leaseRetryDelay paces re-dispatch of a task that lost the epic
// session lease to a sibling worker.
const leaseRetryDelay = 200 * time.Millisecond

// EpicResult summarizes one epic run.
type EpicResult struct {
	Completed []string
	Escalated []string
	Failed    []string
	Blocked   []string
	Skipped   []string
}

// Done reports whether every child reached COMPLETED.
func (r *EpicResult) Done() bool {
	return len(r.Escalated) == 0 && len(r.Failed) == 0 && len(r.Blocked) == 0
}

// Runner executes an epic's children in dependency order with a
// bounded worker pool.
type Runner struct {
	ctrl    *Controller
	workers int
}

// NewRunner wraps a controller for epic execution. workers <= 0 means
// sequential.
func NewRunner(ctrl *Controller, workers int) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{ctrl: ctrl, workers: workers}
}

// RunEpic drives the epic's children to terminal states. The graph is
// built from persisted dependencies; tasks blocked by a failed
// dependency are reported, not executed. The first context
// cancellation drains in-flight tasks and stops dispatching.
func (r *Runner) RunEpic(ctx context.Context, projectID, epicID string) (*EpicResult, error) {
	children, err := r.ctrl.db.EpicChildren(epicID)
	if err != nil {
		return nil, fmt.Errorf("load epic %s children: %w", epicID, err)
	}
	if len(children) == 0 {
		return &EpicResult{}, nil
	}

	g := graph.New()
	g.SetCascadeFailures(r.ctrl.cfg.TaskDependencies.CascadeFailures)
	g.SetMaxDepth(r.ctrl.cfg.TaskDependencies.MaxDepth)
	g.SetDebugLog(debugLog)
	tasks := make([]*models.Task, 0, len(children))
	for i := range children {
		tasks = append(tasks, &children[i])
	}
	if err := g.Build(tasks); err != nil {
		return nil, fmt.Errorf("build dependency graph for epic %s: %w", epicID, err)
	}

	result := &EpicResult{}

	type outcome struct {
		taskID string
		res    *TaskResult
		err    error
	}
	outcomes := make(chan outcome)
	running := 0
	dispatched := map[string]bool{}

	dispatch := func() {
		if ctx.Err() != nil {
			return
		}
		for _, task := range g.ReadySet() {
			if running >= r.workers {
				return
			}
			if dispatched[task.ID] {
				continue
			}
			dispatched[task.ID] = true
			running++
			go func(id string) {
				res, err := r.ctrl.ExecuteTask(ctx, projectID, id, 0)
				if errors.Is(err, ErrTaskAlreadyRunning) {
					select {
					case <-ctx.Done():
					case <-time.After(leaseRetryDelay):
					}
				}
				outcomes <- outcome{taskID: id, res: res, err: err}
			}(task.ID)
		}
	}

	dispatch()
	for running > 0 {
		out := <-outcomes
		running--

		switch {
		case errors.Is(out.err, ErrTaskAlreadyRunning):
			if r.ownedElsewhere(out.taskID) {
				result.Skipped = append(result.Skipped, out.taskID)
			} else {
				// A sibling worker held the epic session lease; the
				// task's status is untouched, so requeue it.
				delete(dispatched, out.taskID)
			}
		case out.res != nil && out.res.Status == models.TaskStatusCompleted:
			result.Completed = append(result.Completed, out.taskID)
			g.OnComplete(out.taskID)
		case out.res != nil && out.res.Status == models.TaskStatusEscalated:
			result.Escalated = append(result.Escalated, out.taskID)
			result.Blocked = append(result.Blocked, g.OnFail(out.taskID)...)
		case out.res != nil && out.res.Status == models.TaskStatusInProgress:
			// Breakpoint pause: the task waits for the user, skip it.
			result.Skipped = append(result.Skipped, out.taskID)
		default:
			result.Failed = append(result.Failed, out.taskID)
			result.Blocked = append(result.Blocked, g.OnFail(out.taskID)...)
		}

		if out.err != nil && !errors.Is(out.err, ErrTaskAlreadyRunning) {
			debugLog("epic %s task %s: %v", epicID, out.taskID, out.err)
		}
		dispatch()
	}

	sort.Strings(result.Blocked)
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

// ownedElsewhere reports whether another process claimed the task
// itself, as opposed to a sibling worker briefly holding the epic
// session lease.
func (r *Runner) ownedElsewhere(taskID string) bool {
	task, err := r.ctrl.db.GetTask(taskID)
	return err == nil && task != nil && task.Status == models.TaskStatusInProgress
}
