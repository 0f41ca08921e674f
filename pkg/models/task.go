package models

import "time"

// TaskType represents the level of a task in the work hierarchy.
type TaskType string

const (
	// TaskTypeEpic is a top-level grouping of stories.
	TaskTypeEpic TaskType = "epic"
	// TaskTypeStory is a unit of work sized to one run of the loop.
	TaskTypeStory TaskType = "story"
	// TaskTypeTask is a concrete unit of work, optionally under a story.
	TaskTypeTask TaskType = "task"
	// TaskTypeSubtask is a fragment split off a task during decomposition.
	TaskTypeSubtask TaskType = "subtask"
)

// Valid returns true if the task type is a known value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeEpic, TaskTypeStory, TaskTypeTask, TaskTypeSubtask:
		return true
	default:
		return false
	}
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has unmet dependencies or has not been scheduled.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates every dependency is completed and the task can be scheduled.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusInProgress indicates a worker owns the task.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task finished with a PROCEED decision.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task hit a terminal error or ran out of iterations.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusEscalated indicates the decision engine handed the task to a human.
	TaskStatusEscalated TaskStatus = "escalated"
	// TaskStatusBlocked indicates an upstream dependency failed.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusCancelled indicates a cooperative cancel ended the task.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusReady, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusEscalated, TaskStatusBlocked, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further iterations may run for this status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusEscalated, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// FailureClassMaxIterations marks tasks that exhausted max_iterations
// without reaching a terminal decision. It is a subclass of failed.
const FailureClassMaxIterations = "max_iterations"

// Task represents a unit of work in the hierarchy.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// ProjectID is the owning project.
	ProjectID string `json:"project_id"`
	// TaskType is the hierarchy level (epic, story, task, subtask).
	TaskType TaskType `json:"task_type"`
	// EpicID references the owning epic, when any. Must point at an epic.
	EpicID string `json:"epic_id,omitempty"`
	// StoryID references the owning story, when any. Must point at a story.
	StoryID string `json:"story_id,omitempty"`
	// ParentTaskID references the task this subtask was split from.
	ParentTaskID string `json:"parent_task_id,omitempty"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// AcceptanceCriteria defines the criteria for task completion.
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`
	// Priority orders tasks within the ready-set, 1 (low) to 10 (high).
	Priority int `json:"priority"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// RetryCount is the number of retries consumed so far.
	RetryCount int `json:"retry_count,omitempty"`
	// BlockedReason records why the task is blocked, e.g. "dependency_failed:<id>".
	BlockedReason string `json:"blocked_reason,omitempty"`
	// FailureClass refines a failed status, e.g. FailureClassMaxIterations.
	FailureClass string `json:"failure_class,omitempty"`
	// Breakpoint is set while the task is paused awaiting user input.
	Breakpoint bool `json:"breakpoint,omitempty"`
	// Deleted soft-deletes the task. Deleted tasks never enter the graph.
	Deleted bool `json:"deleted,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ClampPriority normalizes a priority into the 1..10 range.
func ClampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}
