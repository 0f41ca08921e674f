package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/obra-dev/obra/pkg/models"
)

const taskColumns = `id, project_id, task_type, epic_id, story_id, parent_task_id,
	title, description, acceptance_criteria, priority, status, depends_on,
	retry_count, blocked_reason, failure_class, breakpoint, deleted, created_at, completed_at`

// CreateTask creates a new task record. Hierarchy references are
// validated: a story's epic_id must point at an epic, a task's story_id
// at a story.
func (db *DB) CreateTask(t *models.Task) error {
	if !t.TaskType.Valid() {
		return fmt.Errorf("create task: invalid task type %q", t.TaskType)
	}
	if t.EpicID != "" {
		if err := db.checkParentType(t.EpicID, models.TaskTypeEpic); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
	}
	if t.StoryID != "" {
		if err := db.checkParentType(t.StoryID, models.TaskTypeStory); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
	}

	dependsOn, _ := json.Marshal(t.DependsOn)
	_, err := db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ProjectID, string(t.TaskType), t.EpicID, t.StoryID, t.ParentTaskID,
		t.Title, t.Description, t.AcceptanceCriteria, t.Priority, string(t.Status), string(dependsOn),
		t.RetryCount, t.BlockedReason, t.FailureClass, boolToInt(t.Breakpoint), boolToInt(t.Deleted),
		formatTime(t.CreatedAt), nullableTimeArg(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// checkParentType verifies a hierarchy reference points at the expected type.
func (db *DB) checkParentType(id string, want models.TaskType) error {
	parent, err := db.GetTask(id)
	if err != nil {
		return err
	}
	if parent == nil {
		return fmt.Errorf("parent %s not found", id)
	}
	if parent.TaskType != want {
		return fmt.Errorf("parent %s has type %s, want %s", id, parent.TaskType, want)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns nil when not found.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask persists the mutable fields of a task.
func (db *DB) UpdateTask(t *models.Task) error {
	dependsOn, _ := json.Marshal(t.DependsOn)
	_, err := db.Exec(`
		UPDATE tasks SET status = ?, depends_on = ?, retry_count = ?, blocked_reason = ?,
			failure_class = ?, breakpoint = ?, deleted = ?, priority = ?,
			description = ?, acceptance_criteria = ?, completed_at = ?
		WHERE id = ?
	`, string(t.Status), string(dependsOn), t.RetryCount, t.BlockedReason,
		t.FailureClass, boolToInt(t.Breakpoint), boolToInt(t.Deleted), t.Priority,
		t.Description, t.AcceptanceCriteria, nullableTimeArg(t.CompletedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// SetTaskStatus transitions a task's status and stamps completion time
// for terminal states.
func (db *DB) SetTaskStatus(id string, status models.TaskStatus) error {
	var completedAt any
	if status.Terminal() {
		completedAt = formatTime(time.Now())
	}
	_, err := db.Exec(`
		UPDATE tasks SET status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?
	`, string(status), completedAt, id)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	return nil
}

// ClaimTask atomically moves a READY task to IN_PROGRESS. It returns
// false when the task was not in READY state, which callers surface as
// TaskAlreadyRunning or blocked-by-dependency.
func (db *DB) ClaimTask(id string) (bool, error) {
	res, err := db.Exec(`
		UPDATE tasks SET status = ? WHERE id = ? AND status = ? AND deleted = 0
	`, string(models.TaskStatusInProgress), id, string(models.TaskStatusReady))
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task rows: %w", err)
	}
	return n == 1, nil
}

// ReopenTask resets a completed task to PENDING, clearing its retry
// counter and terminal metadata. Dependents must be re-evaluated by the
// scheduler afterwards.
func (db *DB) ReopenTask(id string) error {
	_, err := db.Exec(`
		UPDATE tasks SET status = ?, retry_count = 0, failure_class = '',
			blocked_reason = '', breakpoint = 0, completed_at = NULL
		WHERE id = ? AND status = ?
	`, string(models.TaskStatusPending), id, string(models.TaskStatusCompleted))
	if err != nil {
		return fmt.Errorf("reopen task: %w", err)
	}
	return nil
}

// ListTasks lists all non-deleted tasks for a project.
func (db *DB) ListTasks(projectID string) ([]models.Task, error) {
	rows, err := db.Query("SELECT "+taskColumns+" FROM tasks WHERE project_id = ? AND deleted = 0 ORDER BY created_at", projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByStatus lists non-deleted project tasks in a given status.
func (db *DB) ListTasksByStatus(projectID string, status models.TaskStatus) ([]models.Task, error) {
	rows, err := db.Query("SELECT "+taskColumns+" FROM tasks WHERE project_id = ? AND status = ? AND deleted = 0 ORDER BY priority DESC, created_at", projectID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// EpicChildren lists the non-deleted stories and tasks under an epic.
func (db *DB) EpicChildren(epicID string) ([]models.Task, error) {
	rows, err := db.Query("SELECT "+taskColumns+" FROM tasks WHERE epic_id = ? AND deleted = 0 ORDER BY created_at", epicID)
	if err != nil {
		return nil, fmt.Errorf("epic children: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// DependentsOf lists non-deleted tasks whose depends_on contains taskID.
// depends_on is a JSON array column, so this filters in Go rather than SQL.
func (db *DB) DependentsOf(taskID string) ([]models.Task, error) {
	rows, err := db.Query("SELECT "+taskColumns+" FROM tasks WHERE deleted = 0 AND depends_on LIKE ?", "%"+taskID+"%")
	if err != nil {
		return nil, fmt.Errorf("dependents of: %w", err)
	}
	defer rows.Close()

	candidates, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	var dependents []models.Task
	for _, t := range candidates {
		for _, dep := range t.DependsOn {
			if dep == taskID {
				dependents = append(dependents, t)
				break
			}
		}
	}
	return dependents, nil
}

// ReadyTasks lists tasks whose every dependency is completed and which
// are neither soft-deleted nor blocked. Tasks already in a terminal or
// running state are excluded.
func (db *DB) ReadyTasks(projectID string) ([]models.Task, error) {
	tasks, err := db.ListTasks(projectID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	var ready []models.Task
	for _, t := range tasks {
		if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusReady {
			continue
		}
		satisfied := true
		for _, depID := range t.DependsOn {
			dep, ok := byID[depID]
			if !ok || dep.Status != models.TaskStatusCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

// scanner abstracts *sql.Row and *sql.Rows for task scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*models.Task, error) {
	var t models.Task
	var epicID, storyID, parentTaskID, description, criteria, dependsOn, blockedReason, failureClass sql.NullString
	var breakpoint, deleted int
	var createdAt string
	var completedAt sql.NullString

	err := s.Scan(&t.ID, &t.ProjectID, &t.TaskType, &epicID, &storyID, &parentTaskID,
		&t.Title, &description, &criteria, &t.Priority, &t.Status, &dependsOn,
		&t.RetryCount, &blockedReason, &failureClass, &breakpoint, &deleted, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.EpicID = epicID.String
	t.StoryID = storyID.String
	t.ParentTaskID = parentTaskID.String
	t.Description = description.String
	t.AcceptanceCriteria = criteria.String
	t.BlockedReason = blockedReason.String
	t.FailureClass = failureClass.String
	if dependsOn.Valid && dependsOn.String != "" {
		json.Unmarshal([]byte(dependsOn.String), &t.DependsOn)
	}
	t.Breakpoint = breakpoint != 0
	t.Deleted = deleted != 0
	t.CreatedAt, _ = parseTime(createdAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
