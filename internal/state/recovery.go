package state

import (
	"fmt"

	"github.com/obra-dev/obra/pkg/models"
)

// RecoveryReport summarizes what startup recovery changed.
type RecoveryReport struct {
	// TasksReset counts IN_PROGRESS tasks returned to PENDING.
	TasksReset int64
	// SessionsClosed counts orphaned ACTIVE sessions that were ended.
	SessionsClosed int64
}

// RecoverInFlight resets tasks left IN_PROGRESS by a crashed worker
// back to PENDING and closes orphaned sessions. Breakpointed tasks are
// left alone: they are legitimately paused, not abandoned.
func (db *DB) RecoverInFlight(projectID string) (*RecoveryReport, error) {
	res, err := db.Exec(`
		UPDATE tasks SET status = ? WHERE project_id = ? AND status = ? AND breakpoint = 0
	`, string(models.TaskStatusPending), projectID, string(models.TaskStatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("recover in-flight tasks: %w", err)
	}
	tasksReset, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("recover rows affected: %w", err)
	}

	sessionsClosed, err := db.CloseOrphanedSessions(projectID)
	if err != nil {
		return nil, err
	}

	return &RecoveryReport{TasksReset: tasksReset, SessionsClosed: sessionsClosed}, nil
}
