package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/obra-dev/obra/pkg/models"
)

const directiveColumns = `id, project_id, task_id, target, text, intent, sticky, consumed, created_at`

// CreateDirective stores a directive in the per-task inbox.
func (db *DB) CreateDirective(d *models.Directive) error {
	_, err := db.Exec(`
		INSERT INTO directives (`+directiveColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.ProjectID, d.TaskID, string(d.Target), d.Text, string(d.Intent),
		boolToInt(d.Sticky), boolToInt(d.Consumed), formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("create directive: %w", err)
	}
	return nil
}

// PendingDirectives lists unconsumed directives for a task that arrived
// strictly before the given cutoff. The cutoff is the moment prompt
// assembly began, so mid-iteration arrivals queue for the next pass.
func (db *DB) PendingDirectives(projectID, taskID string, before string) ([]models.Directive, error) {
	rows, err := db.Query(`
		SELECT `+directiveColumns+` FROM directives
		WHERE project_id = ? AND task_id = ? AND consumed = 0 AND created_at < ?
		ORDER BY created_at
	`, projectID, taskID, before)
	if err != nil {
		return nil, fmt.Errorf("pending directives: %w", err)
	}
	defer rows.Close()

	var directives []models.Directive
	for rows.Next() {
		var d models.Directive
		var intent sql.NullString
		var sticky, consumed int
		var createdAt string
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.TaskID, &d.Target, &d.Text,
			&intent, &sticky, &consumed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan directive: %w", err)
		}
		d.Intent = models.DirectiveIntent(intent.String)
		d.Sticky = sticky != 0
		d.Consumed = consumed != 0
		d.CreatedAt, _ = parseTime(createdAt)
		directives = append(directives, d)
	}
	return directives, rows.Err()
}

// ConsumeDirective marks a one-shot directive consumed. Sticky
// directives are left pending until explicitly cleared.
func (db *DB) ConsumeDirective(id string) error {
	_, err := db.Exec("UPDATE directives SET consumed = 1 WHERE id = ? AND sticky = 0", id)
	if err != nil {
		return fmt.Errorf("consume directive: %w", err)
	}
	return nil
}

// ClearDirectives consumes every directive for a task, sticky included.
// Called when a task reaches a terminal state.
func (db *DB) ClearDirectives(projectID, taskID string) error {
	_, err := db.Exec("UPDATE directives SET consumed = 1 WHERE project_id = ? AND task_id = ?", projectID, taskID)
	if err != nil {
		return fmt.Errorf("clear directives: %w", err)
	}
	return nil
}

// DirectiveCutoff renders a timestamp in the storage format expected by
// PendingDirectives' before argument.
func DirectiveCutoff(t time.Time) string {
	return formatTime(t)
}
