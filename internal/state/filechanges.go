package state

import (
	"database/sql"
	"fmt"

	"github.com/obra-dev/obra/pkg/models"
)

// CreateFileChange records one debounced file-change event.
func (db *DB) CreateFileChange(e *models.FileChangeEvent) error {
	_, err := db.Exec(`
		INSERT INTO file_changes (id, iteration_id, path, kind, content_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.IterationID, e.Path, string(e.Kind), e.ContentHash, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("create file change: %w", err)
	}
	return nil
}

// ListFileChanges lists the file-change events observed during an iteration.
func (db *DB) ListFileChanges(iterationID string) ([]models.FileChangeEvent, error) {
	rows, err := db.Query(`
		SELECT id, iteration_id, path, kind, content_hash, timestamp
		FROM file_changes WHERE iteration_id = ? ORDER BY timestamp
	`, iterationID)
	if err != nil {
		return nil, fmt.Errorf("list file changes: %w", err)
	}
	defer rows.Close()

	var events []models.FileChangeEvent
	for rows.Next() {
		var e models.FileChangeEvent
		var hash sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.IterationID, &e.Path, &e.Kind, &hash, &ts); err != nil {
			return nil, fmt.Errorf("scan file change: %w", err)
		}
		e.ContentHash = hash.String
		e.Timestamp, _ = parseTime(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ChangedPathsForTask returns the distinct paths touched across all of
// a task's iterations. The git post-task hook consumes this.
func (db *DB) ChangedPathsForTask(taskID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT DISTINCT fc.path FROM file_changes fc
		JOIN iterations it ON it.id = fc.iteration_id
		WHERE it.task_id = ? ORDER BY fc.path
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("changed paths for task: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
