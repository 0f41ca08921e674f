package state

import (
	"database/sql"
	"fmt"

	"github.com/obra-dev/obra/pkg/models"
)

// CreateProject creates a new project record.
func (db *DB) CreateProject(p *models.Project) error {
	_, err := db.Exec(`
		INSERT INTO projects (id, name, working_dir, config_snapshot, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.WorkingDir, p.ConfigSnapshot, boolToInt(p.Deleted), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID. Returns nil when not found.
func (db *DB) GetProject(id string) (*models.Project, error) {
	row := db.QueryRow(`
		SELECT id, name, working_dir, config_snapshot, deleted, created_at
		FROM projects WHERE id = ?
	`, id)

	var p models.Project
	var snapshot sql.NullString
	var deleted int
	var createdAt string
	err := row.Scan(&p.ID, &p.Name, &p.WorkingDir, &snapshot, &deleted, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	if snapshot.Valid {
		p.ConfigSnapshot = snapshot.String
	}
	p.Deleted = deleted != 0
	p.CreatedAt, _ = parseTime(createdAt)
	return &p, nil
}

// MarkProjectDeleted soft-deletes a project. Projects are otherwise
// immutable after creation.
func (db *DB) MarkProjectDeleted(id string) error {
	_, err := db.Exec("UPDATE projects SET deleted = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// ListProjects lists all non-deleted projects.
func (db *DB) ListProjects() ([]models.Project, error) {
	rows, err := db.Query(`
		SELECT id, name, working_dir, config_snapshot, deleted, created_at
		FROM projects WHERE deleted = 0 ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		var snapshot sql.NullString
		var deleted int
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.WorkingDir, &snapshot, &deleted, &createdAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		if snapshot.Valid {
			p.ConfigSnapshot = snapshot.String
		}
		p.Deleted = deleted != 0
		p.CreatedAt, _ = parseTime(createdAt)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
