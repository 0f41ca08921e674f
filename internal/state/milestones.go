package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/obra-dev/obra/pkg/models"
)

// CreateMilestone creates a new milestone record.
func (db *DB) CreateMilestone(m *models.Milestone) error {
	epics, _ := json.Marshal(m.RequiredEpics)
	_, err := db.Exec(`
		INSERT INTO milestones (id, project_id, name, required_epics, achieved, achieved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ProjectID, m.Name, string(epics), boolToInt(m.Achieved),
		nullableTimeArg(m.AchievedAt), formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("create milestone: %w", err)
	}
	return nil
}

// GetMilestone retrieves a milestone by ID. Returns nil when not found.
func (db *DB) GetMilestone(id string) (*models.Milestone, error) {
	row := db.QueryRow(`
		SELECT id, project_id, name, required_epics, achieved, achieved_at, created_at
		FROM milestones WHERE id = ?
	`, id)

	var m models.Milestone
	var epics sql.NullString
	var achieved int
	var achievedAt sql.NullString
	var createdAt string
	err := row.Scan(&m.ID, &m.ProjectID, &m.Name, &epics, &achieved, &achievedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get milestone: %w", err)
	}

	if epics.Valid && epics.String != "" {
		json.Unmarshal([]byte(epics.String), &m.RequiredEpics)
	}
	m.Achieved = achieved != 0
	m.AchievedAt = parseNullableTime(achievedAt)
	m.CreatedAt, _ = parseTime(createdAt)
	return &m, nil
}

// CheckMilestone reports whether every required epic is completed.
func (db *DB) CheckMilestone(id string) (bool, error) {
	m, err := db.GetMilestone(id)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, fmt.Errorf("milestone %s not found", id)
	}
	for _, epicID := range m.RequiredEpics {
		epic, err := db.GetTask(epicID)
		if err != nil {
			return false, err
		}
		if epic == nil || epic.Status != models.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// AchieveMilestone marks a milestone achieved after re-checking its
// epics. Achieving an unmet milestone is an error.
func (db *DB) AchieveMilestone(id string) error {
	met, err := db.CheckMilestone(id)
	if err != nil {
		return err
	}
	if !met {
		return fmt.Errorf("milestone %s has incomplete required epics", id)
	}
	_, err = db.Exec(`
		UPDATE milestones SET achieved = 1, achieved_at = ? WHERE id = ?
	`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("achieve milestone: %w", err)
	}
	return nil
}
