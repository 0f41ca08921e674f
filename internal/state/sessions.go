package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/obra-dev/obra/pkg/models"
)

const sessionColumns = `id, project_id, epic_id, predecessor_id, successor_id,
	state, cumulative_tokens, summary, started_at, ended_at`

// CreateSession creates a new session record.
func (db *DB) CreateSession(s *models.Session) error {
	_, err := db.Exec(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.ProjectID, s.EpicID, s.PredecessorID, s.SuccessorID,
		string(s.State), s.CumulativeTokens, s.Summary, formatTime(s.StartedAt), nullableTimeArg(s.EndedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID. Returns nil when not found.
func (db *DB) GetSession(id string) (*models.Session, error) {
	row := db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// UpdateSession persists the mutable fields of a session.
func (db *DB) UpdateSession(s *models.Session) error {
	_, err := db.Exec(`
		UPDATE sessions SET state = ?, cumulative_tokens = ?, summary = ?,
			successor_id = ?, ended_at = ?
		WHERE id = ?
	`, string(s.State), s.CumulativeTokens, s.Summary, s.SuccessorID,
		nullableTimeArg(s.EndedAt), s.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// AddSessionTokens accumulates an iteration's total onto a session.
// Cumulative tokens only ever grow.
func (db *DB) AddSessionTokens(id string, total int64) error {
	if total < 0 {
		return fmt.Errorf("add session tokens: negative total %d", total)
	}
	_, err := db.Exec("UPDATE sessions SET cumulative_tokens = cumulative_tokens + ? WHERE id = ?", total, id)
	if err != nil {
		return fmt.Errorf("add session tokens: %w", err)
	}
	return nil
}

// SessionUsage returns the cumulative token total for a session.
func (db *DB) SessionUsage(id string) (int64, error) {
	row := db.QueryRow("SELECT cumulative_tokens FROM sessions WHERE id = ?", id)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("session usage: %w", err)
	}
	return total, nil
}

// ActiveSessionForEpic returns the active session serving an epic, if any.
func (db *DB) ActiveSessionForEpic(projectID, epicID string) (*models.Session, error) {
	row := db.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE project_id = ? AND epic_id = ? AND state = ?
		ORDER BY started_at DESC LIMIT 1
	`, projectID, epicID, string(models.SessionActive))
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active session for epic: %w", err)
	}
	return s, nil
}

// LatestSummaryForEpic returns the most recent non-empty summary left
// behind by a refreshed or ended session of the epic.
func (db *DB) LatestSummaryForEpic(projectID, epicID string) (string, error) {
	row := db.QueryRow(`
		SELECT summary FROM sessions
		WHERE project_id = ? AND epic_id = ? AND summary IS NOT NULL AND summary != ''
		ORDER BY started_at DESC LIMIT 1
	`, projectID, epicID)
	var summary string
	err := row.Scan(&summary)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest summary for epic: %w", err)
	}
	return summary, nil
}

// CloseOrphanedSessions ends any session still marked active, used by
// crash recovery at startup.
func (db *DB) CloseOrphanedSessions(projectID string) (int64, error) {
	now := formatTime(time.Now())
	res, err := db.Exec(`
		UPDATE sessions SET state = ?, ended_at = ? WHERE project_id = ? AND state = ?
	`, string(models.SessionEnded), now, projectID, string(models.SessionActive))
	if err != nil {
		return 0, fmt.Errorf("close orphaned sessions: %w", err)
	}
	return res.RowsAffected()
}

func scanSession(s scanner) (*models.Session, error) {
	var sess models.Session
	var epicID, predecessorID, successorID, summary sql.NullString
	var startedAt string
	var endedAt sql.NullString

	err := s.Scan(&sess.ID, &sess.ProjectID, &epicID, &predecessorID, &successorID,
		&sess.State, &sess.CumulativeTokens, &summary, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	sess.EpicID = epicID.String
	sess.PredecessorID = predecessorID.String
	sess.SuccessorID = successorID.String
	sess.Summary = summary.String
	sess.StartedAt, _ = parseTime(startedAt)
	sess.EndedAt = parseNullableTime(endedAt)
	return &sess, nil
}
