package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/obra-dev/obra/pkg/models"
)

const iterationColumns = `id, task_id, session_id, number, prompt_fingerprint,
	raw_response, artifacts, validation_passed, validation_issues, quality, confidence,
	tokens_input, tokens_cache_create, tokens_cache_read, tokens_output,
	duration_ms, num_turns, decision, breakpoint, context_warning,
	cost_millicents, error_class, created_at`

// CreateIteration appends an iteration record. Iterations are
// append-only; there is deliberately no UpdateIteration.
func (db *DB) CreateIteration(it *models.Iteration) error {
	artifacts, _ := json.Marshal(it.Artifacts)
	issues, _ := json.Marshal(it.ValidationIssues)
	_, err := db.Exec(`
		INSERT INTO iterations (`+iterationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, it.ID, it.TaskID, it.SessionID, it.Number, it.PromptFingerprint,
		it.RawResponse, string(artifacts), boolToInt(it.ValidationPassed), string(issues),
		it.Quality, it.Confidence,
		it.Usage.Input, it.Usage.CacheCreate, it.Usage.CacheRead, it.Usage.Output,
		it.DurationMS, it.NumTurns, string(it.Decision), boolToInt(it.Breakpoint),
		boolToInt(it.ContextWarning), it.CostMilliCents, it.ErrorClass, formatTime(it.CreatedAt))
	if err != nil {
		return fmt.Errorf("create iteration: %w", err)
	}
	return nil
}

// LatestIteration returns the highest-numbered iteration of a task, or
// nil when the task has none yet.
func (db *DB) LatestIteration(taskID string) (*models.Iteration, error) {
	row := db.QueryRow(`
		SELECT `+iterationColumns+` FROM iterations
		WHERE task_id = ? ORDER BY number DESC LIMIT 1
	`, taskID)
	it, err := scanIteration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest iteration: %w", err)
	}
	return it, nil
}

// ListIterations lists a task's iterations in order.
func (db *DB) ListIterations(taskID string) ([]models.Iteration, error) {
	rows, err := db.Query("SELECT "+iterationColumns+" FROM iterations WHERE task_id = ? ORDER BY number", taskID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()
	return scanIterations(rows)
}

// ListSessionIterations lists every iteration recorded under a session,
// in chronological order. The session summarizer consumes this.
func (db *DB) ListSessionIterations(sessionID string) ([]models.Iteration, error) {
	rows, err := db.Query("SELECT "+iterationColumns+" FROM iterations WHERE session_id = ? ORDER BY created_at", sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session iterations: %w", err)
	}
	defer rows.Close()
	return scanIterations(rows)
}

// SessionTokenSum recomputes a session's token total from its
// iteration records. Used by invariant checks and recovery.
func (db *DB) SessionTokenSum(sessionID string) (int64, error) {
	row := db.QueryRow(`
		SELECT COALESCE(SUM(tokens_input + tokens_cache_create + tokens_cache_read + tokens_output), 0)
		FROM iterations WHERE session_id = ?
	`, sessionID)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("session token sum: %w", err)
	}
	return total, nil
}

// PruneIterations clears raw responses from all but the most recent
// keepLatest iterations of a task. Metadata rows are kept; only the raw
// text is cleared. Maintenance operation, never called by the loop.
func (db *DB) PruneIterations(taskID string, keepLatest int) error {
	_, err := db.Exec(`
		UPDATE iterations SET raw_response = ''
		WHERE task_id = ? AND number <= (
			SELECT COALESCE(MAX(number), 0) - ? FROM iterations WHERE task_id = ?
		)
	`, taskID, keepLatest, taskID)
	if err != nil {
		return fmt.Errorf("prune iterations: %w", err)
	}
	return nil
}

func scanIteration(s scanner) (*models.Iteration, error) {
	var it models.Iteration
	var fingerprint, rawResponse, artifacts, issues, decision, errorClass sql.NullString
	var passed, breakpoint, warning int
	var createdAt string

	err := s.Scan(&it.ID, &it.TaskID, &it.SessionID, &it.Number, &fingerprint,
		&rawResponse, &artifacts, &passed, &issues, &it.Quality, &it.Confidence,
		&it.Usage.Input, &it.Usage.CacheCreate, &it.Usage.CacheRead, &it.Usage.Output,
		&it.DurationMS, &it.NumTurns, &decision, &breakpoint, &warning,
		&it.CostMilliCents, &errorClass, &createdAt)
	if err != nil {
		return nil, err
	}

	it.PromptFingerprint = fingerprint.String
	it.RawResponse = rawResponse.String
	if artifacts.Valid && artifacts.String != "" {
		json.Unmarshal([]byte(artifacts.String), &it.Artifacts)
	}
	if issues.Valid && issues.String != "" {
		json.Unmarshal([]byte(issues.String), &it.ValidationIssues)
	}
	it.ValidationPassed = passed != 0
	it.Decision = models.Action(decision.String)
	it.Breakpoint = breakpoint != 0
	it.ContextWarning = warning != 0
	it.ErrorClass = errorClass.String
	it.CreatedAt, _ = parseTime(createdAt)
	return &it, nil
}

func scanIterations(rows *sql.Rows) ([]models.Iteration, error) {
	var iterations []models.Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		iterations = append(iterations, *it)
	}
	return iterations, rows.Err()
}
