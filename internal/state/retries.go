package state

import (
	"database/sql"
	"fmt"
	"time"
)

// RetryAttempt is the persisted record of one retry decision, kept so
// that recovery after a crash can resume backoff where it left off.
type RetryAttempt struct {
	// TaskID is the task whose step failed.
	TaskID string
	// Attempt is the 1-based attempt number.
	Attempt int
	// ErrorClass is the classified error kind that triggered the retry.
	ErrorClass string
	// OccurredAt is when the failure happened.
	OccurredAt time.Time
	// NextRetryAt is when the backoff sleep ends.
	NextRetryAt *time.Time
}

// RecordRetryAttempt persists one retry attempt. Re-recording the same
// (task, attempt) pair overwrites, which keeps crash-replays idempotent.
func (db *DB) RecordRetryAttempt(a *RetryAttempt) error {
	_, err := db.Exec(`
		INSERT INTO retry_attempts (task_id, attempt, error_class, occurred_at, next_retry_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id, attempt) DO UPDATE SET
			error_class = excluded.error_class,
			occurred_at = excluded.occurred_at,
			next_retry_at = excluded.next_retry_at
	`, a.TaskID, a.Attempt, a.ErrorClass, formatTime(a.OccurredAt), nullableTimeArg(a.NextRetryAt))
	if err != nil {
		return fmt.Errorf("record retry attempt: %w", err)
	}
	return nil
}

// ListRetryAttempts lists a task's retry attempts in order.
func (db *DB) ListRetryAttempts(taskID string) ([]RetryAttempt, error) {
	rows, err := db.Query(`
		SELECT task_id, attempt, error_class, occurred_at, next_retry_at
		FROM retry_attempts WHERE task_id = ? ORDER BY attempt
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list retry attempts: %w", err)
	}
	defer rows.Close()

	var attempts []RetryAttempt
	for rows.Next() {
		var a RetryAttempt
		var occurredAt string
		var nextRetryAt sql.NullString
		if err := rows.Scan(&a.TaskID, &a.Attempt, &a.ErrorClass, &occurredAt, &nextRetryAt); err != nil {
			return nil, fmt.Errorf("scan retry attempt: %w", err)
		}
		a.OccurredAt, _ = parseTime(occurredAt)
		a.NextRetryAt = parseNullableTime(nextRetryAt)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ClearRetryAttempts removes a task's retry history, called when the
// task completes or is reopened.
func (db *DB) ClearRetryAttempts(taskID string) error {
	_, err := db.Exec("DELETE FROM retry_attempts WHERE task_id = ?", taskID)
	if err != nil {
		return fmt.Errorf("clear retry attempts: %w", err)
	}
	return nil
}
