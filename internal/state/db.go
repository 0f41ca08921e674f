// Package state provides SQLite-based persistence for Obra. It owns
// every durable entity: projects, tasks, iterations, sessions,
// milestones, file-change events, retry attempts, and directives.
// The database lives at <working-dir>/.obra/state.db.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database connection with Obra-specific operations.
// Writes serialize behind a single lock; reads run concurrently under
// WAL mode.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// ProjectDBPath returns the path to the project-local database.
func ProjectDBPath(workingDir string) string {
	return filepath.Join(workingDir, ".obra", "state.db")
}

// Open opens an SQLite database at the given path, creating parent
// directories as needed. WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// OpenProject opens the project-local database under workingDir.
func OpenProject(workingDir string) (*DB, error) {
	return Open(ProjectDBPath(workingDir))
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations. Migrations are ordered
// by monotonic version, applied transactionally, and safe to re-run.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Projects},
		{2, migrationV2Tasks},
		{3, migrationV3Sessions},
		{4, migrationV4Iterations},
		{5, migrationV5Milestones},
		{6, migrationV6FileChanges},
		{7, migrationV7RetryAttempts},
		{8, migrationV8Directives},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Projects = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	working_dir TEXT NOT NULL,
	config_snapshot TEXT,
	deleted INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
`

const migrationV2Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	task_type TEXT NOT NULL,
	epic_id TEXT,
	story_id TEXT,
	parent_task_id TEXT,
	title TEXT NOT NULL,
	description TEXT,
	acceptance_criteria TEXT,
	priority INTEGER NOT NULL DEFAULT 5,
	status TEXT NOT NULL DEFAULT 'pending',
	depends_on TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	blocked_reason TEXT,
	failure_class TEXT,
	breakpoint INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_type_epic ON tasks(task_type, epic_id);
`

const migrationV3Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	epic_id TEXT,
	predecessor_id TEXT,
	successor_id TEXT,
	state TEXT NOT NULL DEFAULT 'active',
	cumulative_tokens INTEGER NOT NULL DEFAULT 0,
	summary TEXT,
	started_at DATETIME NOT NULL,
	ended_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_sessions_project_state ON sessions(project_id, state);
CREATE INDEX IF NOT EXISTS idx_sessions_epic ON sessions(epic_id);
`

const migrationV4Iterations = `
CREATE TABLE IF NOT EXISTS iterations (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	number INTEGER NOT NULL,
	prompt_fingerprint TEXT,
	raw_response TEXT,
	artifacts TEXT,
	validation_passed INTEGER NOT NULL DEFAULT 0,
	validation_issues TEXT,
	quality REAL NOT NULL DEFAULT 0,
	confidence REAL NOT NULL DEFAULT 0,
	tokens_input INTEGER NOT NULL DEFAULT 0,
	tokens_cache_create INTEGER NOT NULL DEFAULT 0,
	tokens_cache_read INTEGER NOT NULL DEFAULT 0,
	tokens_output INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	num_turns INTEGER NOT NULL DEFAULT 0,
	decision TEXT,
	breakpoint INTEGER NOT NULL DEFAULT 0,
	context_warning INTEGER NOT NULL DEFAULT 0,
	cost_millicents INTEGER NOT NULL DEFAULT 0,
	error_class TEXT,
	created_at DATETIME NOT NULL,
	UNIQUE(task_id, number)
);

CREATE INDEX IF NOT EXISTS idx_iterations_task ON iterations(task_id, number);
CREATE INDEX IF NOT EXISTS idx_iterations_session_time ON iterations(session_id, created_at);
`

const migrationV5Milestones = `
CREATE TABLE IF NOT EXISTS milestones (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	name TEXT NOT NULL,
	required_epics TEXT,
	achieved INTEGER NOT NULL DEFAULT 0,
	achieved_at DATETIME,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_milestones_project ON milestones(project_id);
`

const migrationV6FileChanges = `
CREATE TABLE IF NOT EXISTS file_changes (
	id TEXT PRIMARY KEY,
	iteration_id TEXT NOT NULL,
	path TEXT NOT NULL,
	kind TEXT NOT NULL,
	content_hash TEXT,
	timestamp DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_file_changes_iteration ON file_changes(iteration_id);
`

const migrationV7RetryAttempts = `
CREATE TABLE IF NOT EXISTS retry_attempts (
	task_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	error_class TEXT NOT NULL,
	occurred_at DATETIME NOT NULL,
	next_retry_at DATETIME,
	PRIMARY KEY (task_id, attempt)
);
`

const migrationV8Directives = `
CREATE TABLE IF NOT EXISTS directives (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	target TEXT NOT NULL,
	text TEXT NOT NULL,
	intent TEXT,
	sticky INTEGER NOT NULL DEFAULT 0,
	consumed INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_directives_task ON directives(project_id, task_id, consumed);
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs the given function within a transaction. The write
// lock is held for the duration, so transactions are serializable with
// respect to each other.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullableTimeArg converts an optional time into an insertable value.
func nullableTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
