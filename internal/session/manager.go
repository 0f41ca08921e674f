// Package session manages implementer session lifecycle and context
// budget: token accounting, threshold checks, and refresh rotation
// with an LLM-produced epic summary carried between sessions.
package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obra-dev/obra/internal/config"
	"github.com/obra-dev/obra/internal/llm"
	"github.com/obra-dev/obra/internal/state"
	"github.com/obra-dev/obra/pkg/models"
)

var debugEnabled = os.Getenv("OBRA_DEBUG") != ""

func debugLog(format string, args ...interface{}) {
	if debugEnabled {
		log.Printf("[session] "+format, args...)
	}
}

// Level classifies cumulative token usage against the thresholds.
type Level int

const (
	// LevelOK means usage is below every threshold.
	LevelOK Level = iota
	// LevelWarning means usage passed the warning threshold. Logged
	// and recorded, no behavioral change.
	LevelWarning
	// LevelRefresh means the session must rotate before the next prompt.
	LevelRefresh
	// LevelCritical forces an immediate refresh and may trigger task
	// decomposition upstream.
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelRefresh:
		return "refresh"
	case LevelCritical:
		return "critical"
	default:
		return "ok"
	}
}

// Manager owns session rotation and exclusivity.
type Manager struct {
	db      *state.DB
	gateway llm.Gateway
	cfg     config.SessionConfig

	mu     sync.Mutex
	leases map[string]bool
}

// NewManager creates a Manager.
func NewManager(db *state.DB, gateway llm.Gateway, cfg config.SessionConfig) *Manager {
	return &Manager{
		db:      db,
		gateway: gateway,
		cfg:     cfg,
		leases:  make(map[string]bool),
	}
}

// Level classifies a cumulative token count.
func (m *Manager) Level(cumulative int64) Level {
	limit := float64(m.cfg.ContextWindow.Limit)
	usage := float64(cumulative)
	switch {
	case usage >= limit*m.cfg.ContextWindow.CriticalThreshold:
		return LevelCritical
	case usage >= limit*m.cfg.ContextWindow.RefreshThreshold:
		return LevelRefresh
	case usage >= limit*m.cfg.ContextWindow.WarningThreshold:
		return LevelWarning
	default:
		return LevelOK
	}
}

// Ensure returns the active session for an epic, creating one if none
// exists.
func (m *Manager) Ensure(projectID, epicID string) (*models.Session, error) {
	sess, err := m.db.ActiveSessionForEpic(projectID, epicID)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	sess = &models.Session{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		EpicID:    epicID,
		State:     models.SessionActive,
		StartedAt: time.Now(),
	}
	if err := m.db.CreateSession(sess); err != nil {
		return nil, err
	}
	debugLog("opened session %s for epic %s", sess.ID, epicID)
	return sess, nil
}

// Acquire claims exclusive use of a session. A second caller is
// refused until Release; sessions are strictly single-writer.
func (m *Manager) Acquire(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases[sessionID] {
		return fmt.Errorf("session %s already in use", sessionID)
	}
	m.leases[sessionID] = true
	return nil
}

// Release returns a session lease.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, sessionID)
}

// CheckBefore runs the pre-iteration threshold check. At refresh or
// critical level it rotates the session and returns the successor; the
// caller must use the returned session from here on.
func (m *Manager) CheckBefore(ctx context.Context, sess *models.Session, epicDescription string) (*models.Session, Level, error) {
	usage, err := m.db.SessionUsage(sess.ID)
	if err != nil {
		return sess, LevelOK, err
	}
	level := m.Level(usage)

	switch level {
	case LevelWarning:
		log.Printf("[session] session %s at %d tokens passed the warning threshold", sess.ID, usage)
		return sess, level, nil
	case LevelRefresh, LevelCritical:
		fresh, err := m.Refresh(ctx, sess, epicDescription)
		if err != nil {
			return sess, level, err
		}
		return fresh, level, nil
	default:
		return sess, level, nil
	}
}

// Refresh ends the current session, produces the epic summary, and
// opens a successor with counters reset. With carry_summary set the
// previous summary travels unchanged instead of being regenerated.
func (m *Manager) Refresh(ctx context.Context, sess *models.Session, epicDescription string) (*models.Session, error) {
	summary, err := m.summaryFor(ctx, sess, epicDescription)
	if err != nil {
		return nil, err
	}

	successorID := uuid.NewString()
	now := time.Now()

	sess.State = models.SessionRefreshed
	sess.Summary = summary
	sess.SuccessorID = successorID
	sess.EndedAt = &now
	if err := m.db.UpdateSession(sess); err != nil {
		return nil, fmt.Errorf("end session %s: %w", sess.ID, err)
	}

	fresh := &models.Session{
		ID:            successorID,
		ProjectID:     sess.ProjectID,
		EpicID:        sess.EpicID,
		PredecessorID: sess.ID,
		State:         models.SessionActive,
		StartedAt:     now,
	}
	if err := m.db.CreateSession(fresh); err != nil {
		return nil, fmt.Errorf("open successor session: %w", err)
	}

	debugLog("refreshed session %s -> %s", sess.ID, fresh.ID)
	return fresh, nil
}

// End closes a session at epic completion, writing its summary.
func (m *Manager) End(ctx context.Context, sess *models.Session, epicDescription string) error {
	summary, err := m.summaryFor(ctx, sess, epicDescription)
	if err != nil {
		return err
	}
	now := time.Now()
	sess.State = models.SessionEnded
	sess.Summary = summary
	sess.EndedAt = &now
	return m.db.UpdateSession(sess)
}

// summaryFor produces the end-of-session epic summary. Carry mode
// reuses the predecessor's summary; otherwise the gateway summarizes
// the session's iteration records against the epic description. A
// gateway failure degrades to the carried summary rather than losing
// the session.
func (m *Manager) summaryFor(ctx context.Context, sess *models.Session, epicDescription string) (string, error) {
	carried, err := m.db.LatestSummaryForEpic(sess.ProjectID, sess.EpicID)
	if err != nil {
		return "", err
	}
	if m.cfg.CarrySummary {
		return carried, nil
	}

	iterations, err := m.db.ListSessionIterations(sess.ID)
	if err != nil {
		return "", err
	}
	if len(iterations) == 0 {
		return carried, nil
	}

	reply, err := m.gateway.Send(ctx, llm.Request{
		System:    "You summarize engineering progress. Reply with at most 10 terse bullet lines, one fact each, oldest first. No preamble.",
		Prompt:    buildSummaryPrompt(epicDescription, carried, iterations),
		MaxTokens: 1024,
	})
	if err != nil {
		log.Printf("[session] summary generation failed, carrying previous summary: %v", err)
		return carried, nil
	}
	return strings.TrimSpace(reply.Content), nil
}

// buildSummaryPrompt lays out the summarization request.
func buildSummaryPrompt(epicDescription, carried string, iterations []models.Iteration) string {
	var b strings.Builder
	b.WriteString("## Epic\n\n")
	b.WriteString(epicDescription)
	if carried != "" {
		b.WriteString("\n\n## Prior Summary\n\n")
		b.WriteString(carried)
	}
	b.WriteString("\n\n## Iterations This Session\n\n")
	for _, it := range iterations {
		fmt.Fprintf(&b, "- iteration %d on task %s decided %s, quality %.2f\n",
			it.Number, it.TaskID, it.Decision, it.Quality)
		if len(it.ValidationIssues) > 0 {
			fmt.Fprintf(&b, "  issues: %s\n", strings.Join(it.ValidationIssues, "; "))
		}
	}
	b.WriteString("\nSummarize the work so a fresh session can continue.")
	return b.String()
}
