package models

import "time"

// SessionState represents the lifecycle state of an implementer session.
type SessionState string

const (
	// SessionActive indicates the session is accepting iterations.
	SessionActive SessionState = "active"
	// SessionRefreshed indicates the session was replaced by a successor
	// after crossing the refresh threshold.
	SessionRefreshed SessionState = "refreshed"
	// SessionEnded indicates the session closed without a successor.
	SessionEnded SessionState = "ended"
)

// Valid returns true if the state is a known value.
func (s SessionState) Valid() bool {
	switch s {
	case SessionActive, SessionRefreshed, SessionEnded:
		return true
	default:
		return false
	}
}

// Session is a logical conversation with the implementer, bounded by a
// context-window budget. Cumulative tokens never decrease; a session
// over the refresh threshold must be replaced before the next iteration.
type Session struct {
	// ID is the opaque session identifier (UUID).
	ID string `json:"id"`
	// ProjectID is the owning project.
	ProjectID string `json:"project_id"`
	// EpicID is the epic this session serves, when any.
	EpicID string `json:"epic_id,omitempty"`
	// PredecessorID links a refreshed session's successor back to it.
	PredecessorID string `json:"predecessor_id,omitempty"`
	// SuccessorID links a refreshed session forward to its replacement.
	SuccessorID string `json:"successor_id,omitempty"`
	// State is the lifecycle state.
	State SessionState `json:"state"`
	// CumulativeTokens is the running total across all iterations in the session.
	CumulativeTokens int64 `json:"cumulative_tokens"`
	// Summary is the orchestrator LLM's end-of-life summary, when produced.
	Summary string `json:"summary,omitempty"`
	// StartedAt is when the session opened.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is when the session left the active state.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}
