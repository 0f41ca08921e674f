package models

import "time"

// Action is the routing decision produced at the end of an iteration.
type Action string

const (
	// ActionProceed accepts the iteration's artifact and completes the task.
	ActionProceed Action = "proceed"
	// ActionRetry re-runs the iteration with the same prompt intent.
	ActionRetry Action = "retry"
	// ActionClarify loops with the validator's concerns folded into the next prompt.
	ActionClarify Action = "clarify"
	// ActionEscalate hands the task to a human and stops the loop.
	ActionEscalate Action = "escalate"
	// ActionBreakpoint pauses the task until a user message resumes it.
	ActionBreakpoint Action = "breakpoint"
)

// Valid returns true if the action is a known value.
func (a Action) Valid() bool {
	switch a {
	case ActionProceed, ActionRetry, ActionClarify, ActionEscalate, ActionBreakpoint:
		return true
	default:
		return false
	}
}

// TokenUsage is the per-call token breakdown reported by the implementer.
type TokenUsage struct {
	// Input is the count of non-cached input tokens.
	Input int64 `json:"input"`
	// CacheCreate is the count of tokens written to the prompt cache.
	CacheCreate int64 `json:"cache_create"`
	// CacheRead is the count of tokens served from the prompt cache.
	CacheRead int64 `json:"cache_read"`
	// Output is the count of generated tokens.
	Output int64 `json:"output"`
}

// Total returns the sum of all token counts.
func (u TokenUsage) Total() int64 {
	return u.Input + u.CacheCreate + u.CacheRead + u.Output
}

// Add accumulates another usage into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.CacheCreate += other.CacheCreate
	u.CacheRead += other.CacheRead
	u.Output += other.Output
}

// Iteration is one prompt-to-decision pass for a task. Records are
// append-only; an iteration is never rewritten after it is persisted.
type Iteration struct {
	// ID is the unique identifier for this iteration.
	ID string `json:"id"`
	// TaskID is the task this iteration belongs to.
	TaskID string `json:"task_id"`
	// SessionID is the implementer session the prompt ran under.
	SessionID string `json:"session_id"`
	// Number is the 1-based iteration number within the task.
	Number int `json:"number"`
	// PromptFingerprint is a content hash of the assembled prompt.
	PromptFingerprint string `json:"prompt_fingerprint"`
	// RawResponse is the implementer's unparsed response text.
	RawResponse string `json:"raw_response,omitempty"`
	// Artifacts lists parsed artifact references (file paths, code blocks).
	Artifacts []string `json:"artifacts,omitempty"`
	// ValidationPassed is the completeness verdict.
	ValidationPassed bool `json:"validation_passed"`
	// ValidationIssues lists completeness or schema problems found.
	ValidationIssues []string `json:"validation_issues,omitempty"`
	// Quality is the orchestrator LLM's score in [0,1].
	Quality float64 `json:"quality"`
	// Confidence is a derived observability signal in [0,1]. It never gates.
	Confidence float64 `json:"confidence"`
	// Usage is the token breakdown for this iteration.
	Usage TokenUsage `json:"usage"`
	// DurationMS is the implementer call latency in milliseconds.
	DurationMS int64 `json:"duration_ms"`
	// NumTurns is the number of agent turns the implementer reported.
	NumTurns int `json:"num_turns"`
	// Decision is the action chosen for this iteration.
	Decision Action `json:"decision"`
	// Breakpoint is set when the decision paused the task.
	Breakpoint bool `json:"breakpoint,omitempty"`
	// ContextWarning is set when cumulative session tokens crossed the warning threshold.
	ContextWarning bool `json:"context_warning,omitempty"`
	// CostMilliCents is the accounted cost of this iteration in thousandths of a cent.
	CostMilliCents int64 `json:"cost_millicents"`
	// ErrorClass records the error kind when the iteration ended in an error.
	ErrorClass string `json:"error_class,omitempty"`
	// CreatedAt is when the iteration record was written.
	CreatedAt time.Time `json:"created_at"`
}
