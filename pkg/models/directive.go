package models

import "time"

// DirectiveTarget selects which side of the loop a directive addresses.
type DirectiveTarget string

const (
	// TargetImplementer appends the directive to the next implementer prompt.
	TargetImplementer DirectiveTarget = "impl"
	// TargetOrchestrator folds the directive into validator behavior.
	TargetOrchestrator DirectiveTarget = "orch"
)

// Valid returns true if the target is a known value.
func (t DirectiveTarget) Valid() bool {
	return t == TargetImplementer || t == TargetOrchestrator
}

// DirectiveIntent is the classified purpose of an orchestrator-side directive.
type DirectiveIntent string

const (
	// IntentValidationGuidance steers the quality-scoring prompt.
	IntentValidationGuidance DirectiveIntent = "validation_guidance"
	// IntentDecisionHint nudges the decision engine, e.g. "accept".
	IntentDecisionHint DirectiveIntent = "decision_hint"
	// IntentFeedbackRequest asks the orchestrator LLM for an analysis that
	// becomes a pending implementer directive on the next iteration.
	IntentFeedbackRequest DirectiveIntent = "feedback_request"
	// IntentGeneral is everything else.
	IntentGeneral DirectiveIntent = "general"
)

// Valid returns true if the intent is a known value.
func (i DirectiveIntent) Valid() bool {
	switch i {
	case IntentValidationGuidance, IntentDecisionHint, IntentFeedbackRequest, IntentGeneral:
		return true
	default:
		return false
	}
}

// Directive is an out-of-band message aimed at the implementer or the
// orchestrator LLM. Directives captured before prompt assembly apply to
// that iteration; later arrivals queue for the following one.
type Directive struct {
	// ID is the unique identifier for this directive.
	ID string `json:"id"`
	// ProjectID and TaskID address the per-task inbox.
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
	// Target selects the implementer or orchestrator side.
	Target DirectiveTarget `json:"target"`
	// Text is the directive body, applied verbatim for implementer directives.
	Text string `json:"text"`
	// Intent is the classified purpose (orchestrator directives only).
	Intent DirectiveIntent `json:"intent,omitempty"`
	// Sticky keeps the directive across iterations instead of consuming it.
	Sticky bool `json:"sticky,omitempty"`
	// Consumed is set once a one-shot directive has been applied.
	Consumed bool `json:"consumed,omitempty"`
	// CreatedAt is when the directive arrived.
	CreatedAt time.Time `json:"created_at"`
}
