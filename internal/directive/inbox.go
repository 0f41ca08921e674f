// Package directive is the channel for mid-run user guidance: text
// injected into the implementer prompt, the validator's scoring
// prompt, or the decision engine, without stopping the loop.
package directive

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/obra-dev/obra/internal/llm"
	"github.com/obra-dev/obra/internal/state"
	"github.com/obra-dev/obra/pkg/models"
)

var debugEnabled = os.Getenv("OBRA_DEBUG") != ""

func debugLog(format string, args ...interface{}) {
	if debugEnabled {
		log.Printf("[directive] "+format, args...)
	}
}

// Inbox stores and retrieves directives for a task.
type Inbox struct {
	db      *state.DB
	gateway llm.Gateway
}

// NewInbox creates an Inbox. The gateway is used only for
// feedback-request analyses and may be nil when that feature is off.
func NewInbox(db *state.DB, gateway llm.Gateway) *Inbox {
	return &Inbox{db: db, gateway: gateway}
}

// Submit records a new directive. to_orch directives are classified by
// intent heuristics at submission time.
func (in *Inbox) Submit(projectID, taskID string, target models.DirectiveTarget, text string, sticky bool) (*models.Directive, error) {
	d := &models.Directive{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		TaskID:    taskID,
		Target:    target,
		Text:      text,
		Sticky:    sticky,
		CreatedAt: time.Now(),
	}
	if target == models.TargetOrchestrator {
		d.Intent = ClassifyIntent(text)
	}
	if err := in.db.CreateDirective(d); err != nil {
		return nil, err
	}
	debugLog("accepted %s directive %s intent=%s", target, d.ID, d.Intent)
	return d, nil
}

// ClassifyIntent buckets a to_orch directive by keyword heuristics.
// Deliberately simple: a misclassification degrades to general
// guidance, never to wrong behavior.
func ClassifyIntent(text string) models.DirectiveIntent {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "accept") || strings.Contains(lower, "reject") ||
		strings.Contains(lower, "escalate") || strings.Contains(lower, "proceed"):
		return models.IntentDecisionHint
	case strings.Contains(lower, "why") || strings.Contains(lower, "explain") ||
		strings.Contains(lower, "what is") || strings.Contains(lower, "feedback"):
		return models.IntentFeedbackRequest
	case strings.Contains(lower, "check") || strings.Contains(lower, "verify") ||
		strings.Contains(lower, "strict") || strings.Contains(lower, "score") ||
		strings.Contains(lower, "validat"):
		return models.IntentValidationGuidance
	default:
		return models.IntentGeneral
	}
}

// Batch is the set of directives captured for one iteration. Only
// directives created strictly before the cutoff are included; anything
// arriving mid-iteration waits for the next one.
type Batch struct {
	// ToImpl texts go into the prompt's user-guidance section.
	ToImpl []string
	// ValidationGuidance texts go into the scoring prompt.
	ValidationGuidance []string
	// DecisionHint is the most recent hint text, empty when none.
	DecisionHint string
	// FeedbackRequests are answered after scoring.
	FeedbackRequests []models.Directive

	consumed []string
}

// Collect gathers the directives applicable to an iteration that
// begins at the cutoff instant.
func (in *Inbox) Collect(projectID, taskID string, cutoff time.Time) (*Batch, error) {
	pending, err := in.db.PendingDirectives(projectID, taskID, state.DirectiveCutoff(cutoff))
	if err != nil {
		return nil, err
	}

	b := &Batch{}
	for _, d := range pending {
		switch d.Target {
		case models.TargetImplementer:
			b.ToImpl = append(b.ToImpl, d.Text)
		case models.TargetOrchestrator:
			switch d.Intent {
			case models.IntentValidationGuidance:
				b.ValidationGuidance = append(b.ValidationGuidance, d.Text)
			case models.IntentDecisionHint:
				b.DecisionHint = d.Text
			case models.IntentFeedbackRequest:
				b.FeedbackRequests = append(b.FeedbackRequests, d)
			default:
				b.ValidationGuidance = append(b.ValidationGuidance, d.Text)
			}
		}
		if !d.Sticky {
			b.consumed = append(b.consumed, d.ID)
		}
	}
	return b, nil
}

// MarkConsumed consumes the one-shot directives of a batch. Called
// after the iteration applied them; sticky directives survive.
func (in *Inbox) MarkConsumed(b *Batch) error {
	for _, id := range b.consumed {
		if err := in.db.ConsumeDirective(id); err != nil {
			return err
		}
	}
	return nil
}

// AnswerFeedback generates a short analysis for each feedback request
// and stores it as a pending to_impl directive for the next iteration.
// Runs after quality scoring so the analysis can cite the verdict.
func (in *Inbox) AnswerFeedback(ctx context.Context, b *Batch, taskDescription, response string, quality float64) {
	if in.gateway == nil || len(b.FeedbackRequests) == 0 {
		return
	}
	for _, req := range b.FeedbackRequests {
		reply, err := in.gateway.Send(ctx, llm.Request{
			System: "You answer a user's question about an in-progress coding task. Two or three sentences, no preamble.",
			Prompt: "Question: " + req.Text +
				"\n\nTask: " + taskDescription +
				"\n\nLatest response (scored " + formatQuality(quality) + "):\n" + response,
			MaxTokens: 512,
		})
		if err != nil {
			log.Printf("[directive] feedback analysis failed for %s: %v", req.ID, err)
			continue
		}
		if _, err := in.Submit(req.ProjectID, req.TaskID, models.TargetImplementer,
			"Analysis of earlier question ("+req.Text+"): "+strings.TrimSpace(reply.Content), false); err != nil {
			log.Printf("[directive] store feedback analysis: %v", err)
		}
	}
}

func formatQuality(q float64) string {
	switch {
	case q >= 0.7:
		return "good"
	case q >= 0.5:
		return "borderline"
	default:
		return "poor"
	}
}

// Clear drops all pending directives for a task, used when the task
// reaches a terminal state.
func (in *Inbox) Clear(projectID, taskID string) error {
	return in.db.ClearDirectives(projectID, taskID)
}
