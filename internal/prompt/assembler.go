// Package prompt assembles implementer prompts from task state,
// accumulated epic context, prior validator feedback, and injected
// user directives.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/obra-dev/obra/pkg/models"
)

// ErrContextOverflow indicates the prompt cannot fit the token budget
// even after truncation. The caller refreshes the session and retries;
// a second overflow escalates the task.
var ErrContextOverflow = errors.New("prompt exceeds context budget")

// ResponseSchema is the structured-response contract declared at the
// end of every prompt. The validator's completeness check looks for
// these fields in the reply.
const ResponseSchema = `Respond with the following sections, in order:

SUMMARY: one paragraph describing what was done.
FILES: a bulleted list of files created or modified.
CONCERNS: open issues or assumptions, or "none".`

// schemaFields are the section headers the completeness check scans for.
var schemaFields = []string{"SUMMARY:", "FILES:", "CONCERNS:"}

// SchemaFields returns the required response section headers.
func SchemaFields() []string {
	return append([]string(nil), schemaFields...)
}

// Input carries everything one prompt is assembled from.
type Input struct {
	// Task is the task being worked.
	Task *models.Task
	// EpicSummary is the rolling epic context from prior sessions,
	// one bullet per line, oldest first.
	EpicSummary string
	// PriorFeedback is the most recent iteration's validator issues.
	PriorFeedback []string
	// PriorAction is the decision that ended the previous iteration.
	// Feedback is included only after CLARIFY or RETRY.
	PriorAction models.Action
	// Directives are pending to_impl directive texts, oldest first.
	Directives []string
}

// Assembler builds prompts under a token budget.
type Assembler struct {
	// contextLimit is the model's context window in tokens.
	contextLimit int64
	// safetyMargin is the fraction of the limit held back.
	safetyMargin float64
}

// New creates an Assembler with a 20% safety margin.
func New(contextLimit int64) *Assembler {
	return &Assembler{contextLimit: contextLimit, safetyMargin: 0.20}
}

// Budget returns the usable token budget.
func (a *Assembler) Budget() int64 {
	return int64(float64(a.contextLimit) * (1 - a.safetyMargin))
}

// EstimateTokens approximates token count from byte length. Four bytes
// per token is the usual rule of thumb for code-heavy English text.
func EstimateTokens(s string) int64 {
	return int64(len(s)+3) / 4
}

// Assemble builds the prompt. When the draft overflows the budget it
// truncates the prior-iteration section first, then drops the oldest
// epic bullets; the task description is never cut. Returns
// ErrContextOverflow when even the minimal prompt does not fit.
func (a *Assembler) Assemble(in Input) (string, error) {
	if in.Task == nil {
		return "", fmt.Errorf("assemble prompt: nil task")
	}

	includeFeedback := len(in.PriorFeedback) > 0 &&
		(in.PriorAction == models.ActionClarify || in.PriorAction == models.ActionRetry)

	epicBullets := splitBullets(in.EpicSummary)

	p := a.render(in, epicBullets, includeFeedback)
	if EstimateTokens(p) <= a.Budget() {
		return p, nil
	}

	// First casualty: the prior-iteration feedback.
	if includeFeedback {
		p = a.render(in, epicBullets, false)
		if EstimateTokens(p) <= a.Budget() {
			return p, nil
		}
		includeFeedback = false
	}

	// Then drop epic bullets oldest-first.
	for len(epicBullets) > 0 {
		epicBullets = epicBullets[1:]
		p = a.render(in, epicBullets, includeFeedback)
		if EstimateTokens(p) <= a.Budget() {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w: task %s needs %d tokens, budget %d",
		ErrContextOverflow, in.Task.ID, EstimateTokens(p), a.Budget())
}

// render produces the prompt text for the given truncation state.
func (a *Assembler) render(in Input, epicBullets []string, includeFeedback bool) string {
	var b strings.Builder

	b.WriteString("# Task\n\n")
	b.WriteString(in.Task.Title)
	b.WriteString("\n\n")
	b.WriteString(in.Task.Description)
	b.WriteString("\n")

	if in.Task.AcceptanceCriteria != "" {
		b.WriteString("\n## Acceptance Criteria\n\n")
		b.WriteString(in.Task.AcceptanceCriteria)
		b.WriteString("\n")
	}

	if len(epicBullets) > 0 {
		b.WriteString("\n## Epic Context\n\n")
		for _, bullet := range epicBullets {
			b.WriteString("- ")
			b.WriteString(bullet)
			b.WriteString("\n")
		}
	}

	if includeFeedback {
		b.WriteString("\n## Address These Concerns\n\nThe previous attempt was reviewed; address these before anything else:\n\n")
		for _, issue := range in.PriorFeedback {
			b.WriteString("- ")
			b.WriteString(issue)
			b.WriteString("\n")
		}
	}

	if len(in.Directives) > 0 {
		b.WriteString("\n## User Guidance\n\n")
		for _, d := range in.Directives {
			b.WriteString(d)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n## Response Format\n\n")
	b.WriteString(ResponseSchema)
	b.WriteString("\n")

	return b.String()
}

// splitBullets turns a summary into its bullet lines, oldest first.
func splitBullets(summary string) []string {
	var bullets []string
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			bullets = append(bullets, line)
		}
	}
	return bullets
}

// Fingerprint returns a stable hash of an assembled prompt, stored
// with the iteration record instead of the full text.
func Fingerprint(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
