package validator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/obra-dev/obra/internal/llm"
)

// scoringSystem pins the scorer to a terse, parseable register.
const scoringSystem = `You are a strict code reviewer. You judge whether a response fulfils a task. Reply with exactly two lines:
SCORE: <number between 0.0 and 1.0>
COMMENT: <one sentence>`

// QualityResult is the outcome of the LLM scoring stage.
type QualityResult struct {
	// Score is in [0,1]. Zero when ValidatorError is set.
	Score float64
	// Comment is the scorer's one-line justification.
	Comment string
	// ValidatorError marks a failure at the validator boundary: the
	// gateway errored or its reply did not parse. The decision engine
	// treats this as RETRY, not as an implementer failure.
	ValidatorError bool
	// ErrorDetail describes the validator failure when set.
	ErrorDetail string
}

// Scorer sends structured scoring requests to the orchestrator LLM.
type Scorer struct {
	gateway llm.Gateway
}

// NewScorer wraps a gateway.
func NewScorer(gateway llm.Gateway) *Scorer {
	return &Scorer{gateway: gateway}
}

// Score asks the gateway to rate a response against its task. The
// prompt is deterministic in structure so the same inputs score
// reproducibly with the same model. Guidance carries any to_orch
// directive texts.
func (s *Scorer) Score(ctx context.Context, taskDescription, response string, guidance []string) QualityResult {
	prompt := buildScoringPrompt(taskDescription, response, guidance)

	reply, err := s.gateway.Send(ctx, llm.Request{
		System:    scoringSystem,
		Prompt:    prompt,
		MaxTokens: 256,
	})
	if err != nil {
		return QualityResult{ValidatorError: true, ErrorDetail: fmt.Sprintf("gateway %s: %v", s.gateway.Name(), err)}
	}

	score, comment, err := parseScore(reply.Content)
	if err != nil {
		return QualityResult{ValidatorError: true, ErrorDetail: err.Error()}
	}
	return QualityResult{Score: score, Comment: comment}
}

// buildScoringPrompt lays out the template: task, response, guidance.
func buildScoringPrompt(taskDescription, response string, guidance []string) string {
	var b strings.Builder
	b.WriteString("## Task\n\n")
	b.WriteString(taskDescription)
	b.WriteString("\n\n## Response Under Review\n\n")
	b.WriteString(response)
	if len(guidance) > 0 {
		b.WriteString("\n\n## Reviewer Guidance\n\n")
		for _, g := range guidance {
			b.WriteString("- ")
			b.WriteString(g)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n\nRate how completely and correctly the response fulfils the task.")
	return b.String()
}

var scoreRe = regexp.MustCompile(`(?mi)^\s*SCORE:\s*([0-9]*\.?[0-9]+)`)
var commentRe = regexp.MustCompile(`(?mi)^\s*COMMENT:\s*(.+)$`)

// parseScore extracts the numeric score and comment from the scorer's
// reply. The score must land in [0,1].
func parseScore(reply string) (float64, string, error) {
	m := scoreRe.FindStringSubmatch(reply)
	if m == nil {
		return 0, "", fmt.Errorf("no SCORE line in scorer reply: %q", firstLine(reply))
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse score %q: %w", m[1], err)
	}
	if score < 0 || score > 1 {
		return 0, "", fmt.Errorf("score %v out of range [0,1]", score)
	}

	comment := ""
	if cm := commentRe.FindStringSubmatch(reply); cm != nil {
		comment = strings.TrimSpace(cm[1])
	}
	return score, comment, nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
