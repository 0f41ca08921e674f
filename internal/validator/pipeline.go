package validator

import (
	"context"

	"github.com/obra-dev/obra/internal/prompt"
)

// Result is the pipeline's combined verdict for one iteration.
type Result struct {
	Completeness Completeness
	Quality      QualityResult
	// Confidence is derived, bounded, and stored for observability.
	// It never gates a decision.
	Confidence float64
}

// Passed reports whether validation as a whole passed: the response is
// syntactically complete and the scorer did not fail.
func (r Result) Passed() bool {
	return r.Completeness.Complete && !r.Quality.ValidatorError
}

// Pipeline runs the three validation stages in order.
type Pipeline struct {
	scorer *Scorer
}

// NewPipeline creates a pipeline around a scorer.
func NewPipeline(scorer *Scorer) *Pipeline {
	return &Pipeline{scorer: scorer}
}

// Run validates one implementer response. recentScores holds quality
// scores of prior iterations for this task, oldest first, and feeds
// the trend term of the confidence figure.
func (p *Pipeline) Run(ctx context.Context, taskDescription, response string, guidance []string, recentScores []float64) Result {
	completeness := CheckCompleteness(response, prompt.SchemaFields())

	// An incomplete response is not worth a scoring call: quality
	// cannot rescue a reply missing its required sections.
	var quality QualityResult
	if completeness.Complete {
		quality = p.scorer.Score(ctx, taskDescription, response, guidance)
	}

	return Result{
		Completeness: completeness,
		Quality:      quality,
		Confidence:   DeriveConfidence(completeness.Complete, quality.Score, recentScores),
	}
}

// DeriveConfidence combines completeness, quality, and the recent
// score trend into a bounded [0,1] figure. Deterministic by
// construction: same inputs, same output.
func DeriveConfidence(complete bool, quality float64, recentScores []float64) float64 {
	conf := 0.6 * quality
	if complete {
		conf += 0.25
	}

	// Trend term: reward improvement over the previous iteration,
	// penalize decline, scaled into +-0.15.
	if n := len(recentScores); n > 0 {
		delta := quality - recentScores[n-1]
		conf += 0.15 * clamp(delta, -1, 1)
	}

	return clamp(conf, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
