// Package decision turns a validated iteration into the next action.
// The core is a pure function over its inputs, which keeps every rule
// testable without a database or an LLM in the loop.
package decision

import (
	"fmt"

	"github.com/obra-dev/obra/internal/config"
	"github.com/obra-dev/obra/pkg/models"
)

// HintAccept is the decision-hint value that nudges a borderline
// iteration over the line.
const HintAccept = "accept"

// Input is everything decide consumes for one iteration.
type Input struct {
	// ValidationPassed is the validator pipeline's combined verdict.
	ValidationPassed bool
	// ValidatorError marks a failure at the validator boundary; the
	// iteration is retried rather than judged.
	ValidatorError bool
	// Quality is the scored quality in [0,1].
	Quality float64
	// PrevQuality is the previous iteration's quality; NaN-free, the
	// HasPrev flag gates the collapse trigger instead.
	PrevQuality float64
	HasPrev     bool
	// Iteration is the current iteration number, 1-based.
	Iteration int
	// MaxIterations is the per-task cap.
	MaxIterations int
	// ConsecutiveClarifies counts CLARIFY decisions in a row before
	// this iteration.
	ConsecutiveClarifies int
	// UserBreakpoint is set when the user requested a pause on this task.
	UserBreakpoint bool
	// DecisionHint carries an intent from the directive channel, e.g.
	// HintAccept.
	DecisionHint string
}

// Outcome is the chosen action plus the rule that fired, for logging
// and the iteration record.
type Outcome struct {
	Action models.Action
	// Reason names the rule in human terms.
	Reason string
}

// Engine applies the configured thresholds.
type Engine struct {
	proceedThreshold  float64
	criticalThreshold float64
	hardCeiling       int
	clarifyLimit      int
	collapseDrop      float64
}

// New creates an engine from config.
func New(cfg config.DecisionEngineConfig) *Engine {
	return &Engine{
		proceedThreshold:  cfg.QualityProceedThreshold,
		criticalThreshold: cfg.QualityCriticalThreshold,
		hardCeiling:       cfg.HardIterationCeiling,
		clarifyLimit:      cfg.ConsecutiveClarifyLimit,
		collapseDrop:      cfg.QualityCollapseDrop,
	}
}

// Decide picks the next action. Rules are checked in order; the first
// match wins:
//
//  1. any breakpoint trigger            -> BREAKPOINT
//  2. accept hint on a near-miss pass   -> PROCEED
//  3. validation failed or quality
//     below the critical threshold      -> ESCALATE
//  4. pass and quality >= proceed       -> PROCEED
//  5. quality in [critical, proceed)    -> CLARIFY
//  6. otherwise                         -> RETRY
//
// A validator-boundary error short-circuits to RETRY before the quality
// rules: the implementer was never actually judged. When the iteration
// cap is reached, RETRY and CLARIFY promote to ESCALATE.
func (e *Engine) Decide(in Input) Outcome {
	if reason := e.breakpointTrigger(in); reason != "" {
		return Outcome{Action: models.ActionBreakpoint, Reason: reason}
	}

	if in.ValidatorError {
		return e.capped(in, Outcome{
			Action: models.ActionRetry,
			Reason: "validator errored; retrying the validation boundary",
		})
	}

	if in.DecisionHint == HintAccept && in.ValidationPassed && in.Quality >= e.proceedThreshold-0.1 {
		return Outcome{
			Action: models.ActionProceed,
			Reason: fmt.Sprintf("user accept hint applied at quality %.2f", in.Quality),
		}
	}

	if !in.ValidationPassed || in.Quality < e.criticalThreshold {
		return Outcome{
			Action: models.ActionEscalate,
			Reason: fmt.Sprintf("validation passed=%v quality=%.2f below critical %.2f",
				in.ValidationPassed, in.Quality, e.criticalThreshold),
		}
	}

	if in.Quality >= e.proceedThreshold {
		return Outcome{
			Action: models.ActionProceed,
			Reason: fmt.Sprintf("quality %.2f meets proceed threshold %.2f", in.Quality, e.proceedThreshold),
		}
	}

	if in.Quality >= e.criticalThreshold {
		return e.capped(in, Outcome{
			Action: models.ActionClarify,
			Reason: fmt.Sprintf("quality %.2f in clarify band [%.2f, %.2f)",
				in.Quality, e.criticalThreshold, e.proceedThreshold),
		})
	}

	return e.capped(in, Outcome{Action: models.ActionRetry, Reason: "no rule matched; retrying"})
}

// breakpointTrigger returns a non-empty reason when any breakpoint
// condition fires.
func (e *Engine) breakpointTrigger(in Input) string {
	if in.UserBreakpoint {
		return "user-requested breakpoint"
	}
	if e.hardCeiling > 0 && in.Iteration >= e.hardCeiling {
		return fmt.Sprintf("iteration %d reached hard ceiling %d", in.Iteration, e.hardCeiling)
	}
	if e.clarifyLimit > 0 && in.ConsecutiveClarifies >= e.clarifyLimit {
		return fmt.Sprintf("%d consecutive clarifications", in.ConsecutiveClarifies)
	}
	if in.HasPrev && e.collapseDrop > 0 && in.PrevQuality-in.Quality > e.collapseDrop {
		return fmt.Sprintf("quality collapsed %.2f -> %.2f", in.PrevQuality, in.Quality)
	}
	return ""
}

// capped promotes RETRY and CLARIFY to ESCALATE at the iteration cap:
// there is no next iteration to loop into.
func (e *Engine) capped(in Input, out Outcome) Outcome {
	if in.MaxIterations > 0 && in.Iteration >= in.MaxIterations {
		return Outcome{
			Action: models.ActionEscalate,
			Reason: fmt.Sprintf("would %s but iteration cap %d reached", out.Action, in.MaxIterations),
		}
	}
	return out
}
