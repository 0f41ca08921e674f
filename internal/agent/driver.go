// Package agent drives the implementer: the external code-generation
// CLI that does the actual work. The orchestrator talks to it one
// prompt at a time and reads back a single structured result.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/obra-dev/obra/internal/config"
	"github.com/obra-dev/obra/pkg/models"
)

var debugEnabled = os.Getenv("OBRA_DEBUG") != ""

func debugLog(format string, args ...interface{}) {
	if debugEnabled {
		log.Printf("[agent] "+format, args...)
	}
}

// ErrNotReady indicates the driver has not finished initializing.
var ErrNotReady = errors.New("agent driver not ready")

// ErrBusy indicates a prompt is already in flight on this driver.
var ErrBusy = errors.New("agent driver busy")

// MaxTurnsError reports the implementer stopped because it hit its
// agentic turn limit before producing a final answer. Retryable: the
// iteration controller reissues the prompt with a doubled limit once.
type MaxTurnsError struct {
	// Turns is the limit that was exhausted.
	Turns int
	// Partial holds whatever output the implementer produced.
	Partial string
}

func (e *MaxTurnsError) Error() string {
	return fmt.Sprintf("implementer exhausted max turns (%d)", e.Turns)
}

// Prompt is one assembled prompt submitted to the implementer.
type Prompt struct {
	// Text is the full prompt body.
	Text string
	// WorkingDir is where the implementer runs.
	WorkingDir string
	// SessionID resumes an existing implementer session when set.
	SessionID string
	// MaxTurns caps agentic turns for this prompt; 0 uses the CLI default.
	MaxTurns int
}

// Result is the implementer's structured reply to one prompt.
type Result struct {
	// Content is the final response text.
	Content string
	// SessionID identifies the implementer-side session, used to
	// resume on the next iteration.
	SessionID string
	// Usage reports token consumption for this prompt.
	Usage models.TokenUsage
	// DurationMS is implementer-reported wall time.
	DurationMS int64
	// NumTurns is how many agentic turns the implementer took.
	NumTurns int
	// Raw is the unparsed result JSON, persisted with the iteration.
	Raw string
}

// HealthReport describes the driver's current serviceability.
type HealthReport struct {
	// Alive reports whether the driver can serve a prompt right now.
	Alive bool
	// LastLatency is the wall time of the most recent completed
	// invocation, zero before the first.
	LastLatency time.Duration
	// RestartCount counts hard failures that restarted the driver's
	// stability window.
	RestartCount int
	// Err carries the reason when Alive is false.
	Err error
}

// Driver abstracts how the implementer is reached. Implementations are
// safe for concurrent use but serve one prompt at a time.
type Driver interface {
	// Initialize prepares the driver; it must be called before SendPrompt.
	Initialize() error
	// SendPrompt submits one prompt and blocks until the structured
	// result arrives, the response timeout passes, or ctx is done.
	SendPrompt(ctx context.Context, p Prompt) (*Result, error)
	// Health reports whether the driver can currently serve prompts,
	// with latency and restart telemetry.
	Health() HealthReport
	// Shutdown releases driver resources.
	Shutdown() error
}

// NewDriver constructs the driver named by cfg.Type.
func NewDriver(cfg config.AgentConfig) (Driver, error) {
	switch cfg.Type {
	case "subprocess":
		return NewSubprocess(cfg), nil
	case "ssh":
		return NewSSH(cfg), nil
	default:
		return nil, fmt.Errorf("unknown agent driver type %q", cfg.Type)
	}
}

// responseTimeout converts the configured seconds into a duration,
// falling back to two hours.
func responseTimeout(cfg config.AgentConfig) time.Duration {
	if cfg.ResponseTimeout <= 0 {
		return 2 * time.Hour
	}
	return time.Duration(cfg.ResponseTimeout) * time.Second
}
