// Package llm provides the orchestrator-side LLM gateway used for
// validation scoring, summarization, and directive classification. The
// gateway is deliberately cheap and local-first: implementer work goes
// through the agent driver, never through here.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/obra-dev/obra/internal/config"
)

var debugEnabled = os.Getenv("OBRA_DEBUG") != ""

func debugLog(format string, args ...interface{}) {
	if debugEnabled {
		log.Printf("[llm] "+format, args...)
	}
}

// ErrUnavailable indicates the gateway backend cannot be reached.
var ErrUnavailable = errors.New("llm gateway unavailable")

// ErrEmptyResponse indicates the backend returned no content.
var ErrEmptyResponse = errors.New("llm gateway returned empty response")

// Request is a single completion request to the gateway.
type Request struct {
	// System is the system prompt, may be empty.
	System string
	// Prompt is the user message.
	Prompt string
	// MaxTokens caps the response length; 0 uses the backend default.
	MaxTokens int
}

// Response is a completed gateway call.
type Response struct {
	// Content is the text of the reply.
	Content string
	// InputTokens and OutputTokens report usage when the backend
	// provides it; zero otherwise.
	InputTokens  int64
	OutputTokens int64
	// Duration is wall time for the call.
	Duration time.Duration
}

// Gateway is the interface every backend implements.
type Gateway interface {
	// Send issues one completion request. Implementations honor ctx
	// cancellation and the configured scoring timeout.
	Send(ctx context.Context, req Request) (*Response, error)
	// Name identifies the backend for logging.
	Name() string
	// Available probes whether the backend can serve requests.
	Available(ctx context.Context) error
}

// New constructs the gateway named by cfg.Type.
func New(cfg config.LLMConfig) (Gateway, error) {
	switch cfg.Type {
	case "ollama":
		return NewOllama(cfg), nil
	case "external-cli":
		return NewExternalCLI(cfg), nil
	case "anthropic":
		return NewAnthropic(cfg)
	default:
		return nil, fmt.Errorf("unknown llm gateway type %q", cfg.Type)
	}
}
