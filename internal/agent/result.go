package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/obra-dev/obra/pkg/models"
)

// resultEnvelope mirrors the implementer CLI's --output-format json
// final object. Unknown fields are ignored so newer CLI versions keep
// parsing.
type resultEnvelope struct {
	Type       string `json:"type"`
	Subtype    string `json:"subtype"`
	IsError    bool   `json:"is_error"`
	Result     string `json:"result"`
	SessionID  string `json:"session_id"`
	DurationMS int64  `json:"duration_ms"`
	NumTurns   int    `json:"num_turns"`
	Usage      struct {
		InputTokens         int64 `json:"input_tokens"`
		CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadTokens     int64 `json:"cache_read_input_tokens"`
		OutputTokens        int64 `json:"output_tokens"`
	} `json:"usage"`
}

// parseResult extracts the structured result from the implementer's
// stdout. The CLI prints exactly one JSON object in --print mode, but
// warnings sometimes precede it, so parsing starts at the first brace.
func parseResult(output string, maxTurns int) (*Result, error) {
	trimmed := strings.TrimSpace(output)
	if idx := strings.Index(trimmed, "{"); idx > 0 {
		trimmed = trimmed[idx:]
	}
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("implementer output is not JSON: %q", truncate(output, 200))
	}

	var env resultEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil, fmt.Errorf("parse implementer result: %w", err)
	}

	res := &Result{
		Content:   env.Result,
		SessionID: env.SessionID,
		Usage: models.TokenUsage{
			Input:       env.Usage.InputTokens,
			CacheCreate: env.Usage.CacheCreationTokens,
			CacheRead:   env.Usage.CacheReadTokens,
			Output:      env.Usage.OutputTokens,
		},
		DurationMS: env.DurationMS,
		NumTurns:   env.NumTurns,
		Raw:        trimmed,
	}

	if env.IsError {
		if env.Subtype == "error_max_turns" {
			return nil, &MaxTurnsError{Turns: maxTurns, Partial: env.Result}
		}
		return nil, fmt.Errorf("implementer error (%s): %s", env.Subtype, truncate(env.Result, 500))
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
