package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/obra-dev/obra/internal/config"
)

// Ollama talks to a local Ollama server over its /api/chat endpoint.
// This is the default gateway: validation scoring should not cost money.
type Ollama struct {
	baseURL string
	model   string
	timeout time.Duration
	client  *http.Client
}

// NewOllama creates an Ollama gateway from config.
func NewOllama(cfg config.LLMConfig) *Ollama {
	timeout := cfg.ScoringTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Ollama{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		model:   cfg.Model,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements Gateway.
func (o *Ollama) Name() string { return "ollama" }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int64         `json:"prompt_eval_count"`
	EvalCount       int64         `json:"eval_count"`
}

// Send implements Gateway.
func (o *Ollama) Send(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var messages []ollamaMessage
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: req.Prompt})

	body := ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   false,
	}
	if req.MaxTokens > 0 {
		body.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var chat ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if strings.TrimSpace(chat.Message.Content) == "" {
		return nil, ErrEmptyResponse
	}

	debugLog("ollama call model=%s in=%d out=%d dur=%s",
		o.model, chat.PromptEvalCount, chat.EvalCount, time.Since(start))

	return &Response{
		Content:      chat.Message.Content,
		InputTokens:  chat.PromptEvalCount,
		OutputTokens: chat.EvalCount,
		Duration:     time.Since(start),
	}, nil
}

// Available implements Gateway by hitting the server root.
func (o *Ollama) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build probe: %w", err)
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: probe returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
