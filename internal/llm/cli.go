package llm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/obra-dev/obra/internal/config"
)

// ExternalCLI shells out to a user-supplied scoring command. The prompt
// is written to stdin; stdout is the reply. The command is expected to
// be stateless between calls.
type ExternalCLI struct {
	command string
	args    []string
	timeout time.Duration
}

// NewExternalCLI creates a gateway around the configured command line.
// The command string is split with shell quoting rules; the first word
// is the executable, the rest become fixed arguments.
func NewExternalCLI(cfg config.LLMConfig) *ExternalCLI {
	timeout := cfg.ScoringTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	fields, err := shellquote.Split(cfg.Command)
	if err != nil {
		// Unbalanced quotes; fall back to whitespace splitting.
		fields = strings.Fields(cfg.Command)
	}
	g := &ExternalCLI{timeout: timeout}
	if len(fields) > 0 {
		g.command = fields[0]
		g.args = fields[1:]
	}
	return g
}

// Name implements Gateway.
func (e *ExternalCLI) Name() string { return "external-cli" }

// Send implements Gateway.
func (e *ExternalCLI) Send(ctx context.Context, req Request) (*Response, error) {
	if e.command == "" {
		return nil, fmt.Errorf("external-cli gateway: no command configured")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	input := req.Prompt
	if req.System != "" {
		input = req.System + "\n\n" + req.Prompt
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Stdin = strings.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("external-cli gateway timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("external-cli gateway: %w (stderr: %s)",
			err, strings.TrimSpace(stderr.String()))
	}

	content := strings.TrimSpace(stdout.String())
	if content == "" {
		return nil, ErrEmptyResponse
	}
	debugLog("external-cli call cmd=%s dur=%s", e.command, time.Since(start))

	return &Response{Content: content, Duration: time.Since(start)}, nil
}

// Available implements Gateway by checking the executable resolves.
func (e *ExternalCLI) Available(_ context.Context) error {
	if e.command == "" {
		return fmt.Errorf("%w: no command configured", ErrUnavailable)
	}
	if _, err := exec.LookPath(e.command); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
