package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/obra-dev/obra/internal/config"
)

// Subprocess runs the implementer CLI as a child process, one
// invocation per prompt. This is the default driver.
type Subprocess struct {
	cfg     config.AgentConfig
	timeout time.Duration

	mu          sync.Mutex
	ready       bool
	inUse       bool
	readyAt     time.Time
	lastLatency time.Duration
	restarts    int
}

// NewSubprocess creates the subprocess driver from config.
func NewSubprocess(cfg config.AgentConfig) *Subprocess {
	return &Subprocess{cfg: cfg, timeout: responseTimeout(cfg)}
}

// Initialize verifies the implementer executable resolves and starts
// the stability window. The driver reports healthy only after the
// window passes without a failed invocation.
func (s *Subprocess) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := exec.LookPath(s.cfg.Command); err != nil {
		return fmt.Errorf("implementer command %q: %w", s.cfg.Command, err)
	}
	s.ready = true
	s.readyAt = time.Now()
	debugLog("subprocess driver initialized, command=%s", s.cfg.Command)
	return nil
}

// Health implements Driver.
func (s *Subprocess) Health() HealthReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep := HealthReport{LastLatency: s.lastLatency, RestartCount: s.restarts}
	if !s.ready {
		rep.Err = ErrNotReady
		return rep
	}
	if _, err := exec.LookPath(s.cfg.Command); err != nil {
		rep.Err = fmt.Errorf("implementer command %q: %w", s.cfg.Command, err)
		return rep
	}
	rep.Alive = true
	return rep
}

// Stable reports whether the stability window has elapsed since the
// last (re)initialization.
func (s *Subprocess) Stable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return false
	}
	window := time.Duration(s.cfg.StabilityWindow) * time.Second
	return time.Since(s.readyAt) >= window
}

// SendPrompt implements Driver. Exactly one prompt runs at a time;
// concurrent callers get ErrBusy rather than queueing silently.
func (s *Subprocess) SendPrompt(ctx context.Context, p Prompt) (*Result, error) {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return nil, ErrNotReady
	}
	if s.inUse {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.inUse = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inUse = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := s.buildArgs(p)
	debugLog("invoking %s with %d args, session=%q", s.cfg.Command, len(args), p.SessionID)

	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	if p.WorkingDir != "" {
		cmd.Dir = p.WorkingDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	s.recordLatency(time.Since(start))
	if ctx.Err() == context.DeadlineExceeded {
		s.markFailure()
		return nil, fmt.Errorf("implementer timed out after %s", s.timeout)
	}
	if err != nil {
		// The CLI exits non-zero on is_error results too; prefer the
		// structured error from stdout when one parsed.
		if res, perr := parseResult(stdout.String(), p.MaxTurns); perr != nil {
			if _, isMaxTurns := perr.(*MaxTurnsError); isMaxTurns {
				return nil, perr
			}
			s.markFailure()
			return nil, fmt.Errorf("implementer failed: %w (stderr: %s)",
				err, truncate(stderr.String(), 500))
		} else {
			return res, nil
		}
	}

	res, err := parseResult(stdout.String(), p.MaxTurns)
	if err != nil {
		return nil, err
	}
	debugLog("prompt served in %s, %d turns, %d tokens",
		time.Since(start), res.NumTurns, res.Usage.Total())
	return res, nil
}

// buildArgs assembles the CLI invocation for one prompt.
func (s *Subprocess) buildArgs(p Prompt) []string {
	args := []string{
		"--output-format", "json",
		"--print",
	}
	if s.cfg.BypassInteractivePermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if p.SessionID != "" && s.cfg.UseSessionPersistence {
		args = append(args, "--resume", p.SessionID)
	}
	if p.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(p.MaxTurns))
	}
	return append(args, "-p", p.Text)
}

// markFailure restarts the stability window after a hard failure.
func (s *Subprocess) markFailure() {
	s.mu.Lock()
	s.readyAt = time.Now()
	s.restarts++
	s.mu.Unlock()
}

func (s *Subprocess) recordLatency(d time.Duration) {
	s.mu.Lock()
	s.lastLatency = d
	s.mu.Unlock()
}

// Shutdown implements Driver. The subprocess driver holds no
// persistent process, so this only flips readiness.
func (s *Subprocess) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	return nil
}
