package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/obra-dev/obra/internal/config"
)

// SSH runs the implementer CLI on a remote host over ssh. The prompt
// travels on stdin to avoid shell quoting problems.
type SSH struct {
	cfg     config.AgentConfig
	timeout time.Duration

	mu          sync.Mutex
	ready       bool
	inUse       bool
	lastLatency time.Duration
	failures    int
}

// NewSSH creates the remote driver from config.
func NewSSH(cfg config.AgentConfig) *SSH {
	return &SSH{cfg: cfg, timeout: responseTimeout(cfg)}
}

// Initialize verifies the ssh client exists and the host is set.
func (s *SSH) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.SSHHost == "" {
		return fmt.Errorf("ssh driver requires agent.ssh_host")
	}
	if _, err := exec.LookPath("ssh"); err != nil {
		return fmt.Errorf("ssh client: %w", err)
	}
	s.ready = true
	return nil
}

// Health implements Driver by running a no-op command on the host.
func (s *SSH) Health() HealthReport {
	s.mu.Lock()
	rep := HealthReport{LastLatency: s.lastLatency, RestartCount: s.failures}
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		rep.Err = ErrNotReady
		return rep
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "ssh", "-o", "BatchMode=yes", s.cfg.SSHHost, "true")
	if err := cmd.Run(); err != nil {
		rep.Err = fmt.Errorf("ssh check on %s: %w", s.cfg.SSHHost, err)
		return rep
	}
	rep.Alive = true
	return rep
}

// SendPrompt implements Driver.
func (s *SSH) SendPrompt(ctx context.Context, p Prompt) (*Result, error) {
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

	remote := s.remoteCommand(p)
	cmd := exec.CommandContext(ctx, "ssh", "-o", "BatchMode=yes", s.cfg.SSHHost, remote)
	cmd.Stdin = bytes.NewReader([]byte(p.Text))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		s.recordOutcome(time.Since(start), true)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("remote implementer timed out after %s", s.timeout)
		}
		if res, perr := parseResult(stdout.String(), p.MaxTurns); perr == nil {
			return res, nil
		} else if _, isMaxTurns := perr.(*MaxTurnsError); isMaxTurns {
			return nil, perr
		}
		return nil, fmt.Errorf("remote implementer failed: %w (stderr: %s)",
			err, truncate(stderr.String(), 500))
	}
	s.recordOutcome(time.Since(start), false)
	return parseResult(stdout.String(), p.MaxTurns)
}

// remoteCommand builds the shell command executed on the remote side.
// The prompt arrives on stdin, hence the trailing "-p" with "-".
func (s *SSH) remoteCommand(p Prompt) string {
	cmd := s.cfg.Command + " --output-format json --print"
	if s.cfg.BypassInteractivePermissions {
		cmd += " --dangerously-skip-permissions"
	}
	if p.SessionID != "" && s.cfg.UseSessionPersistence {
		cmd += " --resume " + p.SessionID
	}
	if p.MaxTurns > 0 {
		cmd += " --max-turns " + strconv.Itoa(p.MaxTurns)
	}
	if p.WorkingDir != "" {
		cmd = "cd " + shellquote.Join(p.WorkingDir) + " && " + cmd
	}
	return cmd
}

func (s *SSH) recordOutcome(d time.Duration, failed bool) {
	s.mu.Lock()
	s.lastLatency = d
	if failed {
		s.failures++
	}
	s.mu.Unlock()
}

// Shutdown implements Driver.
func (s *SSH) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	return nil
}
