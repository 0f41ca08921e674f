// Package git implements the post-task commit hook: after a task
// completes, its changed files can be committed, optionally on a
// per-task branch. Hook failure never rolls back task completion.
package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes git commands in a repository.
type Runner interface {
	// Run executes git with the given args, returning trimmed output.
	Run(args ...string) (string, error)
}

// ExecRunner implements Runner using exec.Command.
type ExecRunner struct {
	repoPath string
}

// NewRunner creates a runner for the repository at the given path.
func NewRunner(repoPath string) *ExecRunner {
	return &ExecRunner{repoPath: repoPath}
}

// Run executes a git command and returns its output.
func (r *ExecRunner) Run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

// IsRepo reports whether the runner's path is inside a git work tree.
func IsRepo(r Runner) bool {
	out, err := r.Run("rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// currentBranch returns the checked-out branch name.
func currentBranch(r Runner) (string, error) {
	return r.Run("rev-parse", "--abbrev-ref", "HEAD")
}

// branchExists reports whether a local branch exists.
func branchExists(r Runner, name string) bool {
	_, err := r.Run("rev-parse", "--verify", "refs/heads/"+name)
	return err == nil
}
