package git

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/obra-dev/obra/internal/config"
	"github.com/obra-dev/obra/pkg/models"
)

var debugEnabled = os.Getenv("OBRA_DEBUG") != ""

func debugLog(format string, args ...interface{}) {
	if debugEnabled {
		log.Printf("[git] "+format, args...)
	}
}

// Hook commits a completed task's changed files.
type Hook struct {
	cfg    config.GitConfig
	runner Runner
}

// NewHook creates a hook for the repository at workingDir.
func NewHook(cfg config.GitConfig, workingDir string) *Hook {
	return &Hook{cfg: cfg, runner: NewRunner(workingDir)}
}

// NewHookWithRunner creates a hook around an explicit runner.
func NewHookWithRunner(cfg config.GitConfig, runner Runner) *Hook {
	return &Hook{cfg: cfg, runner: runner}
}

// AfterTask runs the post-task commit. Returns the commit error, if
// any, for recording on the task; callers must not treat a non-nil
// return as a task failure.
func (h *Hook) AfterTask(task *models.Task, changedPaths []string) error {
	if !h.cfg.Enabled || !h.cfg.AutoCommit {
		return nil
	}
	if !IsRepo(h.runner) {
		return fmt.Errorf("working directory is not a git repository")
	}
	if len(changedPaths) == 0 {
		debugLog("task %s changed no files, skipping commit", task.ID)
		return nil
	}

	if h.cfg.BranchPerTask {
		if err := h.checkoutTaskBranch(task.ID); err != nil {
			return err
		}
	}

	staged := 0
	for _, path := range changedPaths {
		if _, err := h.runner.Run("add", "--", path); err != nil {
			// Deleted paths fall through to `git add -A` semantics.
			if _, aerr := h.runner.Run("add", "-A", "--", path); aerr != nil {
				log.Printf("[git] stage %s: %v", path, aerr)
				continue
			}
		}
		staged++
	}
	if staged == 0 {
		return fmt.Errorf("no changed paths could be staged")
	}

	if _, err := h.runner.Run("commit", "-m", commitMessage(task)); err != nil {
		return fmt.Errorf("commit task %s: %w", task.ID, err)
	}
	debugLog("committed %d paths for task %s", staged, task.ID)
	return nil
}

// checkoutTaskBranch switches to the task's branch, creating it off
// the current head when missing.
func (h *Hook) checkoutTaskBranch(taskID string) error {
	branch := h.cfg.BranchPrefix + taskID
	current, err := currentBranch(h.runner)
	if err != nil {
		return err
	}
	if current == branch {
		return nil
	}
	if branchExists(h.runner, branch) {
		_, err = h.runner.Run("checkout", branch)
	} else {
		_, err = h.runner.Run("checkout", "-b", branch)
	}
	return err
}

// commitMessage builds the one-line commit message for a task.
func commitMessage(task *models.Task) string {
	title := strings.TrimSpace(task.Title)
	if title == "" {
		title = "update"
	}
	return fmt.Sprintf("%s (%s %s)", title, task.TaskType, task.ID)
}
