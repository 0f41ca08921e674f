package git

import (
	"errors"
	"strings"
	"testing"

	"github.com/obra-dev/obra/internal/config"
	"github.com/obra-dev/obra/pkg/models"
)

// fakeRunner records invocations and returns scripted results.
type fakeRunner struct {
	calls   [][]string
	results map[string]string
	errs    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: map[string]string{
			"rev-parse --is-inside-work-tree": "true",
			"rev-parse --abbrev-ref HEAD":     "main",
		},
		errs: map[string]error{},
	}
}

func (f *fakeRunner) Run(args ...string) (string, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, args)
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	return f.results[key], nil
}

func (f *fakeRunner) called(prefix string) bool {
	for _, call := range f.calls {
		if strings.HasPrefix(strings.Join(call, " "), prefix) {
			return true
		}
	}
	return false
}

func testTask() *models.Task {
	return &models.Task{ID: "t1", TaskType: models.TaskTypeTask, Title: "Add CSV parser"}
}

func enabledConfig() config.GitConfig {
	return config.GitConfig{Enabled: true, AutoCommit: true, BranchPrefix: "obra/"}
}

func TestAfterTaskDisabled(t *testing.T) {
	r := newFakeRunner()
	h := NewHookWithRunner(config.GitConfig{}, r)
	if err := h.AfterTask(testTask(), []string{"a.go"}); err != nil {
		t.Fatalf("disabled hook errored: %v", err)
	}
	if len(r.calls) != 0 {
		t.Errorf("disabled hook ran git: %v", r.calls)
	}
}

func TestAfterTaskCommits(t *testing.T) {
	r := newFakeRunner()
	h := NewHookWithRunner(enabledConfig(), r)

	if err := h.AfterTask(testTask(), []string{"csv.go", "csv_test.go"}); err != nil {
		t.Fatalf("after task: %v", err)
	}
	if !r.called("add -- csv.go") || !r.called("add -- csv_test.go") {
		t.Errorf("paths not staged: %v", r.calls)
	}
	if !r.called("commit -m") {
		t.Error("no commit created")
	}
	// Branch-per-task is off: no checkout.
	if r.called("checkout") {
		t.Error("unexpected branch checkout")
	}
}

func TestAfterTaskBranchPerTask(t *testing.T) {
	r := newFakeRunner()
	// rev-parse --verify fails, so the branch is created.
	r.errs["rev-parse --verify refs/heads/obra/t1"] = errors.New("unknown revision")
	cfg := enabledConfig()
	cfg.BranchPerTask = true
	h := NewHookWithRunner(cfg, r)

	if err := h.AfterTask(testTask(), []string{"csv.go"}); err != nil {
		t.Fatalf("after task: %v", err)
	}
	if !r.called("checkout -b obra/t1") {
		t.Errorf("branch not created: %v", r.calls)
	}
}

func TestAfterTaskNoChanges(t *testing.T) {
	r := newFakeRunner()
	h := NewHookWithRunner(enabledConfig(), r)
	if err := h.AfterTask(testTask(), nil); err != nil {
		t.Fatalf("after task: %v", err)
	}
	if r.called("commit") {
		t.Error("committed with no changed paths")
	}
}

func TestAfterTaskCommitFailureReported(t *testing.T) {
	r := newFakeRunner()
	r.errs[`commit -m `+commitMessage(testTask())] = errors.New("hook rejected")
	h := NewHookWithRunner(enabledConfig(), r)

	// The error surfaces for recording; callers keep the task completed.
	err := h.AfterTask(testTask(), []string{"csv.go"})
	if err == nil || !strings.Contains(err.Error(), "commit task t1") {
		t.Errorf("err = %v", err)
	}
}

func TestAfterTaskNotARepo(t *testing.T) {
	r := newFakeRunner()
	r.results["rev-parse --is-inside-work-tree"] = "false"
	h := NewHookWithRunner(enabledConfig(), r)
	if err := h.AfterTask(testTask(), []string{"a.go"}); err == nil {
		t.Error("expected error outside a git repository")
	}
}

func TestCommitMessage(t *testing.T) {
	msg := commitMessage(testTask())
	if !strings.Contains(msg, "Add CSV parser") || !strings.Contains(msg, "t1") {
		t.Errorf("message = %q", msg)
	}
}
