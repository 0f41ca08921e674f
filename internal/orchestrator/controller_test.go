package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/obra-dev/obra/internal/agent"
	"github.com/obra-dev/obra/internal/config"
	"github.com/obra-dev/obra/internal/decision"
	"github.com/obra-dev/obra/internal/directive"
	"github.com/obra-dev/obra/internal/llm"
	"github.com/obra-dev/obra/internal/retry"
	"github.com/obra-dev/obra/internal/session"
	"github.com/obra-dev/obra/internal/state"
	"github.com/obra-dev/obra/internal/validator"
	"github.com/obra-dev/obra/pkg/models"
)

type driverStep struct {
	content string
	err     error
}

// fakeDriver replays scripted implementer responses and records the
// prompts it was sent.
type fakeDriver struct {
	mu      sync.Mutex
	steps   []driverStep
	prompts []agent.Prompt
}

func (f *fakeDriver) Initialize() error          { return nil }
func (f *fakeDriver) Health() agent.HealthReport { return agent.HealthReport{Alive: true} }
func (f *fakeDriver) Shutdown() error            { return nil }

func (f *fakeDriver) SendPrompt(_ context.Context, p agent.Prompt) (*agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, p)
	if len(f.steps) == 0 {
		return nil, errors.New("fake driver exhausted")
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	return &agent.Result{
		Content:    step.content,
		SessionID:  "impl-sess-1",
		Usage:      models.TokenUsage{Input: 1000, Output: 500},
		DurationMS: 1200,
		NumTurns:   4,
		Raw:        `{"session_id":"impl-sess-1"}`,
	}, nil
}

// scriptedGateway replays scorer replies in order, repeating the last.
type scriptedGateway struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (g *scriptedGateway) Send(_ context.Context, _ llm.Request) (*llm.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := g.calls
	if idx >= len(g.replies) {
		idx = len(g.replies) - 1
	}
	g.calls++
	return &llm.Response{Content: g.replies[idx]}, nil
}
func (g *scriptedGateway) Name() string                      { return "scripted" }
func (g *scriptedGateway) Available(_ context.Context) error { return nil }

func goodResponse(summary string) string {
	return fmt.Sprintf("SUMMARY: %s\nFILES:\n- internal/csv/parser.go\n- internal/csv/parser_test.go\nCONCERNS: none", summary)
}

func score(v float64, comment string) string {
	return fmt.Sprintf("SCORE: %.2f\nCOMMENT: %s", v, comment)
}

// captureEmitter records emitted events for assertions.
type captureEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureEmitter) Emit(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureEmitter) has(kind EventKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

type testEnv struct {
	ctrl     *Controller
	db       *state.DB
	driver   *fakeDriver
	cfg      *config.Config
	sessions *session.Manager
}

func newTestEnv(t *testing.T, driver *fakeDriver, gw llm.Gateway) *testEnv {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Retry.Jitter = false
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = time.Millisecond
	cfg.Git.Enabled = false

	sessions := session.NewManager(db, gw, cfg.Session)
	ctrl := NewController(Options{
		DB:       db,
		Config:   cfg,
		Driver:   driver,
		Sessions: sessions,
		Pipeline: validator.NewPipeline(validator.NewScorer(gw)),
		Engine:   decision.New(cfg.DecisionEngine),
		Inbox:    directive.NewInbox(db, gw),
		Retries:  retry.NewCoordinator(cfg.Retry, db),
	})
	return &testEnv{ctrl: ctrl, db: db, driver: driver, cfg: cfg, sessions: sessions}
}

func (e *testEnv) seedTask(t *testing.T, id string, deps ...string) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:          id,
		ProjectID:   "p1",
		TaskType:    models.TaskTypeTask,
		EpicID:      "e1",
		Title:       "Implement CSV parser",
		Description: "Parse RFC 4180 CSV with quoted fields",
		Priority:    5,
		Status:      models.TaskStatusPending,
		DependsOn:   deps,
		CreatedAt:   time.Now(),
	}
	if err := e.db.CreateTask(task); err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
	return task
}

func (e *testEnv) seedProject(t *testing.T) {
	t.Helper()
	if err := e.db.CreateProject(&models.Project{ID: "p1", Name: "demo", WorkingDir: "/tmp/demo", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	epic := &models.Task{
		ID: "e1", ProjectID: "p1", TaskType: models.TaskTypeEpic,
		Title: "CSV import", Description: "Import CSV data into the store",
		Status: models.TaskStatusPending, CreatedAt: time.Now(),
	}
	if err := e.db.CreateTask(epic); err != nil {
		t.Fatalf("create epic: %v", err)
	}
}

func TestExecuteTaskClarifyThenProceed(t *testing.T) {
	driver := &fakeDriver{steps: []driverStep{
		{content: goodResponse("first pass")},
		{content: goodResponse("second pass with edge cases")},
	}}
	gw := &scriptedGateway{replies: []string{
		score(0.62, "missing quoted-field edge cases"),
		score(0.78, "edge cases covered"),
	}}
	env := newTestEnv(t, driver, gw)
	env.seedProject(t)
	env.seedTask(t, "t1")

	res, err := env.ctrl.ExecuteTask(context.Background(), "p1", "t1", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.Iterations != 2 || res.Decision != models.ActionProceed {
		t.Errorf("iterations = %d decision = %s", res.Iterations, res.Decision)
	}

	iterations, err := env.db.ListIterations("t1")
	if err != nil {
		t.Fatalf("list iterations: %v", err)
	}
	if len(iterations) != 2 {
		t.Fatalf("persisted %d iterations, want 2", len(iterations))
	}
	if iterations[0].Decision != models.ActionClarify || iterations[1].Decision != models.ActionProceed {
		t.Errorf("decisions = %s, %s", iterations[0].Decision, iterations[1].Decision)
	}
	if iterations[0].Quality != 0.62 || iterations[1].Quality != 0.78 {
		t.Errorf("qualities = %v, %v", iterations[0].Quality, iterations[1].Quality)
	}
	if len(iterations[1].Artifacts) != 2 {
		t.Errorf("artifacts = %v", iterations[1].Artifacts)
	}

	// The clarify feedback reaches the second prompt.
	if len(driver.prompts) != 2 {
		t.Fatalf("driver got %d prompts", len(driver.prompts))
	}
	second := driver.prompts[1].Text
	if !strings.Contains(second, "Address These Concerns") || !strings.Contains(second, "quoted-field") {
		t.Errorf("second prompt missing clarify feedback:\n%s", second)
	}
}

func TestExecuteTaskEscalatesAndBlocksDependents(t *testing.T) {
	driver := &fakeDriver{steps: []driverStep{{content: goodResponse("weak attempt")}}}
	gw := &scriptedGateway{replies: []string{score(0.42, "fundamentally wrong approach")}}
	env := newTestEnv(t, driver, gw)
	env.seedProject(t)
	env.seedTask(t, "t1")
	env.seedTask(t, "t2", "t1")

	res, err := env.ctrl.ExecuteTask(context.Background(), "p1", "t1", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != models.TaskStatusEscalated {
		t.Fatalf("status = %s, want escalated", res.Status)
	}

	dep, err := env.db.GetTask("t2")
	if err != nil {
		t.Fatalf("get dependent: %v", err)
	}
	if dep.Status != models.TaskStatusBlocked {
		t.Errorf("dependent status = %s, want blocked", dep.Status)
	}
	if !strings.Contains(dep.BlockedReason, "t1") {
		t.Errorf("blocked reason = %q", dep.BlockedReason)
	}
}

func TestExecuteTaskDoublesTurnsAfterMaxTurns(t *testing.T) {
	driver := &fakeDriver{steps: []driverStep{
		{err: &agent.MaxTurnsError{Turns: 30, Partial: "half done"}},
		{content: goodResponse("finished")},
	}}
	gw := &scriptedGateway{replies: []string{score(0.85, "solid")}}
	env := newTestEnv(t, driver, gw)
	env.seedProject(t)
	env.seedTask(t, "t1")

	res, err := env.ctrl.ExecuteTask(context.Background(), "p1", "t1", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if len(driver.prompts) != 2 {
		t.Fatalf("driver got %d prompts, want 2", len(driver.prompts))
	}
	if driver.prompts[0].MaxTurns != 30 {
		t.Errorf("first attempt max turns = %d, want 30", driver.prompts[0].MaxTurns)
	}
	if driver.prompts[1].MaxTurns != 60 {
		t.Errorf("retry max turns = %d, want 60", driver.prompts[1].MaxTurns)
	}
}

func TestExecuteTaskEscalatesAtIterationCap(t *testing.T) {
	driver := &fakeDriver{steps: []driverStep{
		{content: goodResponse("attempt 1")},
		{content: goodResponse("attempt 2")},
	}}
	gw := &scriptedGateway{replies: []string{score(0.55, "still incomplete")}}
	env := newTestEnv(t, driver, gw)
	env.seedProject(t)
	env.seedTask(t, "t1")

	res, err := env.ctrl.ExecuteTask(context.Background(), "p1", "t1", 2)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != models.TaskStatusEscalated {
		t.Fatalf("status = %s, want escalated at cap", res.Status)
	}
	iterations, _ := env.db.ListIterations("t1")
	if len(iterations) != 2 {
		t.Fatalf("persisted %d iterations, want 2", len(iterations))
	}
	if iterations[1].Decision != models.ActionEscalate {
		t.Errorf("final decision = %s, want escalate", iterations[1].Decision)
	}
}

func TestExecuteTaskCancellationLeavesRecord(t *testing.T) {
	driver := &fakeDriver{}
	gw := &scriptedGateway{replies: []string{score(0.9, "unused")}}
	env := newTestEnv(t, driver, gw)
	env.seedProject(t)
	env.seedTask(t, "t1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.ctrl.ExecuteTask(ctx, "p1", "t1", 0)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	task, _ := env.db.GetTask("t1")
	if task.Status != models.TaskStatusPending {
		t.Errorf("cancelled task status = %s, want pending", task.Status)
	}
	iterations, _ := env.db.ListIterations("t1")
	if len(iterations) != 1 || iterations[0].ErrorClass != "cancelled" {
		t.Errorf("cancellation record = %+v", iterations)
	}
	if len(driver.prompts) != 0 {
		t.Error("driver was called after cancellation")
	}
}

func TestExecuteTaskLeaseConflictLeavesTaskUnclaimed(t *testing.T) {
	driver := &fakeDriver{}
	gw := &scriptedGateway{replies: []string{score(0.90, "fine")}}
	env := newTestEnv(t, driver, gw)
	env.seedProject(t)
	env.seedTask(t, "t1")

	sess, err := env.sessions.Ensure("p1", "e1")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	if err := env.sessions.Acquire(sess.ID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer env.sessions.Release(sess.ID)

	_, err = env.ctrl.ExecuteTask(context.Background(), "p1", "t1", 0)
	if !errors.Is(err, ErrTaskAlreadyRunning) {
		t.Fatalf("err = %v, want ErrTaskAlreadyRunning", err)
	}

	task, err := env.db.GetTask("t1")
	if err != nil || task == nil {
		t.Fatalf("reload task: %v", err)
	}
	if task.Status != models.TaskStatusPending {
		t.Errorf("status after lease conflict = %s, want pending", task.Status)
	}
	if len(driver.prompts) != 0 {
		t.Errorf("driver received %d prompts, want 0", len(driver.prompts))
	}
}

func TestExecuteTaskEmitsDecomposeAtCritical(t *testing.T) {
	driver := &fakeDriver{steps: []driverStep{{content: goodResponse("done")}}}
	gw := &scriptedGateway{replies: []string{
		"Progress summary: parser scaffolding landed.",
		score(0.90, "solid"),
	}}
	env := newTestEnv(t, driver, gw)
	env.seedProject(t)
	env.seedTask(t, "t1")
	env.cfg.Orchestration.DecomposeOnCritical = true

	events := &captureEmitter{}
	env.ctrl.emitter = events

	sess, err := env.sessions.Ensure("p1", "e1")
	if err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	// Push cumulative usage past the critical threshold (0.95 * 200k).
	if err := env.db.AddSessionTokens(sess.ID, 191_000); err != nil {
		t.Fatalf("add tokens: %v", err)
	}

	res, err := env.ctrl.ExecuteTask(context.Background(), "p1", "t1", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if !events.has(EventBudgetCritical) {
		t.Error("expected a budget_critical event")
	}
	if !events.has(EventDecomposeRequested) {
		t.Error("expected a decompose_requested event")
	}
	if !events.has(EventSessionRefresh) {
		t.Error("expected the session to rotate at the critical level")
	}
}

func TestExecuteTaskRejectsDoubleStart(t *testing.T) {
	driver := &fakeDriver{}
	env := newTestEnv(t, driver, &scriptedGateway{replies: []string{score(0.9, "x")}})
	env.seedProject(t)
	env.seedTask(t, "t1")
	if err := env.db.SetTaskStatus("t1", models.TaskStatusInProgress); err != nil {
		t.Fatalf("set status: %v", err)
	}

	_, err := env.ctrl.ExecuteTask(context.Background(), "p1", "t1", 0)
	if !errors.Is(err, ErrTaskAlreadyRunning) {
		t.Errorf("err = %v, want ErrTaskAlreadyRunning", err)
	}
}

func TestExecuteTaskRejectsUnmetDependencies(t *testing.T) {
	driver := &fakeDriver{}
	env := newTestEnv(t, driver, &scriptedGateway{replies: []string{score(0.9, "x")}})
	env.seedProject(t)
	env.seedTask(t, "t1")
	env.seedTask(t, "t2", "t1")

	_, err := env.ctrl.ExecuteTask(context.Background(), "p1", "t2", 0)
	if !errors.Is(err, ErrDependenciesUnmet) {
		t.Errorf("err = %v, want ErrDependenciesUnmet", err)
	}
}

func TestExecuteTaskBreakpointAndResume(t *testing.T) {
	driver := &fakeDriver{steps: []driverStep{
		{content: goodResponse("pass 1")},
		{content: goodResponse("pass 2")},
		{content: goodResponse("pass 3")},
		{content: goodResponse("pass 4")},
		{content: goodResponse("pass 5")},
	}}
	gw := &scriptedGateway{replies: []string{
		score(0.55, "unclear"),
		score(0.56, "unclear"),
		score(0.57, "unclear"),
		score(0.58, "unclear"),
		score(0.90, "resolved after user input"),
	}}
	env := newTestEnv(t, driver, gw)
	env.seedProject(t)
	env.seedTask(t, "t1")

	// Three consecutive clarifies trip the breakpoint on iteration 4.
	res, err := env.ctrl.ExecuteTask(context.Background(), "p1", "t1", 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Decision != models.ActionBreakpoint {
		t.Fatalf("decision = %s, want breakpoint", res.Decision)
	}
	task, _ := env.db.GetTask("t1")
	if task.Status != models.TaskStatusInProgress || !task.Breakpoint {
		t.Fatalf("paused task = status %s breakpoint %v", task.Status, task.Breakpoint)
	}

	// Resuming clears the flag and continues the iteration numbering.
	res, err = env.ctrl.ExecuteTask(context.Background(), "p1", "t1", 0)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != models.TaskStatusCompleted {
		t.Fatalf("resumed status = %s, want completed", res.Status)
	}
	iterations, _ := env.db.ListIterations("t1")
	last := iterations[len(iterations)-1]
	if last.Number != 5 || last.Decision != models.ActionProceed {
		t.Errorf("final iteration = number %d decision %s", last.Number, last.Decision)
	}
}

func TestRunEpicDependencyOrder(t *testing.T) {
	driver := &fakeDriver{steps: []driverStep{
		{content: goodResponse("task a")},
		{content: goodResponse("task b")},
	}}
	gw := &scriptedGateway{replies: []string{score(0.9, "good")}}
	env := newTestEnv(t, driver, gw)
	env.seedProject(t)
	env.seedTask(t, "a")
	env.seedTask(t, "b", "a")

	runner := NewRunner(env.ctrl, 1)
	res, err := runner.RunEpic(context.Background(), "p1", "e1")
	if err != nil {
		t.Fatalf("run epic: %v", err)
	}
	if len(res.Completed) != 2 || !res.Done() {
		t.Fatalf("result = %+v", res)
	}
	if len(driver.prompts) != 2 {
		t.Fatalf("driver got %d prompts", len(driver.prompts))
	}
	a, _ := env.db.GetTask("a")
	b, _ := env.db.GetTask("b")
	if a.Status != models.TaskStatusCompleted || b.Status != models.TaskStatusCompleted {
		t.Errorf("statuses = %s, %s", a.Status, b.Status)
	}
}

func TestRunEpicFailureBlocksDownstream(t *testing.T) {
	driver := &fakeDriver{steps: []driverStep{{content: goodResponse("bad")}}}
	gw := &scriptedGateway{replies: []string{score(0.30, "broken")}}
	env := newTestEnv(t, driver, gw)
	env.seedProject(t)
	env.seedTask(t, "a")
	env.seedTask(t, "b", "a")

	runner := NewRunner(env.ctrl, 2)
	res, err := runner.RunEpic(context.Background(), "p1", "e1")
	if err != nil {
		t.Fatalf("run epic: %v", err)
	}
	if len(res.Escalated) != 1 || res.Escalated[0] != "a" {
		t.Errorf("escalated = %v", res.Escalated)
	}
	if len(res.Blocked) != 1 || res.Blocked[0] != "b" {
		t.Errorf("blocked = %v", res.Blocked)
	}
	if res.Done() {
		t.Error("epic reported done despite escalation")
	}
}

func TestRunEpicSharedSessionContention(t *testing.T) {
	driver := &fakeDriver{steps: []driverStep{
		{content: goodResponse("task a")},
		{content: goodResponse("task b")},
	}}
	gw := &scriptedGateway{replies: []string{score(0.90, "solid")}}
	env := newTestEnv(t, driver, gw)
	env.seedProject(t)
	env.seedTask(t, "a")
	env.seedTask(t, "b")

	// One shared epic session forces the two workers to contend for
	// the lease; the loser must be requeued, not dropped.
	if _, err := env.sessions.Ensure("p1", "e1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	runner := NewRunner(env.ctrl, 2)
	res, err := runner.RunEpic(context.Background(), "p1", "e1")
	if err != nil {
		t.Fatalf("run epic: %v", err)
	}
	if len(res.Completed) != 2 {
		t.Fatalf("completed = %v, want both tasks", res.Completed)
	}
	if len(res.Skipped) != 0 {
		t.Errorf("skipped = %v, want none", res.Skipped)
	}
	for _, id := range []string{"a", "b"} {
		task, err := env.db.GetTask(id)
		if err != nil || task == nil {
			t.Fatalf("reload %s: %v", id, err)
		}
		if task.Status != models.TaskStatusCompleted {
			t.Errorf("task %s = %s, want completed", id, task.Status)
		}
	}
}

func TestJSONLSinkWritesEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	sink.Emit(Event{Kind: EventTaskStarted, TaskID: "t1"})
	sink.Emit(Event{Kind: EventIterationDone, TaskID: "t1", Iteration: 1, Decision: "proceed", Quality: 0.8})
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Kind != EventTaskStarted || events[1].Quality != 0.8 {
		t.Errorf("events = %+v", events)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp not filled in")
	}
}

func TestParseArtifacts(t *testing.T) {
	content := "SUMMARY: done\nFILES:\n- a.go\n- b/c.go\nCONCERNS: none"
	got := parseArtifacts(content)
	if len(got) != 2 || got[0] != "a.go" || got[1] != "b/c.go" {
		t.Errorf("artifacts = %v", got)
	}
	if parseArtifacts("SUMMARY: no files section") != nil {
		t.Error("expected no artifacts")
	}
}

func TestExtractSessionID(t *testing.T) {
	raw := `{"type":"result","session_id":"abc-123","usage":{}}`
	if got := extractSessionID(raw); got != "abc-123" {
		t.Errorf("session id = %q", got)
	}
	if extractSessionID("not json") != "" {
		t.Error("expected empty session id")
	}
	// Only the envelope's own field counts, not text inside the result.
	nested := `{"result":"see \"session_id\":\"bogus\" in docs","session_id":"real-9"}`
	if got := extractSessionID(nested); got != "real-9" {
		t.Errorf("session id = %q, want real-9", got)
	}
	noise := "warning: slow startup\n" + raw
	if got := extractSessionID(noise); got != "abc-123" {
		t.Errorf("session id with leading noise = %q, want abc-123", got)
	}
}

func TestCostMilliCents(t *testing.T) {
	u := models.TokenUsage{Input: 1_000_000, CacheCreate: 1_000_000, CacheRead: 1_000_000, Output: 1_000_000}
	// 300000 + 375000 + 30000 + 1500000 millicents.
	if got := costMilliCents(u); got != 2_205_000 {
		t.Errorf("cost = %d", got)
	}
	if costMilliCents(models.TokenUsage{}) != 0 {
		t.Error("zero usage should cost nothing")
	}
}
