// Package orchestrator drives tasks through the iteration loop:
// prompt, implement, validate, decide, persist, repeat.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/obra-dev/obra/internal/agent"
	"github.com/obra-dev/obra/internal/config"
	"github.com/obra-dev/obra/internal/decision"
	"github.com/obra-dev/obra/internal/directive"
	"github.com/obra-dev/obra/internal/git"
	"github.com/obra-dev/obra/internal/prompt"
	"github.com/obra-dev/obra/internal/retry"
	"github.com/obra-dev/obra/internal/session"
	"github.com/obra-dev/obra/internal/state"
	"github.com/obra-dev/obra/internal/validator"
	"github.com/obra-dev/obra/pkg/models"
)

var debugEnabled = os.Getenv("OBRA_DEBUG") != ""

func debugLog(format string, args ...interface{}) {
	if debugEnabled {
		log.Printf("[orchestrator] "+format, args...)
	}
}

// ErrTaskAlreadyRunning is raised on a double start of the same task.
var ErrTaskAlreadyRunning = errors.New("task already running")

// ErrDependenciesUnmet is raised when a task's dependencies are not
// all completed.
var ErrDependenciesUnmet = errors.New("task has unmet dependencies")

// ErrCancelled reports a cooperative cancellation observed at a
// suspension point.
var ErrCancelled = errors.New("task cancelled")

// TaskResult is the terminal outcome of driving one task.
type TaskResult struct {
	Status     models.TaskStatus
	Iterations int
	Quality    float64
	Confidence float64
	Decision   models.Action
	Artifacts  []string
}

// Controller runs the iteration loop for tasks of one project.
type Controller struct {
	db       *state.DB
	cfg      *config.Config
	driver   agent.Driver
	sessions *session.Manager
	pipeline *validator.Pipeline
	engine   *decision.Engine
	inbox    *directive.Inbox
	retries  *retry.Coordinator
	hook     *git.Hook
	emitter  Emitter

	workingDir string
}

// Options collects the controller's collaborators.
type Options struct {
	DB         *state.DB
	Config     *config.Config
	Driver     agent.Driver
	Sessions   *session.Manager
	Pipeline   *validator.Pipeline
	Engine     *decision.Engine
	Inbox      *directive.Inbox
	Retries    *retry.Coordinator
	Hook       *git.Hook
	Emitter    Emitter
	WorkingDir string
}

// NewController wires a controller from its collaborators.
func NewController(opts Options) *Controller {
	emitter := opts.Emitter
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &Controller{
		db:         opts.DB,
		cfg:        opts.Config,
		driver:     opts.Driver,
		sessions:   opts.Sessions,
		pipeline:   opts.Pipeline,
		engine:     opts.Engine,
		inbox:      opts.Inbox,
		retries:    opts.Retries,
		hook:       opts.Hook,
		emitter:    emitter,
		workingDir: opts.WorkingDir,
	}
}

// ExecuteTask drives one task to a terminal state. maxIterations <= 0
// uses the configured default. Resuming a breakpointed task continues
// its iteration numbering.
func (c *Controller) ExecuteTask(ctx context.Context, projectID, taskID string, maxIterations int) (*TaskResult, error) {
	if maxIterations <= 0 {
		maxIterations = c.cfg.Orchestration.MaxIterations
	}

	task, err := c.db.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s not found", taskID)
	}

	resuming := task.Status == models.TaskStatusInProgress && task.Breakpoint

	// The epic session lease comes first: losing it must leave the
	// task's status and breakpoint flag exactly as they were.
	sess, err := c.sessions.Ensure(projectID, task.EpicID)
	if err != nil {
		return nil, err
	}
	if err := c.sessions.Acquire(sess.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTaskAlreadyRunning, err)
	}
	defer func() { c.sessions.Release(sess.ID) }()

	if resuming {
		task.Breakpoint = false
		if err := c.db.UpdateTask(task); err != nil {
			return nil, err
		}
	} else if err := c.claim(task); err != nil {
		return nil, err
	}

	c.emitter.Emit(Event{Kind: EventTaskStarted, ProjectID: projectID, TaskID: taskID, SessionID: sess.ID})

	// Numbering always continues from the latest persisted record so
	// re-runs after a breakpoint or cancellation never collide on
	// (task, number).
	startIteration := 1
	if latest, err := c.db.LatestIteration(taskID); err == nil && latest != nil {
		startIteration = latest.Number + 1
	}

	epicDescription := c.epicDescription(task)
	overflowed := false

	for iteration := startIteration; iteration <= maxIterations; iteration++ {
		if err := c.checkCancelled(ctx, task, sess.ID, iteration); err != nil {
			return c.result(task, iteration-1), err
		}

		// Pre-iteration threshold check; may rotate the session.
		fresh, level, err := c.sessions.CheckBefore(ctx, sess, epicDescription)
		if err != nil {
			return c.fail(task, iteration, fmt.Errorf("session check: %w", err))
		}
		if fresh.ID != sess.ID {
			c.sessions.Release(sess.ID)
			if err := c.sessions.Acquire(fresh.ID); err != nil {
				return c.fail(task, iteration, err)
			}
			c.emitter.Emit(Event{Kind: EventSessionRefresh, ProjectID: projectID, TaskID: taskID, SessionID: fresh.ID})
			sess = fresh
		}
		contextWarning := level >= session.LevelWarning
		switch level {
		case session.LevelWarning:
			c.emitter.Emit(Event{Kind: EventBudgetWarning, ProjectID: projectID, TaskID: taskID, SessionID: sess.ID, Iteration: iteration})
		case session.LevelCritical:
			c.emitter.Emit(Event{Kind: EventBudgetCritical, ProjectID: projectID, TaskID: taskID, SessionID: sess.ID, Iteration: iteration})
			if c.cfg.Orchestration.DecomposeOnCritical {
				c.emitter.Emit(Event{
					Kind: EventDecomposeRequested, ProjectID: projectID, TaskID: taskID,
					SessionID: sess.ID, Iteration: iteration,
					Detail: "session passed the critical threshold; split remaining work into subtasks",
				})
			}
		}

		// Directives captured strictly before assembly apply now.
		cutoff := time.Now()
		batch, err := c.inbox.Collect(projectID, taskID, cutoff)
		if err != nil {
			return c.fail(task, iteration, err)
		}

		promptText, err := c.assemble(task, batch)
		if errors.Is(err, prompt.ErrContextOverflow) {
			if overflowed {
				return c.escalate(task, iteration, "prompt overflow persisted after session refresh")
			}
			overflowed = true
			rotated, rerr := c.sessions.Refresh(ctx, sess, epicDescription)
			if rerr != nil {
				return c.fail(task, iteration, rerr)
			}
			c.sessions.Release(sess.ID)
			if aerr := c.sessions.Acquire(rotated.ID); aerr != nil {
				return c.fail(task, iteration, aerr)
			}
			sess = rotated
			iteration-- // redo this iteration number under the new session
			continue
		}
		if err != nil {
			return c.fail(task, iteration, err)
		}

		res, err := c.send(ctx, task, sess, promptText)
		if err != nil {
			if ctx.Err() != nil {
				cerr := c.cancel(task, sess.ID, iteration)
				return c.result(task, iteration-1), cerr
			}
			return c.fail(task, iteration, err)
		}

		// Validate, answer feedback requests, decide.
		guidance := batch.ValidationGuidance
		recent := c.recentScores(taskID)
		verdict := c.pipeline.Run(ctx, task.Description, res.Content, guidance, recent)
		c.inbox.AnswerFeedback(ctx, batch, task.Description, res.Content, verdict.Quality.Score)

		prevQuality, hasPrev := lastScore(recent)
		userBreak := c.userBreakpointRequested(taskID)
		outcome := c.engine.Decide(decision.Input{
			ValidationPassed:     verdict.Passed(),
			ValidatorError:       verdict.Quality.ValidatorError,
			Quality:              verdict.Quality.Score,
			PrevQuality:          prevQuality,
			HasPrev:              hasPrev,
			Iteration:            iteration,
			MaxIterations:        maxIterations,
			ConsecutiveClarifies: trailingClarifies(c.iterations(taskID)),
			UserBreakpoint:       userBreak,
			DecisionHint:         normalizeHint(batch.DecisionHint),
		})

		record := c.buildRecord(task, sess.ID, iteration, promptText, res, verdict, outcome, contextWarning)
		if err := c.persistIteration(record, sess.ID); err != nil {
			return c.fail(task, iteration, err)
		}
		if err := c.inbox.MarkConsumed(batch); err != nil {
			log.Printf("[orchestrator] consume directives for %s: %v", taskID, err)
		}

		c.emitter.Emit(Event{
			Kind: EventIterationDone, ProjectID: projectID, TaskID: taskID,
			SessionID: sess.ID, Iteration: iteration,
			Decision: string(outcome.Action), Quality: verdict.Quality.Score,
			Tokens: res.Usage.Total(), Detail: outcome.Reason,
		})
		debugLog("task %s iteration %d: %s (%s)", taskID, iteration, outcome.Action, outcome.Reason)

		switch outcome.Action {
		case models.ActionProceed:
			return c.complete(task, record)
		case models.ActionEscalate:
			return c.escalate(task, iteration, outcome.Reason)
		case models.ActionBreakpoint:
			task.Breakpoint = true
			if err := c.db.UpdateTask(task); err != nil {
				return nil, err
			}
			c.emitter.Emit(Event{Kind: EventTaskBreakpoint, ProjectID: projectID, TaskID: taskID, Iteration: iteration, Detail: outcome.Reason})
			r := c.result(task, iteration)
			r.Decision = models.ActionBreakpoint
			r.Quality = record.Quality
			r.Confidence = record.Confidence
			return r, nil
		case models.ActionRetry:
			task.RetryCount++
			if err := c.db.UpdateTask(task); err != nil {
				return nil, err
			}
		case models.ActionClarify:
			// Loop; the next prompt carries the validator's concerns.
		}
	}

	// Iteration budget exhausted.
	task.Status = models.TaskStatusFailed
	task.FailureClass = models.FailureClassMaxIterations
	now := time.Now()
	task.CompletedAt = &now
	if err := c.db.UpdateTask(task); err != nil {
		return nil, err
	}
	c.blockDependents(task.ID)
	c.emitter.Emit(Event{Kind: EventTaskFailed, ProjectID: task.ProjectID, TaskID: task.ID, Detail: "max iterations exhausted"})
	return c.result(task, maxIterations), nil
}

// claim verifies readiness and takes exclusive ownership of the task.
func (c *Controller) claim(task *models.Task) error {
	switch task.Status {
	case models.TaskStatusInProgress:
		return fmt.Errorf("%w: %s", ErrTaskAlreadyRunning, task.ID)
	case models.TaskStatusPending:
		ok, err := c.depsCompleted(task)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrDependenciesUnmet, task.ID)
		}
		if err := c.db.SetTaskStatus(task.ID, models.TaskStatusReady); err != nil {
			return err
		}
	case models.TaskStatusReady:
	default:
		return fmt.Errorf("task %s is %s, not executable", task.ID, task.Status)
	}

	claimed, err := c.db.ClaimTask(task.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyRunning, task.ID)
	}
	task.Status = models.TaskStatusInProgress
	return nil
}

func (c *Controller) depsCompleted(task *models.Task) (bool, error) {
	for _, depID := range task.DependsOn {
		dep, err := c.db.GetTask(depID)
		if err != nil {
			return false, err
		}
		if dep == nil || dep.Status != models.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// epicDescription fetches the owning epic's description for context.
func (c *Controller) epicDescription(task *models.Task) string {
	if task.EpicID == "" {
		return task.Description
	}
	epic, err := c.db.GetTask(task.EpicID)
	if err != nil || epic == nil {
		return task.Description
	}
	return epic.Description
}

// assemble builds the next prompt from task state and directives.
func (c *Controller) assemble(task *models.Task, batch *directive.Batch) (string, error) {
	summary, err := c.db.LatestSummaryForEpic(task.ProjectID, task.EpicID)
	if err != nil {
		return "", err
	}

	in := prompt.Input{
		Task:        task,
		EpicSummary: summary,
		Directives:  batch.ToImpl,
	}
	if latest, err := c.db.LatestIteration(task.ID); err == nil && latest != nil {
		in.PriorAction = latest.Decision
		in.PriorFeedback = latest.ValidationIssues
	}

	assembler := prompt.New(c.cfg.Session.ContextWindow.Limit)
	return assembler.Assemble(in)
}

// send submits the prompt through the retry coordinator, doubling the
// turn limit once after a max-turns exhaustion when configured.
func (c *Controller) send(ctx context.Context, task *models.Task, sess *models.Session, text string) (*agent.Result, error) {
	baseTurns := c.cfg.MaxTurnsFor(string(task.TaskType))
	turns := baseTurns
	doubled := false

	var res *agent.Result
	err := c.retries.Do(ctx, task.ID, func(attempt int) error {
		r, err := c.driver.SendPrompt(ctx, agent.Prompt{
			Text:       text,
			WorkingDir: c.workingDir,
			SessionID:  c.implementerSession(task.ID),
			MaxTurns:   turns,
		})
		if err != nil {
			var mte *agent.MaxTurnsError
			if errors.As(err, &mte) && c.cfg.Orchestration.MaxTurns.AutoRetry && !doubled {
				doubled = true
				turns = scaleTurns(baseTurns, c.cfg.Orchestration.MaxTurns.RetryMultiplier, c.cfg.Orchestration.MaxTurns.Max)
				debugLog("task %s max turns exhausted, retrying with %d", task.ID, turns)
			}
			return err
		}
		res = r
		return nil
	})
	return res, err
}

func scaleTurns(base int, multiplier float64, limit int) int {
	if multiplier <= 1 {
		multiplier = 2
	}
	scaled := int(float64(base) * multiplier)
	if limit > 0 && scaled > limit {
		scaled = limit
	}
	return scaled
}

// implementerSession returns the implementer-side session id recorded
// on the latest iteration, for --resume continuity.
func (c *Controller) implementerSession(taskID string) string {
	if !c.cfg.Agent.UseSessionPersistence {
		return ""
	}
	latest, err := c.db.LatestIteration(taskID)
	if err != nil || latest == nil {
		return ""
	}
	// The implementer session id rides in the raw response envelope;
	// re-parse is cheap and avoids a dedicated column.
	return extractSessionID(latest.RawResponse)
}

func extractSessionID(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if idx := strings.Index(trimmed, "{"); idx > 0 {
		trimmed = trimmed[idx:]
	}
	if !strings.HasPrefix(trimmed, "{") {
		return ""
	}
	var envelope struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return ""
	}
	return envelope.SessionID
}

func (c *Controller) buildRecord(task *models.Task, sessionID string, iteration int, promptText string, res *agent.Result, verdict validator.Result, outcome decision.Outcome, contextWarning bool) *models.Iteration {
	issues := append([]string(nil), verdict.Completeness.Issues...)
	if verdict.Quality.ValidatorError {
		issues = append(issues, "validator: "+verdict.Quality.ErrorDetail)
	} else if verdict.Quality.Comment != "" {
		issues = append(issues, verdict.Quality.Comment)
	}

	return &models.Iteration{
		ID:                uuid.NewString(),
		TaskID:            task.ID,
		SessionID:         sessionID,
		Number:            iteration,
		PromptFingerprint: prompt.Fingerprint(promptText),
		RawResponse:       res.Raw,
		Artifacts:         parseArtifacts(res.Content),
		ValidationPassed:  verdict.Passed(),
		ValidationIssues:  issues,
		Quality:           verdict.Quality.Score,
		Confidence:        verdict.Confidence,
		Usage:             res.Usage,
		DurationMS:        res.DurationMS,
		NumTurns:          res.NumTurns,
		Decision:          outcome.Action,
		Breakpoint:        outcome.Action == models.ActionBreakpoint,
		ContextWarning:    contextWarning,
		CostMilliCents:    costMilliCents(res.Usage),
		CreatedAt:         time.Now(),
	}
}

// persistIteration writes the record and the session token delta.
// Iteration k+1 never begins until this returns.
func (c *Controller) persistIteration(record *models.Iteration, sessionID string) error {
	if err := c.db.CreateIteration(record); err != nil {
		return fmt.Errorf("persist iteration %d: %w", record.Number, err)
	}
	if err := c.db.AddSessionTokens(sessionID, record.Usage.Total()); err != nil {
		return fmt.Errorf("account tokens: %w", err)
	}
	return nil
}

// parseArtifacts pulls the file list out of the response's FILES
// section.
func parseArtifacts(content string) []string {
	var artifacts []string
	inFiles := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "FILES:"):
			inFiles = true
		case inFiles && strings.HasPrefix(trimmed, "-"):
			if path := strings.TrimSpace(strings.TrimPrefix(trimmed, "-")); path != "" {
				artifacts = append(artifacts, path)
			}
		case inFiles && trimmed != "":
			return artifacts
		}
	}
	return artifacts
}

func (c *Controller) recentScores(taskID string) []float64 {
	iterations := c.iterations(taskID)
	scores := make([]float64, 0, len(iterations))
	for _, it := range iterations {
		scores = append(scores, it.Quality)
	}
	return scores
}

func (c *Controller) iterations(taskID string) []models.Iteration {
	iterations, err := c.db.ListIterations(taskID)
	if err != nil {
		return nil
	}
	return iterations
}

func lastScore(scores []float64) (float64, bool) {
	if len(scores) == 0 {
		return 0, false
	}
	return scores[len(scores)-1], true
}

// trailingClarifies counts CLARIFY decisions at the tail of the
// iteration history.
func trailingClarifies(iterations []models.Iteration) int {
	count := 0
	for i := len(iterations) - 1; i >= 0; i-- {
		if iterations[i].Decision != models.ActionClarify {
			break
		}
		count++
	}
	return count
}

// userBreakpointRequested reads the task's breakpoint flag fresh; the
// user may have set it mid-iteration.
func (c *Controller) userBreakpointRequested(taskID string) bool {
	task, err := c.db.GetTask(taskID)
	return err == nil && task != nil && task.Breakpoint
}

func normalizeHint(text string) string {
	if strings.Contains(strings.ToLower(text), decision.HintAccept) {
		return decision.HintAccept
	}
	return ""
}

// complete marks the task done and runs the post-task git hook. A hook
// failure is recorded on the task, never rolled back into a failure.
func (c *Controller) complete(task *models.Task, record *models.Iteration) (*TaskResult, error) {
	if err := c.db.SetTaskStatus(task.ID, models.TaskStatusCompleted); err != nil {
		return nil, err
	}
	task.Status = models.TaskStatusCompleted

	if c.hook != nil {
		paths, err := c.db.ChangedPathsForTask(task.ID)
		if err == nil && len(paths) == 0 {
			paths = record.Artifacts
		}
		if herr := c.hook.AfterTask(task, paths); herr != nil {
			log.Printf("[orchestrator] git hook for task %s: %v", task.ID, herr)
			task.BlockedReason = "git hook failed: " + herr.Error()
			if uerr := c.db.UpdateTask(task); uerr != nil {
				log.Printf("[orchestrator] record hook failure: %v", uerr)
			}
		}
	}

	c.emitter.Emit(Event{Kind: EventTaskCompleted, ProjectID: task.ProjectID, TaskID: task.ID, Quality: record.Quality})
	r := c.result(task, record.Number)
	r.Decision = models.ActionProceed
	r.Quality = record.Quality
	r.Confidence = record.Confidence
	r.Artifacts = record.Artifacts
	return r, nil
}

// escalate hands the task to a human and blocks its dependents.
func (c *Controller) escalate(task *models.Task, iteration int, reason string) (*TaskResult, error) {
	if err := c.db.SetTaskStatus(task.ID, models.TaskStatusEscalated); err != nil {
		return nil, err
	}
	task.Status = models.TaskStatusEscalated
	c.blockDependents(task.ID)
	c.emitter.Emit(Event{Kind: EventTaskEscalated, ProjectID: task.ProjectID, TaskID: task.ID, Iteration: iteration, Detail: reason})
	r := c.result(task, iteration)
	r.Decision = models.ActionEscalate
	return r, nil
}

// fail ends the task on an unrecoverable error.
func (c *Controller) fail(task *models.Task, iteration int, err error) (*TaskResult, error) {
	if serr := c.db.SetTaskStatus(task.ID, models.TaskStatusFailed); serr != nil {
		log.Printf("[orchestrator] mark task %s failed: %v", task.ID, serr)
	}
	task.Status = models.TaskStatusFailed
	c.blockDependents(task.ID)
	c.emitter.Emit(Event{Kind: EventTaskFailed, ProjectID: task.ProjectID, TaskID: task.ID, Iteration: iteration, Detail: err.Error()})
	return c.result(task, iteration), fmt.Errorf("task %s iteration %d: %w", task.ID, iteration, err)
}

// checkCancelled observes cooperative cancellation at an iteration
// boundary.
func (c *Controller) checkCancelled(ctx context.Context, task *models.Task, sessionID string, iteration int) error {
	if ctx.Err() == nil {
		return nil
	}
	return c.cancel(task, sessionID, iteration)
}

// cancel writes the CANCELLED iteration record and parks the task per
// configuration. Cancellation is never silent.
func (c *Controller) cancel(task *models.Task, sessionID string, iteration int) error {
	record := &models.Iteration{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		SessionID:  sessionID,
		Number:     iteration,
		ErrorClass: "cancelled",
		CreatedAt:  time.Now(),
	}
	if err := c.db.CreateIteration(record); err != nil {
		log.Printf("[orchestrator] persist cancellation record: %v", err)
	}

	status := models.TaskStatusPending
	if c.cfg.Orchestration.CancelledTaskStatus == "failed" {
		status = models.TaskStatusFailed
	}
	if err := c.db.SetTaskStatus(task.ID, status); err != nil {
		log.Printf("[orchestrator] reset cancelled task %s: %v", task.ID, err)
	}
	task.Status = status
	c.emitter.Emit(Event{Kind: EventTaskCancelled, ProjectID: task.ProjectID, TaskID: task.ID, Iteration: iteration})
	return fmt.Errorf("%w: task %s at iteration %d", ErrCancelled, task.ID, iteration)
}

// blockDependents marks the transitive forward closure BLOCKED, or
// only direct dependents when cascading is off.
func (c *Controller) blockDependents(taskID string) {
	if !c.cfg.TaskDependencies.Enabled {
		return
	}
	seen := map[string]bool{taskID: true}
	queue := []string{taskID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		dependents, err := c.db.DependentsOf(id)
		if err != nil {
			log.Printf("[orchestrator] dependents of %s: %v", id, err)
			return
		}
		for i := range dependents {
			dep := &dependents[i]
			if seen[dep.ID] {
				continue
			}
			seen[dep.ID] = true
			if dep.Status.Terminal() || dep.Status == models.TaskStatusBlocked {
				continue
			}
			dep.Status = models.TaskStatusBlocked
			dep.BlockedReason = "dependency_failed:" + taskID
			if err := c.db.UpdateTask(dep); err != nil {
				log.Printf("[orchestrator] block %s: %v", dep.ID, err)
			}
			if c.cfg.TaskDependencies.CascadeFailures {
				queue = append(queue, dep.ID)
			}
		}
	}
}

func (c *Controller) result(task *models.Task, iterations int) *TaskResult {
	return &TaskResult{Status: task.Status, Iterations: iterations}
}
