package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/obra-dev/obra/internal/graph"
	"github.com/obra-dev/obra/internal/orchestrator"
	"github.com/obra-dev/obra/internal/state"
	"github.com/obra-dev/obra/pkg/models"
)

var (
	taskProject     string
	taskStory       string
	taskEpic        string
	taskDependsOn   string
	taskDescription string
	taskCriteria    string
	taskPriority    int

	updateDependsOn   string
	updateTitle       string
	updateDescription string
	updatePriority    int

	executeMaxIterations int
	executeStream        bool
	executeInteractive   bool
	executeRecover       bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and execute tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task and print its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openProjectDB()
		if err != nil {
			return err
		}
		defer db.Close()
		if err := requireProject(db, taskProject); err != nil {
			return err
		}

		return createWorkItem(db, &models.Task{
			ProjectID:          taskProject,
			TaskType:           models.TaskTypeTask,
			EpicID:             taskEpic,
			StoryID:            taskStory,
			Title:              args[0],
			Description:        taskDescription,
			AcceptanceCriteria: taskCriteria,
			Priority:           taskPriority,
			DependsOn:          splitIDList(taskDependsOn),
		})
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a task's fields and add dependencies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openProjectDB()
		if err != nil {
			return err
		}
		defer db.Close()

		task, err := db.GetTask(args[0])
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("task %s not found", args[0])
		}

		if cmd.Flags().Changed("title") {
			task.Title = updateTitle
		}
		if cmd.Flags().Changed("description") {
			task.Description = updateDescription
		}
		if cmd.Flags().Changed("priority") {
			task.Priority = updatePriority
		}
		if deps := splitIDList(updateDependsOn); len(deps) > 0 {
			if err := addTaskDependencies(db, task, deps); err != nil {
				return err
			}
		}
		if err := db.UpdateTask(task); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("task %s updated", task.ID), color.FgGreen)
		return nil
	},
}

// addTaskDependencies routes new edges through the project's dependency
// graph so a cycle or depth overflow is rejected before anything is
// persisted. All-or-nothing: the first bad edge aborts the update.
func addTaskDependencies(db *state.DB, task *models.Task, deps []string) error {
	all, err := db.ListTasks(task.ProjectID)
	if err != nil {
		return err
	}
	g := graph.New()
	var target *models.Task
	nodes := make([]*models.Task, 0, len(all))
	for i := range all {
		nodes = append(nodes, &all[i])
		if all[i].ID == task.ID {
			target = &all[i]
		}
	}
	if target == nil {
		return fmt.Errorf("task %s not found in project %s", task.ID, task.ProjectID)
	}
	if err := g.Build(nodes); err != nil {
		return err
	}
	for _, dep := range deps {
		if err := g.AddDependency(task.ID, dep); err != nil {
			return err
		}
	}
	task.DependsOn = target.DependsOn
	return nil
}

var taskExecuteCmd = &cobra.Command{
	Use:   "execute <id>",
	Short: "Run the iteration loop for one task",
	Long: `Execute a task through the iteration loop until it completes,
escalates, fails, or pauses at a breakpoint.

Exit codes: 0 completed, 2 escalated, 3 failed, 4 cancelled,
5 blocked by an unmet dependency.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTaskExecute(args[0])
	},
}

func runTaskExecute(taskID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, cwd, err := openProjectDB()
	if err != nil {
		return err
	}
	defer db.Close()

	task, err := db.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	if err := maybeRecover(db, task.ProjectID, executeRecover); err != nil {
		return err
	}

	rt, err := newRuntime(cfg, db, cwd, executeStream)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signalContext()
	defer cancel()

	for {
		res, err := rt.ctrl.ExecuteTask(ctx, task.ProjectID, taskID, executeMaxIterations)
		rt.flushChanges(taskID)
		if err != nil {
			switch {
			case errors.Is(err, orchestrator.ErrCancelled):
				return &exitCodeError{code: 4, msg: fmt.Sprintf("task %s cancelled", taskID)}
			case errors.Is(err, orchestrator.ErrDependenciesUnmet):
				return &exitCodeError{code: 5, msg: err.Error()}
			default:
				return err
			}
		}

		if res.Decision == models.ActionBreakpoint && executeInteractive {
			if resumed, rerr := promptBreakpoint(rt, task.ProjectID, taskID); rerr != nil {
				return rerr
			} else if resumed {
				continue
			}
		}
		return exitFor(taskID, res)
	}
}

// exitFor maps a terminal task result onto the documented exit codes.
func exitFor(taskID string, res *orchestrator.TaskResult) error {
	switch res.Status {
	case models.TaskStatusCompleted:
		return nil
	case models.TaskStatusEscalated:
		return &exitCodeError{code: 2, msg: fmt.Sprintf("task %s escalated after %d iterations", taskID, res.Iterations)}
	case models.TaskStatusFailed:
		return &exitCodeError{code: 3, msg: fmt.Sprintf("task %s failed after %d iterations", taskID, res.Iterations)}
	case models.TaskStatusInProgress:
		// Paused at a breakpoint; resuming is another execute call.
		fmt.Printf("task %s paused at a breakpoint; run 'obra task execute %s' to resume\n", taskID, taskID)
		return nil
	default:
		return &exitCodeError{code: 1, msg: fmt.Sprintf("task %s ended in state %s", taskID, res.Status)}
	}
}

// promptBreakpoint asks the user for guidance at a breakpoint. An
// empty line leaves the task paused; anything else is stored as a
// directive and the task resumes.
func promptBreakpoint(rt *runtime, projectID, taskID string) (bool, error) {
	fmt.Print("breakpoint: enter guidance to resume, or an empty line to stay paused\n> ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, nil
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if _, err := rt.inbox.Submit(projectID, taskID, models.TargetOrchestrator, line, false); err != nil {
		return false, fmt.Errorf("store directive: %w", err)
	}
	return true, nil
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskProject, "project", "", "Project id (required)")
	taskCreateCmd.Flags().StringVar(&taskStory, "story", "", "Owning story id")
	taskCreateCmd.Flags().StringVar(&taskEpic, "epic", "", "Owning epic id")
	taskCreateCmd.Flags().StringVar(&taskDependsOn, "depends-on", "", "Comma-separated prerequisite task ids")
	taskCreateCmd.Flags().StringVar(&taskDescription, "description", "", "Detailed description")
	taskCreateCmd.Flags().StringVar(&taskCriteria, "acceptance-criteria", "", "Acceptance criteria")
	taskCreateCmd.Flags().IntVar(&taskPriority, "priority", 5, "Priority 1 (low) to 10 (high)")
	taskCreateCmd.MarkFlagRequired("project")

	taskUpdateCmd.Flags().StringVar(&updateTitle, "title", "", "New title")
	taskUpdateCmd.Flags().StringVar(&updateDescription, "description", "", "New description")
	taskUpdateCmd.Flags().IntVar(&updatePriority, "priority", 0, "New priority 1 (low) to 10 (high)")
	taskUpdateCmd.Flags().StringVar(&updateDependsOn, "depends-on", "", "Comma-separated prerequisite task ids to add")

	taskExecuteCmd.Flags().IntVar(&executeMaxIterations, "max-iterations", 0, "Iteration cap (0 uses the configured default)")
	taskExecuteCmd.Flags().BoolVar(&executeStream, "stream", false, "Stream loop events to the console")
	taskExecuteCmd.Flags().BoolVar(&executeInteractive, "interactive", false, "Prompt for guidance at breakpoints")
	taskExecuteCmd.Flags().BoolVar(&executeRecover, "recover", false, "Reset in-flight work orphaned by a crash before executing")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskUpdateCmd)
	taskCmd.AddCommand(taskExecuteCmd)
}
