package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/obra-dev/obra/internal/orchestrator"
	"github.com/obra-dev/obra/pkg/models"
)

var (
	epicProject     string
	epicDescription string
	epicPriority    int

	epicExecuteWorkers int
	epicExecuteStream  bool
	epicExecuteRecover bool
)

var epicCmd = &cobra.Command{
	Use:   "epic",
	Short: "Create and execute epics",
}

var epicCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create an epic and print its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openProjectDB()
		if err != nil {
			return err
		}
		defer db.Close()
		if err := requireProject(db, epicProject); err != nil {
			return err
		}

		return createWorkItem(db, &models.Task{
			ProjectID:   epicProject,
			TaskType:    models.TaskTypeEpic,
			Title:       args[0],
			Description: epicDescription,
			Priority:    epicPriority,
		})
	},
}

var epicExecuteCmd = &cobra.Command{
	Use:   "execute <id>",
	Short: "Run the epic's children in dependency order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEpicExecute(args[0])
	},
}

func runEpicExecute(epicID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, cwd, err := openProjectDB()
	if err != nil {
		return err
	}
	defer db.Close()

	epic, err := db.GetTask(epicID)
	if err != nil {
		return err
	}
	if epic == nil || epic.TaskType != models.TaskTypeEpic {
		return fmt.Errorf("epic %s not found", epicID)
	}

	if err := maybeRecover(db, epic.ProjectID, epicExecuteRecover); err != nil {
		return err
	}

	rt, err := newRuntime(cfg, db, cwd, epicExecuteStream)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signalContext()
	defer cancel()

	runner := orchestrator.NewRunner(rt.ctrl, epicExecuteWorkers)
	res, err := runner.RunEpic(ctx, epic.ProjectID, epicID)
	if err != nil {
		return err
	}

	fmt.Printf("epic %s: %d completed, %d escalated, %d failed, %d blocked, %d skipped\n",
		epicID, len(res.Completed), len(res.Escalated), len(res.Failed), len(res.Blocked), len(res.Skipped))
	if !res.Done() {
		return &exitCodeError{code: 2, msg: fmt.Sprintf("epic %s did not fully complete", epicID)}
	}
	return nil
}

func init() {
	epicCreateCmd.Flags().StringVar(&epicProject, "project", "", "Project id (required)")
	epicCreateCmd.Flags().StringVar(&epicDescription, "description", "", "Detailed description")
	epicCreateCmd.Flags().IntVar(&epicPriority, "priority", 5, "Priority 1 (low) to 10 (high)")
	epicCreateCmd.MarkFlagRequired("project")

	epicExecuteCmd.Flags().IntVar(&epicExecuteWorkers, "workers", 1, "Concurrent task workers (same-epic tasks share a session)")
	epicExecuteCmd.Flags().BoolVar(&epicExecuteStream, "stream", false, "Stream loop events to the console")
	epicExecuteCmd.Flags().BoolVar(&epicExecuteRecover, "recover", false, "Reset in-flight work orphaned by a crash before executing")

	epicCmd.AddCommand(epicCreateCmd)
	epicCmd.AddCommand(epicExecuteCmd)
}
