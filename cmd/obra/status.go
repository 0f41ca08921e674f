package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/obra-dev/obra/internal/state"
	"github.com/obra-dev/obra/pkg/models"
)

var statusProject string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize tasks, sessions, and token spend",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No project state here. Run 'obra project create <name>' to start.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	projects, err := db.ListProjects()
	if err != nil {
		return err
	}
	for _, p := range projects {
		if statusProject != "" && p.ID != statusProject {
			continue
		}
		if err := printProjectStatus(db, &p); err != nil {
			return err
		}
	}
	return nil
}

var statusOrder = []models.TaskStatus{
	models.TaskStatusPending,
	models.TaskStatusReady,
	models.TaskStatusInProgress,
	models.TaskStatusBlocked,
	models.TaskStatusCompleted,
	models.TaskStatusEscalated,
	models.TaskStatusFailed,
	models.TaskStatusCancelled,
}

func printProjectStatus(db *state.DB, p *models.Project) error {
	bold := color.New(color.Bold)
	bold.Printf("%s (%s)\n", p.Name, p.ID)

	total := 0
	for _, st := range statusOrder {
		tasks, err := db.ListTasksByStatus(p.ID, st)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			continue
		}
		total += len(tasks)
		c := color.New(statusColor(st))
		fmt.Printf("  %s %d\n", c.Sprintf("%-12s", string(st)), len(tasks))
		if flagVerbose {
			for _, t := range tasks {
				line := fmt.Sprintf("    %s  %s", t.ID, t.Title)
				if t.BlockedReason != "" {
					line += "  (" + t.BlockedReason + ")"
				}
				fmt.Println(line)
			}
		}
	}
	if total == 0 {
		fmt.Println("  no tasks")
	}

	return printSessionSpend(db, p.ID)
}

// printSessionSpend sums token usage and cost over all iterations of
// the project's escalated and completed work.
func printSessionSpend(db *state.DB, projectID string) error {
	rows, err := db.Query(`
		SELECT COUNT(*), COALESCE(SUM(tokens_input + tokens_cache_create + tokens_cache_read + tokens_output), 0),
		       COALESCE(SUM(cost_millicents), 0)
		FROM iterations i JOIN tasks t ON t.id = i.task_id
		WHERE t.project_id = ?
	`, projectID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var iterations int
	var tokens, milliCents int64
	if rows.Next() {
		if err := rows.Scan(&iterations, &tokens, &milliCents); err != nil {
			return err
		}
	}
	fmt.Printf("  %d iterations, %d tokens, $%.2f\n", iterations, tokens, float64(milliCents)/100000)
	return nil
}

func init() {
	statusCmd.Flags().StringVar(&statusProject, "project", "", "Limit to one project id")
}
