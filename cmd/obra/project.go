package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/obra-dev/obra/pkg/models"
)

var projectWorkingDir string

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project and print its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, cwd, err := openProjectDB()
		if err != nil {
			return err
		}
		defer db.Close()

		workingDir := projectWorkingDir
		if workingDir == "" {
			workingDir = cwd
		}
		snapshot, err := cfg.Snapshot()
		if err != nil {
			return fmt.Errorf("snapshot config: %w", err)
		}

		project := &models.Project{
			ID:             uuid.NewString(),
			Name:           args[0],
			WorkingDir:     workingDir,
			ConfigSnapshot: snapshot,
			CreatedAt:      time.Now(),
		}
		if err := db.CreateProject(project); err != nil {
			return err
		}
		fmt.Println(project.ID)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openProjectDB()
		if err != nil {
			return err
		}
		defer db.Close()

		projects, err := db.ListProjects()
		if err != nil {
			return err
		}
		if len(projects) == 0 {
			fmt.Println("No projects. Run 'obra project create <name>' to start.")
			return nil
		}
		for _, p := range projects {
			fmt.Fprintf(os.Stdout, "%s  %s  %s\n", p.ID, p.Name, p.WorkingDir)
		}
		return nil
	},
}

func init() {
	projectCreateCmd.Flags().StringVar(&projectWorkingDir, "working-dir", "", "Workspace root (defaults to the current directory)")
	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectListCmd)
}
