package main

import (
	"github.com/spf13/cobra"

	"github.com/obra-dev/obra/pkg/models"
)

var (
	storyProject     string
	storyEpic        string
	storyDependsOn   string
	storyDescription string
	storyPriority    int
)

var storyCmd = &cobra.Command{
	Use:   "story",
	Short: "Create stories under an epic",
}

var storyCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a story and print its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openProjectDB()
		if err != nil {
			return err
		}
		defer db.Close()
		if err := requireProject(db, storyProject); err != nil {
			return err
		}

		return createWorkItem(db, &models.Task{
			ProjectID:   storyProject,
			TaskType:    models.TaskTypeStory,
			EpicID:      storyEpic,
			Title:       args[0],
			Description: storyDescription,
			Priority:    storyPriority,
			DependsOn:   splitIDList(storyDependsOn),
		})
	},
}

func init() {
	storyCreateCmd.Flags().StringVar(&storyProject, "project", "", "Project id (required)")
	storyCreateCmd.Flags().StringVar(&storyEpic, "epic", "", "Owning epic id (required)")
	storyCreateCmd.Flags().StringVar(&storyDependsOn, "depends-on", "", "Comma-separated prerequisite task ids")
	storyCreateCmd.Flags().StringVar(&storyDescription, "description", "", "Detailed description")
	storyCreateCmd.Flags().IntVar(&storyPriority, "priority", 5, "Priority 1 (low) to 10 (high)")
	storyCreateCmd.MarkFlagRequired("project")
	storyCreateCmd.MarkFlagRequired("epic")

	storyCmd.AddCommand(storyCreateCmd)
}
