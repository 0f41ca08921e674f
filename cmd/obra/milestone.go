package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/obra-dev/obra/pkg/models"
)

var (
	milestoneProject string
	milestoneEpics   string
)

var milestoneCmd = &cobra.Command{
	Use:   "milestone",
	Short: "Manage milestones over epics",
}

var milestoneCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a milestone and print its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openProjectDB()
		if err != nil {
			return err
		}
		defer db.Close()
		if err := requireProject(db, milestoneProject); err != nil {
			return err
		}

		m := &models.Milestone{
			ID:            uuid.NewString(),
			ProjectID:     milestoneProject,
			Name:          args[0],
			RequiredEpics: splitIDList(milestoneEpics),
			CreatedAt:     time.Now(),
		}
		if err := db.CreateMilestone(m); err != nil {
			return err
		}
		fmt.Println(m.ID)
		return nil
	},
}

var milestoneCheckCmd = &cobra.Command{
	Use:   "check <id>",
	Short: "Report whether every required epic is completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openProjectDB()
		if err != nil {
			return err
		}
		defer db.Close()

		achieved, err := db.CheckMilestone(args[0])
		if err != nil {
			return err
		}
		if achieved {
			fmt.Println("achieved")
		} else {
			fmt.Println("not achieved")
		}
		return nil
	},
}

var milestoneAchieveCmd = &cobra.Command{
	Use:   "achieve <id>",
	Short: "Mark a milestone achieved once its epics are completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openProjectDB()
		if err != nil {
			return err
		}
		defer db.Close()

		achieved, err := db.CheckMilestone(args[0])
		if err != nil {
			return err
		}
		if !achieved {
			return fmt.Errorf("milestone %s has incomplete required epics", args[0])
		}
		if err := db.AchieveMilestone(args[0]); err != nil {
			return err
		}
		fmt.Println("achieved")
		return nil
	},
}

func init() {
	milestoneCreateCmd.Flags().StringVar(&milestoneProject, "project", "", "Project id (required)")
	milestoneCreateCmd.Flags().StringVar(&milestoneEpics, "epics", "", "Comma-separated required epic ids")
	milestoneCreateCmd.MarkFlagRequired("project")

	milestoneCmd.AddCommand(milestoneCreateCmd)
	milestoneCmd.AddCommand(milestoneCheckCmd)
	milestoneCmd.AddCommand(milestoneAchieveCmd)
}
