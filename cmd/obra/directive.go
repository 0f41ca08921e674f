package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/obra-dev/obra/internal/directive"
	"github.com/obra-dev/obra/internal/state"
	"github.com/obra-dev/obra/pkg/models"
)

var (
	directiveProject string
	directiveTask    string
	directiveTarget  string
	directiveSticky  bool
)

var directiveCmd = &cobra.Command{
	Use:   "directive",
	Short: "Inject guidance into a running task",
	Long: `Directives are picked up at the next iteration boundary of the
target task. Target "impl" appends the text to the implementer prompt;
target "orch" steers validation and decisions. One-shot directives are
consumed by a single iteration; sticky directives persist until cleared.`,
}

var directiveSubmitCmd = &cobra.Command{
	Use:   "submit <text>",
	Short: "Queue a directive for a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := models.DirectiveTarget(directiveTarget)
		if !target.Valid() {
			return fmt.Errorf("target must be %q or %q", models.TargetImplementer, models.TargetOrchestrator)
		}
		db, _, err := openProjectDB()
		if err != nil {
			return err
		}
		defer db.Close()

		inbox := directive.NewInbox(db, nil)
		d, err := inbox.Submit(directiveProject, directiveTask, target, strings.Join(args, " "), directiveSticky)
		if err != nil {
			return err
		}
		fmt.Println(d.ID)
		return nil
	},
}

var directiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending directives for a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openProjectDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pending, err := db.PendingDirectives(directiveProject, directiveTask, state.DirectiveCutoff(time.Now()))
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("No pending directives.")
			return nil
		}
		for _, d := range pending {
			kind := "one-shot"
			if d.Sticky {
				kind = "sticky"
			}
			fmt.Printf("%s  [%s/%s, %s]  %s\n", d.ID, d.Target, d.Intent, kind, d.Text)
		}
		return nil
	},
}

var directiveClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all pending directives for a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openProjectDB()
		if err != nil {
			return err
		}
		defer db.Close()

		inbox := directive.NewInbox(db, nil)
		return inbox.Clear(directiveProject, directiveTask)
	},
}

func init() {
	directiveCmd.PersistentFlags().StringVar(&directiveProject, "project", "", "Project id (required)")
	directiveCmd.PersistentFlags().StringVar(&directiveTask, "task", "", "Task id (required)")
	directiveSubmitCmd.Flags().StringVar(&directiveTarget, "target", string(models.TargetImplementer), "Directive target: impl or orch")
	directiveSubmitCmd.Flags().BoolVar(&directiveSticky, "sticky", false, "Re-apply on every iteration until cleared")
	directiveCmd.MarkPersistentFlagRequired("project")
	directiveCmd.MarkPersistentFlagRequired("task")

	directiveCmd.AddCommand(directiveSubmitCmd)
	directiveCmd.AddCommand(directiveListCmd)
	directiveCmd.AddCommand(directiveClearCmd)
}
