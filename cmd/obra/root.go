package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/obra-dev/obra/internal/config"
	"github.com/obra-dev/obra/internal/state"
)

var (
	flagProfile string
	flagConfig  string
	flagVerbose bool
	flagSets    []string
)

// exitCodeError carries a process exit code through cobra's error path.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

var rootCmd = &cobra.Command{
	Use:   "obra",
	Short: "Iteration orchestrator for headless coding agents",
	Long: `Obra drives an external code-generation agent through multi-iteration
engineering tasks. A second, cheaper LLM validates each iteration and a
decision engine routes the outcome: proceed, clarify, retry, escalate,
or pause at a breakpoint for user input.

State lives in a project-local SQLite database under .obra/. Tasks are
organized as epics, stories, and tasks with dependencies; an epic runs
its children in dependency order.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and maps typed errors to exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			if ec.msg != "" {
				fmt.Fprintln(os.Stderr, ec.msg)
			}
			os.Exit(ec.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig composes the effective configuration from the defaults,
// the selected profile or file, and --set overrides.
func loadConfig() (*config.Config, error) {
	return config.Load(config.Options{
		Profile:    flagProfile,
		ConfigFile: flagConfig,
		Sets:       flagSets,
	})
}

// openProjectDB opens (and migrates) the project database rooted at
// the current working directory.
func openProjectDB() (*state.DB, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("get working directory: %w", err)
	}
	db, err := state.OpenProject(cwd)
	if err != nil {
		return nil, "", err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("migrate database: %w", err)
	}
	return db, cwd, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagProfile, "profile", "", "Configuration profile name")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Explicit configuration file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringArrayVar(&flagSets, "set", nil, "Override a config key (key=value), repeatable")

	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(epicCmd)
	rootCmd.AddCommand(storyCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(milestoneCmd)
	rootCmd.AddCommand(directiveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
