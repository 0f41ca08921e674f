package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/obra-dev/obra/internal/state"
	"github.com/obra-dev/obra/pkg/models"
)

// printStatus prints a colored symbol followed by a plain message.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

// splitIDList parses a comma-separated id list, dropping empties.
func splitIDList(s string) []string {
	if s == "" {
		return nil
	}
	var ids []string
	for _, part := range strings.Split(s, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// createWorkItem persists one task-hierarchy record and prints its id.
func createWorkItem(db *state.DB, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if err := db.CreateTask(task); err != nil {
		return err
	}
	fmt.Println(task.ID)
	return nil
}

// maybeRecover resets crash-orphaned work, but only when asked: a
// second obra process must not revive tasks a live one still owns.
func maybeRecover(db *state.DB, projectID string, requested bool) error {
	if !requested {
		return nil
	}
	report, err := db.RecoverInFlight(projectID)
	if err != nil {
		return fmt.Errorf("recover in-flight work: %w", err)
	}
	if flagVerbose {
		fmt.Printf("recovery: %d tasks reset, %d sessions closed\n",
			report.TasksReset, report.SessionsClosed)
	}
	return nil
}

// requireProject verifies the project exists before hanging work off it.
func requireProject(db *state.DB, projectID string) error {
	p, err := db.GetProject(projectID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("project %s not found", projectID)
	}
	return nil
}

func statusColor(s models.TaskStatus) color.Attribute {
	switch s {
	case models.TaskStatusCompleted:
		return color.FgGreen
	case models.TaskStatusFailed, models.TaskStatusEscalated:
		return color.FgRed
	case models.TaskStatusBlocked:
		return color.FgYellow
	case models.TaskStatusInProgress:
		return color.FgCyan
	default:
		return color.FgWhite
	}
}
