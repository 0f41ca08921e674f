package models

import "time"

// Project is a named engineering workspace rooted at a working directory.
// Projects are created once and never mutated except for the deleted flag.
type Project struct {
	// ID is the unique identifier for this project.
	ID string `json:"id"`
	// Name is the human-readable project name.
	Name string `json:"name"`
	// WorkingDir is the absolute path to the workspace root.
	WorkingDir string `json:"working_dir"`
	// ConfigSnapshot is the effective configuration at creation time, as YAML.
	ConfigSnapshot string `json:"config_snapshot,omitempty"`
	// Deleted soft-deletes the project.
	Deleted bool `json:"deleted,omitempty"`
	// CreatedAt is when the project was created.
	CreatedAt time.Time `json:"created_at"`
}

// Milestone is a zero-duration checkpoint over a set of epics.
// It is achieved only when every required epic is completed.
type Milestone struct {
	// ID is the unique identifier for this milestone.
	ID string `json:"id"`
	// ProjectID is the owning project.
	ProjectID string `json:"project_id"`
	// Name is the milestone name.
	Name string `json:"name"`
	// RequiredEpics lists the epic IDs that must all complete.
	RequiredEpics []string `json:"required_epics"`
	// Achieved is set once every required epic is completed.
	Achieved bool `json:"achieved"`
	// AchievedAt is when the milestone was achieved.
	AchievedAt *time.Time `json:"achieved_at,omitempty"`
	// CreatedAt is when the milestone was created.
	CreatedAt time.Time `json:"created_at"`
}
