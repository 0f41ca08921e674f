package models

import "time"

// FileChangeKind classifies an observed mutation in the working directory.
type FileChangeKind string

const (
	// FileCreated indicates a new file appeared.
	FileCreated FileChangeKind = "created"
	// FileModified indicates an existing file changed.
	FileModified FileChangeKind = "modified"
	// FileDeleted indicates a file was removed.
	FileDeleted FileChangeKind = "deleted"
)

// Valid returns true if the kind is a known value.
func (k FileChangeKind) Valid() bool {
	switch k {
	case FileCreated, FileModified, FileDeleted:
		return true
	default:
		return false
	}
}

// FileChangeEvent records one observed mutation during an iteration.
// Bursts within the debounce window collapse into one event per path.
type FileChangeEvent struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`
	// IterationID is the iteration during which the change was observed.
	IterationID string `json:"iteration_id"`
	// Path is the file path relative to the working directory.
	Path string `json:"path"`
	// Kind is the mutation kind.
	Kind FileChangeKind `json:"kind"`
	// ContentHash is the SHA-256 of the file content, empty for deletions.
	ContentHash string `json:"content_hash,omitempty"`
	// Timestamp is when the (debounced) event was emitted.
	Timestamp time.Time `json:"timestamp"`
}
