// Package model defines the core domain types for treesync.
//
// Treesync replicates a tree-shaped document between one authority (the
// Master) and any number of optimistic local replicas (Proxies):
//
//   - Every replica applies commands immediately against its own copy of the
//     document and records what it did as a CommandCompletion.
//
//   - The document carries a single version number, CommandCount, which grows
//     by exactly one per committed command. A batch of completions names the
//     version it was produced against (From); a mismatch with the authority's
//     version is how staleness is detected. No wall clock is involved.
//
// Props are opaque key/value bags. They are deep-copied whenever they enter a
// document so that no caller-owned map is ever aliased into replicated state.
package model

import "time"

// Document is the replicated tree. A node is any map[string]any value;
// anything else is a leaf.
type Document = map[string]any

// Props is an opaque key/value bag carried by a command.
type Props = map[string]any

// CommandAction enumerates the structural edits a command can perform.
type CommandAction string

const (
	ActionCreate CommandAction = "create"
	ActionUpdate CommandAction = "update"
	ActionDelete CommandAction = "delete"
)

// Valid reports whether a is one of the known actions.
func (a CommandAction) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Command is a single edit intent. Path addresses the target node for Update
// and Delete, and the parent node for Create.
//
// Props and ParentDefault deliberately have no omitempty: an absent (null) bag
// and an explicitly empty one must survive a JSON round trip unchanged.
type Command struct {
	Path          Path          `json:"path,omitempty"`
	Action        CommandAction `json:"action"`
	Props         Props         `json:"props"`
	ParentDefault Props         `json:"parentDefault"`
}

// CommandCompletion records a command that was applied, together with the id
// it created (Create only).
type CommandCompletion struct {
	Command   Command `json:"command"`
	CreatedID string  `json:"createdId,omitempty"`
}

// CompletionBatch is an ordered run of completions that assumes the receiver
// was at version From before the first one.
type CompletionBatch struct {
	From        int64               `json:"from"`
	Completions []CommandCompletion `json:"completions"`
}

// Snapshot pairs a document with its version.
type Snapshot struct {
	CommandCount int64    `json:"commandCount"`
	Document     Document `json:"document"`
}

// CompletionError describes one completion that could not be applied. It is
// data, not a Go error: a failing completion never stops the rest of a batch.
type CompletionError struct {
	Action       CommandAction `json:"action"`
	Path         Path          `json:"path"`
	ErrorMessage string        `json:"errorMessage"`
}

// ReplicaCursor is the last committed baseline a replica proved it holds,
// i.e. the From of its most recent batch.
type ReplicaCursor struct {
	ID       string    `json:"id"`
	Baseline int64     `json:"baseline"`
	LastSeen time.Time `json:"last_seen_at"`
}

// HistoryEntry is one committed completion as kept by a history log. The
// completion moved the authority from CommandCount to CommandCount+1.
type HistoryEntry struct {
	CommandCount int64             `json:"command_count"`
	Completion   CommandCompletion `json:"completion"`
	RecordedAt   time.Time         `json:"recorded_at"`
}
