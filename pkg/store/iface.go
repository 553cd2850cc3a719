// iface.go defines the StoreInterface for dependency injection and testing.
//
// The concrete *Store type satisfies this interface. Code that depends on
// the store (the transport server, the cmd layer) can accept StoreInterface
// instead of *Store, enabling mock injection in tests.
package store

import (
	"context"
	"time"

	"github.com/daviddao/treesync/pkg/model"
	"github.com/daviddao/treesync/pkg/replica"
)

// StoreInterface defines the full set of store operations.
// The concrete *Store type implements this interface.
type StoreInterface interface {
	// Close closes the database connection.
	Close() error

	// --- History ---

	// Append records completions committed starting at from.
	Append(ctx context.Context, from int64, completions []model.CommandCompletion) error

	// History returns the completions in [from, to), or nil if not retained.
	History(ctx context.Context, from, to int64) ([]model.CommandCompletion, error)

	// ListHistory returns up to limit entries with command_count >= since.
	ListHistory(since int64, limit int) ([]model.HistoryEntry, error)

	// HistoryBounds returns the oldest retained count and the head.
	HistoryBounds() (base, head int64, err error)

	// Prune deletes history below before.
	Prune(ctx context.Context, before int64) (int, error)

	// Reset discards all history and restarts the log at at.
	Reset(ctx context.Context, at int64) error

	// --- Replicas ---

	// TouchReplica registers a replica or advances its cursor.
	TouchReplica(id string, baseline int64) error

	// GetReplica retrieves a replica cursor by ID.
	GetReplica(id string) (*model.ReplicaCursor, error)

	// ListReplicas returns all registered replicas ordered by ID.
	ListReplicas() ([]model.ReplicaCursor, error)

	// ActiveCursors returns cursors of replicas seen within window.
	ActiveCursors(window time.Duration) ([]model.ReplicaCursor, error)

	// --- Checkpoints ---

	// SaveCheckpoint stores a full snapshot.
	SaveCheckpoint(snap model.Snapshot) error

	// LatestCheckpoint returns the newest checkpoint, or nil.
	LatestCheckpoint() (*model.Snapshot, error)

	// PruneCheckpoints keeps only the newest keep checkpoints.
	PruneCheckpoints(keep int) (int, error)
}

// Compile-time checks that *Store implements StoreInterface and can back a
// Master's history.
var (
	_ StoreInterface     = (*Store)(nil)
	_ replica.HistoryLog = (*Store)(nil)
)
