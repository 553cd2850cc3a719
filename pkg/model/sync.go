package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sync is the authority's instruction for bringing a replica up to date. It
// is a closed sum: the only implementations are *PartialSync and *FullSync.
// Consumers switch on the concrete type.
type Sync interface {
	// Mapped returns the identifier renames discovered while the authority
	// applied the replica's batch, keyed by Path.Key of the stale path.
	Mapped() map[string]Path
	isSync()
}

// PartialSync asks the replica to replay Diff, starting at Diff.From, from
// its last committed state.
type PartialSync struct {
	Diff        CompletionBatch `json:"diff"`
	MappedPaths map[string]Path `json:"mappedPaths,omitempty"`
}

// FullSync asks the replica to discard its state and adopt Latest.
type FullSync struct {
	Latest      Snapshot        `json:"latest"`
	MappedPaths map[string]Path `json:"mappedPaths,omitempty"`
}

func (s *PartialSync) Mapped() map[string]Path { return s.MappedPaths }
func (s *FullSync) Mapped() map[string]Path    { return s.MappedPaths }

func (*PartialSync) isSync() {}
func (*FullSync) isSync()    {}

var errUnknownSync = errors.New("unknown sync variant")

// SyncEnvelope is the wire form of a Sync. A nil Sync encodes as JSON null.
type SyncEnvelope struct {
	Sync Sync
}

type syncWire struct {
	IsPartial   bool             `json:"isPartial"`
	Diff        *CompletionBatch `json:"diff,omitempty"`
	Latest      *Snapshot        `json:"latest,omitempty"`
	MappedPaths map[string]Path  `json:"mappedPaths,omitempty"`
}

// MarshalJSON encodes the wrapped Sync with an isPartial discriminator.
func (e SyncEnvelope) MarshalJSON() ([]byte, error) {
	switch s := e.Sync.(type) {
	case nil:
		return []byte("null"), nil
	case *PartialSync:
		return json.Marshal(syncWire{IsPartial: true, Diff: &s.Diff, MappedPaths: s.MappedPaths})
	case *FullSync:
		return json.Marshal(syncWire{IsPartial: false, Latest: &s.Latest, MappedPaths: s.MappedPaths})
	default:
		return nil, fmt.Errorf("%w: %T", errUnknownSync, s)
	}
}

// UnmarshalJSON decodes either arm, or null into a nil Sync.
func (e *SyncEnvelope) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		e.Sync = nil
		return nil
	}
	var w syncWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.IsPartial {
		if w.Diff == nil {
			return errors.New("partial sync without diff")
		}
		e.Sync = &PartialSync{Diff: *w.Diff, MappedPaths: w.MappedPaths}
		return nil
	}
	if w.Latest == nil {
		return errors.New("full sync without latest snapshot")
	}
	e.Sync = &FullSync{Latest: *w.Latest, MappedPaths: w.MappedPaths}
	return nil
}
