// Package document executes commands against a single in-memory document.
//
// A Model owns exactly one Snapshot. Every successful command mutates the
// document in place and advances CommandCount by one; a failed command leaves
// both untouched. The model knows nothing about replication: it only assigns
// identifiers and keeps them unique among siblings.
//
// Note: Model is not goroutine-safe. Each replica owns its model and applies
// commands to it one at a time.
package document

import (
	"errors"
	"fmt"

	"github.com/daviddao/treesync/pkg/model"
)

// ErrDeleteRoot is returned for a Delete with an empty path.
var ErrDeleteRoot = errors.New("cannot delete the document root")

// PathError reports the exact sub-path at which navigation broke.
type PathError struct {
	Path model.Path
}

func (e *PathError) Error() string {
	return fmt.Sprintf("no object at document path `%s`", e.Path)
}

// Model is a document plus its version. Not goroutine-safe; see package doc.
type Model struct {
	snap model.Snapshot
	ids  IDPolicy
}

// New returns a model holding a deep copy of snap. A nil ids policy selects
// RandomIDs. snap must pass model.CheckSnapshot; New panics otherwise.
func New(snap model.Snapshot, ids IDPolicy) *Model {
	if ids == nil {
		ids = RandomIDs
	}
	return &Model{snap: model.CloneSnapshot(snap), ids: ids}
}

// Document returns the live document. Callers must not mutate it.
func (m *Model) Document() model.Document { return m.snap.Document }

// CommandCount returns the number of commands applied so far.
func (m *Model) CommandCount() int64 { return m.snap.CommandCount }

// Snapshot returns a deep copy of the current state.
func (m *Model) Snapshot() model.Snapshot { return model.CloneSnapshot(m.snap) }

// IDs returns the id policy, so a replica can rebuild an equivalent model.
func (m *Model) IDs() IDPolicy { return m.ids }

// Apply executes cmd. For a Create, proposedID is tried first and the id that
// was actually assigned is returned.
func (m *Model) Apply(cmd model.Command, proposedID string) (string, error) {
	switch cmd.Action {
	case model.ActionCreate:
		return m.create(cmd, proposedID)
	case model.ActionUpdate:
		return "", m.update(cmd)
	case model.ActionDelete:
		return "", m.delete(cmd)
	default:
		return "", fmt.Errorf("unknown action %q", cmd.Action)
	}
}

func (m *Model) create(cmd model.Command, proposedID string) (string, error) {
	props, err := model.CloneProps(cmd.Props)
	if err != nil {
		return "", err
	}
	if props == nil {
		props = model.Props{}
	}

	node, perr := m.navigate(cmd.Path)
	if perr != nil && cmd.ParentDefault != nil && len(cmd.Path) > 0 {
		node, perr = m.createParent(cmd.Path, cmd.ParentDefault)
	}
	if perr != nil {
		return "", perr
	}

	id := proposedID
	attempt := 0
	if id == "" {
		id = m.ids(m.snap.CommandCount, attempt)
	}
	for {
		if _, taken := node[id]; !taken {
			break
		}
		attempt++
		id = m.ids(m.snap.CommandCount, attempt)
	}

	node[id] = props
	m.snap.CommandCount++
	return id, nil
}

// createParent inserts a copy of def at path when path's own parent exists
// and nothing occupies the slot yet, then navigates once more.
func (m *Model) createParent(path model.Path, def model.Props) (map[string]any, error) {
	grand, err := m.navigate(path.Parent())
	if err != nil {
		return nil, err
	}
	if _, occupied := grand[path.Last()]; occupied {
		return m.navigate(path)
	}
	cp, cerr := model.CloneProps(def)
	if cerr != nil {
		return nil, cerr
	}
	grand[path.Last()] = cp
	return m.navigate(path)
}

func (m *Model) update(cmd model.Command) error {
	props, err := model.CloneProps(cmd.Props)
	if err != nil {
		return err
	}
	node, err := m.navigate(cmd.Path)
	if err != nil {
		return err
	}
	for k, v := range props {
		node[k] = v
	}
	m.snap.CommandCount++
	return nil
}

func (m *Model) delete(cmd model.Command) error {
	if len(cmd.Path) == 0 {
		return ErrDeleteRoot
	}
	parent, err := m.navigate(cmd.Path.Parent())
	if err != nil {
		return err
	}
	delete(parent, cmd.Path.Last())
	m.snap.CommandCount++
	return nil
}

// navigate walks path from the root. Every value along the way, including
// the target, must be a node.
func (m *Model) navigate(path model.Path) (map[string]any, error) {
	if m.snap.Document == nil {
		m.snap.Document = model.Document{}
	}
	n := m.snap.Document
	for i, seg := range path {
		child, ok := n[seg].(map[string]any)
		if !ok {
			return nil, &PathError{Path: path[:i+1].Clone()}
		}
		n = child
	}
	return n, nil
}
