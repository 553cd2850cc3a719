package model

import (
	"fmt"

	"github.com/brunoga/deep"
)

// CloneProps returns a deep copy of p. A nil bag stays nil so that "absent"
// and "empty" remain distinguishable. Values that cannot be copied (channels,
// functions) are rejected, which keeps every document JSON-representable.
func CloneProps(p Props) (Props, error) {
	if p == nil {
		return nil, nil
	}
	out, err := deep.Copy(p)
	if err != nil {
		return nil, fmt.Errorf("clone props: %w", err)
	}
	return out, nil
}

// CheckSnapshot reports whether s can be deep-copied. Anything decoded from
// JSON can; a document built in memory with channels or functions cannot.
// Callers holding such an in-memory snapshot check it before handing it to
// a constructor, which copies it and panics on failure.
func CheckSnapshot(s Snapshot) error {
	if s.Document == nil {
		return nil
	}
	if _, err := deep.Copy(s.Document); err != nil {
		return fmt.Errorf("snapshot %d: %w", s.CommandCount, err)
	}
	return nil
}

// CloneDocument returns a deep copy of d. Documents only ever receive values
// that already passed CloneProps or CheckSnapshot, so a failure here is a
// programming error and panics.
func CloneDocument(d Document) Document {
	if d == nil {
		return Document{}
	}
	return deep.MustCopy(d)
}

// CloneSnapshot returns a snapshot that shares no memory with s.
func CloneSnapshot(s Snapshot) Snapshot {
	return Snapshot{CommandCount: s.CommandCount, Document: CloneDocument(s.Document)}
}

// CloneCommand returns a deep copy of c.
func CloneCommand(c Command) (Command, error) {
	props, err := CloneProps(c.Props)
	if err != nil {
		return Command{}, err
	}
	def, err := CloneProps(c.ParentDefault)
	if err != nil {
		return Command{}, err
	}
	var path Path
	if c.Path != nil {
		path = c.Path.Clone()
	}
	return Command{Path: path, Action: c.Action, Props: props, ParentDefault: def}, nil
}
