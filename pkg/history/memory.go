// Package history provides append-only logs of committed completions.
//
// A log is indexed by command count: the completion stored at n is the one
// that took the authority from version n to n+1. Logs only grow at the head
// and may be pruned at the tail once no replica needs the old entries. Both
// implementations satisfy replica.HistoryLog.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/daviddao/treesync/pkg/model"
	"github.com/daviddao/treesync/pkg/replica"
)

// ErrGap is returned by Append when from is not the current head.
var ErrGap = errors.New("history: append is not contiguous with the head")

// MemoryLog keeps history in a slice. Safe for concurrent use.
type MemoryLog struct {
	mu      sync.RWMutex
	base    int64
	entries []model.CommandCompletion
}

var _ replica.HistoryLog = (*MemoryLog)(nil)

// NewMemoryLog returns an empty log whose first entry will be at base.
func NewMemoryLog(base int64) *MemoryLog {
	return &MemoryLog{base: base}
}

// Head returns the command count just past the last entry.
func (l *MemoryLog) Head() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base + int64(len(l.entries))
}

// Base returns the command count of the oldest retained entry.
func (l *MemoryLog) Base() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base
}

// Append records completions committed starting at from. An empty append
// is a no-op.
func (l *MemoryLog) Append(_ context.Context, from int64, completions []model.CommandCompletion) error {
	if len(completions) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	head := l.base + int64(len(l.entries))
	if from != head {
		return fmt.Errorf("%w: from %d, head %d", ErrGap, from, head)
	}
	l.entries = append(l.entries, completions...)
	return nil
}

// History returns the completions in [from, to). A range that is not fully
// retained yields nil.
func (l *MemoryLog) History(_ context.Context, from, to int64) ([]model.CommandCompletion, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	head := l.base + int64(len(l.entries))
	if from < l.base || to > head || from > to {
		return nil, nil
	}
	out := make([]model.CommandCompletion, to-from)
	copy(out, l.entries[from-l.base:to-l.base])
	return out, nil
}

// Prune drops entries below before and returns how many were removed.
func (l *MemoryLog) Prune(_ context.Context, before int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if before <= l.base {
		return 0, nil
	}
	n := before - l.base
	if n > int64(len(l.entries)) {
		n = int64(len(l.entries))
	}
	l.entries = append([]model.CommandCompletion(nil), l.entries[n:]...)
	l.base += n
	return int(n), nil
}

// Reset drops every entry and restarts the log empty at at.
func (l *MemoryLog) Reset(_ context.Context, at int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base = at
	l.entries = nil
	return nil
}
