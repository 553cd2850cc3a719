package replica

import (
	"context"
	"fmt"

	"github.com/apex/log"

	"github.com/daviddao/treesync/pkg/document"
	"github.com/daviddao/treesync/pkg/model"
	"github.com/daviddao/treesync/pkg/pathmap"
	"github.com/daviddao/treesync/pkg/replay"
)

// ApplyResult is the Master's answer to one batch.
type ApplyResult struct {
	// Applied is what committed, starting at the Master's count before the
	// batch. Callers append it to their history log.
	Applied model.CompletionBatch
	// Sync is nil when the sender's view already matches the Master.
	Sync model.Sync
	// Errors has one entry per completion that failed, or is nil.
	Errors []model.CompletionError
}

// Master is the single authority. It owns the canonical document and is the
// only writer of it.
//
// Master is not goroutine-safe: interleaved Apply calls would race on the
// command count. Callers serialise access, and append Applied to history in
// the same critical section.
type Master struct {
	model       *document.Model
	history     HistoryProvider
	interceptor replay.Interceptor
	log         log.Interface
}

// NewMaster returns a Master holding a copy of snap. Like document.New it
// panics unless snap passes model.CheckSnapshot.
func NewMaster(snap model.Snapshot, opts ...Option) *Master {
	o := buildOptions(opts)
	return &Master{
		model:       document.New(snap, o.ids()),
		history:     o.history,
		interceptor: o.interceptor,
		log:         o.logger,
	}
}

// Snapshot returns a deep copy of the canonical state.
func (m *Master) Snapshot() model.Snapshot { return m.model.Snapshot() }

// CommandCount returns the authority's current version.
func (m *Master) CommandCount() int64 { return m.model.CommandCount() }

// Apply commits batch and decides what the sender needs to catch up.
//
// The sender needs a sync when it was already stale (batch.From differs from
// the Master's count) or when applying its batch changed anything (an id was
// renamed, props were rewritten, a completion failed). A stale sender gets
// the missing history followed by this batch's result when the history
// provider can supply all of it, and a full snapshot otherwise.
//
// Apply only blocks on the history provider; ctx bounds that wait. A
// cancelled ctx degrades to a full sync, it never undoes the batch.
func (m *Master) Apply(ctx context.Context, batch model.CompletionBatch) ApplyResult {
	start := m.model.CommandCount()
	remap := pathmap.New(nil)
	outcome := replay.ApplyCompletions(ctx, m.model, batch.Completions, remap, m.interceptor)

	res := ApplyResult{Applied: model.CompletionBatch{From: start, Completions: batch.Completions}}
	if outcome != nil {
		res.Applied.Completions = outcome.Applied.Completions
		res.Errors = outcome.Errors
	}

	stale := batch.From != start
	if !stale && outcome == nil {
		return res
	}

	logger := m.log.WithFields(log.Fields{
		"from":    batch.From,
		"start":   start,
		"applied": len(res.Applied.Completions),
		"renames": remap.Len(),
	})

	var history []model.CommandCompletion
	if stale {
		var ok bool
		history, ok = m.fetchHistory(ctx, batch.From, start)
		if !ok {
			logger.Debug("full sync")
			res.Sync = &model.FullSync{Latest: m.model.Snapshot(), MappedPaths: remap.Mappings()}
			return res
		}
	}

	diff := make([]model.CommandCompletion, 0, len(history)+len(res.Applied.Completions))
	diff = append(diff, history...)
	diff = append(diff, res.Applied.Completions...)
	logger.WithField("diff", len(diff)).Debug("partial sync")
	res.Sync = &model.PartialSync{
		Diff:        model.CompletionBatch{From: batch.From, Completions: diff},
		MappedPaths: remap.Mappings(),
	}
	return res
}

// Restore replays completions that were already committed before a restart
// (the history tail after a checkpoint). They must apply verbatim.
func (m *Master) Restore(ctx context.Context, completions []model.CommandCompletion) error {
	if len(completions) == 0 {
		return nil
	}
	start := m.model.CommandCount()
	outcome := replay.ApplyCompletions(ctx, m.model, completions, pathmap.New(nil), nil)
	if outcome != nil {
		return fmt.Errorf("restore from %d: history did not replay verbatim (%d errors)", start, len(outcome.Errors))
	}
	return nil
}

func (m *Master) fetchHistory(ctx context.Context, from, to int64) ([]model.CommandCompletion, bool) {
	if m.history == nil {
		return nil, false
	}
	if from > to {
		// The sender claims a version the Master never reached.
		m.log.WithFields(log.Fields{"from": from, "to": to}).Warn("batch from the future")
		return nil, false
	}
	h, err := m.history.History(ctx, from, to)
	if err != nil {
		m.log.WithError(err).WithFields(log.Fields{"from": from, "to": to}).Warn("history unavailable")
		return nil, false
	}
	if int64(len(h)) != to-from {
		m.log.WithFields(log.Fields{"from": from, "to": to, "got": len(h)}).Debug("history incomplete")
		return nil, false
	}
	return h, true
}
