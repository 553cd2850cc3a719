package replica

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"

	"github.com/daviddao/treesync/pkg/document"
	"github.com/daviddao/treesync/pkg/model"
	"github.com/daviddao/treesync/pkg/pathmap"
	"github.com/daviddao/treesync/pkg/replay"
)

// Flush protocol errors. They signal misuse of the begin/end/cancel cycle or
// a sync that does not fit this replica, never a data-level failure.
var (
	ErrFlushInProgress  = errors.New("flush already in progress")
	ErrNoFlush          = errors.New("no flush in progress")
	ErrBaselineMismatch = errors.New("diff does not start at the last committed count")
	ErrDiffReplay       = errors.New("diff did not replay cleanly on the last committed state")
)

// FlushResult reports how EndFlush changed the replica.
type FlushResult struct {
	// IDsChanged is true when identifiers the caller may hold could now be
	// stale (renamed by the authority or replaced by a full resync).
	IDsChanged bool `json:"idsChanged"`
}

// pendingCommit is the state captured by BeginFlush. It becomes the last
// committed state if the authority accepts the batch verbatim.
type pendingCommit struct {
	snapshot model.Snapshot
}

// Proxy is a local optimistic replica. Commands apply immediately; the
// resulting completions queue up until the next flush.
//
// Proxy is not goroutine-safe. At most one flush may be open at a time.
type Proxy struct {
	model       *document.Model
	interceptor replay.Interceptor
	log         log.Interface

	committed   model.Snapshot // deep copy, never handed out
	uncommitted []model.CommandCompletion
	pending     *pendingCommit
}

// NewProxy returns a replica starting from a copy of snap, which must pass
// model.CheckSnapshot.
func NewProxy(snap model.Snapshot, opts ...Option) *Proxy {
	o := buildOptions(opts)
	m := document.New(snap, o.ids())
	return &Proxy{
		model:       m,
		interceptor: o.interceptor,
		log:         o.logger,
		committed:   m.Snapshot(),
	}
}

// Document returns the live local document. Callers must not mutate it.
func (p *Proxy) Document() model.Document { return p.model.Document() }

// CommandCount returns the local version, uncommitted commands included.
func (p *Proxy) CommandCount() int64 { return p.model.CommandCount() }

// Snapshot returns a deep copy of the local state.
func (p *Proxy) Snapshot() model.Snapshot { return p.model.Snapshot() }

// CommittedCount returns the version last confirmed by the authority.
func (p *Proxy) CommittedCount() int64 { return p.committed.CommandCount }

// Pending returns the number of queued completions not yet handed to a flush.
func (p *Proxy) Pending() int { return len(p.uncommitted) }

// Flushing reports whether a flush is open.
func (p *Proxy) Flushing() bool { return p.pending != nil }

// Apply runs cmd locally and, on success, queues it for the next flush. The
// returned id is the one assigned to a created node.
func (p *Proxy) Apply(ctx context.Context, cmd model.Command) (string, error) {
	owned, err := model.CloneCommand(cmd)
	if err != nil {
		return "", err
	}
	var verdict replay.Interception
	if p.interceptor != nil {
		verdict = p.interceptor.Intercept(ctx, p.model.Document(), owned)
	}
	id, applied, err := replay.ApplyCommandWithInterception(p.model, owned, verdict, "")
	if err != nil {
		return "", err
	}
	// The model cannot half-apply a command, so a failure needs no rollback.
	p.uncommitted = append(p.uncommitted, model.CommandCompletion{Command: applied, CreatedID: id})
	return id, nil
}

// BeginFlush hands every queued completion to the caller as a batch based on
// the last committed version, and clears the queue.
func (p *Proxy) BeginFlush() (model.CompletionBatch, error) {
	if p.pending != nil {
		return model.CompletionBatch{}, ErrFlushInProgress
	}
	p.pending = &pendingCommit{snapshot: p.model.Snapshot()}
	batch := model.CompletionBatch{
		From:        p.committed.CommandCount,
		Completions: p.uncommitted,
	}
	if batch.Completions == nil {
		batch.Completions = []model.CommandCompletion{}
	}
	p.uncommitted = nil
	return batch, nil
}

// CancelFlush puts an undelivered batch back at the front of the queue and
// closes the flush. It never contacts the authority.
func (p *Proxy) CancelFlush(batch model.CompletionBatch) error {
	if p.pending == nil {
		return ErrNoFlush
	}
	queue := make([]model.CommandCompletion, 0, len(batch.Completions)+len(p.uncommitted))
	queue = append(queue, batch.Completions...)
	queue = append(queue, p.uncommitted...)
	p.uncommitted = queue
	p.pending = nil
	return nil
}

// EndFlush closes the open flush with the authority's answer. A nil sync
// means the batch was accepted verbatim.
//
// On a protocol error the replica is left exactly as it was and the flush
// stays open, so the caller can CancelFlush and retry or resynchronise.
func (p *Proxy) EndFlush(sync model.Sync) (FlushResult, error) {
	if p.pending == nil {
		return FlushResult{}, ErrNoFlush
	}

	var (
		next       *document.Model
		idsChanged bool
	)
	switch s := sync.(type) {
	case nil:
		p.committed = p.pending.snapshot
		p.pending = nil
		return FlushResult{}, nil
	case *model.PartialSync:
		m, err := p.replayDiff(s.Diff)
		if err != nil {
			return FlushResult{}, err
		}
		next = m
		idsChanged = len(s.MappedPaths) > 0
	case *model.FullSync:
		next = document.New(s.Latest, p.model.IDs())
		idsChanged = true
	default:
		return FlushResult{}, fmt.Errorf("unknown sync type %T", sync)
	}

	p.model = next
	p.committed = next.Snapshot()
	p.pending = nil

	// Edits made after BeginFlush now sit on top of the authority's state.
	// Ones broken by the authority's changes are dropped without reporting.
	if len(p.uncommitted) > 0 {
		remap := pathmap.New(sync.Mapped())
		outcome := replay.ApplyCompletions(context.Background(), p.model, p.uncommitted, remap, nil)
		if outcome != nil {
			idsChanged = true
			if len(outcome.Errors) > 0 {
				p.log.WithField("dropped", len(outcome.Errors)).Debug("uncommitted edits invalidated by sync")
			}
			p.uncommitted = outcome.Applied.Completions
		}
	}
	return FlushResult{IDsChanged: idsChanged}, nil
}

func (p *Proxy) replayDiff(diff model.CompletionBatch) (*document.Model, error) {
	if diff.From != p.committed.CommandCount {
		return nil, fmt.Errorf("%w: diff from %d, committed %d", ErrBaselineMismatch, diff.From, p.committed.CommandCount)
	}
	m := document.New(p.committed, p.model.IDs())
	if outcome := replay.ApplyCompletions(context.Background(), m, diff.Completions, pathmap.New(nil), nil); outcome != nil && len(outcome.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDiffReplay, outcome.Errors[0].ErrorMessage)
	}
	return m, nil
}
