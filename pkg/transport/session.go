package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"

	"github.com/daviddao/treesync/pkg/model"
	"github.com/daviddao/treesync/pkg/replica"
)

// SyncReport is what one Session.Sync round did.
type SyncReport struct {
	replica.FlushResult
	// Sent is the number of completions delivered to the authority.
	Sent int `json:"sent"`
	// Errors are the completions the authority could not apply.
	Errors []model.CompletionError `json:"errors,omitempty"`
	// Resynced is true when the replica had to fall back to a fresh
	// snapshot after an inconsistent answer.
	Resynced bool `json:"resynced,omitempty"`
}

// Session drives a local Proxy against a remote authority. Not
// goroutine-safe, like the Proxy it wraps.
type Session struct {
	proxy *replica.Proxy
	t     Transport
	log   log.Interface

	// resyncMapped holds the renames from an answer that Sync could not
	// adopt, until Resync completes the open flush.
	resyncMapped map[string]model.Path
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	replicaOpts []replica.Option
	log         log.Interface
}

// WithReplicaOptions passes options to the Proxy the session creates.
func WithReplicaOptions(opts ...replica.Option) SessionOption {
	return func(o *sessionOptions) { o.replicaOpts = append(o.replicaOpts, opts...) }
}

// WithSessionLogger sets the logger. The default discards everything.
func WithSessionLogger(l log.Interface) SessionOption {
	return func(o *sessionOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// NewSession fetches the authority's snapshot and starts a Proxy on it.
func NewSession(ctx context.Context, t Transport, opts ...SessionOption) (*Session, error) {
	o := sessionOptions{log: &log.Logger{Handler: discard.New(), Level: log.InfoLevel}}
	for _, opt := range opts {
		opt(&o)
	}
	snap, err := t.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &Session{
		proxy: replica.NewProxy(snap, o.replicaOpts...),
		t:     t,
		log:   o.log,
	}, nil
}

// Proxy returns the local replica for reads. Writes go through Apply.
func (s *Session) Proxy() *replica.Proxy { return s.proxy }

// Apply runs cmd on the local replica.
func (s *Session) Apply(ctx context.Context, cmd model.Command) (string, error) {
	return s.proxy.Apply(ctx, cmd)
}

// Sync flushes queued completions to the authority and adopts its answer.
//
// If the batch cannot be delivered it goes back to the queue and the error
// is returned; nothing was lost. If the answer does not fit the local
// baseline the replica resynchronises from a fresh snapshot, which already
// contains the delivered batch.
func (s *Session) Sync(ctx context.Context) (SyncReport, error) {
	batch, err := s.proxy.BeginFlush()
	if err != nil {
		return SyncReport{}, err
	}
	logger := s.log.WithFields(log.Fields{"from": batch.From, "sent": len(batch.Completions)})

	resp, err := s.t.Flush(ctx, batch)
	if err != nil {
		if cerr := s.proxy.CancelFlush(batch); cerr != nil {
			return SyncReport{}, errors.Join(err, cerr)
		}
		logger.WithError(err).Warn("flush not delivered, batch requeued")
		return SyncReport{}, err
	}

	report := SyncReport{Sent: len(batch.Completions), Errors: resp.Errors}
	res, err := s.proxy.EndFlush(resp.Sync.Sync)
	if err == nil {
		report.FlushResult = res
		logger.WithField("idsChanged", res.IDsChanged).Debug("flush done")
		return report, nil
	}
	if !errors.Is(err, replica.ErrBaselineMismatch) && !errors.Is(err, replica.ErrDiffReplay) {
		return report, err
	}

	// The fresh snapshot already holds the delivered batch under the
	// authority's names, so local edits still need its renames.
	var mapped map[string]model.Path
	if resp.Sync.Sync != nil {
		mapped = resp.Sync.Sync.Mapped()
	}
	logger.WithError(err).Warn("inconsistent sync, resynchronising")
	snap, serr := s.t.Snapshot(ctx)
	if serr != nil {
		// Leave the flush open: the batch landed, so it must not be resent.
		s.resyncMapped = mapped
		return report, fmt.Errorf("resync after %v: %w", err, serr)
	}
	res, err = s.proxy.EndFlush(&model.FullSync{Latest: snap, MappedPaths: mapped})
	if err != nil {
		return report, err
	}
	report.FlushResult = res
	report.Resynced = true
	return report, nil
}

// Resync completes an open flush from a fresh snapshot. Callers use it after
// Sync failed to fetch the snapshot for its own resync.
func (s *Session) Resync(ctx context.Context) (replica.FlushResult, error) {
	if !s.proxy.Flushing() {
		return replica.FlushResult{}, replica.ErrNoFlush
	}
	snap, err := s.t.Snapshot(ctx)
	if err != nil {
		return replica.FlushResult{}, err
	}
	res, err := s.proxy.EndFlush(&model.FullSync{Latest: snap, MappedPaths: s.resyncMapped})
	if err != nil {
		return res, err
	}
	s.resyncMapped = nil
	return res, nil
}
