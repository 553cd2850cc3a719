package replica

import (
	"context"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"

	"github.com/daviddao/treesync/pkg/document"
	"github.com/daviddao/treesync/pkg/model"
	"github.com/daviddao/treesync/pkg/replay"
)

// HistoryProvider answers "what committed between versions from and to".
// A result is only trusted when it holds exactly to-from completions in
// commit order; anything else, including an error, means the history is
// unavailable and the Master falls back to a full snapshot.
type HistoryProvider interface {
	History(ctx context.Context, from, to int64) ([]model.CommandCompletion, error)
}

// HistoryFunc adapts a function to HistoryProvider.
type HistoryFunc func(ctx context.Context, from, to int64) ([]model.CommandCompletion, error)

// History calls f.
func (f HistoryFunc) History(ctx context.Context, from, to int64) ([]model.CommandCompletion, error) {
	return f(ctx, from, to)
}

// HistoryLog is a HistoryProvider that callers append to after observing a
// Master's ApplyResult. The Master itself never writes history.
type HistoryLog interface {
	HistoryProvider
	// Append records completions committed starting at version from.
	Append(ctx context.Context, from int64, completions []model.CommandCompletion) error
}

// Option configures a Master or a Proxy.
type Option func(*options)

type options struct {
	sequentialIDs bool
	history       HistoryProvider
	interceptor   replay.Interceptor
	logger        log.Interface
}

func defaultOptions() options {
	return options{
		logger: &log.Logger{Handler: discard.New(), Level: log.InfoLevel},
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) ids() document.IDPolicy {
	if o.sequentialIDs {
		return document.SequentialIDs
	}
	return document.RandomIDs
}

// WithSequentialIDs makes created ids deterministic (count+1+attempt)
// instead of random.
func WithSequentialIDs() Option {
	return func(o *options) { o.sequentialIDs = true }
}

// WithHistory lets a Master answer stale batches with a partial diff.
// Ignored by Proxy.
func WithHistory(h HistoryProvider) Option {
	return func(o *options) { o.history = h }
}

// WithInterceptor installs a policy consulted before every command commits.
func WithInterceptor(ic replay.Interceptor) Option {
	return func(o *options) { o.interceptor = ic }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l log.Interface) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
