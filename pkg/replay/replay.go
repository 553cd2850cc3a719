// Package replay applies recorded completions to a document model.
//
// The same routine serves every reconciliation step: the authority applying
// an incoming batch, a replica replaying a diff, and a replica re-applying
// its own not-yet-committed edits on top of freshly adopted state. Each
// completion's path is corrected through a pathmap.Remapper, an optional
// Interceptor may veto or rewrite it, and identifier renames are fed back
// into the remapper so later completions follow them.
//
// A failed completion is recorded and skipped; it never stops the batch.
// Later completions still see every mutation made by earlier ones in the
// same batch, including when a completion in between was rejected.
package replay

import (
	"context"

	"github.com/daviddao/treesync/pkg/model"
	"github.com/daviddao/treesync/pkg/pathmap"
)

// Model is the subset of a document model the applier drives.
type Model interface {
	Document() model.Document
	CommandCount() int64
	Apply(cmd model.Command, proposedID string) (string, error)
}

// Outcome describes a batch that did not apply verbatim.
type Outcome struct {
	// Applied holds what actually ran, starting at the model's count before
	// the call. Failed completions are absent.
	Applied model.CompletionBatch
	// Errors has one entry per failed completion, or is nil.
	Errors []model.CompletionError
}

// ApplyCompletions applies completions to m in order. It returns nil when
// every completion applied exactly as recorded: no path was remapped, no
// props were rewritten, no id changed and nothing failed. Callers use that
// to reuse the original batch.
func ApplyCompletions(ctx context.Context, m Model, completions []model.CommandCompletion, r *pathmap.Remapper, ic Interceptor) *Outcome {
	start := m.CommandCount()
	acc := accumulator{src: completions}
	var errs []model.CompletionError

	for i, c := range completions {
		cmd := c.Command
		path := cmd.Path
		changed := false

		if mapped, ok := r.Get(path); ok {
			path = mapped
			cmd.Path = mapped
			changed = true
		}

		var verdict Interception
		if ic != nil {
			verdict = ic.Intercept(ctx, m.Document(), cmd)
			if verdict != nil {
				changed = true
			}
		}

		id, applied, err := ApplyCommandWithInterception(m, cmd, verdict, c.CreatedID)
		if err != nil {
			acc.drop()
			errs = append(errs, model.CompletionError{
				Action:       c.Command.Action,
				Path:         path.Clone(),
				ErrorMessage: err.Error(),
			})
			continue
		}

		if id != "" && id != c.CreatedID {
			changed = true
			if c.CreatedID != "" {
				r.Put(path.Child(c.CreatedID), path.Child(id))
			}
		}

		if changed {
			acc.add(model.CommandCompletion{Command: applied, CreatedID: id})
		} else {
			acc.keep(i)
		}
	}

	if !acc.diverged {
		return nil
	}
	return &Outcome{
		Applied: model.CompletionBatch{From: start, Completions: acc.out},
		Errors:  errs,
	}
}

// accumulator builds the output batch lazily. Until the first difference it
// only counts the unchanged prefix; on the first difference it copies that
// prefix into an owned slice and appends from then on.
type accumulator struct {
	src       []model.CommandCompletion
	unchanged int
	out       []model.CommandCompletion
	diverged  bool
}

func (a *accumulator) keep(i int) {
	if !a.diverged {
		a.unchanged = i + 1
		return
	}
	a.out = append(a.out, a.src[i])
}

func (a *accumulator) add(c model.CommandCompletion) {
	a.diverge()
	a.out = append(a.out, c)
}

func (a *accumulator) drop() { a.diverge() }

func (a *accumulator) diverge() {
	if a.diverged {
		return
	}
	a.diverged = true
	a.out = make([]model.CommandCompletion, a.unchanged, len(a.src))
	copy(a.out, a.src[:a.unchanged])
}
