package replay

import (
	"context"
	"errors"

	"github.com/daviddao/treesync/pkg/model"
)

// Interceptor is a policy consulted before a command commits. It must not
// mutate doc. ctx carries whatever the integrator attached to the request
// (for example the replica that sent the batch).
type Interceptor interface {
	Intercept(ctx context.Context, doc model.Document, cmd model.Command) Interception
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(ctx context.Context, doc model.Document, cmd model.Command) Interception

// Intercept calls f.
func (f InterceptorFunc) Intercept(ctx context.Context, doc model.Document, cmd model.Command) Interception {
	return f(ctx, doc, cmd)
}

// Interception is an interceptor's verdict. A nil Interception means
// "proceed unchanged"; otherwise it is ReplaceProps or Reject.
type Interception interface {
	isInterception()
}

// ReplaceProps lets the command proceed with different props: a full
// replacement object for Create, a partial merge object for Update.
type ReplaceProps struct {
	Props model.Props
}

// Reject stops the command. Reason becomes the CompletionError message.
type Reject struct {
	Reason string
}

func (ReplaceProps) isInterception() {}
func (Reject) isInterception()       {}

// ErrDeleteProps is reported when an interceptor tries to rewrite the props
// of a Delete, which has none.
var ErrDeleteProps = errors.New("interceptor cannot replace props of a delete")

// RejectedError carries an interceptor's rejection reason.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return e.Reason }

// ApplyCommandWithInterception applies cmd to m according to interception.
// applied is the command that actually ran: cmd itself, or a copy carrying
// the replacement props. On rejection nothing is applied and err is a
// *RejectedError.
func ApplyCommandWithInterception(m Model, cmd model.Command, interception Interception, proposedID string) (createdID string, applied model.Command, err error) {
	switch ic := interception.(type) {
	case nil:
		id, err := m.Apply(cmd, proposedID)
		return id, cmd, err
	case ReplaceProps:
		if cmd.Action == model.ActionDelete {
			return "", cmd, ErrDeleteProps
		}
		rewritten := model.Command{
			Path:          cmd.Path,
			Action:        cmd.Action,
			Props:         ic.Props,
			ParentDefault: cmd.ParentDefault,
		}
		id, err := m.Apply(rewritten, proposedID)
		return id, rewritten, err
	case Reject:
		return "", cmd, &RejectedError{Reason: ic.Reason}
	default:
		panic("replay: unknown interception type")
	}
}
