package history_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daviddao/treesync/pkg/history"
	"github.com/daviddao/treesync/pkg/model"
	"github.com/daviddao/treesync/pkg/replica"
)

type prunableLog interface {
	replica.HistoryLog
	Prune(ctx context.Context, before int64) (int, error)
	Reset(ctx context.Context, at int64) error
}

func creates(ids ...string) []model.CommandCompletion {
	out := make([]model.CommandCompletion, len(ids))
	for i, id := range ids {
		out[i] = model.CommandCompletion{Command: model.Command{Action: model.ActionCreate}, CreatedID: id}
	}
	return out
}

func ids(cs []model.CommandCompletion) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.CreatedID
	}
	return out
}

// testLogBasic runs against a log whose first entry is at 0.
func testLogBasic(t *testing.T, l prunableLog) {
	ctx := context.Background()

	// empty range on empty log
	got, err := l.History(ctx, 0, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	// missing range
	got, err = l.History(ctx, 0, 1)
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, l.Append(ctx, 0, creates("a", "b")))
	require.NoError(t, l.Append(ctx, 2, creates("c")))
	require.NoError(t, l.Append(ctx, 3, nil))

	got, err = l.History(ctx, 0, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids(got))

	got, err = l.History(ctx, 1, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, ids(got))

	// past the head
	got, err = l.History(ctx, 1, 4)
	require.NoError(t, err)
	require.Nil(t, got)

	// inverted
	got, err = l.History(ctx, 2, 1)
	require.NoError(t, err)
	require.Nil(t, got)

	// gaps and overlaps are refused
	require.ErrorIs(t, l.Append(ctx, 5, creates("x")), history.ErrGap)
	require.ErrorIs(t, l.Append(ctx, 1, creates("x")), history.ErrGap)

	got, err = l.History(ctx, 0, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids(got))

	// prune the first two
	n, err := l.Prune(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err = l.History(ctx, 0, 3)
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = l.History(ctx, 2, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, ids(got))

	// pruning again is a no-op
	n, err = l.Prune(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// appends continue at the head
	require.NoError(t, l.Append(ctx, 3, creates("d")))
	got, err = l.History(ctx, 2, 4)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d"}, ids(got))

	// reset forgets everything and moves the head past a hole
	require.NoError(t, l.Reset(ctx, 7))
	got, err = l.History(ctx, 2, 4)
	require.NoError(t, err)
	require.Nil(t, got)
	require.ErrorIs(t, l.Append(ctx, 4, creates("x")), history.ErrGap)
	require.NoError(t, l.Append(ctx, 7, creates("h")))
	got, err = l.History(ctx, 7, 8)
	require.NoError(t, err)
	require.Equal(t, []string{"h"}, ids(got))
}

func TestMemoryLogBasic(t *testing.T) {
	testLogBasic(t, history.NewMemoryLog(0))
}

func TestBoltLogBasic(t *testing.T) {
	l, err := history.OpenBolt(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	testLogBasic(t, l)
}

func TestMemoryLogBaseAndHead(t *testing.T) {
	ctx := context.Background()
	l := history.NewMemoryLog(10)
	require.Equal(t, int64(10), l.Head())

	require.ErrorIs(t, l.Append(ctx, 0, creates("a")), history.ErrGap)
	require.NoError(t, l.Append(ctx, 10, creates("a", "b")))
	require.Equal(t, int64(12), l.Head())
	require.Equal(t, int64(10), l.Base())

	n, err := l.Prune(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, int64(12), l.Base())
	require.Equal(t, int64(12), l.Head())
}

func TestBoltLogPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	l, err := history.OpenBolt(path)
	require.NoError(t, err)
	// a fresh file starts wherever the first append says
	require.NoError(t, l.Append(ctx, 7, creates("a")))
	require.NoError(t, l.Append(ctx, 8, []model.CommandCompletion{{
		Command: model.Command{Action: model.ActionUpdate, Path: model.Path{"a"}, Props: model.Props{"v": "x"}},
	}}))
	require.NoError(t, l.Close())

	l, err = history.OpenBolt(path)
	require.NoError(t, err)
	defer l.Close()

	head, err := l.Head()
	require.NoError(t, err)
	require.Equal(t, int64(9), head)
	base, err := l.Base()
	require.NoError(t, err)
	require.Equal(t, int64(7), base)

	got, err := l.History(ctx, 7, 9)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, model.ActionUpdate, got[1].Command.Action)
	require.Equal(t, model.Path{"a"}, got[1].Command.Path)
	require.Equal(t, "x", got[1].Command.Props["v"])
}

func TestLogsServeMaster(t *testing.T) {
	ctx := context.Background()
	bolt, err := history.OpenBolt(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	for name, l := range map[string]replica.HistoryLog{
		"memory": history.NewMemoryLog(0),
		"bolt":   bolt,
	} {
		t.Run(name, func(t *testing.T) {
			m := replica.NewMaster(model.Snapshot{Document: model.Document{}}, replica.WithSequentialIDs(), replica.WithHistory(l))
			for _, b := range []model.CompletionBatch{
				{From: 0, Completions: creates("1")},
				{From: 0, Completions: creates("1")},
			} {
				res := m.Apply(ctx, b)
				require.NoError(t, l.Append(ctx, res.Applied.From, res.Applied.Completions))
				if b.From == 0 && res.Applied.From == 1 {
					partial, ok := res.Sync.(*model.PartialSync)
					require.True(t, ok, "want partial sync, got %T", res.Sync)
					require.Equal(t, []string{"1", "3"}, ids(partial.Diff.Completions))
				}
			}
		})
	}
}
