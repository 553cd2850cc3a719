package replica

import (
	"context"
	"errors"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"

	"github.com/daviddao/treesync/pkg/model"
	"github.com/daviddao/treesync/pkg/replay"
)

// testHistory mirrors what an integrator does: append every ApplyResult, and
// ignore appends that would leave a gap.
type testHistory struct {
	entries []model.CommandCompletion
	err     error
}

func (h *testHistory) History(_ context.Context, from, to int64) ([]model.CommandCompletion, error) {
	if h.err != nil {
		return nil, h.err
	}
	if from < 0 || to > int64(len(h.entries)) || from > to {
		return nil, nil
	}
	return append([]model.CommandCompletion(nil), h.entries[from:to]...), nil
}

func (h *testHistory) Append(_ context.Context, from int64, completions []model.CommandCompletion) error {
	if int64(len(h.entries)) == from {
		h.entries = append(h.entries, completions...)
	}
	return nil
}

var _ HistoryLog = (*testHistory)(nil)

func emptySnapshot() model.Snapshot {
	return model.Snapshot{Document: model.Document{}}
}

func createBatch(from int64, id string) model.CompletionBatch {
	return model.CompletionBatch{
		From:        from,
		Completions: []model.CommandCompletion{{Command: model.Command{Action: model.ActionCreate}, CreatedID: id}},
	}
}

func applyAndRecord(t *testing.T, m *Master, h *testHistory, batch model.CompletionBatch) ApplyResult {
	t.Helper()
	res := m.Apply(context.Background(), batch)
	if h != nil {
		if err := h.Append(context.Background(), res.Applied.From, res.Applied.Completions); err != nil {
			t.Fatal(err)
		}
	}
	return res
}

func TestMaster_ApplyCleanBatch(t *testing.T) {
	m := NewMaster(emptySnapshot())
	res := m.Apply(context.Background(), createBatch(0, "1"))

	if m.CommandCount() != 1 {
		t.Fatalf("count = %d, want 1", m.CommandCount())
	}
	if res.Sync != nil {
		t.Fatalf("sync = %#v, want nil", res.Sync)
	}
	if res.Errors != nil {
		t.Fatalf("errors = %+v, want nil", res.Errors)
	}
	if _, ok := m.Snapshot().Document["1"]; !ok {
		t.Fatal("node 1 missing")
	}
	if res.Applied.From != 0 || len(res.Applied.Completions) != 1 {
		t.Fatalf("applied = %+v", res.Applied)
	}
}

func TestMaster_SameCreateTwice(t *testing.T) {
	m := NewMaster(emptySnapshot(), WithSequentialIDs())
	m.Apply(context.Background(), createBatch(0, "1"))
	m.Apply(context.Background(), createBatch(0, "1"))

	if m.CommandCount() != 2 {
		t.Fatalf("count = %d, want 2", m.CommandCount())
	}
	doc := m.Snapshot().Document
	if _, ok := doc["1"]; !ok {
		t.Fatal("node 1 missing")
	}
	if _, ok := doc["3"]; !ok {
		t.Fatalf("renamed node 3 missing: %v", doc)
	}
}

func TestMaster_StaleWithoutHistoryIsFull(t *testing.T) {
	m := NewMaster(emptySnapshot(), WithSequentialIDs())
	m.Apply(context.Background(), createBatch(0, "1"))
	res := m.Apply(context.Background(), createBatch(0, "1"))

	full, ok := res.Sync.(*model.FullSync)
	if !ok {
		t.Fatalf("sync = %T, want *model.FullSync", res.Sync)
	}
	if full.Latest.CommandCount != 2 {
		t.Fatalf("latest count = %d, want 2", full.Latest.CommandCount)
	}
	if got := full.MappedPaths[model.Path{"1"}.Key()]; !got.Equal(model.Path{"3"}) {
		t.Fatalf("mappedPaths = %v, want 1 -> 3", full.MappedPaths)
	}
}

func TestMaster_StaleWithHistoryIsPartial(t *testing.T) {
	h := &testHistory{}
	m := NewMaster(emptySnapshot(), WithHistory(h))
	applyAndRecord(t, m, h, createBatch(0, "1"))
	res := applyAndRecord(t, m, h, createBatch(0, "1"))

	partial, ok := res.Sync.(*model.PartialSync)
	if !ok {
		t.Fatalf("sync = %T, want *model.PartialSync", res.Sync)
	}
	if partial.Diff.From != 0 {
		t.Fatalf("diff from = %d, want 0", partial.Diff.From)
	}
	if len(partial.Diff.Completions) != 2 {
		t.Fatalf("diff has %d completions, want 2", len(partial.Diff.Completions))
	}
}

func TestMaster_PartialVersusFullSelection(t *testing.T) {
	const n = 3
	setup := func(h *testHistory, opts ...Option) *Master {
		m := NewMaster(emptySnapshot(), append(opts, WithSequentialIDs())...)
		for i := 0; i < n; i++ {
			applyAndRecord(t, m, h, model.CompletionBatch{
				From:        int64(i),
				Completions: []model.CommandCompletion{{Command: model.Command{Action: model.ActionCreate}, CreatedID: string(rune('a' + i))}},
			})
		}
		return m
	}
	stale := model.CompletionBatch{
		From: 0,
		Completions: []model.CommandCompletion{
			{Command: model.Command{Action: model.ActionCreate}, CreatedID: "x"},
			{Command: model.Command{Action: model.ActionCreate}, CreatedID: "y"},
		},
	}

	t.Run("complete history", func(t *testing.T) {
		h := &testHistory{}
		m := setup(h, WithHistory(h))
		res := m.Apply(context.Background(), stale)
		p, ok := res.Sync.(*model.PartialSync)
		if !ok {
			t.Fatalf("sync = %T, want partial", res.Sync)
		}
		if want := n + len(res.Applied.Completions); len(p.Diff.Completions) != want {
			t.Fatalf("diff len = %d, want %d", len(p.Diff.Completions), want)
		}
	})

	t.Run("no provider", func(t *testing.T) {
		m := setup(nil)
		res := m.Apply(context.Background(), stale)
		f, ok := res.Sync.(*model.FullSync)
		if !ok {
			t.Fatalf("sync = %T, want full", res.Sync)
		}
		if f.Latest.CommandCount != n+2 {
			t.Fatalf("latest count = %d, want %d", f.Latest.CommandCount, n+2)
		}
	})

	t.Run("short history", func(t *testing.T) {
		h := &testHistory{}
		m := setup(h, WithHistory(h))
		h.entries = h.entries[:n-1]
		res := m.Apply(context.Background(), stale)
		f, ok := res.Sync.(*model.FullSync)
		if !ok {
			t.Fatalf("sync = %T, want full", res.Sync)
		}
		if f.Latest.CommandCount != n+2 {
			t.Fatalf("latest count = %d, want %d", f.Latest.CommandCount, n+2)
		}
	})
}

func TestMaster_HistoryErrorFallsBackAndLogs(t *testing.T) {
	handler := memory.New()
	logger := &log.Logger{Handler: handler, Level: log.DebugLevel}
	h := &testHistory{}
	m := NewMaster(emptySnapshot(), WithHistory(h), WithLogger(logger))
	applyAndRecord(t, m, h, createBatch(0, "1"))

	h.err = errors.New("disk on fire")
	res := m.Apply(context.Background(), createBatch(0, "2"))
	if _, ok := res.Sync.(*model.FullSync); !ok {
		t.Fatalf("sync = %T, want full", res.Sync)
	}
	found := false
	for _, e := range handler.Entries {
		if e.Level == log.WarnLevel && e.Message == "history unavailable" {
			found = true
		}
	}
	if !found {
		t.Fatal("history failure was not logged")
	}
}

func TestMaster_InBatchCollisionGetsPartialFromStart(t *testing.T) {
	m := NewMaster(model.Snapshot{CommandCount: 5, Document: model.Document{"6": map[string]any{}}}, WithSequentialIDs())
	res := m.Apply(context.Background(), createBatch(5, "6"))

	p, ok := res.Sync.(*model.PartialSync)
	if !ok {
		t.Fatalf("sync = %T, want partial", res.Sync)
	}
	if p.Diff.From != 5 || len(p.Diff.Completions) != 1 {
		t.Fatalf("diff = %+v", p.Diff)
	}
	if p.Diff.Completions[0].CreatedID == "6" {
		t.Fatal("diff should carry the reassigned id")
	}
	if len(p.MappedPaths) != 1 {
		t.Fatalf("mappedPaths = %v", p.MappedPaths)
	}
}

func TestMaster_ErrorsExcludedFromApplied(t *testing.T) {
	m := NewMaster(emptySnapshot())
	batch := model.CompletionBatch{From: 0, Completions: []model.CommandCompletion{
		{Command: model.Command{Action: model.ActionUpdate, Path: model.Path{"missing"}}},
		{Command: model.Command{Action: model.ActionCreate}, CreatedID: "a"},
	}}
	res := m.Apply(context.Background(), batch)
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if len(res.Applied.Completions) != 1 || res.Applied.Completions[0].CreatedID != "a" {
		t.Fatalf("applied = %+v", res.Applied)
	}
	if res.Sync == nil {
		t.Fatal("a failed completion leaves the sender divergent and needs a sync")
	}
}

func TestMaster_InterceptorRejection(t *testing.T) {
	ic := replay.InterceptorFunc(func(_ context.Context, _ model.Document, cmd model.Command) replay.Interception {
		if cmd.Props["secret"] != nil {
			return replay.Reject{Reason: "secrets are not replicated"}
		}
		return nil
	})
	m := NewMaster(emptySnapshot(), WithInterceptor(ic))
	batch := model.CompletionBatch{From: 0, Completions: []model.CommandCompletion{
		{Command: model.Command{Action: model.ActionCreate, Props: model.Props{"secret": "x"}}, CreatedID: "a"},
	}}
	res := m.Apply(context.Background(), batch)
	if len(res.Errors) != 1 || res.Errors[0].ErrorMessage != "secrets are not replicated" {
		t.Fatalf("errors = %+v", res.Errors)
	}
	if m.CommandCount() != 0 {
		t.Fatalf("count = %d, want 0", m.CommandCount())
	}
}

func TestMaster_Restore(t *testing.T) {
	h := &testHistory{}
	m := NewMaster(emptySnapshot(), WithSequentialIDs())
	applyAndRecord(t, m, h, createBatch(0, "1"))
	applyAndRecord(t, m, h, createBatch(1, "2"))

	restored := NewMaster(emptySnapshot(), WithSequentialIDs())
	if err := restored.Restore(context.Background(), h.entries); err != nil {
		t.Fatal(err)
	}
	if restored.CommandCount() != 2 {
		t.Fatalf("count = %d, want 2", restored.CommandCount())
	}
}

func TestMaster_RestoreRejectsDivergentHistory(t *testing.T) {
	m := NewMaster(model.Snapshot{Document: model.Document{"1": map[string]any{}}})
	err := m.Restore(context.Background(), createBatch(0, "1").Completions)
	if err == nil {
		t.Fatal("expected error when history collides with the checkpoint")
	}
}

func TestMaster_SnapshotIsDetached(t *testing.T) {
	m := NewMaster(emptySnapshot())
	snap := m.Snapshot()
	snap.Document["injected"] = map[string]any{}
	if _, ok := m.Snapshot().Document["injected"]; ok {
		t.Fatal("snapshot aliases the master's document")
	}
}
