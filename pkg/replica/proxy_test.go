package replica

import (
	"context"
	"errors"
	"testing"

	"github.com/daviddao/treesync/pkg/model"
	"github.com/daviddao/treesync/pkg/replay"
)

func snapshotAt(count int64) model.Snapshot {
	return model.Snapshot{CommandCount: count, Document: model.Document{}}
}

func mustApply(t *testing.T, p *Proxy, cmd model.Command) string {
	t.Helper()
	id, err := p.Apply(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Apply(%+v): %v", cmd, err)
	}
	return id
}

func mustBegin(t *testing.T, p *Proxy) model.CompletionBatch {
	t.Helper()
	batch, err := p.BeginFlush()
	if err != nil {
		t.Fatalf("BeginFlush: %v", err)
	}
	return batch
}

func mustEnd(t *testing.T, p *Proxy, sync model.Sync) FlushResult {
	t.Helper()
	res, err := p.EndFlush(sync)
	if err != nil {
		t.Fatalf("EndFlush: %v", err)
	}
	return res
}

func node(t *testing.T, doc model.Document, id string) map[string]any {
	t.Helper()
	n, ok := doc[id].(map[string]any)
	if !ok {
		t.Fatalf("node %q missing from %v", id, doc)
	}
	return n
}

func TestProxy_ApplyUpdatesDocument(t *testing.T) {
	p := NewProxy(snapshotAt(0), WithSequentialIDs())
	id := mustApply(t, p, model.Command{Action: model.ActionCreate})

	if id != "1" {
		t.Fatalf("id = %q, want 1", id)
	}
	if p.CommandCount() != 1 {
		t.Fatalf("count = %d, want 1", p.CommandCount())
	}
	node(t, p.Document(), "1")
}

func TestProxy_ApplyQueuesCompletion(t *testing.T) {
	p := NewProxy(snapshotAt(23))
	mustApply(t, p, model.Command{Action: model.ActionCreate})

	batch := mustBegin(t, p)
	if batch.From != 23 {
		t.Fatalf("from = %d, want 23", batch.From)
	}
	if len(batch.Completions) != 1 {
		t.Fatalf("got %d completions, want 1", len(batch.Completions))
	}
	c := batch.Completions[0]
	if c.Command.Action != model.ActionCreate || c.CreatedID == "" {
		t.Fatalf("completion = %+v", c)
	}
}

func TestProxy_CompletionsKeepOrder(t *testing.T) {
	p := NewProxy(snapshotAt(23))
	id := mustApply(t, p, model.Command{Action: model.ActionCreate})
	mustApply(t, p, model.Command{Action: model.ActionUpdate, Path: model.Path{id}})

	batch := mustBegin(t, p)
	if p.CommandCount() != 25 {
		t.Fatalf("count = %d, want 25", p.CommandCount())
	}
	if batch.From != 23 || len(batch.Completions) != 2 {
		t.Fatalf("batch = %+v", batch)
	}
	if batch.Completions[0].Command.Action != model.ActionCreate || batch.Completions[1].Command.Action != model.ActionUpdate {
		t.Fatalf("order = %s, %s", batch.Completions[0].Command.Action, batch.Completions[1].Command.Action)
	}
}

func TestProxy_FailedCommandNotQueued(t *testing.T) {
	p := NewProxy(snapshotAt(23))
	_, err := p.Apply(context.Background(), model.Command{
		Action: model.ActionUpdate,
		Path:   model.Path{"does_not_exist"},
		Props:  model.Props{"value": 3},
	})
	if err == nil {
		t.Fatal("expected error")
	}

	batch := mustBegin(t, p)
	if p.CommandCount() != 23 {
		t.Fatalf("count = %d, want 23", p.CommandCount())
	}
	if batch.From != 23 || len(batch.Completions) != 0 {
		t.Fatalf("batch = %+v", batch)
	}
}

func TestProxy_EmptyFlush(t *testing.T) {
	p := NewProxy(snapshotAt(23))
	batch := mustBegin(t, p)
	if batch.From != 23 {
		t.Fatalf("from = %d, want 23", batch.From)
	}
	if batch.Completions == nil || len(batch.Completions) != 0 {
		t.Fatalf("completions = %#v, want empty non-nil", batch.Completions)
	}
}

func TestProxy_SecondFlushCarriesOnlyNewCommands(t *testing.T) {
	p := NewProxy(snapshotAt(23))
	id := mustApply(t, p, model.Command{Action: model.ActionCreate})
	mustBegin(t, p)
	mustApply(t, p, model.Command{Action: model.ActionUpdate, Path: model.Path{id}})
	mustEnd(t, p, nil)

	batch := mustBegin(t, p)
	if batch.From != 24 {
		t.Fatalf("from = %d, want 24", batch.From)
	}
	if len(batch.Completions) != 1 || batch.Completions[0].Command.Action != model.ActionUpdate {
		t.Fatalf("completions = %+v", batch.Completions)
	}
}

func TestProxy_FullSyncDiscardsOldModel(t *testing.T) {
	p := NewProxy(snapshotAt(23))
	mustApply(t, p, model.Command{Action: model.ActionCreate})
	mustBegin(t, p)

	res := mustEnd(t, p, &model.FullSync{Latest: snapshotAt(55)})
	if !res.IDsChanged {
		t.Fatal("full sync must report idsChanged")
	}
	if p.CommandCount() != 55 {
		t.Fatalf("count = %d, want 55", p.CommandCount())
	}
	if len(p.Document()) != 0 {
		t.Fatalf("document = %v, want empty", p.Document())
	}
	if p.CommittedCount() != 55 {
		t.Fatalf("committed = %d, want 55", p.CommittedCount())
	}
}

func TestProxy_FullSyncReappliesUncommitted(t *testing.T) {
	p := NewProxy(snapshotAt(23))
	mustApply(t, p, model.Command{Action: model.ActionCreate})
	mustBegin(t, p)
	id := mustApply(t, p, model.Command{Action: model.ActionCreate})

	mustEnd(t, p, &model.FullSync{Latest: snapshotAt(55)})
	if p.CommandCount() != 56 {
		t.Fatalf("count = %d, want 56", p.CommandCount())
	}
	if n := node(t, p.Document(), id); len(n) != 0 {
		t.Fatalf("node = %v, want empty", n)
	}
	if p.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", p.Pending())
	}
}

func partialCreate(from int64, id string, props model.Props) *model.PartialSync {
	return &model.PartialSync{Diff: model.CompletionBatch{
		From: from,
		Completions: []model.CommandCompletion{
			{Command: model.Command{Action: model.ActionCreate, Props: props}, CreatedID: id},
		},
	}}
}

func TestProxy_PartialSyncUpdatesModel(t *testing.T) {
	p := NewProxy(snapshotAt(23))
	mustBegin(t, p)

	mustEnd(t, p, partialCreate(23, "5345", nil))
	if p.CommandCount() != 24 {
		t.Fatalf("count = %d, want 24", p.CommandCount())
	}
	node(t, p.Document(), "5345")
}

func TestProxy_PartialSyncReappliesUncommitted(t *testing.T) {
	p := NewProxy(snapshotAt(23))
	mustBegin(t, p)
	id := mustApply(t, p, model.Command{Action: model.ActionCreate})

	res := mustEnd(t, p, partialCreate(23, "5345", nil))
	if res.IDsChanged {
		t.Fatal("idsChanged = true, want false")
	}
	if p.CommandCount() != 25 {
		t.Fatalf("count = %d, want 25", p.CommandCount())
	}
	node(t, p.Document(), id)
}

func TestProxy_PartialSyncRemapsUncommittedPaths(t *testing.T) {
	p := NewProxy(snapshotAt(23))
	mustBegin(t, p)
	id := mustApply(t, p, model.Command{Action: model.ActionCreate})

	res := mustEnd(t, p, partialCreate(23, id, model.Props{"syncCreated": true}))
	if !res.IDsChanged {
		t.Fatal("idsChanged = false, want true")
	}
	if p.CommandCount() != 25 {
		t.Fatalf("count = %d, want 25", p.CommandCount())
	}
	n := node(t, p.Document(), id)
	if n["syncCreated"] != true || len(n) != 1 {
		t.Fatalf("node %q = %v, want the synced one", id, n)
	}
}

func TestProxy_PartialSyncAppliesMappedPaths(t *testing.T) {
	p := NewProxy(snapshotAt(0), WithSequentialIDs())
	mustApply(t, p, model.Command{Action: model.ActionCreate})
	mustBegin(t, p)
	mustApply(t, p, model.Command{Action: model.ActionUpdate, Path: model.Path{"1"}, Props: model.Props{"later": true}})

	sync := &model.PartialSync{
		Diff: model.CompletionBatch{From: 0, Completions: []model.CommandCompletion{
			{Command: model.Command{Action: model.ActionCreate}, CreatedID: "1"},
			{Command: model.Command{Action: model.ActionCreate}, CreatedID: "3"},
		}},
		MappedPaths: map[string]model.Path{model.Path{"1"}.Key(): {"3"}},
	}
	res := mustEnd(t, p, sync)
	if !res.IDsChanged {
		t.Fatal("idsChanged = false, want true")
	}
	if node(t, p.Document(), "3")["later"] != true {
		t.Fatalf("uncommitted update did not follow the rename: %v", p.Document())
	}
	if node(t, p.Document(), "1")["later"] != nil {
		t.Fatal("update landed on the foreign node")
	}
}

func TestProxy_CancelFlushAllowsNewBegin(t *testing.T) {
	p := NewProxy(snapshotAt(23))
	mustApply(t, p, model.Command{Action: model.ActionCreate})
	flush1 := mustBegin(t, p)
	mustApply(t, p, model.Command{Action: model.ActionCreate})

	if err := p.CancelFlush(flush1); err != nil {
		t.Fatal(err)
	}
	flush2 := mustBegin(t, p)
	if len(flush1.Completions) != 1 {
		t.Fatalf("flush1 has %d completions, want 1", len(flush1.Completions))
	}
	if flush2.From != 23 || len(flush2.Completions) != 2 {
		t.Fatalf("flush2 = %+v", flush2)
	}
	if flush2.Completions[0].CreatedID != flush1.Completions[0].CreatedID {
		t.Fatal("cancelled batch must come first")
	}
}

func TestProxy_ProtocolErrors(t *testing.T) {
	t.Run("begin twice", func(t *testing.T) {
		p := NewProxy(snapshotAt(0))
		mustBegin(t, p)
		if _, err := p.BeginFlush(); !errors.Is(err, ErrFlushInProgress) {
			t.Fatalf("err = %v, want ErrFlushInProgress", err)
		}
	})

	t.Run("end without begin", func(t *testing.T) {
		p := NewProxy(snapshotAt(0))
		if _, err := p.EndFlush(nil); !errors.Is(err, ErrNoFlush) {
			t.Fatalf("err = %v, want ErrNoFlush", err)
		}
	})

	t.Run("cancel without begin", func(t *testing.T) {
		p := NewProxy(snapshotAt(0))
		if err := p.CancelFlush(model.CompletionBatch{}); !errors.Is(err, ErrNoFlush) {
			t.Fatalf("err = %v, want ErrNoFlush", err)
		}
	})

	t.Run("baseline mismatch", func(t *testing.T) {
		p := NewProxy(snapshotAt(10))
		mustApply(t, p, model.Command{Action: model.ActionCreate})
		mustBegin(t, p)
		before := p.Snapshot()

		_, err := p.EndFlush(partialCreate(3, "x", nil))
		if !errors.Is(err, ErrBaselineMismatch) {
			t.Fatalf("err = %v, want ErrBaselineMismatch", err)
		}
		if !p.Flushing() {
			t.Fatal("flush should stay open after a protocol error")
		}
		if p.CommandCount() != before.CommandCount || len(p.Document()) != len(before.Document) {
			t.Fatal("state changed after a protocol error")
		}
	})

	t.Run("diff does not replay", func(t *testing.T) {
		p := NewProxy(snapshotAt(0))
		mustBegin(t, p)
		sync := &model.PartialSync{Diff: model.CompletionBatch{From: 0, Completions: []model.CommandCompletion{
			{Command: model.Command{Action: model.ActionUpdate, Path: model.Path{"ghost"}}},
		}}}
		if _, err := p.EndFlush(sync); !errors.Is(err, ErrDiffReplay) {
			t.Fatalf("err = %v, want ErrDiffReplay", err)
		}
	})
}

func TestProxy_UncommittedDroppedWhenInvalidated(t *testing.T) {
	p := NewProxy(snapshotAt(0), WithSequentialIDs())
	id := mustApply(t, p, model.Command{Action: model.ActionCreate})
	mustBegin(t, p)
	mustApply(t, p, model.Command{Action: model.ActionUpdate, Path: model.Path{id}, Props: model.Props{"x": 1}})

	// The authority dropped the create, so the update has nowhere to land.
	res := mustEnd(t, p, &model.FullSync{Latest: snapshotAt(7)})
	if !res.IDsChanged {
		t.Fatal("idsChanged = false, want true")
	}
	if p.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", p.Pending())
	}
	if p.CommandCount() != 7 {
		t.Fatalf("count = %d, want 7", p.CommandCount())
	}
}

func TestProxy_InterceptorRewritesLocalCommand(t *testing.T) {
	ic := replay.InterceptorFunc(func(_ context.Context, _ model.Document, cmd model.Command) replay.Interception {
		if cmd.Action == model.ActionCreate {
			return replay.ReplaceProps{Props: model.Props{"owner": "local"}}
		}
		return nil
	})
	p := NewProxy(snapshotAt(0), WithInterceptor(ic))
	id := mustApply(t, p, model.Command{Action: model.ActionCreate, Props: model.Props{"owner": "spoofed"}})

	if node(t, p.Document(), id)["owner"] != "local" {
		t.Fatalf("document = %v", p.Document())
	}
	batch := mustBegin(t, p)
	if batch.Completions[0].Command.Props["owner"] != "local" {
		t.Fatalf("queued props = %v, want the rewritten ones", batch.Completions[0].Command.Props)
	}
}

func TestProxy_ApplyCopiesCommand(t *testing.T) {
	p := NewProxy(snapshotAt(0))
	props := model.Props{"k": "v"}
	mustApply(t, p, model.Command{Action: model.ActionCreate, Props: props})
	props["k"] = "mutated"

	batch := mustBegin(t, p)
	if batch.Completions[0].Command.Props["k"] != "v" {
		t.Fatal("queued completion aliases caller props")
	}
}
