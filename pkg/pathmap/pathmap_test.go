package pathmap

import (
	"testing"

	"github.com/daviddao/treesync/pkg/model"
)

func TestGet_EmptyMisses(t *testing.T) {
	r := New(nil)
	if _, ok := r.Get(model.Path{"a"}); ok {
		t.Fatal("empty remapper should miss")
	}
	if r.Mappings() != nil {
		t.Fatal("empty remapper should report no mappings")
	}
}

func TestGet_ExactMatch(t *testing.T) {
	r := New(nil)
	r.Put(model.Path{"5"}, model.Path{"7"})
	got, ok := r.Get(model.Path{"5"})
	if !ok || !got.Equal(model.Path{"7"}) {
		t.Fatalf("Get([5]) = %v, %v; want [7], true", got, ok)
	}
}

func TestGet_DescendantIsRewritten(t *testing.T) {
	r := New(nil)
	r.Put(model.Path{"root", "5"}, model.Path{"root", "7"})

	got, ok := r.Get(model.Path{"root", "5", "a", "b"})
	if !ok {
		t.Fatal("descendant of a renamed node should map")
	}
	if want := (model.Path{"root", "7", "a", "b"}); !got.Equal(want) {
		t.Fatalf("Get = %v, want %v", got, want)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (derived mapping memoized)", r.Len())
	}
}

func TestGet_SiblingUntouched(t *testing.T) {
	r := New(nil)
	r.Put(model.Path{"root", "5"}, model.Path{"root", "7"})
	for _, p := range []model.Path{{"root"}, {"root", "6"}, {"root", "55"}, {}} {
		if got, ok := r.Get(p); ok {
			t.Fatalf("Get(%v) = %v, want miss", p, got)
		}
	}
}

func TestGet_LongestPrefixWins(t *testing.T) {
	r := New(nil)
	r.Put(model.Path{"a"}, model.Path{"A"})
	r.Put(model.Path{"a", "b"}, model.Path{"A", "B"})
	got, _ := r.Get(model.Path{"a", "b", "c"})
	if want := (model.Path{"A", "B", "c"}); !got.Equal(want) {
		t.Fatalf("Get = %v, want %v", got, want)
	}
}

func TestPut_Overwrites(t *testing.T) {
	r := New(nil)
	r.Put(model.Path{"a"}, model.Path{"b"})
	r.Put(model.Path{"a"}, model.Path{"c"})
	got, _ := r.Get(model.Path{"a"})
	if !got.Equal(model.Path{"c"}) {
		t.Fatalf("Get = %v, want [c]", got)
	}
}

func TestNew_CopiesSeed(t *testing.T) {
	seed := map[string]model.Path{"1": {"4"}}
	r := New(seed)
	r.Get(model.Path{"1", "branch"})
	if len(seed) != 1 {
		t.Fatalf("seed grew to %d entries", len(seed))
	}
	got, ok := r.Get(model.Path{"1", "branch"})
	if !ok || !got.Equal(model.Path{"4", "branch"}) {
		t.Fatalf("Get = %v, %v", got, ok)
	}
}

func TestGet_ResultDoesNotAliasStorage(t *testing.T) {
	r := New(nil)
	r.Put(model.Path{"a"}, model.Path{"b"})
	got, _ := r.Get(model.Path{"a"})
	got[0] = "mutated"
	again, _ := r.Get(model.Path{"a"})
	if again[0] != "b" {
		t.Fatal("returned path aliases remapper storage")
	}
}
