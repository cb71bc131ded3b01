package frame

import (
	"testing"

	"vmkern/mem"
)

// fakeOwner is a minimal frame.Owner for exercising the table and CLOCK in
// isolation, without pulling in the page package (which itself depends on
// frame).
type fakeOwner struct {
	name     string
	accessed bool
	dirty    bool
	loading  bool
	unloaded bool
}

func (o *fakeOwner) Accessed() bool { return o.accessed }
func (o *fakeOwner) Dirty() bool    { return o.dirty }
func (o *fakeOwner) ClearAccessed() { o.accessed = false }
func (o *fakeOwner) Loading() bool  { return o.loading }
func (o *fakeOwner) Lock()          {}
func (o *fakeOwner) Unlock()        {}
func (o *fakeOwner) Unload()        { o.unloaded = true }

func TestAllocFree(t *testing.T) {
	ft := New(mem.NewSimAllocator(2))
	o := &fakeOwner{name: "p1"}
	kaddr := ft.Alloc(o)
	if ft.Size() != 1 {
		t.Fatalf("expected one indexed frame, got %d", ft.Size())
	}
	ft.Free(kaddr)
	if ft.Size() != 0 {
		t.Fatalf("expected zero indexed frames after Free, got %d", ft.Size())
	}
}

func TestEvictPrefersUnaccessedUndirty(t *testing.T) {
	ft := New(mem.NewSimAllocator(2))
	hot := &fakeOwner{name: "hot", accessed: true}
	cold := &fakeOwner{name: "cold"}
	ft.Alloc(hot)
	ft.Alloc(cold)

	ft.Evict()

	if cold.unloaded == hot.unloaded {
		t.Fatal("expected exactly one of hot/cold to be evicted")
	}
	if hot.unloaded {
		t.Fatal("expected the accessed page to survive pass 1")
	}
	if !cold.unloaded {
		t.Fatal("expected the unaccessed, clean page to be evicted")
	}
}

func TestEvictFallsBackToPass2(t *testing.T) {
	ft := New(mem.NewSimAllocator(1))
	o := &fakeOwner{name: "only", accessed: true}
	ft.Alloc(o)

	ft.Evict()

	if !o.unloaded {
		t.Fatal("expected the sole frame to be evicted once pass 2 clears its A bit")
	}
}

func TestEvictEmptyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic evicting an empty frame table")
		}
	}()
	ft := New(mem.NewSimAllocator(1))
	ft.Evict()
}

func TestEvictSkipsLoadingOwner(t *testing.T) {
	ft := New(mem.NewSimAllocator(2))
	loading := &fakeOwner{name: "loading", loading: true}
	cold := &fakeOwner{name: "cold"}
	ft.Alloc(loading)
	ft.Alloc(cold)

	ft.Evict()

	if loading.unloaded {
		t.Fatal("expected a still-loading owner never to be chosen as a CLOCK victim")
	}
	if !cold.unloaded {
		t.Fatal("expected the non-loading owner to be evicted instead")
	}
}

func TestAllocEvictsWhenPoolExhausted(t *testing.T) {
	ft := New(mem.NewSimAllocator(1))
	first := &fakeOwner{name: "first"}
	ft.Alloc(first)

	second := &fakeOwner{name: "second"}
	ft.Alloc(second) // pool has one frame; this must evict `first`

	if !first.unloaded {
		t.Fatal("expected the first owner to have been evicted to make room")
	}
	if ft.Size() != 1 {
		t.Fatalf("expected exactly one frame indexed after the forced eviction, got %d", ft.Size())
	}
}
