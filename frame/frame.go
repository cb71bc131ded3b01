// Package frame implements the global frame table and two-handed CLOCK
// eviction, grounded in original_source's frame.c (the hash-table-of-
// frames plus two-pass scan this was distilled from) and adapted into the
// teacher's locking and table idiom: the index is the teacher's own
// hashtable package (hashtable.MkHash), and the table itself carries a
// single coarse lock the way the teacher's Physmem_t does for its free
// lists.
package frame

import (
	"fmt"
	"sync"

	"vmkern/hashtable"
	"vmkern/mem"
	"vmkern/res"
)

// Owner is the non-owning handle a frame record holds back to the page
// that occupies it. It resolves the frame<->page back-pointer cycle: the
// frame table never owns a page, it only holds an interface onto one.
// Implemented by page.Page.
type Owner interface {
	// Accessed and Dirty read the live hardware PTE directly; no lock is
	// required, since the PTE's Accessed/Dirty bits are volatile and
	// MMU-written rather than fields the page-table layer serializes on.
	Accessed() bool
	Dirty() bool
	// ClearAccessed clears the Accessed bit directly on the live PTE,
	// without the process lock, for the same reason.
	ClearAccessed()
	// Loading reports whether the owner is currently mid-fill: registered
	// in the frame table but with no resident contents yet to unload.
	// CLOCK must treat such a record as ineligible regardless of what its
	// (not-yet-installed) Accessed/Dirty bits report.
	Loading() bool
	// Lock/Unlock acquire this page's owning process lock. CLOCK holds
	// frame_lock across selecting a victim and calling Unload on it; Lock
	// is taken only once a victim is chosen.
	Lock()
	Unlock()
	// Unload detaches the hardware mapping and writes the page to its
	// backing store. Called with Lock held.
	Unload()
}

// Record is a single frame table entry.
type Record struct {
	Kaddr mem.Pa_t
	Owner Owner
}

// Table is the global frame table: an index of every physical user frame
// currently backing some user page, plus the CLOCK eviction policy over
// it. One Table per kernel; construct once at boot.
type Table struct {
	mu    sync.Mutex
	index *hashtable.Hashtable_t
	alloc mem.PhysAllocator
}

// New builds a frame table over the given physical allocator.
func New(alloc mem.PhysAllocator) *Table {
	return &Table{index: hashtable.MkHash(256), alloc: alloc}
}

// Alloc requests a frame for owner, evicting a victim if the physical
// allocator is out of free frames. It panics if the allocator is still
// exhausted after a successful eviction, a logic-bug-only condition since
// eviction guarantees a free frame.
func (t *Table) Alloc(owner Owner) mem.Pa_t {
	kaddr, ok := t.alloc.AllocUserFrame()
	if !ok {
		t.Evict()
		kaddr, ok = t.alloc.AllocUserFrame()
		if !ok {
			panic("frame: allocator exhausted even after eviction")
		}
	}
	t.mu.Lock()
	t.index.Set(uintptr(kaddr), &Record{Kaddr: kaddr, Owner: owner})
	t.mu.Unlock()
	return kaddr
}

// Free deletes the record for kaddr and returns the frame to the physical
// allocator.
func (t *Table) Free(kaddr mem.Pa_t) {
	t.mu.Lock()
	t.index.Del(uintptr(kaddr))
	t.mu.Unlock()
	t.alloc.FreeUserFrame(kaddr)
}

// Evict runs two-handed CLOCK and returns the freed frame's kaddr. The
// victim's frame is returned to the physical allocator's free list here,
// before Evict returns; the allocator hands out a zeroed frame again on
// the next AllocUserFrame, which is how Alloc obtains it.
func (t *Table) Evict() mem.Pa_t {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.index.Size() == 0 {
		panic("frame: evict on empty frame table")
	}

	// A restart bound: after pass 2 clears every Accessed bit, pass 1 must
	// succeed, so a handful of restarts is already generous. This guards
	// against a logic bug spinning the kernel thread forever rather than
	// expressing any real policy.
	budget := res.NewBudget(4 * (t.index.Size() + 1))
	for {
		if victim, ok := t.scanPass1(); ok {
			return t.takeVictim(victim)
		}
		if victim, ok := t.scanPass2(); ok {
			return t.takeVictim(victim)
		}
		if !budget.Take() {
			panic("frame: CLOCK made no progress")
		}
	}
}

// scanPass1 looks for the first record with Accessed=0 and Dirty=0. A
// record whose owner is still loading is skipped: it has nothing resident
// yet to evict.
func (t *Table) scanPass1() (*Record, bool) {
	var found *Record
	t.index.Iter(func(_ interface{}, v interface{}) bool {
		r := v.(*Record)
		if r.Owner.Loading() {
			return false
		}
		if !r.Owner.Accessed() && !r.Owner.Dirty() {
			found = r
			return true
		}
		return false
	})
	return found, found != nil
}

// scanPass2 looks for the first record with Accessed=0, clearing Accessed
// on every other record it visits along the way. A record whose owner is
// still loading is skipped without touching its Accessed bit.
func (t *Table) scanPass2() (*Record, bool) {
	var found *Record
	t.index.Iter(func(_ interface{}, v interface{}) bool {
		r := v.(*Record)
		if r.Owner.Loading() {
			return false
		}
		if r.Owner.Accessed() {
			r.Owner.ClearAccessed()
			return false
		}
		found = r
		return true
	})
	return found, found != nil
}

func (t *Table) takeVictim(r *Record) mem.Pa_t {
	r.Owner.Lock()
	r.Owner.Unload()
	r.Owner.Unlock()
	t.index.Del(uintptr(r.Kaddr))
	kaddr := r.Kaddr
	t.alloc.FreeUserFrame(kaddr)
	return kaddr
}

// Size reports how many frames are currently indexed, for tests and stats.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index.Size()
}

func (r *Record) String() string {
	return fmt.Sprintf("frame{%#x}", r.Kaddr)
}
