// Package mem defines the page-size constants, the physical-address type,
// and the physical frame allocator consumed by the frame table. It is
// adapted from the teacher's own mem package: same Pa_t-as-tagged-uintptr
// idiom and PTE bit constants, trimmed of the teacher's refcounting and
// per-CPU free lists (this subsystem never shares a frame across address
// spaces, so a plain single free list suffices).
package mem

import (
	"fmt"
	"sync"

	"vmkern/util"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page/frame in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET uintptr = uintptr(PGSIZE - 1)

// PGMASK masks the page number of an address.
const PGMASK uintptr = ^PGOFFSET

// Pa_t represents a kernel-virtual frame address: a physical frame's
// address as seen through the kernel's direct map.
type Pa_t uintptr

// PageRounddown rounds a virtual/physical address down to a page boundary,
// built on the teacher's util.Rounddown (adapted to generics).
func PageRounddown(a uintptr) uintptr {
	return util.Rounddown(a, uintptr(PGSIZE))
}

// PageRoundup rounds a virtual/physical address up to a page boundary.
func PageRoundup(a uintptr) uintptr {
	return util.Roundup(a, uintptr(PGSIZE))
}

// Page_t is the byte contents of one page/frame.
type Page_t [PGSIZE]uint8

// PhysAllocator is the contract this subsystem consumes from the kernel's
// physical-frame allocator. AllocUserFrame returns a zeroed frame; it is
// the frame table's job to call Evict and retry when it returns ok=false.
type PhysAllocator interface {
	AllocUserFrame() (kaddr Pa_t, ok bool)
	FreeUserFrame(kaddr Pa_t)
}

// SimAllocator is a free-list physical frame allocator over a fixed pool of
// in-process memory, standing in for the real physical allocator the VM
// core would consume from the kernel. It hands out zeroed frames, matching
// the documented contract.
type SimAllocator struct {
	mu    sync.Mutex
	pages map[Pa_t]*Page_t
	free  []Pa_t
	next  Pa_t
}

// NewSimAllocator creates an allocator backed by npages frames. Frame
// addresses are synthetic (not real physical memory) but are stable and
// unique for the lifetime of the allocator, which is all the VM core
// requires of them.
func NewSimAllocator(npages int) *SimAllocator {
	a := &SimAllocator{
		pages: make(map[Pa_t]*Page_t, npages),
		next:  Pa_t(PGSIZE), // keep 0 reserved as the "no frame" sentinel
	}
	for i := 0; i < npages; i++ {
		kaddr := a.next
		a.next += Pa_t(PGSIZE)
		a.pages[kaddr] = &Page_t{}
		a.free = append(a.free, kaddr)
	}
	return a
}

// AllocUserFrame hands out a zeroed frame, or ok=false if the pool is
// exhausted; the frame table is responsible for evicting and retrying.
func (a *SimAllocator) AllocUserFrame() (Pa_t, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return 0, false
	}
	kaddr := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	*a.pages[kaddr] = Page_t{}
	return kaddr, true
}

// FreeUserFrame returns a frame to the pool.
func (a *SimAllocator) FreeUserFrame(kaddr Pa_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pages[kaddr]; !ok {
		panic(fmt.Sprintf("mem: free of unknown frame %#x", kaddr))
	}
	a.free = append(a.free, kaddr)
}

// Bytes returns the backing byte slice for a frame. It panics on an
// unknown address — callers only ever pass addresses this allocator itself
// returned.
func (a *SimAllocator) Bytes(kaddr Pa_t) *Page_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	pg, ok := a.pages[kaddr]
	if !ok {
		panic(fmt.Sprintf("mem: access to unknown frame %#x", kaddr))
	}
	return pg
}

// NPages reports the total pool size, for tests that want to fill the pool.
func (a *SimAllocator) NPages() int {
	return len(a.pages)
}
