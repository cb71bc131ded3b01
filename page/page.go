// Package page implements the per-process supplemental page table: the
// record of where the authoritative contents of each user page live while
// it is not resident, and the demand-load/unload state machine that moves
// a page in and out of a frame. Grounded in original_source's
// page.c/page.h (the Load/Unload dispatch-by-source shape) and in the
// teacher's Vm_t (vm/as.go): an embedded mutex guarding the whole table,
// Lock/Unlock helpers, and a panic-on-violated-invariant style rather than
// returning an error for programmer mistakes.
package page

import (
	"fmt"
	"sync"
	"sync/atomic"

	"vmkern/accnt"
	"vmkern/defs"
	"vmkern/frame"
	"vmkern/mem"
	"vmkern/res"
	"vmkern/swap"
)

// Origin is the page's source kind as registered. It is fixed for the life
// of the page and is distinct from the page's current Location: a ZERO or
// STACK page still reports its Origin after being swapped out and back in,
// purely for diagnostics/accounting.
type Origin int

const (
	OriginZero Origin = iota
	OriginStack
	OriginFile
)

func (o Origin) String() string {
	switch o {
	case OriginZero:
		return "zero"
	case OriginStack:
		return "stack"
	case OriginFile:
		return "file"
	default:
		return "?"
	}
}

// Location is the current source tag: where the page's authoritative
// contents live right now.
type Location int

const (
	LocZero Location = iota
	LocStack
	LocFile
	LocSwap
	LocResident
)

func (l Location) String() string {
	switch l {
	case LocZero:
		return "ZERO"
	case LocStack:
		return "STACK"
	case LocFile:
		return "FILE"
	case LocSwap:
		return "SWAP"
	case LocResident:
		return "RESIDENT"
	default:
		return "?"
	}
}

// MmapBackend is the contract this package needs from the mmap table, kept
// as an interface here (rather than importing the mmap package) so mmap
// can depend on page without an import cycle.
type MmapBackend interface {
	// Load fills dst with min(PGSIZE, region size - intraOff) bytes from
	// the region's file, leaving any tail untouched (dst is already zero,
	// being a freshly allocated frame).
	Load(mapID int, intraOff int, dst *mem.Page_t) defs.Err_t
	// Writeback reports the region's writeback flag.
	Writeback(mapID int) bool
	// WriteBack flushes src back to the region's file at intraOff,
	// applying the same tail-truncation rule as Load.
	WriteBack(mapID int, intraOff int, src *mem.Page_t) defs.Err_t
}

// FrameMemory gives byte-level access to a resident frame's contents, the
// Go-level equivalent of dereferencing kaddr through the kernel's direct
// map.
type FrameMemory interface {
	Bytes(kaddr mem.Pa_t) *mem.Page_t
}

// Page is one user page record.
type Page struct {
	table *Table

	UAddr    uintptr
	Origin   Origin
	Writable bool
	Location Location
	Kaddr    mem.Pa_t // valid iff Location == LocResident

	// FILE metadata
	mapID    int
	intraOff int

	// SWAP metadata
	swapID swap.Id

	// loading pins the page against eviction while Load is filling its
	// frame with this table's lock released. CLOCK must never choose a
	// page that is still being filled: it has no resident contents to
	// unload yet. Set and cleared under the table lock, but read by
	// CLOCK's scan without it, so it is an atomic flag rather than a
	// plain bool.
	loading atomic.Bool
}

// Accessed, Dirty, ClearAccessed, Loading, Lock, Unlock, Unload implement
// frame.Owner so the frame table can drive eviction through this page
// without importing the page package.
func (p *Page) Accessed() bool { return p.table.pd.Accessed(p.UAddr) }
func (p *Page) Dirty() bool    { return p.table.pd.Dirty(p.UAddr) }
func (p *Page) ClearAccessed() { p.table.pd.SetAccessed(p.UAddr, false) }
func (p *Page) Lock()          { p.table.mu.Lock() }
func (p *Page) Unlock()        { p.table.mu.Unlock() }

// Loading reports whether this page is currently being filled by Load with
// the table lock released. Safe to call without the table lock, the same
// way Accessed/Dirty are: it is a hint CLOCK consults while scanning.
func (p *Page) Loading() bool { return p.loading.Load() }

var _ frame.Owner = (*Page)(nil)

// Unload detaches the hardware mapping and picks a destination for the
// contents based on the saved Dirty bit and the page's Origin. Called only
// from frame.Table.Evict, which already holds this page's table lock.
func (p *Page) Unload() {
	t := p.table
	if p.Location != LocResident {
		panic("page: unload of non-resident page")
	}
	dirty := t.pd.Dirty(p.UAddr)
	kaddr := p.Kaddr
	t.pd.ClearPage(p.UAddr)

	if p.Origin == OriginFile {
		if t.mmap.Writeback(p.mapID) && dirty {
			buf := t.frameMem.Bytes(kaddr)
			if err := t.mmap.WriteBack(p.mapID, p.intraOff, buf); err != 0 {
				panic(fmt.Sprintf("page: writeback of mapped page failed: %v", err))
			}
		}
		// else: not dirty, or region isn't writeback — discard.
		p.Location = LocFile
	} else {
		buf := t.frameMem.Bytes(kaddr)
		p.swapID = t.swapArea.Out(buf)
		p.Location = LocSwap
	}
	p.Kaddr = 0
	t.stats.AddUnload()
}

// Table is the per-process supplemental page table.
type Table struct {
	mu    sync.Mutex // guards every field below
	pages map[uintptr]*Page

	pd       *mem.PageDirectory
	frames   *frame.Table
	swapArea *swap.Area
	mmap     MmapBackend
	frameMem FrameMemory

	// stack-growth window
	stackFloor   uintptr
	stackCeiling uintptr

	stats accnt.Counters
}

// Config bundles the collaborators a new Table needs.
type Config struct {
	PageDir      *mem.PageDirectory
	Frames       *frame.Table
	Swap         *swap.Area
	Mmap         MmapBackend
	FrameMemory  FrameMemory
	StackFloor   uintptr
	StackCeiling uintptr
}

// New builds an empty supplemental page table.
func New(cfg Config) *Table {
	return &Table{
		pages:        make(map[uintptr]*Page),
		pd:           cfg.PageDir,
		frames:       cfg.Frames,
		swapArea:     cfg.Swap,
		mmap:         cfg.Mmap,
		frameMem:     cfg.FrameMemory,
		stackFloor:   cfg.StackFloor,
		stackCeiling: cfg.StackCeiling,
	}
}

// SetMmapBackend wires the mmap table into this page table after both have
// been constructed: an mmap.Table needs a *page.Table to call
// AddMmap/Clear on, so the page table must exist first, with its
// MmapBackend supplied here once the mmap table exists too. Anonymous-only
// tables (no FILE pages ever registered) may leave this unset.
func (t *Table) SetMmapBackend(b MmapBackend) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mmap = b
}

// Stats returns a snapshot of the accounting counters.
func (t *Table) Stats() accnt.Snapshot {
	return t.stats.Fetch()
}

// Exists reports whether uaddr is registered.
func (t *Table) Exists(uaddr uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pages[uaddr]
	return ok
}

// Resident reports whether the registered page at uaddr currently has a
// frame. Panics if uaddr is not registered.
func (t *Table) Resident(uaddr uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pages[uaddr]
	if !ok {
		panic("page: resident check of unregistered address")
	}
	return p.Location == LocResident
}

// Writable reports the registered page at uaddr's writable bit, as
// recorded at registration time (independent of whether the hardware PTE
// is currently installed). Panics if uaddr is not registered.
func (t *Table) Writable(uaddr uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pages[uaddr]
	if !ok {
		panic("page: writable check of unregistered address")
	}
	return p.Writable
}

func (t *Table) addLocked(uaddr uintptr, origin Origin, writable bool) defs.Err_t {
	if _, ok := t.pages[uaddr]; ok {
		return -defs.EEXIST
	}
	loc := LocZero
	switch origin {
	case OriginStack:
		loc = LocStack
	case OriginFile:
		loc = LocFile
	}
	t.pages[uaddr] = &Page{
		table: t, UAddr: uaddr, Origin: origin, Writable: writable, Location: loc,
	}
	return 0
}

// AddZero registers a zero-fill page at uaddr.
func (t *Table) AddZero(uaddr uintptr, writable bool) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(uaddr, OriginZero, writable)
}

// AddZeros registers n consecutive zero-fill pages starting at uaddr,
// rolling back any already-added pages if a later one fails. The iteration
// is bounded by a res.Budget matching the teacher's defensive pattern for
// unbounded-looking kernel loops.
func (t *Table) AddZeros(uaddr uintptr, n int, writable bool) defs.Err_t {
	return t.addRunLocked(uaddr, n, OriginZero, writable)
}

// AddStack registers n consecutive stack pages.
func (t *Table) AddStack(uaddr uintptr, n int, writable bool) defs.Err_t {
	return t.addRunLocked(uaddr, n, OriginStack, writable)
}

func (t *Table) addRunLocked(uaddr uintptr, n int, origin Origin, writable bool) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := make([]uintptr, 0, n)
	budget := res.NewBudget(n + 1)
	for i := 0; i < n; i++ {
		if !budget.Take() {
			t.rollback(added)
			return -defs.ENOHEAP
		}
		ua := uaddr + uintptr(i*mem.PGSIZE)
		if err := t.addLocked(ua, origin, writable); err != 0 {
			t.rollback(added)
			return err
		}
		added = append(added, ua)
	}
	return 0
}

func (t *Table) rollback(added []uintptr) {
	for _, ua := range added {
		delete(t.pages, ua)
	}
}

// AddMmap registers a FILE-backed page at uaddr for the given map id and
// intra-region offset. Called by the mmap table's Add; the caller need not
// hold this table's lock, AddMmap takes it itself.
func (t *Table) AddMmap(uaddr uintptr, mapID int, intraOff int, writable bool) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.addLocked(uaddr, OriginFile, writable); err != 0 {
		return err
	}
	p := t.pages[uaddr]
	p.mapID = mapID
	p.intraOff = intraOff
	return 0
}

// RemoveRegistration deletes the bookkeeping for uaddr without touching
// residency/frames/swap — used only to undo a partial AddMmap batch in the
// mmap table's own rollback path (mirrors AddZeros' rollback, but the mmap
// table is what knows the batch, not this one).
func (t *Table) RemoveRegistration(uaddr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pages, uaddr)
}

// Load demand-loads the page at uaddr. The page must be registered and not
// already resident.
//
// The table lock is released across frame_alloc (which may evict —
// possibly a different page of this same table, via
// frame.Owner.Lock/Unlock — and must not be called with this table's lock
// held, or self-eviction would deadlock on the non-reentrant mutex) and
// across the file/swap I/O that fills the new frame. The page is pinned
// against eviction in the meantime via the loading flag, which CLOCK's
// scan consults directly.
func (t *Table) Load(uaddr uintptr) defs.Err_t {
	t.mu.Lock()
	p, ok := t.pages[uaddr]
	if !ok {
		t.mu.Unlock()
		return -defs.EFAULT
	}
	if p.Location == LocResident {
		t.mu.Unlock()
		panic("page: load of already-resident page")
	}
	if p.loading.Load() {
		t.mu.Unlock()
		return 0 // a concurrent fault is already loading this page
	}
	p.loading.Store(true)
	loc, mapID, intraOff, swapID := p.Location, p.mapID, p.intraOff, p.swapID
	t.stats.AddFault()
	t.mu.Unlock()

	kaddr := t.frames.Alloc(p)

	var ferr defs.Err_t
	switch loc {
	case LocZero, LocStack:
		// frame_alloc already hands back a zeroed frame.
	case LocFile:
		buf := t.frameMem.Bytes(kaddr)
		ferr = t.mmap.Load(mapID, intraOff, buf)
	case LocSwap:
		buf := t.frameMem.Bytes(kaddr)
		t.swapArea.In(swapID, buf)
	default:
		panic("page: load from resident location")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	p.loading.Store(false)
	if ferr != 0 {
		t.frames.Free(kaddr)
		return ferr
	}
	p.Kaddr = kaddr
	p.Location = LocResident
	t.pd.SetPage(uaddr, kaddr, p.Writable)
	if loc == LocSwap {
		t.stats.AddSwapIn()
	}
	t.stats.AddLoad()
	return 0
}

// Clear removes uaddr entirely: frees its frame if resident, releases its
// swap slot if swapped out, flushes a dirty writeback FILE page first, and
// forgets the registration.
func (t *Table) Clear(uaddr uintptr) {
	t.mu.Lock()
	p, ok := t.pages[uaddr]
	if !ok {
		t.mu.Unlock()
		return
	}

	switch p.Location {
	case LocResident:
		kaddr := p.Kaddr
		if p.Origin == OriginFile && t.mmap.Writeback(p.mapID) && t.pd.Dirty(uaddr) {
			buf := t.frameMem.Bytes(kaddr)
			if err := t.mmap.WriteBack(p.mapID, p.intraOff, buf); err != 0 {
				panic(fmt.Sprintf("page: writeback on clear failed: %v", err))
			}
		}
		t.pd.ClearPage(uaddr)
		delete(t.pages, uaddr)
		t.mu.Unlock()
		t.frames.Free(kaddr)
		return
	case LocSwap:
		t.swapArea.Discard(p.swapID)
	}
	delete(t.pages, uaddr)
	t.mu.Unlock()
}

// Destroy clears every registered page, used at process teardown. The
// caller destroys the mmap table afterwards, which flushes any remaining
// writeback regions.
func (t *Table) Destroy() {
	t.mu.Lock()
	uaddrs := make([]uintptr, 0, len(t.pages))
	for ua := range t.pages {
		uaddrs = append(uaddrs, ua)
	}
	t.mu.Unlock()
	for _, ua := range uaddrs {
		t.Clear(ua)
	}
}

// Dirty and Accessed are trivial accessors reading the live PTE.
func (t *Table) Dirty(uaddr uintptr) bool    { return t.pd.Dirty(uaddr) }
func (t *Table) Accessed(uaddr uintptr) bool { return t.pd.Accessed(uaddr) }

// SetAccessed sets or clears the Accessed bit for uaddr.
func (t *Table) SetAccessed(uaddr uintptr, v bool) { t.pd.SetAccessed(uaddr, v) }

// StackWindow reports whether uaddr is a stack-growth candidate given the
// faulting thread's stack pointer esp: below the ceiling, at or above the
// floor, and no more than 32 bytes below esp (PUSH/PUSHA probing);
// addresses at or above esp also qualify.
func (t *Table) StackWindow(uaddr, esp uintptr) bool {
	if uaddr >= t.stackCeiling || uaddr < t.stackFloor {
		return false
	}
	return uaddr+32 >= esp
}

// GrowStack registers and loads one new stack page at the page-rounded
// uaddr.
func (t *Table) GrowStack(uaddr uintptr) defs.Err_t {
	base := mem.PageRounddown(uaddr)
	if err := t.AddStack(base, 1, true); err != 0 {
		return err
	}
	return t.Load(base)
}
