package mem

import (
	"sync/atomic"
)

// PTEFlag is one of the Present/Writable/User/Accessed/Dirty bits the
// simulated MMU maintains per page table entry. Named after the teacher's
// own PTE_* bit constants (mem/mem.go), scoped down to the bits this
// teaching MMU actually needs.
type PTEFlag uint32

const (
	PTE_P PTEFlag = 1 << 0 // present
	PTE_W PTEFlag = 1 << 1 // writable
	PTE_U PTEFlag = 1 << 2 // user-accessible
	PTE_A PTEFlag = 1 << 3 // accessed (MMU-set)
	PTE_D PTEFlag = 1 << 4 // dirty (MMU-set)
)

// PTE is one page table entry. flags is accessed with atomic loads/stores
// because the simulated MMU sets Accessed/Dirty asynchronously with
// respect to the owning page table's lock; frame is written only by the
// page-table layer, which always holds that process's lock when it does
// so.
type PTE struct {
	frame uintptr
	flags uint32
}

func (p *PTE) Flags() PTEFlag { return PTEFlag(atomic.LoadUint32(&p.flags)) }

func (p *PTE) Has(f PTEFlag) bool { return p.Flags()&f != 0 }

func (p *PTE) setFlags(f PTEFlag) {
	for {
		old := atomic.LoadUint32(&p.flags)
		new := old | uint32(f)
		if old == new || atomic.CompareAndSwapUint32(&p.flags, old, new) {
			return
		}
	}
}

func (p *PTE) clearFlags(f PTEFlag) {
	for {
		old := atomic.LoadUint32(&p.flags)
		new := old &^ uint32(f)
		if atomic.CompareAndSwapUint32(&p.flags, old, new) {
			return
		}
	}
}

// Frame returns the frame this entry maps. Valid only when Present.
func (p *PTE) Frame() Pa_t { return Pa_t(p.frame) }

// touch simulates the MMU setting Accessed (and Dirty, on a write) the way
// real hardware does on every access that goes through this PTE. The
// teaching kernel has no real MMU, so callers on the data-access path (e.g.
// a test harness standing in for user code) call this explicitly.
func (p *PTE) touch(write bool) {
	f := PTE_A
	if write {
		f |= PTE_D
	}
	for {
		old := atomic.LoadUint32(&p.flags)
		new := old | uint32(f)
		if old == new || atomic.CompareAndSwapUint32(&p.flags, old, new) {
			return
		}
	}
}

const (
	dirBits   = 10
	tableBits = 10
	dirShift  = uint(PGSHIFT) + tableBits
	dirMask   = (1 << dirBits) - 1
	tableMask = (1 << tableBits) - 1
)

type table struct {
	entries [1 << tableBits]PTE
}

// PageDirectory is a simulated two-level x86-style directory/table
// structure: the hardware page table, exposing a get_pte/set_page/
// clear_page contract. One PageDirectory belongs to exactly one process
// address space.
type PageDirectory struct {
	dirs [1 << dirBits]*table
}

// NewPageDirectory allocates an empty directory (no mappings present).
func NewPageDirectory() *PageDirectory {
	return &PageDirectory{}
}

func dirIndex(uaddr uintptr) int   { return int((uaddr >> dirShift) & dirMask) }
func tableIndex(uaddr uintptr) int { return int((uaddr >> PGSHIFT) & tableMask) }

// GetPTE returns the page table entry for uaddr. If create is true and the
// second-level table page does not exist yet, it is allocated (entries
// start out absent, i.e. zero value, matching a freshly-backed table page).
// ok is false only when create is false and the table page is missing.
func (pd *PageDirectory) GetPTE(uaddr uintptr, create bool) (*PTE, bool) {
	di := dirIndex(uaddr)
	t := pd.dirs[di]
	if t == nil {
		if !create {
			return nil, false
		}
		t = &table{}
		pd.dirs[di] = t
	}
	return &t.entries[tableIndex(uaddr)], true
}

// SetPage installs uaddr -> kaddr with the given writable bit, marking the
// entry present. Only the page-table layer calls this, always holding its
// process lock.
func (pd *PageDirectory) SetPage(uaddr uintptr, kaddr Pa_t, writable bool) {
	pte, _ := pd.GetPTE(uaddr, true)
	pte.frame = uintptr(kaddr)
	flags := uint32(PTE_P | PTE_U)
	if writable {
		flags |= uint32(PTE_W)
	}
	atomic.StoreUint32(&pte.flags, flags)
}

// ClearPage clears the Present bit for uaddr and invalidates any cached
// translation. There is no real TLB in this single-core simulation, so
// invalidation is a no-op beyond clearing Present; the hook exists so
// callers read the same as the teacher's Tlbshoot call sites.
func (pd *PageDirectory) ClearPage(uaddr uintptr) {
	pte, ok := pd.GetPTE(uaddr, false)
	if !ok {
		return
	}
	atomic.StoreUint32(&pte.flags, 0)
	pte.frame = 0
}

// Present, Writable, Accessed, Dirty read the live PTE for uaddr. They
// return false for an address with no backing table page at all.
func (pd *PageDirectory) Present(uaddr uintptr) bool {
	pte, ok := pd.GetPTE(uaddr, false)
	return ok && pte.Has(PTE_P)
}

func (pd *PageDirectory) Writable(uaddr uintptr) bool {
	pte, ok := pd.GetPTE(uaddr, false)
	return ok && pte.Has(PTE_W)
}

func (pd *PageDirectory) Accessed(uaddr uintptr) bool {
	pte, ok := pd.GetPTE(uaddr, false)
	return ok && pte.Has(PTE_A)
}

func (pd *PageDirectory) Dirty(uaddr uintptr) bool {
	pte, ok := pd.GetPTE(uaddr, false)
	return ok && pte.Has(PTE_D)
}

// SetAccessed forces the Accessed bit to v. Used by set_accessed and by
// CLOCK's pass 2 to clear A as it scans.
func (pd *PageDirectory) SetAccessed(uaddr uintptr, v bool) {
	pte, ok := pd.GetPTE(uaddr, false)
	if !ok {
		return
	}
	if v {
		pte.setFlags(PTE_A)
	} else {
		pte.clearFlags(PTE_A)
	}
}

// Touch simulates a user memory access through uaddr, setting Accessed (and
// Dirty, if write) the way real hardware would. Exposed for test harnesses
// that emulate user code touching pages.
func (pd *PageDirectory) Touch(uaddr uintptr, write bool) {
	pte, ok := pd.GetPTE(uaddr, false)
	if ok {
		pte.touch(write)
	}
}
