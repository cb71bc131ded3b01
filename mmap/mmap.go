// Package mmap implements the per-process mmap table: the record of which
// file-backed regions a process has mapped, and the read/write-back glue
// between those regions and the supplemental page table. Grounded in
// original_source's mmap.c/mmap.h (the id-keyed table, the per-page
// add/remove loop with rollback, and the tail-zero-fill rule in
// mmap_load) and in the teacher's file-descriptor-operations idiom
// (fd.Fdops_i in fd/fd.go, consumed the same way by vm/as.go's
// Vmadd_file) for the file-backend contract.
package mmap

import (
	"sync"

	"vmkern/defs"
	"vmkern/mem"
	"vmkern/page"
	"vmkern/util"
)

// FileBackend is the contract this package needs from an open file
// descriptor, grounded on the teacher's fdops.Fdops_i role: a plain
// offset-addressed read/write pair rather than the teacher's whole
// descriptor-operations surface, since mmap only ever does positioned I/O.
type FileBackend interface {
	// ReadAt reads up to len(buf) bytes starting at off, returning the
	// count actually read (which may be less than len(buf) at EOF).
	ReadAt(off int, buf []byte) (int, defs.Err_t)
	// WriteAt writes buf at off.
	WriteAt(off int, buf []byte) defs.Err_t
}

// Region is one mapped file region.
type Region struct {
	ID         int
	File       FileBackend
	FileOffset int
	Size       int
	StartUAddr uintptr
	Writeback  bool
}

// npages returns how many pages Region spans, rounding up.
func (r *Region) npages() int {
	return (r.Size + mem.PGSIZE - 1) / mem.PGSIZE
}

// Table is the per-process mmap table: a monotonic id-keyed map of active
// regions (ids start at 1; an id taken by an Add that fails is not reused),
// guarded by its own lock, distinct from the supplemental page table's
// lock. The page table calls back into this table (Writeback/WriteBack)
// while holding its own lock, so this table never holds its lock while
// calling into the page table.
type Table struct {
	mu      sync.Mutex
	regions map[int]*Region
	nextID  int

	pages *page.Table
}

// New builds an empty mmap table over the process's supplemental page
// table.
func New(pages *page.Table) *Table {
	return &Table{regions: make(map[int]*Region), nextID: 1, pages: pages}
}

// Add maps size bytes of file starting at fileOffset into the page window
// starting at uaddr (must be page-aligned), returning the new region's id.
// writable is the per-page writable bit installed in the hardware mapping;
// writeback independently controls whether a dirty page is ever flushed
// back to file (a writable mapping with writeback false is a private
// mapping: writes never reach the file, and they are discarded when the
// page is evicted, so the page reloads from the file).
// Every covered page is registered with the supplemental page table as
// FILE-origin; a failure partway through rolls back every page already
// registered, matching original_source's mmap_add.
func (t *Table) Add(file FileBackend, fileOffset, size int, uaddr uintptr, writable, writeback bool) (int, defs.Err_t) {
	if uaddr%uintptr(mem.PGSIZE) != 0 || fileOffset < 0 || size <= 0 {
		return 0, -defs.EINVAL
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.mu.Unlock()

	registered := make([]uintptr, 0, (size+mem.PGSIZE-1)/mem.PGSIZE)
	for off := 0; off < size; off += mem.PGSIZE {
		ua := uaddr + uintptr(off)
		if err := t.pages.AddMmap(ua, id, off, writable); err != 0 {
			for _, ua := range registered {
				t.pages.RemoveRegistration(ua)
			}
			return 0, err
		}
		registered = append(registered, ua)
	}

	t.mu.Lock()
	t.regions[id] = &Region{
		ID: id, File: file, FileOffset: fileOffset, Size: size,
		StartUAddr: uaddr, Writeback: writeback,
	}
	t.mu.Unlock()
	return id, 0
}

func (t *Table) find(mapID int) *Region {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regions[mapID]
}

// Load fills dst from the region's file at intraOff, implementing
// page.MmapBackend.Load. Bytes beyond the region's size (the tail of the
// final partial page) are left zero, matching original_source's
// mmap_load: the file read is clamped to what remains of the region,
// never the whole page.
func (t *Table) Load(mapID int, intraOff int, dst *mem.Page_t) defs.Err_t {
	r := t.find(mapID)
	if r == nil {
		panic("mmap: load of unknown region")
	}
	remain := r.Size - intraOff
	if remain <= 0 {
		panic("mmap: load past end of region")
	}
	n := util.Min(remain, mem.PGSIZE)
	_, err := r.File.ReadAt(r.FileOffset+intraOff, dst[:n])
	return err
}

// Writeback implements page.MmapBackend.Writeback.
func (t *Table) Writeback(mapID int) bool {
	r := t.find(mapID)
	if r == nil {
		return false
	}
	return r.Writeback
}

// WriteBack implements page.MmapBackend.WriteBack, applying the same
// tail-clamp rule as Load so a dirty final partial page never writes
// bytes beyond the region's declared size.
func (t *Table) WriteBack(mapID int, intraOff int, src *mem.Page_t) defs.Err_t {
	r := t.find(mapID)
	if r == nil {
		panic("mmap: writeback of unknown region")
	}
	remain := r.Size - intraOff
	if remain <= 0 {
		panic("mmap: writeback past end of region")
	}
	n := util.Min(remain, mem.PGSIZE)
	return r.File.WriteAt(r.FileOffset+intraOff, src[:n])
}

var _ page.MmapBackend = (*Table)(nil)

// Remove unmaps mapID: every covered page is cleared from the
// supplemental page table (which flushes a dirty writeback page through
// WriteBack as part of Clear's own resident-page handling), then the
// region is forgotten.
func (t *Table) Remove(mapID int) defs.Err_t {
	r := t.find(mapID)
	if r == nil {
		return -defs.EINVAL
	}
	for i := 0; i < r.npages(); i++ {
		t.pages.Clear(r.StartUAddr + uintptr(i*mem.PGSIZE))
	}
	t.mu.Lock()
	delete(t.regions, mapID)
	t.mu.Unlock()
	return 0
}

// Destroy unmaps every remaining region, used at process teardown: any
// mapping still open when the process exits is implicitly removed.
func (t *Table) Destroy() {
	t.mu.Lock()
	ids := make([]int, 0, len(t.regions))
	for id := range t.regions {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.Remove(id)
	}
}
