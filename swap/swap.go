// Package swap owns the slot bitmap over the swap block device. The
// sector-run-per-slot layout and the scan-and-flip allocator are grounded
// directly in original_source's swap.c; the block-request shape (a
// role-selected Disk_i, synchronous Start+ack) is adapted from the
// teacher's fs/blk.go Bdev_req_t/Disk_i.
package swap

import (
	"fmt"
	"sync"

	"vmkern/mem"
)

// SectorSize is the block device's native sector size. PGSIZE must be a
// multiple of it; P/SectorSize consecutive sectors form one slot.
const SectorSize = 512

// BlockDevice is the contract this package consumes from the kernel's
// block-device layer, selected by role (defs.D_SWAP).
type BlockDevice interface {
	// NSectors reports the device's total sector count.
	NSectors() int
	ReadSector(sector int, buf []byte)
	WriteSector(sector int, buf []byte)
}

// Id is a swap slot index.
type Id int

// Area is the global swap area: a bitmap over equal-sized slots on dev.
// Protected by a single lock.
type Area struct {
	mu   sync.Mutex
	dev  BlockDevice
	used []bool
	scan int // next scan start, a fairness hint only
}

const sectorsPerSlot = mem.PGSIZE / SectorSize

// New builds a swap area over dev, sized to floor(device sectors * sector
// size / PGSIZE) slots.
func New(dev BlockDevice) *Area {
	if sectorsPerSlot*SectorSize != mem.PGSIZE {
		panic("swap: PGSIZE is not a whole number of sectors")
	}
	n := dev.NSectors() / sectorsPerSlot
	return &Area{dev: dev, used: make([]bool, n)}
}

// NSlots reports the total slot count.
func (a *Area) NSlots() int {
	return len(a.used)
}

// Out writes PGSIZE bytes from src to a newly allocated slot and returns
// its id. It panics if the swap area is exhausted: there is no overcommit
// policy, this is a fatal condition.
func (a *Area) Out(src *mem.Page_t) Id {
	a.mu.Lock()
	id := -1
	for i := 0; i < len(a.used); i++ {
		idx := (a.scan + i) % len(a.used)
		if !a.used[idx] {
			id = idx
			break
		}
	}
	if id < 0 {
		a.mu.Unlock()
		panic("swap: area exhausted")
	}
	a.used[id] = true
	a.scan = (id + 1) % len(a.used)
	a.mu.Unlock()

	// The block I/O itself runs outside the lock; the slot is already
	// claimed so no other allocation can collide with it.
	sector := id * sectorsPerSlot
	for s := 0; s < sectorsPerSlot; s++ {
		a.dev.WriteSector(sector+s, src[s*SectorSize:(s+1)*SectorSize])
	}
	return Id(id)
}

// In reads slot id into dst and releases the slot. The caller must own the
// slot (i.e. it was returned by a prior Out and not yet released).
func (a *Area) In(id Id, dst *mem.Page_t) {
	a.mu.Lock()
	if int(id) < 0 || int(id) >= len(a.used) || !a.used[id] {
		a.mu.Unlock()
		panic(fmt.Sprintf("swap: read of unallocated slot %d", id))
	}
	a.mu.Unlock()

	sector := int(id) * sectorsPerSlot
	for s := 0; s < sectorsPerSlot; s++ {
		a.dev.ReadSector(sector+s, dst[s*SectorSize:(s+1)*SectorSize])
	}

	a.mu.Lock()
	a.used[id] = false
	a.mu.Unlock()
}

// Discard releases slot id without reading it back, used when a page whose
// source is SWAP is cleared without being loaded first.
func (a *Area) Discard(id Id) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(id) < 0 || int(id) >= len(a.used) || !a.used[id] {
		panic(fmt.Sprintf("swap: discard of unallocated slot %d", id))
	}
	a.used[id] = false
}

// MemDevice is an in-memory BlockDevice, used by tests and by cmd/vmdemo in
// place of a real disk.
type MemDevice struct {
	sectors [][]byte
}

// NewMemDevice allocates an in-memory device with n sectors.
func NewMemDevice(n int) *MemDevice {
	d := &MemDevice{sectors: make([][]byte, n)}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, SectorSize)
	}
	return d
}

func (d *MemDevice) NSectors() int { return len(d.sectors) }

func (d *MemDevice) ReadSector(sector int, buf []byte) {
	copy(buf, d.sectors[sector])
}

func (d *MemDevice) WriteSector(sector int, buf []byte) {
	copy(d.sectors[sector], buf)
}
