package page

import (
	"testing"

	"vmkern/defs"
	"vmkern/frame"
	"vmkern/mem"
	"vmkern/swap"
)

// fakeMmap is a minimal MmapBackend for tests that need a FILE-origin page
// without pulling in the mmap package (which itself depends on page).
type fakeMmap struct {
	writeback bool
	loaded    map[int][]byte // mapID -> file contents
	written   map[int][]byte // mapID -> last bytes written at intraOff 0
}

func newFakeMmap(writeback bool, contents []byte) *fakeMmap {
	return &fakeMmap{writeback: writeback, loaded: map[int][]byte{1: contents}, written: map[int][]byte{}}
}

func (f *fakeMmap) Load(mapID int, intraOff int, dst *mem.Page_t) defs.Err_t {
	data := f.loaded[mapID]
	n := len(data) - intraOff
	if n > mem.PGSIZE {
		n = mem.PGSIZE
	}
	if n > 0 {
		copy(dst[:n], data[intraOff:intraOff+n])
	}
	return 0
}

func (f *fakeMmap) Writeback(mapID int) bool { return f.writeback }

func (f *fakeMmap) WriteBack(mapID int, intraOff int, src *mem.Page_t) defs.Err_t {
	buf := make([]byte, mem.PGSIZE)
	copy(buf, src[:])
	f.written[mapID] = buf
	return 0
}

func newTestTable(npages int, mmapBackend MmapBackend) *Table {
	alloc := mem.NewSimAllocator(npages)
	ft := frame.New(alloc)
	swapArea := swap.New(swap.NewMemDevice(64))
	return New(Config{
		PageDir:      mem.NewPageDirectory(),
		Frames:       ft,
		Swap:         swapArea,
		Mmap:         mmapBackend,
		FrameMemory:  alloc,
		StackFloor:   0xb0000000,
		StackCeiling: 0xc0000000,
	})
}

func TestAddZeroLoadRoundTrip(t *testing.T) {
	pt := newTestTable(2, nil)
	const uaddr = 0x20000000

	if err := pt.AddZero(uaddr, true); err != 0 {
		t.Fatalf("AddZero: %v", err)
	}
	if err := pt.Load(uaddr); err != 0 {
		t.Fatalf("Load: %v", err)
	}
	if !pt.Resident(uaddr) {
		t.Fatal("expected resident after Load")
	}
	if !pt.Writable(uaddr) {
		t.Fatal("expected writable bit preserved")
	}
}

func TestDoubleRegisterRejected(t *testing.T) {
	pt := newTestTable(2, nil)
	const uaddr = 0x20000000
	if err := pt.AddZero(uaddr, true); err != 0 {
		t.Fatalf("first AddZero: %v", err)
	}
	if err := pt.AddZero(uaddr, true); err != -defs.EEXIST {
		t.Fatalf("expected EEXIST on double-register, got %v", err)
	}
	if err := pt.Load(uaddr); err != 0 {
		t.Fatalf("first registration should still be loadable: %v", err)
	}
}

func TestAddZerosRollsBackOnConflict(t *testing.T) {
	pt := newTestTable(4, nil)
	base := uintptr(0x30000000)
	// Pre-register one page in the middle of the run so the batch fails.
	if err := pt.AddZero(base+uintptr(mem.PGSIZE), true); err != 0 {
		t.Fatalf("pre-register: %v", err)
	}
	if err := pt.AddZeros(base, 3, true); err == 0 {
		t.Fatal("expected the batch to fail")
	}
	if pt.Exists(base) {
		t.Fatal("expected the first page of the failed batch to be rolled back")
	}
}

func TestStackWindowAndGrow(t *testing.T) {
	pt := newTestTable(2, nil)
	const esp = uintptr(0xbffff000)

	near := uintptr(0xbffffff0)
	if !pt.StackWindow(near, esp) {
		t.Fatal("expected near to be within the stack-growth window")
	}
	if err := pt.GrowStack(near); err != 0 {
		t.Fatalf("GrowStack: %v", err)
	}
	if !pt.Resident(mem.PageRounddown(near)) {
		t.Fatal("expected the grown page to be resident")
	}

	far := uintptr(0x80000000)
	if pt.StackWindow(far, esp) {
		t.Fatal("expected far to be outside the stack-growth window")
	}
}

func TestEvictionSwapsOutAndClearReleasesSlot(t *testing.T) {
	pt := newTestTable(1, nil)
	const a1 = 0x20000000
	const a2 = 0x20001000

	if err := pt.AddZero(a1, true); err != 0 {
		t.Fatalf("AddZero a1: %v", err)
	}
	if err := pt.Load(a1); err != 0 {
		t.Fatalf("Load a1: %v", err)
	}
	if err := pt.AddZero(a2, true); err != 0 {
		t.Fatalf("AddZero a2: %v", err)
	}
	// Only one frame exists; this forces a1 to be evicted to swap.
	if err := pt.Load(a2); err != 0 {
		t.Fatalf("Load a2: %v", err)
	}
	if pt.Resident(a1) {
		t.Fatal("expected a1 to have been evicted")
	}
	if !pt.Resident(a2) {
		t.Fatal("expected a2 to be resident")
	}

	// Faulting a1 back in forces a2 out in turn (still one frame total).
	if err := pt.Load(a1); err != 0 {
		t.Fatalf("reload a1: %v", err)
	}
	if !pt.Resident(a1) {
		t.Fatal("expected a1 resident again after reload")
	}

	// a2 is now in swap; clearing it must release its slot.
	p2 := pt.pages[a2]
	if p2.Location != LocSwap {
		t.Fatalf("expected a2 in swap, got %v", p2.Location)
	}
	slot := p2.swapID
	pt.Clear(a2)
	if pt.Exists(a2) {
		t.Fatal("expected a2 to be unregistered after Clear")
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected Clear to have released a2's swap slot")
			}
		}()
		pt.swapArea.Discard(slot)
	}()
}

func TestFileOriginWritebackOnUnload(t *testing.T) {
	contents := make([]byte, mem.PGSIZE)
	contents[0] = 0x7e
	fm := newFakeMmap(true, contents)
	pt := newTestTable(1, fm)

	const a1 = 0x30000000
	const a2 = 0x30001000
	if err := pt.AddMmap(a1, 1, 0, true); err != 0 {
		t.Fatalf("AddMmap: %v", err)
	}
	if err := pt.Load(a1); err != 0 {
		t.Fatalf("Load a1: %v", err)
	}
	if pt.Dirty(a1) {
		t.Fatal("expected a freshly loaded page to be clean")
	}
	pt.SetAccessed(a1, true)
	// Simulate a user write: change a byte of the frame and set the PTE's
	// dirty bit the way the MMU would, then force eviction with a second
	// zero page.
	pt.frameMem.Bytes(pt.pages[a1].Kaddr)[0] = 0x3c
	pt.pd.Touch(a1, true)
	if err := pt.AddZero(a2, true); err != 0 {
		t.Fatalf("AddZero a2: %v", err)
	}
	if err := pt.Load(a2); err != 0 {
		t.Fatalf("Load a2: %v", err)
	}
	if pt.Resident(a1) {
		t.Fatal("expected a1 to have been evicted to make room for a2")
	}
	if w := fm.written[1]; w == nil || w[0] != 0x3c {
		t.Fatal("expected the dirty page to be written back to the mapping on eviction")
	}
	// a1 was written back, so it must report Location FILE and be
	// re-loadable from the backend rather than from swap.
	if loc := pt.pages[a1].Location; loc != LocFile {
		t.Fatalf("expected a1 at Location FILE after eviction, got %v", loc)
	}
	if err := pt.Load(a1); err != 0 {
		t.Fatalf("reload a1 from file: %v", err)
	}
}
