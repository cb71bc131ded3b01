package fault

import (
	"testing"

	"vmkern/frame"
	"vmkern/mem"
	"vmkern/page"
	"vmkern/swap"
)

func newTestTable(npages int) *page.Table {
	alloc := mem.NewSimAllocator(npages)
	ft := frame.New(alloc)
	swapArea := swap.New(swap.NewMemDevice(64))
	return page.New(page.Config{
		PageDir:      mem.NewPageDirectory(),
		Frames:       ft,
		Swap:         swapArea,
		FrameMemory:  alloc,
		StackFloor:   0xb0000000,
		StackCeiling: 0xc0000000,
	})
}

func TestHandleFaultRegisteredNonResident(t *testing.T) {
	pt := newTestTable(2)
	const uaddr = 0x20000000
	if err := pt.AddZero(uaddr, true); err != 0 {
		t.Fatalf("AddZero: %v", err)
	}
	if res := HandleFault(pt, uaddr, 0, false); res != Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if !pt.Resident(uaddr) {
		t.Fatal("expected the page to be resident after the fault")
	}
}

func TestHandleFaultStaleResident(t *testing.T) {
	pt := newTestTable(2)
	const uaddr = 0x20000000
	pt.AddZero(uaddr, true)
	pt.Load(uaddr)
	// A second fault on an already-resident page (e.g. a racing thread)
	// must be treated as already-handled, not re-loaded.
	if res := HandleFault(pt, uaddr, 0, false); res != Handled {
		t.Fatalf("expected a stale fault to be Handled, got %v", res)
	}
}

func TestHandleFaultWriteToReadOnlyKills(t *testing.T) {
	pt := newTestTable(2)
	const uaddr = 0x20000000
	pt.AddZero(uaddr, false)
	if res := HandleFault(pt, uaddr, 0, true); res != Kill {
		t.Fatalf("expected a write fault on a read-only page to Kill, got %v", res)
	}
}

func TestHandleFaultStackGrowth(t *testing.T) {
	pt := newTestTable(2)
	const esp = 0xbffff000
	near := uintptr(0xbffffff0)
	if res := HandleFault(pt, near, esp, false); res != Handled {
		t.Fatalf("expected the near-esp fault to grow the stack, got %v", res)
	}
	if !pt.Resident(mem.PageRounddown(near)) {
		t.Fatal("expected the grown stack page to be resident")
	}
}

func TestHandleFaultFarBelowEspKills(t *testing.T) {
	pt := newTestTable(2)
	const esp = 0xbffff000
	far := uintptr(0x80000000)
	if res := HandleFault(pt, far, esp, false); res != Kill {
		t.Fatalf("expected a far-below-esp fault to Kill, got %v", res)
	}
}

func TestHandleFaultUnregisteredOutsideStackKills(t *testing.T) {
	pt := newTestTable(2)
	if res := HandleFault(pt, 0x12345000, 0xbffff000, false); res != Kill {
		t.Fatalf("expected an unregistered, non-stack address to Kill, got %v", res)
	}
}
