// Command vmdemo wires the virtual memory subsystem's pieces together
// (mem, swap, frame, page, mmap, fault) over a tiny simulated machine and
// walks it through a handful of end-to-end scenarios, printing what it
// observes at each step. It is a demonstration harness, not a test: see
// the package-level _test.go files for the properties this drives.
package main

import (
	"fmt"
	"log"

	"vmkern/defs"
	"vmkern/fault"
	"vmkern/frame"
	"vmkern/mem"
	"vmkern/mmap"
	"vmkern/page"
	"vmkern/swap"
)

// memFile is an in-memory FileBackend standing in for an open file
// descriptor, for mmap's sake.
type memFile struct {
	data []byte
}

func (f *memFile) ReadAt(off int, buf []byte) (int, defs.Err_t) {
	n := copy(buf, f.data[off:])
	return n, 0
}

func (f *memFile) WriteAt(off int, buf []byte) defs.Err_t {
	if off+len(buf) > len(f.data) {
		log.Fatal("vmdemo: write past end of demo file")
	}
	copy(f.data[off:], buf)
	return 0
}

// machine bundles one process's worth of VM state over a small shared
// frame pool, the way a real kernel bundles one Vm_t over the global
// Physmem_t and frame table.
type machine struct {
	alloc *mem.SimAllocator
	pages *page.Table
	mmaps *mmap.Table
}

func newMachine(npages int) *machine {
	alloc := mem.NewSimAllocator(npages)
	dev := swap.NewMemDevice(4096)
	swapArea := swap.New(dev)
	pd := mem.NewPageDirectory()
	ft := frame.New(alloc)

	pt := page.New(page.Config{
		PageDir:      pd,
		Frames:       ft,
		Swap:         swapArea,
		FrameMemory:  alloc,
		StackFloor:   0xb0000000,
		StackCeiling: 0xc0000000,
	})
	mm := mmap.New(pt)
	pt.SetMmapBackend(mm)
	return &machine{alloc: alloc, pages: pt, mmaps: mm}
}

func main() {
	scenarioS1()
	scenarioS3()
	scenarioS4()
	scenarioS6()
}

// scenarioS1 demonstrates a zero-fill page being demand-loaded by its first
// fault. It does not write to the page, evict it, or reload it.
func scenarioS1() {
	fmt.Println("S1: zero-fill demand load")
	m := newMachine(4)
	const uaddr = 0x20000000

	if err := m.pages.AddZero(uaddr, true); err != 0 {
		log.Fatalf("S1: add_zero: %v", err)
	}
	res := fault.HandleFault(m.pages, uaddr, 0, false)
	fmt.Printf("  fault at %#x -> %v, resident=%v\n", uintptr(uaddr), res, m.pages.Resident(uaddr))
	fmt.Println("  S1 OK")
}

// scenarioS3 fills the frame pool, keeps P1 accessed, and confirms the
// next fault evicts something other than P1.
func scenarioS3() {
	fmt.Println("S3: eviction under CLOCK")
	const n = 3
	m := newMachine(n)
	addrs := make([]uintptr, n)
	for i := 0; i < n; i++ {
		addrs[i] = uintptr(0x40000000 + i*mem.PGSIZE)
		if err := m.pages.AddZero(addrs[i], true); err != 0 {
			log.Fatalf("S3: add_zero: %v", err)
		}
		if res := fault.HandleFault(m.pages, addrs[i], 0, false); res != fault.Handled {
			log.Fatalf("S3: fault on P%d not handled", i+1)
		}
	}
	m.pages.SetAccessed(addrs[0], true) // keep P1 hot

	newAddr := uintptr(0x40000000 + n*mem.PGSIZE)
	if err := m.pages.AddZero(newAddr, true); err != 0 {
		log.Fatalf("S3: add_zero: %v", err)
	}
	if res := fault.HandleFault(m.pages, newAddr, 0, false); res != fault.Handled {
		log.Fatal("S3: fault on the new page not handled")
	}
	fmt.Printf("  P1 (%#x) still resident: %v\n", addrs[0], m.pages.Resident(addrs[0]))
	if !m.pages.Resident(addrs[0]) {
		log.Fatal("S3: the accessed page P1 should not have been evicted")
	}
	fmt.Println("  S3 OK")
}

// scenarioS4 demonstrates a near-esp fault growing the stack, while a
// far-below-esp fault stays unhandleable.
func scenarioS4() {
	fmt.Println("S4: stack growth window")
	m := newMachine(4)
	const esp = 0xbffff000

	near := uintptr(0xbffffff0)
	if res := fault.HandleFault(m.pages, near, esp, false); res != fault.Handled {
		log.Fatal("S4: near-esp fault should grow the stack")
	}
	fmt.Printf("  fault at %#x (esp=%#x) -> grown\n", near, uintptr(esp))

	far := uintptr(0x80000000)
	if res := fault.HandleFault(m.pages, far, esp, false); res != fault.Kill {
		log.Fatal("S4: far-below-esp fault should be unhandleable")
	}
	fmt.Printf("  fault at %#x (esp=%#x) -> kill\n", far, uintptr(esp))
	fmt.Println("  S4 OK")
}

// scenarioS6 demonstrates double-registering an address failing without
// disturbing the first registration.
func scenarioS6() {
	fmt.Println("S6: double-register rejection")
	m := newMachine(4)
	const uaddr = 0x50000000

	if err := m.pages.AddZero(uaddr, true); err != 0 {
		log.Fatalf("S6: add_zero: %v", err)
	}
	f := &memFile{data: make([]byte, mem.PGSIZE)}
	_, err := m.mmaps.Add(f, 0, mem.PGSIZE, uaddr, true, true)
	fmt.Printf("  second registration at %#x -> err=%v\n", uintptr(uaddr), err)
	if err == 0 {
		log.Fatal("S6: double-register should have been rejected")
	}
	if res := fault.HandleFault(m.pages, uaddr, 0, false); res != fault.Handled {
		log.Fatal("S6: original registration should still be loadable")
	}
	fmt.Println("  S6 OK")
}
