// Package accnt accumulates per-process virtual-memory accounting:
// fault/load/unload/swap-in counters. Adapted from the teacher's own
// accnt package (Accnt_t): atomic counters for the hot increment path,
// with the embedded mutex reserved for Fetch, which needs a consistent
// snapshot across every field at once, and for Add, which merges every
// field.
package accnt

import (
	"sync"
	"sync/atomic"
)

// Counters holds one process's paging counters. The zero value is ready to
// use.
type Counters struct {
	Faults  int64
	Loads   int64
	Unloads int64
	SwapIns int64
	sync.Mutex
}

// AddFault records one page fault dispatched to the supplemental page
// table.
func (c *Counters) AddFault() { atomic.AddInt64(&c.Faults, 1) }

// AddLoad records one completed demand-load.
func (c *Counters) AddLoad() { atomic.AddInt64(&c.Loads, 1) }

// AddUnload records one eviction of a resident page.
func (c *Counters) AddUnload() { atomic.AddInt64(&c.Unloads, 1) }

// AddSwapIn records one load whose source was the swap area.
func (c *Counters) AddSwapIn() { atomic.AddInt64(&c.SwapIns, 1) }

// Add merges n's counts into c.
func (c *Counters) Add(n *Counters) {
	c.Lock()
	defer c.Unlock()
	atomic.AddInt64(&c.Faults, atomic.LoadInt64(&n.Faults))
	atomic.AddInt64(&c.Loads, atomic.LoadInt64(&n.Loads))
	atomic.AddInt64(&c.Unloads, atomic.LoadInt64(&n.Unloads))
	atomic.AddInt64(&c.SwapIns, atomic.LoadInt64(&n.SwapIns))
}

// Snapshot is a consistent point-in-time copy of Counters, safe to pass
// around and print without racing the live counters.
type Snapshot struct {
	Faults  int64
	Loads   int64
	Unloads int64
	SwapIns int64
}

// Fetch takes a consistent snapshot of every field under lock, the way the
// teacher's Accnt_t.Fetch does for rusage export.
func (c *Counters) Fetch() Snapshot {
	c.Lock()
	defer c.Unlock()
	return Snapshot{
		Faults:  atomic.LoadInt64(&c.Faults),
		Loads:   atomic.LoadInt64(&c.Loads),
		Unloads: atomic.LoadInt64(&c.Unloads),
		SwapIns: atomic.LoadInt64(&c.SwapIns),
	}
}
