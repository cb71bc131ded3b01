// Package fault is the page-fault glue: it classifies a fault address
// against a process's supplemental page table and drives the right
// response — ignore a stale fault, demand-load a registered page, grow
// the stack, or report the fault as unhandleable. Grounded in the
// teacher's Sys_pgfault (vm/as.go), which this package mirrors in shape:
// classify first, then dispatch, returning a Handled/Kill Result rather
// than raising an exception.
package fault

import (
	"vmkern/mem"
	"vmkern/page"
)

// Result is the outcome of HandleFault.
type Result int

const (
	// Handled means the fault was resolved (or was already stale) and the
	// faulting instruction may be retried.
	Handled Result = iota
	// Kill means the fault is not resolvable and the faulting process
	// must be terminated.
	Kill
)

func (r Result) String() string {
	if r == Handled {
		return "handled"
	}
	return "kill"
}

// HandleFault resolves a page fault at uaddr in pt, given the faulting
// thread's stack pointer esp and whether the fault was a write. It
// implements a four-way dispatch:
//
//  1. uaddr is registered and already resident: a stale fault (two
//     threads raced on the same address, or the access was already
//     retried) — handled with no further work.
//  2. uaddr is registered and not resident: demand-load it.
//  3. uaddr is not registered but falls in the stack-growth window for
//     esp: grow the stack by one page and load it.
//  4. Otherwise: unhandleable.
//
// A write fault against a read-only registered page is classified as
// unhandleable (permission violation), matching the teacher's isguard/
// writeok rejection in Sys_pgfault.
//
// The raw fault address is an arbitrary byte offset within the faulting
// page, not necessarily the page's base address, so it is rounded down
// before any supplemental-page-table lookup (those are all keyed by page
// base, matching pg_round_down(fault_addr) at the real MMU boundary). The
// stack-growth window check keeps the untruncated address: it tests
// proximity to esp at byte granularity.
func HandleFault(pt *page.Table, uaddr, esp uintptr, iswrite bool) Result {
	base := mem.PageRounddown(uaddr)

	if pt.Exists(base) {
		if iswrite && !pt.Writable(base) {
			return Kill
		}
		if pt.Resident(base) {
			return Handled
		}
		if err := pt.Load(base); err != 0 {
			return Kill
		}
		return Handled
	}

	if pt.StackWindow(uaddr, esp) {
		if err := pt.GrowStack(uaddr); err != 0 {
			return Kill
		}
		return Handled
	}

	return Kill
}
