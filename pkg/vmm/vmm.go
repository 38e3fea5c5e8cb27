// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vmm implements the VAS arena described by spec §3.2: an
// interval allocator over a half-open virtual address range supporting
// alloc(size, align) and free(addr). The slab heap and thread stacks each
// get their own disjoint Arena.
package vmm

import (
	"sync"

	"github.com/charmos-go/kcore/pkg/kerrors"
	"github.com/google/btree"
)

type interval struct {
	start, end uintptr // [start, end)
}

func (iv interval) size() uintptr { return iv.end - iv.start }

func less(a, b interval) bool { return a.start < b.start }

// Arena is an interval allocator over [base, base+size).
type Arena struct {
	mu    sync.Mutex
	free  *btree.BTreeG[interval]
	live  map[uintptr]uintptr // addr -> size, for Free(addr) without a size argument
	base  uintptr
	limit uintptr
}

// New creates an arena spanning [base, base+size).
func New(base, size uintptr) *Arena {
	a := &Arena{
		free:  btree.NewG(32, less),
		live:  make(map[uintptr]uintptr),
		base:  base,
		limit: base + size,
	}
	a.free.ReplaceOrInsert(interval{base, a.limit})
	return a
}

func alignUp(addr, align uintptr) uintptr {
	if align <= 1 {
		return addr
	}
	rem := addr % align
	if rem == 0 {
		return addr
	}
	return addr + (align - rem)
}

// Alloc reserves size bytes aligned to align (which must be a power of
// two, or 0/1 for no alignment requirement), first-fit over free
// intervals in address order.
func (a *Arena) Alloc(size, align uintptr) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if size == 0 {
		return 0, kerrors.Errorf(kerrors.InvalidArgument, "vmm: zero-size allocation")
	}
	if align == 0 {
		align = 1
	}

	var chosen interval
	found := false
	var allocStart uintptr
	a.free.Ascend(func(iv interval) bool {
		start := alignUp(iv.start, align)
		if start+size <= iv.end {
			chosen = iv
			allocStart = start
			found = true
			return false
		}
		return true
	})
	if !found {
		return 0, kerrors.Sentinel(kerrors.OutOfMemory)
	}

	a.free.Delete(chosen)
	if chosen.start < allocStart {
		a.free.ReplaceOrInsert(interval{chosen.start, allocStart})
	}
	allocEnd := allocStart + size
	if allocEnd < chosen.end {
		a.free.ReplaceOrInsert(interval{allocEnd, chosen.end})
	}

	a.live[allocStart] = size
	return allocStart, nil
}

// Free returns the allocation at addr to the free pool, coalescing with
// adjacent free intervals.
func (a *Arena) Free(addr uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.live[addr]
	if !ok {
		return kerrors.Errorf(kerrors.InvalidArgument, "vmm: free of unknown address %#x", addr)
	}
	delete(a.live, addr)

	newIv := interval{addr, addr + size}

	var before interval
	hasBefore := false
	a.free.DescendLessOrEqual(interval{addr, 0}, func(iv interval) bool {
		if iv.end == addr {
			before = iv
			hasBefore = true
		}
		return false
	})
	if hasBefore {
		a.free.Delete(before)
		newIv.start = before.start
	}

	var after interval
	hasAfter := false
	a.free.AscendGreaterOrEqual(interval{addr + size, 0}, func(iv interval) bool {
		if iv.start == addr+size {
			after = iv
			hasAfter = true
		}
		return false
	})
	if hasAfter {
		a.free.Delete(after)
		newIv.end = after.end
	}

	a.free.ReplaceOrInsert(newIv)
	return nil
}

// Base and Limit report the arena's address range, for bounds checks by
// callers that need to tell "is this pointer from the slab arena or the
// stack arena" apart.
func (a *Arena) Base() uintptr  { return a.base }
func (a *Arena) Limit() uintptr { return a.limit }

// Contains reports whether addr falls within this arena's range.
func (a *Arena) Contains(addr uintptr) bool { return addr >= a.base && addr < a.limit }

// FreeBytes sums the size of every free interval, for diagnostics.
func (a *Arena) FreeBytes() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uintptr
	a.free.Ascend(func(iv interval) bool {
		total += iv.size()
		return true
	})
	return total
}
