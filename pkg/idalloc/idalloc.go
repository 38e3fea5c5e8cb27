// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package idalloc implements the tree-based thread id space named by
// spec §3.3 ("id allocated from a tree-based id space"): a compact
// allocator over [0, N) backed by a btree.BTreeG ordering free intervals
// by start, so both allocation (take the first free interval) and release
// (merge back into a neighboring interval) are O(log n).
package idalloc

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

type interval struct {
	start, end uint64 // [start, end)
}

func less(a, b interval) bool { return a.start < b.start }

// Allocator hands out unique uint64 ids and returns them to a free pool
// on release, reusing freed ids instead of growing without bound — the
// behavior of a real kernel's tree-based id space (e.g. Linux IDR) rather
// than a monotonically increasing counter.
type Allocator struct {
	mu    sync.Mutex
	free  *btree.BTreeG[interval]
	limit uint64
}

// New creates an allocator over ids [0, limit).
func New(limit uint64) *Allocator {
	a := &Allocator{
		free:  btree.NewG(32, less),
		limit: limit,
	}
	a.free.ReplaceOrInsert(interval{0, limit})
	return a
}

// Alloc returns the smallest currently free id.
func (a *Allocator) Alloc() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var first interval
	found := false
	a.free.Ascend(func(iv interval) bool {
		first = iv
		found = true
		return false
	})
	if !found {
		return 0, fmt.Errorf("idalloc: id space exhausted (limit %d)", a.limit)
	}
	id := first.start
	a.free.Delete(first)
	if first.end > id+1 {
		a.free.ReplaceOrInsert(interval{id + 1, first.end})
	}
	return id, nil
}

// Release returns id to the free pool, coalescing with an adjacent free
// interval when possible.
func (a *Allocator) Release(id uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id >= a.limit {
		return fmt.Errorf("idalloc: id %d out of range [0,%d)", id, a.limit)
	}

	newIv := interval{id, id + 1}

	// Merge with a free interval ending exactly at id.
	var before interval
	hasBefore := false
	a.free.DescendLessOrEqual(interval{id, 0}, func(iv interval) bool {
		if iv.end == id {
			before = iv
			hasBefore = true
		}
		return false
	})
	if hasBefore {
		a.free.Delete(before)
		newIv.start = before.start
	}

	// Merge with a free interval starting exactly at id+1.
	var after interval
	hasAfter := false
	a.free.AscendGreaterOrEqual(interval{id + 1, 0}, func(iv interval) bool {
		if iv.start == id+1 {
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

// NumFree reports the total count of currently free ids, for tests and
// diagnostics.
func (a *Allocator) NumFree() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	a.free.Ascend(func(iv interval) bool {
		total += iv.end - iv.start
		return true
	})
	return total
}
