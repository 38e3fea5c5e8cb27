// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package buddy implements the global power-of-two physical page allocator
// described in spec §4.1: a free-area array for orders 0..MaxOrder, split
// on allocation and merged on free by flipping the buddy bit of the PFN.
package buddy

import (
	"sync"

	"github.com/go-logr/logr"
)

// MaxOrder is the largest supported allocation order (4096 * 2^22 = 16GiB
// contiguous, spec §3.1).
const MaxOrder = 22

// PageSize is the canonical page size in bytes (spec §3.1).
const PageSize = 4096

// PFN is a page-frame number. NoPFN (the zero value's complement) is the
// invalid/null PFN returned on allocation failure — the buddy allocator's
// policy is to never panic on exhaustion (spec §4.1 "caller policy is
// never to panic inside buddy").
type PFN uint64

const NoPFN PFN = ^PFN(0)

// Page is the per-PFN descriptor. Descriptors live in one contiguous array
// indexed by PFN (spec §3.1).
type Page struct {
	PFN    PFN
	Order  int
	Free   bool
	Domain int
	next   PFN // intrusive sibling link in a free list; NoPFN if none
	hasNext bool
}

type freeArea struct {
	head  PFN
	has   bool
	count int
}

// UsableRange is one firmware-reported usable physical range, in pages.
type UsableRange struct {
	StartPFN PFN
	NumPages uint64
}

// Buddy is the global buddy allocator over a contiguous PFN range.
type Buddy struct {
	mu        sync.Mutex
	log       logr.Logger
	startPFN  PFN
	numPages  uint64
	pages     []Page
	freeAreas [MaxOrder + 1]freeArea
}

// New carves the descriptor array out of the largest usable range (spec
// §4.1's "very first allocation carves its own descriptor array... and
// pins those pages in a one-shot bitmap") and registers the remaining
// usable pages by repeatedly carving the largest aligned power-of-two
// block from each range (original_source kernel/mem/buddy/init.c), up to
// MaxOrder.
func New(log logr.Logger, ranges []UsableRange) (*Buddy, error) {
	var minPFN, maxPFN PFN
	first := true
	var totalPages uint64
	for _, r := range ranges {
		if r.NumPages == 0 {
			continue
		}
		end := r.StartPFN + PFN(r.NumPages)
		if first || r.StartPFN < minPFN {
			minPFN = r.StartPFN
		}
		if first || end > maxPFN {
			maxPFN = end
		}
		totalPages += r.NumPages
		first = false
	}
	if first {
		return nil, errNoUsableMemory
	}

	b := &Buddy{
		log:      log.WithName("buddy"),
		startPFN: minPFN,
		numPages: uint64(maxPFN - minPFN),
		pages:    make([]Page, uint64(maxPFN-minPFN)),
	}
	for i := range b.pages {
		b.pages[i] = Page{PFN: minPFN + PFN(i), Domain: -1}
	}

	// Largest-usable-region-first: find the region that fits the
	// descriptor array's own pages and pin them out of the free areas
	// entirely (never registered as free), matching "pins those pages in
	// a one-shot bitmap."
	descBytes := uint64(len(b.pages)) * uint64(pageDescriptorSize)
	descPages := (descBytes + PageSize - 1) / PageSize
	pinIdx := -1
	for i, r := range ranges {
		if r.NumPages >= descPages && (pinIdx < 0 || r.NumPages > ranges[pinIdx].NumPages) {
			pinIdx = i
		}
	}
	if pinIdx < 0 {
		return nil, errDescriptorCarve
	}

	for i, r := range ranges {
		numPages := r.NumPages
		start := r.StartPFN
		if i == pinIdx {
			// Pin the first descPages pages of this range; they back
			// the descriptor array itself and are never freed.
			start += PFN(descPages)
			numPages -= descPages
		}
		b.registerRange(start, numPages)
	}
	return b, nil
}

// registerRange carves the largest aligned power-of-two blocks (up to
// MaxOrder) out of [start, start+numPages) and inserts each as free.
func (b *Buddy) registerRange(start PFN, numPages uint64) {
	for numPages > 0 {
		order := MaxOrder
		for order > 0 {
			blockPages := uint64(1) << uint(order)
			aligned := uint64(start)%blockPages == 0
			if aligned && blockPages <= numPages {
				break
			}
			order--
		}
		blockPages := uint64(1) << uint(order)
		if blockPages > numPages {
			blockPages = 1
			order = 0
		}
		b.insertFree(start, order)
		start += PFN(blockPages)
		numPages -= blockPages
	}
}

func (b *Buddy) idx(pfn PFN) int { return int(pfn - b.startPFN) }

func (b *Buddy) insertFree(pfn PFN, order int) {
	p := &b.pages[b.idx(pfn)]
	p.Free = true
	p.Order = order
	area := &b.freeAreas[order]
	p.next = area.head
	p.hasNext = area.has
	area.head = pfn
	area.has = true
	area.count++
}

func (b *Buddy) popFree(order int) (PFN, bool) {
	area := &b.freeAreas[order]
	if !area.has {
		return NoPFN, false
	}
	pfn := area.head
	p := &b.pages[b.idx(pfn)]
	area.head = p.next
	area.has = p.hasNext
	area.count--
	p.Free = false
	p.next = NoPFN
	p.hasNext = false
	return pfn, true
}

// Alloc returns a block of 2^order contiguous pages, splitting a larger
// free block if no exact-order block is available (spec §4.1). Returns
// NoPFN if no order >= the requested one has a free block.
func (b *Buddy) Alloc(order int) PFN {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocLocked(order)
}

func (b *Buddy) allocLocked(order int) PFN {
	if order < 0 || order > MaxOrder {
		return NoPFN
	}
	found := -1
	for o := order; o <= MaxOrder; o++ {
		if b.freeAreas[o].has {
			found = o
			break
		}
	}
	if found == -1 {
		return NoPFN
	}
	pfn, _ := b.popFree(found)
	// Split down to the requested order, inserting the right half of
	// each split into the next-lower order's free list.
	for o := found; o > order; o-- {
		buddyPFN := pfn + PFN(uint64(1)<<uint(o-1))
		b.insertFree(buddyPFN, o-1)
	}
	p := &b.pages[b.idx(pfn)]
	p.Order = order
	p.Free = false
	return pfn
}

// Free returns a 2^order block to the allocator, coalescing with its
// buddy (found by flipping bit `order` of the PFN) repeatedly up to
// MaxOrder (spec §4.1).
func (b *Buddy) Free(pfn PFN, order int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freeLocked(pfn, order)
}

func (b *Buddy) freeLocked(pfn PFN, order int) {
	for order < MaxOrder {
		buddyPFN := b.buddyOf(pfn, order)
		bi := b.idx(buddyPFN)
		if bi < 0 || bi >= len(b.pages) {
			break
		}
		bp := &b.pages[bi]
		if !bp.Free || bp.Order != order {
			break
		}
		// Remove buddy from its free list.
		if !b.removeFree(buddyPFN, order) {
			break
		}
		if buddyPFN < pfn {
			pfn = buddyPFN
		}
		order++
	}
	b.insertFree(pfn, order)
}

// buddyOf computes the address of pfn's buddy at the given order by
// flipping bit `order` of the page index relative to startPFN.
func (b *Buddy) buddyOf(pfn PFN, order int) PFN {
	rel := uint64(pfn - b.startPFN)
	rel ^= uint64(1) << uint(order)
	return b.startPFN + PFN(rel)
}

func (b *Buddy) removeFree(pfn PFN, order int) bool {
	area := &b.freeAreas[order]
	if !area.has {
		return false
	}
	if area.head == pfn {
		p := &b.pages[b.idx(pfn)]
		area.head = p.next
		area.has = p.hasNext
		area.count--
		p.Free = false
		return true
	}
	prev := area.head
	for {
		pp := &b.pages[b.idx(prev)]
		if !pp.hasNext {
			return false
		}
		cur := pp.next
		cp := &b.pages[b.idx(cur)]
		if cur == pfn {
			pp.next = cp.next
			pp.hasNext = cp.hasNext
			area.count--
			cp.Free = false
			return true
		}
		prev = cur
	}
}

// FreeCount returns the number of free blocks at the given order, used by
// tests to assert the conservation property (spec §8 property 1 and
// scenario S6).
func (b *Buddy) FreeCount(order int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freeAreas[order].count
}

// TotalFreePages sums free pages across every order.
func (b *Buddy) TotalFreePages() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total uint64
	for o := 0; o <= MaxOrder; o++ {
		total += uint64(b.freeAreas[o].count) * (uint64(1) << uint(o))
	}
	return total
}

func (b *Buddy) NumPages() uint64 { return b.numPages }
func (b *Buddy) StartPFN() PFN    { return b.startPFN }

// pageDescriptorSize approximates sizeof(Page) for descriptor-array carve
// sizing; kept as a constant rather than unsafe.Sizeof so the allocator
// has no unsafe dependency.
const pageDescriptorSize = 40
