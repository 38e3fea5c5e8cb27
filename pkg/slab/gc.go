// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package slab

import (
	"sync"
	"time"

	"github.com/charmos-go/kcore/pkg/topology"
	"github.com/google/btree"
	"go.uber.org/multierr"
)

const (
	gcWeightAge      = 1
	gcWeightSize     = 1
	gcWeightRecycles = 4
	gcStopThreshold  = 10
)

// gcEntry orders GC-list slabs by enqueue timestamp, tie-broken by id
// (spec §4.3 "Slab GC is a red-black tree keyed by enqueue timestamp").
type gcEntry struct {
	enqueuedAt time.Time
	id         uint64
	slab       *Slab
}

func gcEntryLess(a, b gcEntry) bool {
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.id < b.id
}

type gcTree struct {
	mu   sync.Mutex
	tree *btree.BTreeG[gcEntry]
}

func newGCTree() *gcTree {
	return &gcTree{tree: btree.NewG(32, gcEntryLess)}
}

func (g *gcTree) insert(s *Slab) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tree.ReplaceOrInsert(gcEntry{enqueuedAt: s.enqueuedAt, id: s.id, slab: s})
}

func (g *gcTree) remove(s *Slab) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tree.Delete(gcEntry{enqueuedAt: s.enqueuedAt, id: s.id})
}

// takeNewest removes and returns the newest GC-listed slab of matching
// pageability (spec §4.3 step 5), or nil if none qualifies.
func (g *gcTree) takeNewest(pageable bool) *Slab {
	g.mu.Lock()
	defer g.mu.Unlock()
	var found gcEntry
	var ok bool
	g.tree.Descend(func(e gcEntry) bool {
		if e.slab.pageable == pageable {
			found, ok = e, true
			return false
		}
		return true
	})
	if !ok {
		return nil
	}
	g.tree.Delete(found)
	found.slab.onGCList = false
	return found.slab
}

func (g *gcTree) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tree.Len()
}

// gcScore implements spec §4.3's "score = age*w_a + size*w_s -
// recycles*w_r".
func gcScore(s *Slab, now time.Time) int {
	age := int(now.Sub(s.enqueuedAt) / time.Millisecond)
	return age*gcWeightAge + s.objSize*gcWeightSize - s.recycles*gcWeightRecycles
}

// emergencyGC implements spec §4.3's GC pass, biased toward forcing
// destruction of slabs in the needed class: examine a GCAggressivenessPct
// fraction of queued slabs (oldest first), and for each either recycle it
// into biasClass's cache or destroy it (pages returned to the buddy
// allocator), stopping once a candidate's score falls below the
// bias-adjusted threshold. Per-slab destroy errors are aggregated with
// multierr so a caller sees every failure from one pass, not just the
// first.
func (h *Heap) emergencyGC(biasClass int) error {
	total := h.gc.len()
	if total == 0 {
		return nil
	}
	examine := total * h.cfg.GCAggressivenessPct / 100
	if examine < 1 {
		examine = 1
	}

	now := time.Now()
	threshold := gcStopThreshold - gcWeightRecycles // biased lower so a needed-class pass destroys more readily

	var candidates []gcEntry
	h.gc.mu.Lock()
	h.gc.tree.Ascend(func(e gcEntry) bool {
		candidates = append(candidates, e)
		return len(candidates) < examine
	})
	h.gc.mu.Unlock()

	var errs error
	for _, e := range candidates {
		s := e.slab
		if gcScore(s, now) < threshold {
			break
		}
		h.gc.remove(s)
		s.onGCList = false

		if s.class != biasClass {
			dst := h.groupFor(s.domain, s.pageable).caches[biasClass]
			dst.adopt(s)
			continue
		}
		if err := h.destroySlab(s); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// destroySlab returns a now-unused slab's backing page to the domain
// buddy allocator.
func (h *Heap) destroySlab(s *Slab) error {
	cpus := h.topo.CPUsInDomain(s.domain)
	cpu := topology.CPUID(0)
	if len(cpus) > 0 {
		cpu = cpus[0]
	}
	h.domSet.FreeSinglePage(cpu, s.domain, s.pfn)
	return nil
}
