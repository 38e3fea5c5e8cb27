// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package slab

import (
	"context"
	"math/bits"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmos-go/kcore/pkg/buddy"
	"github.com/charmos-go/kcore/pkg/domain"
	"github.com/charmos-go/kcore/pkg/kerrors"
	"github.com/charmos-go/kcore/pkg/topology"
	"github.com/charmos-go/kcore/pkg/vmm"
	"github.com/go-logr/logr"
)

// Flags mirrors kmalloc's flag bits (spec §4.3).
type Flags struct {
	Pageable bool
}

// Behavior controls the drain/fault policy of a kmalloc call (spec §4.3
// step 2 and step 7).
type Behavior int

const (
	// BehaviorMayFault allows draining the free-queue and running
	// emergency GC on exhaustion.
	BehaviorMayFault Behavior = iota
	// BehaviorNoFault never drains and never runs emergency GC; failure
	// returns OutOfMemory immediately.
	BehaviorNoFault
)

// Config tunes the watermark percentage spec's Open Question (3) leaves
// undefined, defaulted to 25% (see DESIGN.md). There is no free-queue
// alloc percentage setting: step 2's "optionally drain a portion of the
// local free-queue" is domain.Set.AllocSinglePage's local fast-path drain,
// one layer down, whose quota is the queue's occupancy divided by the
// domain's core count, plus one.
type Config struct {
	MagazineWatermarkPct int // SLAB_MAG_WATERMARK
	GCAggressivenessPct  int // fraction of queued slabs examined per GC pass
}

func (c *Config) applyDefaults() {
	if c.MagazineWatermarkPct <= 0 {
		c.MagazineWatermarkPct = 25
	}
	if c.GCAggressivenessPct <= 0 {
		c.GCAggressivenessPct = 25
	}
}

type largeAllocInfo struct {
	domain topology.DomainID
	pfn    buddy.PFN
	order  int
	pages  uint64
}

// Heap is the kernel's object allocator: one CacheGroup pair per domain,
// one magazine pair per (cpu, class), a shared GC ordering tree, and the
// large-allocation VAS arena (spec §3.2, §4.3).
type Heap struct {
	log    logr.Logger
	topo   *topology.Topology
	domSet *domain.Set
	pages  *vmm.Arena
	cfg    Config

	groupsMu sync.RWMutex
	pageable map[topology.DomainID]*CacheGroup
	nonpage  map[topology.DomainID]*CacheGroup

	magMu     sync.Mutex
	pageMag   map[topology.CPUID]*[9]*magazine
	nonpageMag map[topology.CPUID]*[9]*magazine

	gc *gcTree

	largeMu sync.Mutex
	large   map[uint64]largeAllocInfo

	nextSlabID uint64
}

// New assembles a Heap over an already-bootstrapped domain Set, with a
// dedicated VAS arena reserved for large (>= one page) allocations (spec
// §5 "slab heap and thread stacks each own a disjoint arena").
func New(log logr.Logger, topo *topology.Topology, domSet *domain.Set, pages *vmm.Arena, cfg Config) *Heap {
	cfg.applyDefaults()
	h := &Heap{
		log:        log.WithName("slab"),
		topo:       topo,
		domSet:     domSet,
		pages:      pages,
		cfg:        cfg,
		pageable:   make(map[topology.DomainID]*CacheGroup),
		nonpage:    make(map[topology.DomainID]*CacheGroup),
		pageMag:    make(map[topology.CPUID]*[9]*magazine),
		nonpageMag: make(map[topology.CPUID]*[9]*magazine),
		gc:         newGCTree(),
		large:      make(map[uint64]largeAllocInfo),
	}
	for _, d := range domSet.AllDomains() {
		h.pageable[d] = newCacheGroup(true, d)
		h.nonpage[d] = newCacheGroup(false, d)
	}
	for _, cpu := range topo.CPUs() {
		h.pageMag[cpu.ID] = newMagazineSet()
		h.nonpageMag[cpu.ID] = newMagazineSet()
	}
	return h
}

func newMagazineSet() *[9]*magazine {
	var set [9]*magazine
	for i := range set {
		set[i] = newMagazine()
	}
	return &set
}

func (h *Heap) groupFor(domainID topology.DomainID, pageable bool) *CacheGroup {
	h.groupsMu.RLock()
	defer h.groupsMu.RUnlock()
	if pageable {
		return h.pageable[domainID]
	}
	return h.nonpage[domainID]
}

func (h *Heap) magazineFor(cpu topology.CPUID, class int, pageable bool) *magazine {
	h.magMu.Lock()
	defer h.magMu.Unlock()
	var set *[9]*magazine
	if pageable {
		set = h.pageMag[cpu]
	} else {
		set = h.nonpageMag[cpu]
	}
	return set[class]
}

func orderForSize(size int) int {
	pages := (size + buddy.PageSize - 1) / buddy.PageSize
	if pages < 1 {
		pages = 1
	}
	return bits.Len(uint(pages - 1))
}

// Kmalloc implements spec §4.3's kmalloc(size, flags, behavior).
func (h *Heap) Kmalloc(cpu topology.CPUID, size int, flags Flags, behavior Behavior) (uint64, error) {
	class, ok := classIndexForSize(size)
	if !ok {
		return h.kmallocPages(cpu, size)
	}

	reserve := 0
	if flags.Pageable {
		reserve = magEntries * h.cfg.MagazineWatermarkPct / 100
	}

	mag := h.magazineFor(cpu, class, flags.Pageable)
	if addr, ok := mag.pop(reserve); ok {
		return addr, nil
	}

	addr, err := h.slowpathAlloc(cpu, class, flags, behavior)
	if err == nil {
		h.refillMagazines(cpu, class, flags.Pageable)
		return addr, nil
	}
	if behavior != BehaviorMayFault || !kerrors.Is(err, kerrors.Sentinel(kerrors.OutOfMemory)) {
		return 0, err
	}

	// Step 7: one emergency GC pass biased toward the needed class, then
	// retry exactly once (cenkalti/backoff's single-shot jittered helper,
	// not multi-attempt retry — spec bounds this to one retry).
	_, berr := backoff.Retry(context.Background(), func() (struct{}, error) {
		h.emergencyGC(class)
		addr, err = h.slowpathAlloc(cpu, class, flags, behavior)
		return struct{}{}, err
	}, backoff.WithMaxTries(1))
	if berr != nil {
		return 0, err
	}
	h.refillMagazines(cpu, class, flags.Pageable)
	return addr, nil
}

// slowpathAlloc implements steps 2-6: optional free-queue drain, cache
// selection, allocation from an existing slab, and slab_create fallback.
func (h *Heap) slowpathAlloc(cpu topology.CPUID, class int, flags Flags, behavior Behavior) (uint64, error) {
	cache := h.searchForCache(cpu, class, flags.Pageable)

	if addr, _, ok := cache.allocFromPartialOrFree(); ok {
		return addr, nil
	}

	s, err := h.createSlab(cpu, cache)
	if err != nil {
		return 0, err
	}
	addr, ok := s.allocObject()
	if !ok {
		return 0, kerrors.Sentinel(kerrors.OutOfMemory)
	}
	if s.full() {
		cache.mu.Lock()
		removeSlab(&cache.free, s)
		s.state = listFull
		cache.full = append(cache.full, s)
		cache.mu.Unlock()
	} else {
		cache.mu.Lock()
		removeSlab(&cache.free, s)
		s.state = listPartial
		cache.partial = append(cache.partial, s)
		cache.mu.Unlock()
	}
	return addr, nil
}

// searchForCache implements spec §4.3 step 3 (slab_search_for_cache):
// score pageable/non-pageable candidates across the first
// (MAX-locality)*count/MAX zonelist domains by distance*W - usable_count,
// preferring pageable unless a non-pageable peer scores at least 2x
// better, and restricting non-pageable requests to non-pageable caches.
func (h *Heap) searchForCache(cpu topology.CPUID, class int, pageable bool) *Cache {
	home := h.topo.DomainOf(cpu)
	all := h.domainOrder(home)

	const maxLocality = 4
	window := len(all)
	if window > 1 {
		window = (maxLocality * len(all)) / maxLocality
	}
	if window < 1 {
		window = 1
	}
	candidates := all[:window]

	type scored struct {
		cache *Cache
		score int
	}
	best := func(wantPageable bool) (scored, bool) {
		var bestS scored
		found := false
		for _, d := range candidates {
			c := h.groupFor(d, wantPageable).caches[class]
			distance := h.topo.Distance(home, d)
			score := distance*1000 - c.usableCount()
			if !found || score < bestS.score {
				bestS = scored{cache: c, score: score}
				found = true
			}
		}
		return bestS, found
	}

	if !pageable {
		b, _ := best(false)
		return b.cache
	}

	pageBest, _ := best(true)
	nonBest, ok := best(false)
	if ok && nonBest.score*2 <= pageBest.score {
		return nonBest.cache
	}
	return pageBest.cache
}

// domainOrder returns every domain ordered nearest-first from home, used
// by searchForCache's zonelist window.
func (h *Heap) domainOrder(home topology.DomainID) []topology.DomainID {
	all := h.domSet.AllDomains()
	out := make([]topology.DomainID, len(all))
	copy(out, all)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && h.topo.Distance(home, out[j]) < h.topo.Distance(home, out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// createSlab implements step 5: consult the GC list for a matching-
// pageability slab to recycle, else allocate one fresh page.
func (h *Heap) createSlab(cpu topology.CPUID, cache *Cache) (*Slab, error) {
	if s := h.gc.takeNewest(cache.pageable); s != nil {
		s.recycles++
		cache.adopt(s)
		return s, nil
	}

	_, pfn, err := h.domSet.AllocSinglePage(cpu, domain.AllocFlags{})
	if err != nil {
		return nil, err
	}
	h.nextSlabID++
	s := newSlab(h.nextSlabID, pfn, cache.class, cache.pageable, cache.domain)
	cache.adopt(s)
	return s, nil
}

// refillMagazines implements step 6: opportunistically top up every
// per-CPU magazine for this class from the cache's spare capacity.
func (h *Heap) refillMagazines(cpu topology.CPUID, class int, pageable bool) {
	mag := h.magazineFor(cpu, class, pageable)
	cache := h.groupFor(h.topo.DomainOf(cpu), pageable).caches[class]
	for mag.len() < magEntries {
		addr, _, ok := cache.allocFromPartialOrFree()
		if !ok {
			return
		}
		if !mag.push(addr) {
			h.releaseToCache(addr, cache)
			return
		}
	}
}

func (h *Heap) releaseToCache(addr uint64, cache *Cache) {
	s := h.findSlabForAddr(cache, addr)
	if s == nil {
		return
	}
	nowFree, _ := cache.releaseObject(s, addr)
	if nowFree {
		h.maybeEnqueueGC(s)
	}
}

func (h *Heap) findSlabForAddr(cache *Cache, addr uint64) *Slab {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	pfn := pfnOfAddr(addr)
	for _, s := range cache.partial {
		if s.pfn == pfn {
			return s
		}
	}
	for _, s := range cache.full {
		if s.pfn == pfn {
			return s
		}
	}
	for _, s := range cache.free {
		if s.pfn == pfn {
			return s
		}
	}
	return nil
}

// kmallocPages implements the large-allocation branch: VAS-allocate
// contiguous virtual pages, back them with physical pages via the domain
// allocator, and remember the mapping for kfree's large-allocation check
// (standing in for the page-header magic, since there's no real memory
// to write a header into).
func (h *Heap) kmallocPages(cpu topology.CPUID, size int) (uint64, error) {
	pages := uint64((size + buddy.PageSize - 1) / buddy.PageSize)
	order := orderForSize(size)

	addr, err := h.pages.Alloc(uintptr(pages)*buddy.PageSize, buddy.PageSize)
	if err != nil {
		return 0, err
	}
	d, pfn, err := h.domSet.AllocPages(cpu, order, domain.AllocFlags{})
	if err != nil {
		_ = h.pages.Free(addr)
		return 0, err
	}
	h.largeMu.Lock()
	h.large[uint64(addr)] = largeAllocInfo{domain: d, pfn: pfn, order: order, pages: pages}
	h.largeMu.Unlock()
	return uint64(addr), nil
}

// Kfree implements spec §4.3's kfree steps 1-4.
func (h *Heap) Kfree(cpu topology.CPUID, addr uint64) error {
	if addr == 0 {
		return nil
	}

	h.largeMu.Lock()
	info, isLarge := h.large[addr]
	if isLarge {
		delete(h.large, addr)
	}
	h.largeMu.Unlock()
	if isLarge {
		for p := uint64(0); p < info.pages; p++ {
			h.domSet.FreeSinglePage(cpu, info.domain, info.pfn+buddy.PFN(p))
		}
		return h.pages.Free(uintptr(addr))
	}

	pageable, ok := h.findSlabOwner(addr)
	if !ok {
		return kerrors.Errorf(kerrors.InvalidArgument, "kfree: unknown address %#x", addr)
	}

	domainID := h.domainOfAddr(addr)
	classIdx := h.classOfAddr(addr, pageable, domainID)
	mag := h.magazineFor(cpu, classIdx, pageable)
	if mag.push(addr) {
		return nil
	}

	// Magazine full: flush it plus the incoming object (spec §4.3 step 3).
	// A (cpu, class) magazine can hold addresses from more than one NUMA
	// domain, so each drained address is re-resolved to its own owning
	// domain/cache rather than assuming they all match addr's.
	drained := mag.drainAll()
	drained = append(drained, addr)
	for _, a := range drained {
		d := h.domainOfAddr(a)
		c := h.classOfAddr(a, pageable, d)
		h.releaseToCache(a, h.groupFor(d, pageable).caches[c])
	}
	return nil
}

// findSlabOwner reports whether addr belongs to a currently tracked slab
// and, if so, whether that slab's cache is pageable.
func (h *Heap) findSlabOwner(addr uint64) (pageable bool, ok bool) {
	pfn := pfnOfAddr(addr)
	h.groupsMu.RLock()
	defer h.groupsMu.RUnlock()
	for _, g := range h.pageable {
		for _, c := range g.caches {
			if slabInCache(c, pfn) {
				return true, true
			}
		}
	}
	for _, g := range h.nonpage {
		for _, c := range g.caches {
			if slabInCache(c, pfn) {
				return false, true
			}
		}
	}
	return false, false
}

func slabInCache(c *Cache, pfn buddy.PFN) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.partial {
		if s.pfn == pfn {
			return true
		}
	}
	for _, s := range c.full {
		if s.pfn == pfn {
			return true
		}
	}
	return false
}

func (h *Heap) domainOfAddr(addr uint64) topology.DomainID {
	pfn := pfnOfAddr(addr)
	h.groupsMu.RLock()
	defer h.groupsMu.RUnlock()
	for d, g := range h.pageable {
		for _, c := range g.caches {
			if slabInCache(c, pfn) {
				return d
			}
		}
	}
	for d, g := range h.nonpage {
		for _, c := range g.caches {
			if slabInCache(c, pfn) {
				return d
			}
		}
	}
	return 0
}

func (h *Heap) classOfAddr(addr uint64, pageable bool, domainID topology.DomainID) int {
	pfn := pfnOfAddr(addr)
	g := h.groupFor(domainID, pageable)
	for _, c := range g.caches {
		if slabInCache(c, pfn) {
			return c.class
		}
	}
	return 0
}

// maybeEnqueueGC places a now-empty slab on the GC ordering tree (spec
// §4.3 "on used==0 move to FREE and possibly enqueue onto the GC list").
func (h *Heap) maybeEnqueueGC(s *Slab) {
	if s.onGCList {
		return
	}
	s.onGCList = true
	s.enqueuedAt = time.Now()
	h.gc.insert(s)
}
