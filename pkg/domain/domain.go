// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package domain implements the NUMA domain allocator (spec §3.1, §4.2):
// per-core page arenas, a per-domain free-queue, zonelist locality
// scoring, and the eight-step allocation order that tries local
// structures before falling back to the domain's own buddy allocator or
// a remote domain.
package domain

import (
	"sync"
	"sync/atomic"

	"github.com/charmos-go/kcore/pkg/buddy"
	"github.com/charmos-go/kcore/pkg/kerrors"
	"github.com/charmos-go/kcore/pkg/lfring"
	"github.com/charmos-go/kcore/pkg/topology"
	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"
)

// Locality degree bounds (spec §4.2: "locality degree ∈ [MIN, MAX], MAX =
// strict-local").
const (
	LocalityMin = 0
	LocalityMax = 4
)

// AllocFlags carries the request's locality degree and modifiers.
type AllocFlags struct {
	Locality           int
	Interleaved        bool // CLASS_INTERLEAVED
	FlexibleLocality   bool // FLEXIBLE_LOCALITY
	Pageable           bool // PAGEABLE
	PreferCacheAligned bool // PREFER_CACHE_ALIGNED
}

const (
	distanceWeight       = 1000
	freePagesWeight      = 1
	flexibleWeightDivide = 4
)

// queuedRun is one entry on a domain's free-queue ring.
type queuedRun struct {
	addr  buddy.PFN
	pages uint64
}

// overflowNode threads the free-queue overflow list through freed memory:
// in real kernel code this struct would be written into the freed page
// itself; here it's a plain heap node since there's no physical memory to
// borrow space from.
type overflowNode struct {
	run  queuedRun
	next *overflowNode
}

// Domain owns a contiguous PFN range (via its own buddy.Buddy instance),
// one page arena per core, and one free-queue, per spec §3.1.
type Domain struct {
	id  topology.DomainID
	log logr.Logger

	buddy *buddy.Buddy

	arenaMu sync.Mutex
	arenas  map[topology.CPUID]*lfring.Ring[buddy.PFN]

	queue        *lfring.Ring[queuedRun]
	overflowMu   sync.Mutex
	overflowHead *overflowNode
	overflowLen  int

	flushSem   *semaphore.Weighted
	pendingFre atomic.Int64 // frees since last flush, for the flush-batch trigger
	flushEvery int64

	remoteBusy atomic.Int64 // decaying observed remote-domain busyness

	statsLocal     atomic.Uint64
	statsRemote    atomic.Uint64
	statsInterleav atomic.Uint64
}

// Config sizes a domain's arenas and free-queue from DomainPages: each
// per-core arena holds 1% of DomainPages (at least 16, at most 4096) and
// the free-queue 0.5% of DomainPages (at least 64, at most 16384). The
// free-queue is sized from this domain's own page count, not from the
// system-wide total.
type Config struct {
	DomainPages      uint64
	FlushBatchFrees  int64 // frees accumulated before the flush worker wakes
}

func (c *Config) applyDefaults() {
	if c.FlushBatchFrees <= 0 {
		c.FlushBatchFrees = 64
	}
}

func arenaCapacity(domainPages uint64) int {
	cap := int(domainPages / 100)
	if cap < 16 {
		cap = 16
	}
	if cap > 4096 {
		cap = 4096
	}
	return cap
}

func queueCapacity(totalPages uint64) int {
	cap := int(totalPages / 200)
	if cap < 64 {
		cap = 64
	}
	if cap > 16384 {
		cap = 16384
	}
	return cap
}

// New creates a domain wrapping its own buddy.Buddy over ranges, with one
// arena per core in cores.
func New(log logr.Logger, id topology.DomainID, cores []topology.CPUID, ranges []buddy.UsableRange, cfg Config) (*Domain, error) {
	cfg.applyDefaults()
	b, err := buddy.New(log, ranges)
	if err != nil {
		return nil, err
	}
	d := &Domain{
		id:         id,
		log:        log.WithName("domain").WithValues("domain", int(id)),
		buddy:      b,
		arenas:     make(map[topology.CPUID]*lfring.Ring[buddy.PFN], len(cores)),
		queue:      lfring.New[queuedRun](queueCapacity(cfg.DomainPages)),
		flushSem:   semaphore.NewWeighted(1),
		flushEvery: cfg.FlushBatchFrees,
	}
	arenaCap := arenaCapacity(cfg.DomainPages)
	for _, c := range cores {
		d.arenas[c] = lfring.New[buddy.PFN](arenaCap)
	}
	return d, nil
}

func (d *Domain) ID() topology.DomainID { return d.id }

func (d *Domain) arena(cpu topology.CPUID) *lfring.Ring[buddy.PFN] {
	d.arenaMu.Lock()
	defer d.arenaMu.Unlock()
	return d.arenas[cpu]
}

// localAllocSinglePage implements allocation steps 1-3 of spec §4.2: local
// arena pop, local free-queue drain, peer-arena pop within the domain.
func (d *Domain) localAllocSinglePage(cpu topology.CPUID) (buddy.PFN, bool) {
	if a := d.arena(cpu); a != nil {
		if pfn, err := a.Dequeue(); err == nil {
			return pfn, true
		}
	}

	d.drainQueueToArena(cpu)
	if a := d.arena(cpu); a != nil {
		if pfn, err := a.Dequeue(); err == nil {
			return pfn, true
		}
	}

	d.arenaMu.Lock()
	peers := make([]*lfring.Ring[buddy.PFN], 0, len(d.arenas))
	for peer, a := range d.arenas {
		if peer != cpu {
			peers = append(peers, a)
		}
	}
	d.arenaMu.Unlock()
	for _, a := range peers {
		if pfn, err := a.Dequeue(); err == nil {
			return pfn, true
		}
	}
	return buddy.NoPFN, false
}

// drainQueueToArena moves a quota of queued runs (proportional to queue
// occupancy divided by core count, spec §4.2 step 2) back into cpu's arena
// as single pages.
func (d *Domain) drainQueueToArena(cpu topology.CPUID) {
	d.arenaMu.Lock()
	numCores := len(d.arenas)
	a := d.arenas[cpu]
	d.arenaMu.Unlock()
	if a == nil || numCores == 0 {
		return
	}
	quota := d.queue.Len()/numCores + 1
	for i := 0; i < quota; i++ {
		run, err := d.dequeueRun()
		if err != nil {
			return
		}
		for p := uint64(0); p < run.pages; p++ {
			if a.Enqueue(run.addr+buddy.PFN(p)) != nil {
				// Arena full: return the remainder to the buddy directly.
				d.buddy.Free(run.addr+buddy.PFN(p), 0)
			}
		}
	}
}

func (d *Domain) dequeueRun() (queuedRun, error) {
	if run, err := d.queue.Dequeue(); err == nil {
		return run, nil
	}
	d.overflowMu.Lock()
	defer d.overflowMu.Unlock()
	if d.overflowHead == nil {
		return queuedRun{}, kerrors.Sentinel(kerrors.WouldBlock)
	}
	n := d.overflowHead
	d.overflowHead = n.next
	d.overflowLen--
	return n.run, nil
}

// AllocSinglePage runs the full eight-step order of spec §4.2 for a
// single-page allocation from cpu's domain set, where set is the zonelist
// this domain belongs to.
func (set *Set) AllocSinglePage(cpu topology.CPUID, flags AllocFlags) (topology.DomainID, buddy.PFN, error) {
	home := set.domainOf(cpu)
	if pfn, ok := home.localAllocSinglePage(cpu); ok {
		home.statsLocal.Add(1)
		return home.id, pfn, nil
	}

	if flags.Interleaved {
		target := set.nextInterleaveDomain(cpu)
		d := set.domains[target]
		if pfn, ok := d.localAllocSinglePage(cpu); ok {
			d.statsInterleav.Add(1)
			return target, pfn, nil
		}
		if pfn := d.buddy.Alloc(0); pfn != buddy.NoPFN {
			d.statsInterleav.Add(1)
			return target, pfn, nil
		}
	}

	order := set.scoredOrder(home.id, flags)
	for _, cand := range order {
		d := set.domains[cand]
		if pfn := d.buddy.Alloc(0); pfn != buddy.NoPFN {
			if cand == home.id {
				d.statsLocal.Add(1)
			} else {
				d.statsRemote.Add(1)
			}
			return cand, pfn, nil
		}
		if !flags.FlexibleLocality {
			break
		}
	}
	return 0, buddy.NoPFN, kerrors.Sentinel(kerrors.OutOfMemory)
}

// AllocPages allocates a contiguous run of 2^order pages, used for
// multi-page interleaved requests and kmalloc_pages (spec §4.2, §4.3).
func (set *Set) AllocPages(cpu topology.CPUID, order int, flags AllocFlags) (topology.DomainID, buddy.PFN, error) {
	home := set.domainOf(cpu)
	if flags.Interleaved {
		target := set.nextInterleaveDomain(cpu)
		d := set.domains[target]
		if pfn := d.buddy.Alloc(order); pfn != buddy.NoPFN {
			d.statsInterleav.Add(1)
			return target, pfn, nil
		}
	}
	order2 := set.scoredOrder(home.id, flags)
	for _, cand := range order2 {
		d := set.domains[cand]
		if pfn := d.buddy.Alloc(order); pfn != buddy.NoPFN {
			if cand == home.id {
				d.statsLocal.Add(1)
			} else {
				d.statsRemote.Add(1)
			}
			return cand, pfn, nil
		}
		if !flags.FlexibleLocality {
			break
		}
	}
	return 0, buddy.NoPFN, kerrors.Sentinel(kerrors.OutOfMemory)
}

// FreeSinglePage returns pfn owned by owner to its domain, following the
// free path of spec §4.2: local arena/peer-arena push then buddy merge if
// local, free-queue enqueue (with overflow list) if remote.
func (set *Set) FreeSinglePage(cpu topology.CPUID, owner topology.DomainID, pfn buddy.PFN) {
	d := set.domains[owner]
	home := set.domainOf(cpu)

	if owner == home.id {
		if a := d.arena(cpu); a != nil && a.Enqueue(pfn) == nil {
			return
		}
		d.arenaMu.Lock()
		peers := make([]*lfring.Ring[buddy.PFN], 0, len(d.arenas))
		for peer, a := range d.arenas {
			if peer != cpu {
				peers = append(peers, a)
			}
		}
		d.arenaMu.Unlock()
		for _, a := range peers {
			if a.Enqueue(pfn) == nil {
				return
			}
		}
		d.buddy.Free(pfn, 0)
		d.triggerFlush()
		return
	}

	// Remote single-page free: enqueue on the owning domain's free-queue,
	// falling back on busyness to a cross-domain arena push or a direct
	// buddy merge (spec §4.2).
	run := queuedRun{addr: pfn, pages: 1}
	if d.queue.Enqueue(run) == nil {
		d.onFree()
		return
	}
	if d.remoteBusy.Load() > remoteBusyThreshold {
		d.buddy.Free(pfn, 0)
		d.onFree()
		return
	}
	d.arenaMu.Lock()
	var anyArena *lfring.Ring[buddy.PFN]
	for _, a := range d.arenas {
		anyArena = a
		break
	}
	d.arenaMu.Unlock()
	if anyArena != nil && anyArena.Enqueue(pfn) == nil {
		d.onFree()
		return
	}

	d.overflowMu.Lock()
	d.overflowHead = &overflowNode{run: run, next: d.overflowHead}
	d.overflowLen++
	d.overflowMu.Unlock()
	d.onFree()
}

const remoteBusyThreshold = 1 << 16

// onFree bumps the decaying busyness counter and the pending-free counter,
// waking the flush worker once flushEvery frees have accumulated.
func (d *Domain) onFree() {
	d.remoteBusy.Add(1)
	d.triggerFlush()
}

func (d *Domain) triggerFlush() {
	if d.pendingFre.Add(1) >= d.flushEvery {
		d.pendingFre.Store(0)
		if d.flushSem.TryAcquire(1) {
			go func() {
				defer d.flushSem.Release(1)
				d.flushQueueToBuddy()
			}()
		}
	}
}

// flushQueueToBuddy is the domain-local flush worker: it drains the
// free-queue (and overflow list) back into the buddy allocator.
func (d *Domain) flushQueueToBuddy() {
	for {
		run, err := d.dequeueRun()
		if err != nil {
			return
		}
		for p := uint64(0); p < run.pages; p++ {
			d.buddy.Free(run.addr+buddy.PFN(p), 0)
		}
		if n := d.remoteBusy.Add(-1); n < 0 {
			d.remoteBusy.Store(0)
		}
	}
}

// Stats reports allocation locality counters for diagnostics.
type Stats struct {
	Local       uint64
	Remote      uint64
	Interleaved uint64
}

func (d *Domain) Stats() Stats {
	return Stats{
		Local:       d.statsLocal.Load(),
		Remote:      d.statsRemote.Load(),
		Interleaved: d.statsInterleav.Load(),
	}
}

func (d *Domain) FreePages() uint64 { return d.buddy.TotalFreePages() }
