// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"sync/atomic"
	"time"

	"github.com/charmos-go/kcore/pkg/topology"
)

const (
	stealMinDiff   = 4 // a victim's load (threads*100) must exceed the local load * stealMinDiff
	crossNUMANum   = 1
	crossNUMADen   = 5
	idleFloorMS    = 10
	migratableFloor = 3
)

// Set owns every per-CPU Scheduler plus the global concurrent-stealer
// gate (spec §4.4 "Load balancing").
type Set struct {
	topo        *topology.Topology
	schedulers  map[topology.CPUID]*Scheduler
	idleSince   map[topology.CPUID]time.Time
	concurrentStealers atomic.Int32
	maxStealers int32
}

func NewSet(topo *topology.Topology, schedulers map[topology.CPUID]*Scheduler, maxStealers int32) *Set {
	if maxStealers <= 0 {
		maxStealers = 2
	}
	return &Set{
		topo:        topo,
		schedulers:  schedulers,
		idleSince:   make(map[topology.CPUID]time.Time),
		maxStealers: maxStealers,
	}
}

func (set *Set) Scheduler(cpu topology.CPUID) *Scheduler { return set.schedulers[cpu] }

func (set *Set) leastLoadedIdle(from topology.CPUID) (topology.CPUID, bool) {
	idle := set.topo.IdleCPUs()
	best := topology.CPUID(-1)
	bestLoad := int(^uint(0) >> 1)
	for _, cpu := range idle {
		if cpu == from {
			continue
		}
		s := set.schedulers[cpu]
		if s == nil {
			continue
		}
		if l := s.Load(); l < bestLoad {
			bestLoad = l
			best = cpu
		}
	}
	return best, best >= 0
}

// IdlePush migrates work from src to the least-loaded idle CPU when src
// just transitioned to having runnable work (spec §4.4 mechanism 1).
func (set *Set) IdlePush(src *Scheduler) {
	target, ok := set.leastLoadedIdle(src.CPU())
	if !ok {
		return
	}
	dst := set.schedulers[target]
	if dst == nil {
		return
	}

	sameNUMA := set.topo.DomainOf(src.CPU()) == set.topo.DomainOf(target)
	distance := set.topo.Distance(set.topo.DomainOf(src.CPU()), set.topo.DomainOf(target))

	migratable := src.migratableByClass()
	idleDuration := time.Duration(0)
	if since, ok := set.idleSince[target]; ok {
		idleDuration = time.Since(since)
	}

	for class, threads := range migratable {
		if len(threads) == 0 {
			continue
		}
		var n int
		if sameNUMA {
			n = len(threads) / 2
		} else {
			n = len(threads) * crossNUMANum / ((1 + distance) * crossNUMADen)
			if n < 1 && idleDuration >= idleFloorMS*time.Millisecond && len(threads) >= migratableFloor {
				n = 1
			}
		}
		for i := 0; i < n && i < len(threads); i++ {
			Migrate(src, dst, threads[i])
		}
		_ = class
	}
}

// migratableByClass snapshots threads eligible for migration, grouped by
// class: only NO_STEAL threads are excluded (the allowed mask is not
// checked), and timeshare candidates come from threadRBT only. It does not remove
// them from their queues — the caller (IdlePush/StealWork) removes them
// via Migrate, which re-derives membership at dequeue time.
func (s *Scheduler) migratableByClass() map[Class][]*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[Class][]*Thread{}
	collect := func(class Class, list []*Thread) {
		for _, t := range list {
			if t.noSteal {
				continue
			}
			out[class] = append(out[class], t)
		}
	}
	collect(ClassUrgent, s.urgent)
	collect(ClassRT, s.rt)
	collect(ClassBackground, s.bg)
	var ts []*Thread
	s.threadRBT.Ascend(func(e timeshareEntry) bool {
		if !e.thread.noSteal {
			ts = append(ts, e.thread)
		}
		return true
	})
	out[ClassTimeshare] = ts
	return out
}

// StealWork implements mechanism 2: an idle or below-average scheduler
// picks the most loaded victim whose load clears stealMinDiff and moves
// one thread from it: the first migratable thread of its highest non-empty
// class, subject to a global concurrent-stealer cap. completedRBT and the
// threads' allowed masks are not consulted.
func (set *Set) StealWork(thief *Scheduler) {
	if set.concurrentStealers.Add(1) > set.maxStealers {
		set.concurrentStealers.Add(-1)
		return
	}
	defer set.concurrentStealers.Add(-1)

	localLoad := thief.Load()
	var victim *Scheduler
	bestLoad := 0
	for cpu, s := range set.schedulers {
		if cpu == thief.CPU() {
			continue
		}
		l := s.Load() * 100
		if l > localLoad*stealMinDiff && l > bestLoad {
			bestLoad = l
			victim = s
		}
	}
	if victim == nil {
		return
	}

	victim.mu.Lock()
	victim.beingRobbed = true
	victim.mu.Unlock()
	defer func() {
		victim.mu.Lock()
		victim.beingRobbed = false
		victim.mu.Unlock()
	}()

	migratable := victim.migratableByClass()
	for _, class := range []Class{ClassUrgent, ClassRT, ClassTimeshare, ClassBackground} {
		threads := migratable[class]
		if len(threads) == 0 {
			continue
		}
		t := threads[0]
		Migrate(victim, thief, t)
		return
	}
}
