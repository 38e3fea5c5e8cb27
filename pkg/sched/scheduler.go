// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"math/rand"
	"sync"
	"time"

	"github.com/charmos-go/kcore/pkg/topology"
	"github.com/go-logr/logr"
	"github.com/google/btree"
)

const (
	basePeriodMS  = 20
	minPeriodMS   = 20
	maxPeriodMS   = 300
	minSliceMS    = 1
	maxSliceCount = 16
)

// timeshareKey orders timeshare rb-tree nodes by effective priority, tie
// broken by thread id so the btree has a strict total order even when two
// threads share a priority (spec §4.4: "keyed by effective priority plus
// a jitter term" — the jitter term is folded into Thread.dynamicDelta
// before this key is built).
type timeshareKey struct {
	prio int64
	id   uint64
}

func timeshareLess(a, b timeshareKey) bool {
	if a.prio != b.prio {
		return a.prio > b.prio // max-key pop: highest priority first
	}
	return a.id < b.id
}

type timeshareEntry struct {
	key    timeshareKey
	thread *Thread
}

// Scheduler is one per simulated CPU (spec §3.3).
type Scheduler struct {
	core topology.CPUID
	log  logr.Logger

	mu sync.Mutex

	urgent []*Thread
	rt     []*Thread

	threadRBT    *btree.BTreeG[timeshareEntry]
	completedRBT *btree.BTreeG[timeshareEntry]

	bg []*Thread

	counts     [numClasses]int
	totalCount int
	totalWeight int

	periodNumber uint64
	periodStart  time.Time
	periodLenMS  int
	periodOpen   bool

	beingRobbed  bool
	stealingWork bool

	idleThread *Thread
	topo       *topology.Topology
}

func timeshareEntryLess(a, b timeshareEntry) bool { return timeshareLess(a.key, b.key) }

// NewScheduler creates the per-CPU scheduler for core.
func NewScheduler(log logr.Logger, topo *topology.Topology, core topology.CPUID) *Scheduler {
	return &Scheduler{
		core:         core,
		log:          log.WithName("sched").WithValues("cpu", int(core)),
		threadRBT:    btree.NewG(32, timeshareEntryLess),
		completedRBT: btree.NewG(32, timeshareEntryLess),
		topo:         topo,
	}
}

func (s *Scheduler) CPU() topology.CPUID { return s.core }

// Load reports this scheduler's load for least-loaded CPU selection (spec
// §4.4: "load = thread count + 1 if not idle").
func (s *Scheduler) Load() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalCount == 0 {
		return 0
	}
	return s.totalCount + 1
}

func (s *Scheduler) classOf(t *Thread) Class {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perceivedClass
}

// ClassOf exports classOf for callers outside the package (the kernel's
// dispatch loop, deciding whether a still-runnable thread goes back
// through Requeue or a plain Enqueue).
func (s *Scheduler) ClassOf(t *Thread) Class { return s.classOf(t) }

// Enqueue places t onto this scheduler's queue for its perceived class,
// opening a new accounting period if this is the 0->1 runnable
// transition (spec §4.4 "Period and slice accounting").
func (s *Scheduler) Enqueue(t *Thread) {
	s.mu.Lock()
	wasEmpty := s.totalCount == 0
	class := s.classOf(t)
	switch class {
	case ClassUrgent:
		s.urgent = append(s.urgent, t)
	case ClassRT:
		s.rt = append(s.rt, t)
	case ClassTimeshare:
		t.mu.Lock()
		t.recomputeKey()
		key := timeshareKey{prio: t.effectivePrio, id: t.id}
		t.mu.Unlock()
		s.threadRBT.ReplaceOrInsert(timeshareEntry{key: key, thread: t})
	case ClassBackground:
		s.bg = append(s.bg, t)
	}
	s.counts[class]++
	s.totalCount++
	t.mu.Lock()
	s.totalWeight += t.weight
	t.state = StateReady
	t.mu.Unlock()

	if wasEmpty {
		s.openPeriod()
	}
	s.topo.ClearIdle(s.core)
	s.mu.Unlock()
}

// openPeriod computes the period length and per-thread budgets for every
// currently-enqueued timeshare thread (spec §4.4).
func (s *Scheduler) openPeriod() {
	s.periodNumber++
	s.periodStart = time.Now()
	periodMS := basePeriodMS + 2*s.totalCount
	if periodMS < minPeriodMS {
		periodMS = minPeriodMS
	}
	if periodMS > maxPeriodMS {
		periodMS = maxPeriodMS
	}
	s.periodLenMS = periodMS
	s.periodOpen = true

	if s.totalWeight == 0 {
		return
	}
	s.threadRBT.Ascend(func(e timeshareEntry) bool {
		s.assignBudget(e.thread, periodMS)
		return true
	})
}

func (s *Scheduler) assignBudget(t *Thread, periodMS int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	budgetMS := periodMS * t.weight / max(s.totalWeight, 1)
	if budgetMS < minSliceMS {
		budgetMS = minSliceMS
	}
	sliceCount := t.activityScore * maxSliceCount / 100
	switch {
	case t.activity == ActivityInteractive:
		sliceCount++
	case t.activity == ActivitySleepy:
		sliceCount--
	}
	if sliceCount < 1 {
		sliceCount = 1
	}
	if sliceCount > maxSliceCount {
		sliceCount = maxSliceCount
	}
	t.budget = time.Duration(budgetMS) * time.Millisecond
	t.timesliceLen = t.budget / time.Duration(sliceCount)
	t.periodNumber = s.periodNumber
	t.virtualBudget = int64(budgetMS)
	t.virtualRuntime = 0
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// PickNext selects the next thread to run, per spec §4.4 "Picking the
// next thread": highest-order non-empty class, FIFO pop for URGENT/RT,
// max-key pop for TIMESHARE (swapping in the completed tree at period
// end), else the idle thread with this CPU marked idle.
func (s *Scheduler) PickNext() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.urgent) > 0 {
		return s.popFIFO(&s.urgent, ClassUrgent)
	}
	if len(s.rt) > 0 {
		return s.popFIFO(&s.rt, ClassRT)
	}
	if s.threadRBT.Len() > 0 {
		return s.popTimeshare()
	}
	if s.completedRBT.Len() > 0 {
		s.threadRBT, s.completedRBT = s.completedRBT, s.threadRBT
		return s.popTimeshare()
	}
	if len(s.bg) > 0 {
		return s.popFIFO(&s.bg, ClassBackground)
	}

	s.topo.SetIdle(s.core)
	return s.idleThread
}

func (s *Scheduler) popFIFO(q *[]*Thread, class Class) *Thread {
	t := (*q)[0]
	*q = (*q)[1:]
	s.counts[class]--
	s.totalCount--
	t.mu.Lock()
	s.totalWeight -= t.weight
	t.state = StateRunning
	t.mu.Unlock()
	s.dequeueBookkeeping()
	return t
}

func (s *Scheduler) popTimeshare() *Thread {
	var entry timeshareEntry
	var ok bool
	s.threadRBT.Ascend(func(e timeshareEntry) bool {
		entry = e
		ok = true
		return false
	})
	if !ok {
		return nil
	}
	s.threadRBT.Delete(entry)
	s.counts[ClassTimeshare]--
	s.totalCount--
	t := entry.thread
	t.mu.Lock()
	s.totalWeight -= t.weight
	t.state = StateRunning
	t.mu.Unlock()
	s.dequeueBookkeeping()
	return t
}

func (s *Scheduler) dequeueBookkeeping() {
	if s.totalCount == 0 {
		s.periodOpen = false
	}
}

// SetIdleThread installs the per-CPU idle thread PickNext falls back to
// when every class is empty.
func (s *Scheduler) SetIdleThread(t *Thread) { s.idleThread = t }

// Requeue re-inserts a TIMESHARE thread into completedRBT when its budget
// is exhausted, or back into threadRBT when its timeslice expired but
// budget remains (spec §4.4 "Tick / preemption").
func (s *Scheduler) Requeue(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.mu.Lock()
	t.recomputeKey()
	key := timeshareKey{prio: t.effectivePrio, id: t.id}
	budgetExhausted := t.virtualRuntime >= t.virtualBudget
	t.state = StateReady
	s.totalWeight += t.weight
	t.mu.Unlock()

	s.totalCount++
	s.counts[ClassTimeshare]++
	if budgetExhausted {
		s.completedRBT.ReplaceOrInsert(timeshareEntry{key: key, thread: t})
	} else {
		s.threadRBT.ReplaceOrInsert(timeshareEntry{key: key, thread: t})
	}
}

// Tick advances the running thread's runtime counters (spec §4.4 "Tick /
// preemption"): virtual_period_runtime += runtime*activity_score, applies
// a CPU-bound penalty, and decays the dynamic delta. dt is the simulated
// tick duration. Returns true if t should be retired (budget exhausted)
// rather than continuing to run.
func (s *Scheduler) Tick(t *Thread, dt time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.activityWin.recordRun(now, dt)
	runRatio, _, _, _ := t.activityWin.ratios()
	t.activity = t.activityWin.classify(now, t.activity)

	t.activityScore = int(runRatio)
	if t.activityScore > 100 {
		t.activityScore = 100
	}

	t.periodRuntime += dt
	t.virtualRuntime += int64(dt/time.Millisecond) * int64(max(t.activityScore, 1)) / 100

	if t.activity == ActivityCPUBound {
		penalty := int(runRatio) * t.weight / 1000
		t.dynamicDelta -= penalty
	}
	t.dynamicDelta = t.dynamicDelta * 10 / 11
	if t.dynamicDelta > 512 {
		t.dynamicDelta = 512
	}
	if t.dynamicDelta < -512 {
		t.dynamicDelta = -512
	}
	t.recomputeKey()

	return t.virtualRuntime >= t.virtualBudget
}

// Migrate moves t from its current scheduler to dst, holding both
// scheduler locks in address order to avoid deadlock with a concurrent
// reverse migration (spec §4.4). Lock ordering here uses each scheduler's
// core id as the address surrogate, which is stable and unique.
func Migrate(src, dst *Scheduler, t *Thread) {
	first, second := src, dst
	if dst.core < src.core {
		first, second = dst, src
	}
	first.mu.Lock()
	if first != second {
		second.mu.Lock()
	}

	src.removeThreadLocked(t)

	t.beingMoved.Lock()
	t.mu.Lock()
	t.lastRanCPU = dst.core
	t.hasLastRan = true
	t.currentCPU = dst.core
	t.hasCPU = true
	t.mu.Unlock()
	t.beingMoved.Unlock()

	if first != second {
		second.mu.Unlock()
	}
	first.mu.Unlock()

	dst.Enqueue(t)
}

// removeThreadLocked removes t from whichever container currently holds
// it. Callers must hold s.mu. Used by Migrate and StealWork, which only
// snapshot queue membership via migratableByClass and must then pull the
// chosen thread out for real before re-enqueueing it elsewhere.
func (s *Scheduler) removeThreadLocked(t *Thread) {
	remove := func(list *[]*Thread) bool {
		for i, cur := range *list {
			if cur == t {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return true
			}
		}
		return false
	}
	switch {
	case remove(&s.urgent):
		s.counts[ClassUrgent]--
	case remove(&s.rt):
		s.counts[ClassRT]--
	case remove(&s.bg):
		s.counts[ClassBackground]--
	default:
		t.mu.Lock()
		key := timeshareKey{prio: t.effectivePrio, id: t.id}
		t.mu.Unlock()
		entry := timeshareEntry{key: key, thread: t}
		if _, ok := s.threadRBT.Delete(entry); ok {
			s.counts[ClassTimeshare]--
		} else if _, ok := s.completedRBT.Delete(entry); ok {
			s.counts[ClassTimeshare]--
		} else {
			return // not found in any container (already dequeued/running)
		}
	}
	s.totalCount--
	t.mu.Lock()
	s.totalWeight -= t.weight
	t.mu.Unlock()
}

// Wake implements spec §4.4's wake path: waits for yielded_after_wait (to
// avoid racing a still-running thread that only just declared itself
// blocked), checks wait_type/wake_src matching for UNINTERRUPTIBLE waits,
// applies the wake boost, and enqueues.
func (dst *Scheduler) Wake(t *Thread, reason string, prio Class, wakeSrc string) bool {
	for i := 0; i < 1000 && !t.yieldedAfterWait.Load(); i++ {
		time.Sleep(time.Microsecond)
	}

	t.mu.Lock()
	if t.waitType == WaitUninterruptible && t.wakeSrc != "" && wakeSrc != t.expectedWakeSrc {
		t.mu.Unlock()
		return false
	}
	t.perceivedClass = prio
	t.wakeMatched = true
	linked := uint64(0)
	if last, ok := t.blockEvents.Latest(); ok {
		linked = last.Epoch
	}
	t.activityWin.recordWake(time.Now())
	t.mu.Unlock()

	t.RecordWake(reason, linked)
	dst.applyWakeBoost(t)
	dst.Enqueue(t)
	return true
}

// applyWakeBoost computes the activity-score-scaled wake boost (spec
// §4.4 "Wake boost and CPU penalty").
func (s *Scheduler) applyWakeBoost(t *Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()

	mult := map[ActivityClass]int{
		ActivityInteractive: 3,
		ActivityIOBound:     2,
		ActivityCPUBound:    1,
		ActivitySleepy:      1,
	}[t.activity]
	if mult == 0 {
		mult = 1
	}
	jitter := rand.Intn(9) - 4 // +/-4
	delta := t.activityScore*mult/100 + jitter
	t.dynamicDelta += delta
	if t.dynamicDelta > 512 {
		t.dynamicDelta = 512
	}
	if t.dynamicDelta < -512 {
		t.dynamicDelta = -512
	}
	t.recomputeKey()
}

// Yield voluntarily relinquishes the CPU: the caller is expected to call
// this from within its own entry function at a declared suspension point
// (spec §5 "Suspension points").
func (t *Thread) Yield() {
	t.yieldedAfterWait.Store(true)
}

// Block marks t as blocked with the given wait semantics, appends a block
// event, and returns its epoch for a later wake to cross-link.
func (t *Thread) Block(reason string, wt WaitType, expectedSrc string) uint64 {
	t.mu.Lock()
	t.state = StateBlocked
	t.waitType = wt
	t.expectedWakeSrc = expectedSrc
	// wakeSrc gates the UNINTERRUPTIBLE source check in Wake: empty means
	// this wait doesn't care who wakes it, matching expectedSrc means it
	// does (spec §4.4 "reject a mismatched wake source on an
	// UNINTERRUPTIBLE wait").
	t.wakeSrc = expectedSrc
	t.wakeMatched = false
	t.activityWin.recordBlock(time.Now(), 0)
	t.mu.Unlock()
	t.yieldedAfterWait.Store(false)
	return t.RecordBlockOrSleep(reason)
}
