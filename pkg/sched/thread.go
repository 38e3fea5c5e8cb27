// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sched implements the per-CPU thread scheduler (spec §3.3, §4.4):
// four strictly ordered priority classes, period/slice accounting,
// activity classification, wake boost and CPU penalty, idle-push and
// work-stealing load balancing, and priority-inheritance climb tracking
// for threads that own contended locks.
package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmos-go/kcore/pkg/idalloc"
	"github.com/charmos-go/kcore/pkg/ringbuffer"
	"github.com/charmos-go/kcore/pkg/topology"
)

// State is a thread's coarse execution state (spec §3.3).
type State int32

const (
	StateIdle State = iota
	StateReady
	StateRunning
	StateBlocked
	StateSleeping
	StateZombie
	StateTerminated
	StateHalted
)

// Class is a scheduling priority class, strictly ordered URGENT > RT >
// TIMESHARE > BACKGROUND (spec §4.4).
type Class int

const (
	ClassBackground Class = iota
	ClassTimeshare
	ClassRT
	ClassUrgent
	numClasses
)

// ActivityClass classifies a thread's recent behavior (spec §4.4).
type ActivityClass int

const (
	ActivityUnknown ActivityClass = iota
	ActivityCPUBound
	ActivityIOBound
	ActivityInteractive
	ActivitySleepy
)

// WaitType distinguishes interruptible from uninterruptible blocking waits
// (spec §3.3, §5).
type WaitType int

const (
	WaitNone WaitType = iota
	WaitInterruptible
	WaitUninterruptible
)

// ActivityEvent is one ring-buffer entry recording a wake, block, or sleep,
// cross-linked so a wake can point back to what it ended (spec §3.3).
type ActivityEvent struct {
	At          time.Time
	Reason      string
	Epoch       uint64 // this event's own epoch, for a later wake to reference
	LinkedEpoch uint64 // epoch of the block/sleep event this wake resolves, if any
}

// climbDonor is one entry in a thread's priority-inheritance climb stack
// (spec §9, grounded on original_source/kernel/sch/climb.c): the lock
// whose contention donated the boost, and the priority it donated. A
// thread blocked on by more than one lock at once can carry more than one
// donor; un-inheriting one donor falls back to the next-highest
// remaining one instead of unconditionally to the thread's own priority.
type climbDonor struct {
	lock uint64
	prio int
}

const activityRingCapacity = 4

var epochCounter atomic.Uint64

// Thread is a simulated kernel execution context (spec §3.3). Most fields
// are plain, mutex-guarded state rather than lock-free atomics, since this
// simulation's concurrency unit is the goroutine, not a raw CPU core.
type Thread struct {
	id    uint64
	name  string
	entry func(*Thread)

	mu    sync.Mutex
	state State
	dying atomic.Bool

	currentCPU  topology.CPUID
	hasCPU      bool
	lastRanCPU  topology.CPUID
	hasLastRan  bool
	allowedMask *topology.Mask
	noSteal     bool
	beingMoved  sync.Mutex // pin spinlock held while a migration detaches this thread

	baseClass      Class
	perceivedClass Class
	activity       ActivityClass
	activityScore  int // 0..100
	dynamicDelta   int // signed, clamped to +/-512
	weight         int
	niceness       int // [-19, 20]
	savedClassPI   Class
	savedWeightPI  int
	climb          []climbDonor // priority-inheritance donor stack, highest-first tracking not required: recomputed on each Uninherit
	effectivePrio  int64 // composite key: class*1e6 + weight*1e3 + dynamicDelta, used for rb-tree ordering

	periodNumber   uint64
	periodRuntime  time.Duration
	budget         time.Duration
	timesliceLen   time.Duration
	virtualBudget  int64
	virtualRuntime int64

	wakeEvents  *ringbuffer.RingBuffer[ActivityEvent]
	blockEvents *ringbuffer.RingBuffer[ActivityEvent]
	activityWin activityWindow

	refcount        atomic.Int32
	waitType        WaitType
	expectedWakeSrc string
	wakeSrc         string
	wakeMatched     bool
	yieldedAfterWait atomic.Bool

	ownedTurnstileLock   uint64
	hasOwnedTurnstile    bool
	blockedOnTurnstile   uint64
	isBlockedOnTurnstile bool
}

// Config seeds a new thread's identity and scheduling parameters.
type Config struct {
	Name        string
	Entry       func(*Thread)
	Class       Class
	Niceness    int
	AllowedMask *topology.Mask
}

// NewThread allocates a thread with an id drawn from ids (spec §3.3's
// "tree-based id space").
func NewThread(ids *idalloc.Allocator, cfg Config) (*Thread, error) {
	wakeEvents, err := ringbuffer.New[ActivityEvent](activityRingCapacity)
	if err != nil {
		return nil, err
	}
	blockEvents, err := ringbuffer.New[ActivityEvent](activityRingCapacity)
	if err != nil {
		return nil, err
	}
	id, err := ids.Alloc()
	if err != nil {
		return nil, err
	}
	t := &Thread{
		id:             id,
		name:           cfg.Name,
		entry:          cfg.Entry,
		state:          StateIdle,
		baseClass:      cfg.Class,
		perceivedClass: cfg.Class,
		activity:       ActivityUnknown,
		weight:         baseWeight,
		niceness:       cfg.Niceness,
		allowedMask:    cfg.AllowedMask,
		wakeEvents:     wakeEvents,
		blockEvents:    blockEvents,
	}
	t.hasLastRan = false
	return t, nil
}

const baseWeight = 100

func (t *Thread) ID() uint64   { return t.id }
func (t *Thread) Name() string { return t.name }

// Run invokes the thread's entry function on the calling goroutine. The
// kernel's per-CPU dispatch loop calls this directly rather than spawning
// a nested goroutine per thread: a thread occupies the underlying M for as
// long as Entry runs, and only gives it back by returning.
func (t *Thread) Run() {
	if t.entry != nil {
		t.entry(t)
	}
}

// MarkExiting records that Entry will not be invoked again for this
// thread. The dispatch loop checks Exiting after Entry returns to decide
// whether to retire the thread to StateTerminated instead of rescheduling
// it.
func (t *Thread) MarkExiting() { t.dying.Store(true) }

// Exiting reports whether MarkExiting has been called.
func (t *Thread) Exiting() bool { return t.dying.Load() }

// Terminate transitions the thread to StateTerminated. Called by the
// dispatch loop once Exiting is true and Entry has returned for the last
// time; a terminated thread is never enqueued again.
func (t *Thread) Terminate() { t.setState(StateTerminated) }

// ActorID/EffectivePriority/SetEffectivePriority/BlockedOn implement
// ksync.Actor so ksync's turnstile table can walk priority-inheritance
// chains through blocked threads.
func (t *Thread) ActorID() uint64 { return t.id }

func (t *Thread) EffectivePriority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.effectivePrio)
}

func (t *Thread) SetEffectivePriority(p int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.effectivePrio = int64(p)
}

// Inherit pushes a priority-inheritance donation from lock onto the climb
// stack and, if it outranks everything currently held, raises the
// effective priority to match (spec §4.5's boost propagation). The first
// donation saves the thread's own class/weight so Uninherit can restore
// them once every donor is gone.
func (t *Thread) Inherit(lock uint64, prio int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.climb) == 0 {
		t.savedClassPI = t.perceivedClass
		t.savedWeightPI = t.weight
	}
	t.climb = append(t.climb, climbDonor{lock: lock, prio: prio})
	if int64(prio) > t.effectivePrio {
		t.effectivePrio = int64(prio)
	}
}

// Uninherit withdraws lock's donation from the climb stack (spec §9's
// climbTree). With donors still remaining, the effective priority falls
// back to the next-highest one; with none left, it restores the
// class/weight saved by the first Inherit call and recomputes the plain
// key from them.
func (t *Thread) Uninherit(lock uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.climb[:0]
	for _, d := range t.climb {
		if d.lock != lock {
			kept = append(kept, d)
		}
	}
	t.climb = kept

	if len(t.climb) == 0 {
		t.perceivedClass = t.savedClassPI
		t.weight = t.savedWeightPI
		t.recomputeKey()
		return
	}

	max := t.climb[0].prio
	for _, d := range t.climb[1:] {
		if d.prio > max {
			max = d.prio
		}
	}
	t.effectivePrio = int64(max)
}

func (t *Thread) BlockedOn() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockedOnTurnstile, t.isBlockedOnTurnstile
}

func (t *Thread) setBlockedOnTurnstile(lock uint64) {
	t.mu.Lock()
	t.blockedOnTurnstile = lock
	t.isBlockedOnTurnstile = true
	t.mu.Unlock()
}

func (t *Thread) clearBlockedOnTurnstile() {
	t.mu.Lock()
	t.isBlockedOnTurnstile = false
	t.mu.Unlock()
}

func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thread) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// recomputeKey derives the composite rb-tree ordering key from class,
// weight, and dynamic delta (spec §4.4 "keyed by effective priority plus
// a jitter term"), then re-applies the highest remaining priority-
// inheritance donor on top if one is still active, so a boost survives
// class/weight/delta changes made while it's in effect.
func (t *Thread) recomputeKey() {
	own := int64(t.perceivedClass)*1_000_000 + int64(t.weight)*1_000 + int64(t.dynamicDelta)
	t.effectivePrio = own
	for _, d := range t.climb {
		if int64(d.prio) > t.effectivePrio {
			t.effectivePrio = int64(d.prio)
		}
	}
}

func nextEpoch() uint64 { return epochCounter.Add(1) }

// RecordWake appends a wake event whose LinkedEpoch is linked: the epoch
// returned by the RecordBlockOrSleep call this wake ends, or 0 if none
// (spec §3.3).
func (t *Thread) RecordWake(reason string, linked uint64) {
	t.wakeEvents.Push(ActivityEvent{At: time.Now(), Reason: reason, LinkedEpoch: linked})
}

// RecordBlockOrSleep appends a block/sleep event and returns its epoch for
// a later wake to cross-link against.
func (t *Thread) RecordBlockOrSleep(reason string) uint64 {
	epoch := nextEpoch()
	t.blockEvents.Push(ActivityEvent{At: time.Now(), Reason: reason, Epoch: epoch})
	return epoch
}

// LastBlockOrSleep finds the block/sleep event a wake's LinkedEpoch
// refers to, using ringbuffer.LatestMatching's newest-to-oldest scan.
func (t *Thread) LastBlockOrSleep(linkedEpoch uint64) (ActivityEvent, bool) {
	return t.blockEvents.LatestMatching(func(e ActivityEvent) bool { return e.Epoch == linkedEpoch })
}
