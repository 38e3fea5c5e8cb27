// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package workqueue implements the per-core permanent workqueue of spec
// §3.5/§4.9: a bounded lock-free one-shot ring backed by pkg/lfring, a
// spinlock-guarded persistent work list as ring overflow, condvar-idle
// workers whose timeout scales down with active worker count, and
// dynamic worker spawn gated by a spawn-delay timer and an optional
// request-token indirection so a caller already inside a recursive
// context (the slab allocator's own slab_create) can ask for a new
// worker without spawning one on its own stack.
package workqueue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmos-go/kcore/pkg/ksync"
	"github.com/charmos-go/kcore/pkg/lfring"
	"github.com/charmos-go/kcore/pkg/topology"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	k8sworkqueue "k8s.io/client-go/util/workqueue"
)

// Work is one unit of queued work — the generalization of spec's
// function-pointer-plus-args "work" item.
type Work struct {
	ID uuid.UUID
	Fn func()
}

// Attrs mirrors spec §3.5's workqueue attributes: min/max workers, spawn
// delay, idle timeout window, and spawn-mode flags.
type Attrs struct {
	MinWorkers      int
	MaxWorkers      int
	SpawnDelay      time.Duration
	IdleTimeout     time.Duration
	OneshotRingSize int
	AutoSpawn       bool
	SpawnViaRequest bool
}

func (a *Attrs) applyDefaults() {
	if a.MinWorkers <= 0 {
		a.MinWorkers = 1
	}
	if a.MaxWorkers <= 0 {
		a.MaxWorkers = 4
	}
	if a.MaxWorkers < a.MinWorkers {
		a.MaxWorkers = a.MinWorkers
	}
	if a.SpawnDelay <= 0 {
		a.SpawnDelay = 10 * time.Millisecond
	}
	if a.IdleTimeout <= 0 {
		a.IdleTimeout = 2 * time.Second
	}
	if a.OneshotRingSize <= 0 {
		a.OneshotRingSize = 256
	}
}

// deferredEvent is the payload posted into the client-go delaying queue;
// it carries the work straight through rather than re-deriving it, since
// spec §4.9 posts the fired event "as a one-shot work" unchanged.
type deferredEvent struct {
	id uuid.UUID
	fn func()
}

// workerActor is the minimal ksync.Actor a workqueue worker presents so
// its idle wait can go through the real Cond/Mutex primitives rather than
// a bespoke sleep loop. Workers run at a fixed priority: nothing ever
// needs to boost a worker's turn, so BlockedOn reports nothing to chain
// through.
type workerActor struct {
	id   uint64
	prio atomic.Int64

	climbMu  sync.Mutex
	basePrio int
	climb    []workerDonor
}

type workerDonor struct {
	lock uint64
	prio int
}

func (w *workerActor) ActorID() uint64           { return w.id }
func (w *workerActor) EffectivePriority() int     { return int(w.prio.Load()) }
func (w *workerActor) SetEffectivePriority(p int) { w.prio.Store(int64(p)) }
func (w *workerActor) BlockedOn() (uint64, bool)  { return 0, false }

// Inherit/Uninherit give workerActor the same climb-stack bookkeeping as
// sched.Thread (spec §9's climbTree) so a worker that happens to be the
// owner of a contended lock un-boosts correctly on release, even though
// nothing here ever donates to it in practice.
func (w *workerActor) Inherit(lock uint64, prio int) {
	w.climbMu.Lock()
	defer w.climbMu.Unlock()
	if len(w.climb) == 0 {
		w.basePrio = int(w.prio.Load())
	}
	w.climb = append(w.climb, workerDonor{lock: lock, prio: prio})
	if int64(prio) > w.prio.Load() {
		w.prio.Store(int64(prio))
	}
}

func (w *workerActor) Uninherit(lock uint64) {
	w.climbMu.Lock()
	defer w.climbMu.Unlock()
	kept := w.climb[:0]
	for _, d := range w.climb {
		if d.lock != lock {
			kept = append(kept, d)
		}
	}
	w.climb = kept

	if len(w.climb) == 0 {
		w.prio.Store(int64(w.basePrio))
		return
	}
	max := w.climb[0].prio
	for _, d := range w.climb[1:] {
		if d.prio > max {
			max = d.prio
		}
	}
	w.prio.Store(int64(max))
}

type worker struct {
	actor      *workerActor
	permanent  bool
	shouldExit atomic.Bool
}

type persistNode struct {
	work *Work
	next *persistNode
}

// Queue is one core's permanent workqueue.
type Queue struct {
	log   logr.Logger
	cpu   topology.CPUID
	attrs Attrs

	oneshot *lfring.Ring[*Work]

	persistMu   sync.Mutex
	persistHead *persistNode
	persistTail *persistNode

	numTasks atomic.Int64

	idleLock *ksync.Mutex
	idleCond *ksync.Cond

	workersMu    sync.Mutex
	workers      []*worker
	nextWorkerID atomic.Uint64
	numWorkers   atomic.Int32
	idleWorkers  atomic.Int32
	lastSpawn    atomic.Int64 // UnixNano, CAS-gated spawn-delay timer

	deferred k8sworkqueue.TypedDelayingInterface[*deferredEvent]

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a workqueue for one core and starts its MinWorkers
// permanent workers. table is the shared turnstile table workers use for
// their idle-wait mutex (spec's "condvar for idle workers").
func New(log logr.Logger, cpu topology.CPUID, table *ksync.Table, attrs Attrs) *Queue {
	attrs.applyDefaults()
	q := &Queue{
		log:      log.WithName("workqueue").WithValues("cpu", cpu),
		cpu:      cpu,
		attrs:    attrs,
		oneshot:  lfring.New[*Work](attrs.OneshotRingSize),
		idleLock: ksync.NewMutex(table),
		idleCond: ksync.NewCond(),
		deferred: k8sworkqueue.NewTypedDelayingQueue[*deferredEvent](),
		closed:   make(chan struct{}),
	}
	for i := 0; i < attrs.MinWorkers; i++ {
		q.spawnWorker(true)
	}
	go q.runDeferred()
	return q
}

func (q *Queue) CPU() topology.CPUID  { return q.cpu }
func (q *Queue) NumTasks() int64      { return q.numTasks.Load() }
func (q *Queue) NumWorkers() int      { return int(q.numWorkers.Load()) }
func (q *Queue) IdleWorkers() int     { return int(q.idleWorkers.Load()) }

// EnqueueOneshot implements workqueue_enqueue_oneshot: push onto the
// bounded ring, falling back to the persistent list as overflow when the
// ring is full (the same spinlock-protected-overflow shape the slab
// free-queue ring uses for its own overflow list).
func (q *Queue) EnqueueOneshot(fn func()) {
	q.enqueueOneshotWork(&Work{ID: uuid.New(), Fn: fn})
}

func (q *Queue) enqueueOneshotWork(w *Work) {
	if err := q.oneshot.Enqueue(w); err != nil {
		q.pushPersistent(w)
	}
	q.numTasks.Add(1)
	q.afterEnqueue()
}

// Enqueue implements workqueue_enqueue: append directly to the
// persistent work list, for work that must survive past one run or that
// the caller wants FIFO-ordered against other persistent work.
func (q *Queue) Enqueue(work *Work) {
	q.pushPersistent(work)
	q.numTasks.Add(1)
	q.afterEnqueue()
}

func (q *Queue) pushPersistent(w *Work) {
	n := &persistNode{work: w}
	q.persistMu.Lock()
	if q.persistTail == nil {
		q.persistHead, q.persistTail = n, n
	} else {
		q.persistTail.next = n
		q.persistTail = n
	}
	q.persistMu.Unlock()
}

func (q *Queue) popPersistent() (*Work, bool) {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()
	if q.persistHead == nil {
		return nil, false
	}
	w := q.persistHead.work
	q.persistHead = q.persistHead.next
	if q.persistHead == nil {
		q.persistTail = nil
	}
	return w, true
}

// afterEnqueue implements spec §4.9's "after enqueue, signal a worker via
// condvar; if no idle worker and AUTO_SPAWN is set and under max, spawn
// another worker (subject to a spawn-delay gate)".
func (q *Queue) afterEnqueue() {
	q.idleCond.Signal()
	q.maybeSpawn()
}

func (q *Queue) maybeSpawn() {
	if !q.attrs.AutoSpawn {
		return
	}
	if q.idleWorkers.Load() > 0 {
		return
	}
	if int(q.numWorkers.Load()) >= q.attrs.MaxWorkers {
		return
	}
	now := time.Now().UnixNano()
	last := q.lastSpawn.Load()
	if now-last < q.attrs.SpawnDelay.Nanoseconds() {
		return
	}
	if !q.lastSpawn.CompareAndSwap(last, now) {
		return // another enqueuer won the spawn-delay gate
	}
	if q.attrs.SpawnViaRequest {
		// Post the spawn itself as a one-shot work so it runs on an
		// existing worker's stack rather than the caller's — the
		// indirection slab_create needs to avoid recursing back into
		// the allocator it is itself inside.
		q.enqueueOneshotWork(&Work{ID: uuid.New(), Fn: func() { q.spawnWorker(false) }})
		return
	}
	q.spawnWorker(false)
}

func (q *Queue) spawnWorker(permanent bool) {
	if int(q.numWorkers.Load()) >= q.attrs.MaxWorkers {
		return
	}
	w := &worker{
		actor:     &workerActor{id: q.nextWorkerID.Add(1)},
		permanent: permanent,
	}
	q.workersMu.Lock()
	q.workers = append(q.workers, w)
	q.workersMu.Unlock()
	q.numWorkers.Add(1)
	go q.runWorker(w)
}

// runWorker implements spec §4.9's worker loop: drain the one-shot ring
// first, then the persistent list; on empty, wait on the condvar with a
// timeout that scales down with active worker count, exiting after the
// timeout if the worker isn't permanent.
func (q *Queue) runWorker(w *worker) {
	defer func() {
		q.workersMu.Lock()
		removeWorker(&q.workers, w)
		q.workersMu.Unlock()
		q.numWorkers.Add(-1)
	}()

	for {
		select {
		case <-q.closed:
			return
		default:
		}

		if work, ok := q.dequeueOneshot(); ok {
			work.Fn()
			q.numTasks.Add(-1)
			continue
		}
		if work, ok := q.popPersistent(); ok {
			work.Fn()
			q.numTasks.Add(-1)
			continue
		}
		if w.shouldExit.Load() {
			return
		}

		q.idleWorkers.Add(1)
		q.idleLock.Lock(w.actor)
		reason := q.idleCond.WaitTimeout(w.actor, q.idleLock, q.idleTimeout())
		q.idleLock.Unlock(w.actor)
		q.idleWorkers.Add(-1)

		if reason == ksync.WakeTimeout && !w.permanent {
			return
		}
	}
}

func (q *Queue) dequeueOneshot() (*Work, bool) {
	w, err := q.oneshot.Dequeue()
	if err != nil {
		return nil, false
	}
	return w, true
}

// idleTimeout scales down as more workers are active, so a burst of
// transient workers doesn't all sit idle for the full window at once.
func (q *Queue) idleTimeout() time.Duration {
	n := q.numWorkers.Load()
	if n < 1 {
		n = 1
	}
	d := q.attrs.IdleTimeout / time.Duration(n)
	const floor = 10 * time.Millisecond
	if d < floor {
		d = floor
	}
	return d
}

func removeWorker(list *[]*worker, w *worker) {
	for i, cur := range *list {
		if cur == w {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

// DeferEnqueue implements defer_enqueue: arm a deferred event that, once
// due, is posted onto this queue's own one-shot ring (spec §4.9's last
// paragraph). The client-go delaying queue's internal timer heap stands
// in for the kernel's explicit per-tick deferred-event min-heap scan —
// both fire a due event at (approximately) its due time, the only
// difference being a continuous timer instead of a discrete tick.
func (q *Queue) DeferEnqueue(fn func(), delay time.Duration) {
	q.deferred.AddAfter(&deferredEvent{id: uuid.New(), fn: fn}, delay)
}

func (q *Queue) runDeferred() {
	for {
		ev, shutdown := q.deferred.Get()
		if shutdown {
			return
		}
		q.enqueueOneshotWork(&Work{ID: ev.id, Fn: ev.fn})
		q.deferred.Done(ev)
	}
}

// Close marks the queue closed, shuts down the deferred-event queue, sets
// every worker's shouldExit and wakes the idle-waiting ones. Each worker
// returns at the start of its next loop iteration; work still queued is
// not run. spawnWorker does not check closed, so a worker spawned later
// returns immediately.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.deferred.ShutDown()
		q.workersMu.Lock()
		for _, w := range q.workers {
			w.shouldExit.Store(true)
		}
		q.workersMu.Unlock()
		q.idleCond.Broadcast()
	})
}
