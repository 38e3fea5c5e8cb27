// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import (
	"sync"

	"github.com/charmos-go/kcore/pkg/journal"
	"github.com/charmos-go/kcore/pkg/kerrors"
	"github.com/charmos-go/kcore/pkg/pairheap"
	"github.com/go-logr/logr"
)

const numChains = 256

type waiterEntry struct {
	actor Actor
	wake  chan struct{}
}

func waiterLess(a, b waiterEntry) bool {
	return a.actor.EffectivePriority() < b.actor.EffectivePriority()
}

// turnstileDesc is the per-thread turnstile descriptor of spec §3.4. Every
// Actor gets exactly one, created lazily and reused for its whole
// lifetime. While it is the turnstile "serving" a lock's chain entry, its
// queues hold every waiter on that lock; while idle it sits unused in
// Table.descriptors.
type turnstileDesc struct {
	ownerActorID uint64
	lockID       LockID
	queues       [2]*pairheap.Heap[waiterEntry]
	waiterCount  int
	freelist     []*turnstileDesc
}

func newDesc(ownerActorID uint64) *turnstileDesc {
	return &turnstileDesc{
		ownerActorID: ownerActorID,
		queues: [2]*pairheap.Heap[waiterEntry]{
			pairheap.New(waiterLess),
			pairheap.New(waiterLess),
		},
	}
}

type chain struct {
	mu     sync.Mutex
	byLock map[LockID]*turnstileDesc
}

// OwnerFunc resolves the current owner Actor of a lock, or false if the
// lock is currently unheld. Mutex/RWMutex supply this so the table can
// walk the priority-inheritance chain without knowing anything about lock
// internals.
type OwnerFunc func() (Actor, bool)

// Table is the global turnstile hash table (spec §3.4): a fixed array of
// chain buckets, each independently locked, indexed by hash(lockID).
type Table struct {
	log     logr.Logger
	journal *journal.Journal
	chains  [numChains]chain

	descMu      sync.Mutex
	descriptors map[uint64]*turnstileDesc // actor id -> its personal descriptor
	ownerFns    map[LockID]OwnerFunc
}

// NewTable builds a turnstile table. j may be nil (tests commonly pass
// nil rather than standing up a real journal), in which case boost/
// un-boost events are simply not recorded.
func NewTable(log logr.Logger, j *journal.Journal) *Table {
	t := &Table{log: log.WithName("turnstile"), journal: j, descriptors: make(map[uint64]*turnstileDesc)}
	for i := range t.chains {
		t.chains[i].byLock = make(map[LockID]*turnstileDesc)
	}
	return t
}

func (t *Table) recordJournal(kind journal.Kind, actor uint64, otherActor uint64, lock LockID) {
	if t.journal == nil {
		return
	}
	t.journal.Record(kind, 0, 0, kind.String(), map[string]any{
		"actor": actor,
		"donor": otherActor,
		"lock":  uint64(lock),
	})
}

func (t *Table) chainFor(id LockID) *chain {
	return &t.chains[uint64(id)%numChains]
}

func (t *Table) descriptorFor(actor Actor) *turnstileDesc {
	t.descMu.Lock()
	defer t.descMu.Unlock()
	d, ok := t.descriptors[actor.ActorID()]
	if !ok {
		d = newDesc(actor.ActorID())
		t.descriptors[actor.ActorID()] = d
	}
	return d
}

// Block registers actor as a waiter of kind on lock, propagates priority
// inheritance to the chain of owners, then blocks the calling goroutine
// until it is woken. owner resolves the lock's current holder.
func (t *Table) Block(lock LockID, actor Actor, kind Kind, owner OwnerFunc) {
	c := t.chainFor(lock)
	mine := t.descriptorFor(actor)

	c.mu.Lock()
	serving, exists := c.byLock[lock]
	if !exists {
		serving = mine
		serving.lockID = lock
		c.byLock[lock] = serving
	} else if serving != mine {
		serving.freelist = append(serving.freelist, mine)
	}
	wakeCh := make(chan struct{})
	serving.queues[kind].Push(waiterEntry{actor: actor, wake: wakeCh})
	serving.waiterCount++
	c.mu.Unlock()

	t.propagateInheritance(lock, actor, owner)

	<-wakeCh
}

// propagateInheritance walks the owner chain starting at the lock's
// current holder, boosting each owner's effective priority to the
// blocker's while it is lower, continuing through an owner that is itself
// blocked on another lock (spec §4.5: "walking the chain via the owner's
// blocked_on pointer"). Every boost along the chain is tagged with lock,
// the lock actually being waited on, so UnwindInheritance can undo the
// whole chain's donation once it is unlocked (spec §9's climbTree).
// Panics (a Corruption-class fatal condition) if the original blocker is
// revisited, per spec's cycle-detection requirement.
func (t *Table) propagateInheritance(lock LockID, blocker Actor, owner OwnerFunc) {
	visited := map[uint64]bool{blocker.ActorID(): true}
	cur, ok := owner()
	for ok {
		if visited[cur.ActorID()] {
			kerrors.Fatal(t.log, kerrors.CycleDetected, "priority-inheritance chain revisited actor %d", cur.ActorID())
			return
		}
		visited[cur.ActorID()] = true

		if cur.EffectivePriority() >= blocker.EffectivePriority() {
			return
		}
		cur.Inherit(uint64(lock), blocker.EffectivePriority())
		t.recordJournal(journal.KindPriorityBoost, cur.ActorID(), blocker.ActorID(), lock)

		nextLock, blocked := cur.BlockedOn()
		if !blocked {
			return
		}
		nextOwnerFn, registered := t.ownerResolver(nextLock)
		if !registered {
			return
		}
		cur, ok = nextOwnerFn()
	}
}

// UnwindInheritance undoes the donations propagateInheritance applied for
// lock, starting at owner (the actor that just released lock) and walking
// the same BlockedOn chain it did, so every actor that was boosted on
// lock's account falls back to its next-highest remaining donor, or its
// own priority if none remain (spec §9's climbTree, called from a lock's
// Unlock/RUnlock once it no longer has any bearing on the chain).
func (t *Table) UnwindInheritance(lock LockID, owner Actor) {
	visited := map[uint64]bool{}
	cur := owner
	for cur != nil {
		if visited[cur.ActorID()] {
			return
		}
		visited[cur.ActorID()] = true

		cur.Uninherit(uint64(lock))
		t.recordJournal(journal.KindPriorityUnboost, cur.ActorID(), 0, lock)

		nextLock, blocked := cur.BlockedOn()
		if !blocked {
			return
		}
		nextOwnerFn, registered := t.ownerResolver(nextLock)
		if !registered {
			return
		}
		next, ok := nextOwnerFn()
		if !ok {
			return
		}
		cur = next
	}
}

// RegisterOwnerResolver lets a lock register how to resolve its own owner
// so chain walks can continue past a blocked owner without the table
// holding a direct reference to every Mutex/RWMutex in the system.
func (t *Table) RegisterOwnerResolver(lock LockID, fn OwnerFunc) {
	t.descMu.Lock()
	defer t.descMu.Unlock()
	if t.ownerFns == nil {
		t.ownerFns = make(map[LockID]OwnerFunc)
	}
	t.ownerFns[lock] = fn
}

func (t *Table) ownerResolver(lock LockID) (OwnerFunc, bool) {
	t.descMu.Lock()
	defer t.descMu.Unlock()
	fn, ok := t.ownerFns[lock]
	return fn, ok
}

// WakeOne wakes the single highest-priority waiter of the given kind (or, if
// none, does nothing). Returns the woken Actor, if any. On the last wake
// for this lock the serving turnstile descriptor is released back to its
// owning actor and the chain's hash entry removed (spec §4.5: "on the last
// wake the turnstile travels with the woken thread").
func (t *Table) WakeOne(lock LockID, kind Kind) (Actor, bool) {
	c := t.chainFor(lock)
	c.mu.Lock()
	defer c.mu.Unlock()
	serving, ok := c.byLock[lock]
	if !ok {
		return nil, false
	}
	entry, ok := serving.queues[kind].Pop()
	if !ok {
		return nil, false
	}
	serving.waiterCount--
	if serving.waiterCount == 0 {
		delete(c.byLock, lock)
	}
	close(entry.wake)
	return entry.actor, true
}

// WakeAllReadersAtLeast wakes every reader-kind waiter whose priority is
// >= minPriority (spec §4.5/§4.7: rwlock unlock "wakes all readers whose
// priority ≥ highest pending writer").
func (t *Table) WakeAllReadersAtLeast(lock LockID, minPriority int) []Actor {
	c := t.chainFor(lock)
	c.mu.Lock()
	defer c.mu.Unlock()
	serving, ok := c.byLock[lock]
	if !ok {
		return nil
	}
	var woken []Actor
	for {
		entry, ok := serving.queues[Reader].Peek()
		if !ok || entry.actor.EffectivePriority() < minPriority {
			break
		}
		entry, _ = serving.queues[Reader].Pop()
		serving.waiterCount--
		close(entry.wake)
		woken = append(woken, entry.actor)
	}
	if serving.waiterCount == 0 {
		delete(c.byLock, lock)
	}
	return woken
}

// HasWaiters reports whether any waiter of kind is currently queued on
// lock, used by Unlock paths to decide whether a wake attempt is needed
// at all.
func (t *Table) HasWaiters(lock LockID, kind Kind) bool {
	c := t.chainFor(lock)
	c.mu.Lock()
	defer c.mu.Unlock()
	serving, ok := c.byLock[lock]
	if !ok {
		return false
	}
	return serving.queues[kind].Len() > 0
}

// HighestWaiting returns the effective priority of the highest-priority
// waiter of kind on lock, used by the rwlock to decide whether woken
// readers should still defer to a pending writer.
func (t *Table) HighestWaiting(lock LockID, kind Kind) (int, bool) {
	c := t.chainFor(lock)
	c.mu.Lock()
	defer c.mu.Unlock()
	serving, ok := c.byLock[lock]
	if !ok {
		return 0, false
	}
	entry, ok := serving.queues[kind].Peek()
	if !ok {
		return 0, false
	}
	return entry.actor.EffectivePriority(), true
}
