// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import (
	"math/rand"
	"sync"
	"time"

	"github.com/charmos-go/kcore/pkg/kerrors"
)

// RWMutex is the priority-ceiling reader-writer lock of spec §4.7. The
// spec describes a packed lock word (priority-ceiling bits, HELD, WAITER,
// WRITER_WANT, reader count); this implementation keeps the same state
// machine under a plain mutex instead of manual bit-packing, since Go has
// no benefit from squeezing these fields into one word the way C does —
// see DESIGN.md's standard-library justification for this package. The
// prioCeiling passed to NewRWMutex is stored but not applied: acquiring
// the lock does not raise the holder's priority, and releasing it does not
// restore one.
type RWMutex struct {
	table *Table
	lock  LockID

	mu          sync.Mutex
	heldWriter  bool
	writer      Actor
	readers     map[uint64]Actor
	writerWant  bool
	prioCeiling int
}

func NewRWMutex(table *Table, prioCeiling int) *RWMutex {
	rw := &RWMutex{
		table:       table,
		lock:        NextLockID(),
		readers:     make(map[uint64]Actor),
		prioCeiling: prioCeiling,
	}
	table.RegisterOwnerResolver(rw.lock, rw.currentOwner)
	return rw
}

// currentOwner resolves to the exclusive writer only; readers don't
// donate priority since there can be many of them (spec §4.5: "owner
// decoded from... the last exclusive writer for rwlock").
func (rw *RWMutex) currentOwner() (Actor, bool) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if !rw.heldWriter || rw.writer == nil {
		return nil, false
	}
	return rw.writer, true
}

func (rw *RWMutex) tryRLock(self Actor) bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.heldWriter || rw.writerWant {
		return false
	}
	rw.readers[self.ActorID()] = self
	return true
}

func (rw *RWMutex) tryWLock(self Actor) bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.heldWriter || len(rw.readers) > 0 {
		return false
	}
	rw.heldWriter = true
	rw.writer = self
	rw.writerWant = false
	return true
}

// RLock acquires the lock for reading, backing off under contention before
// parking on the reader turnstile queue.
func (rw *RWMutex) RLock(self Actor) {
	if rw.tryRLock(self) {
		return
	}
	backoff := time.Microsecond
	for !rw.tryRLock(self) {
		if backoff >= MutexBackoffMax*time.Nanosecond {
			break
		}
		time.Sleep(backoff + time.Duration(rand.Int63n(int64(backoff)/6+1)))
		backoff *= 2
	}
	if rw.tryRLock(self) {
		return
	}
	rw.table.Block(rw.lock, self, Reader, rw.currentOwner)
	rw.mu.Lock()
	rw.readers[self.ActorID()] = self
	rw.mu.Unlock()
}

// Lock acquires the lock exclusively. Setting WRITER_WANT before blocking
// denies new readers (spec §4.7).
func (rw *RWMutex) Lock(self Actor) {
	if rw.tryWLock(self) {
		return
	}
	rw.mu.Lock()
	rw.writerWant = true
	rw.mu.Unlock()

	backoff := time.Microsecond
	for !rw.tryWLock(self) {
		if backoff >= MutexBackoffMax*time.Nanosecond {
			break
		}
		time.Sleep(backoff + time.Duration(rand.Int63n(int64(backoff)/6+1)))
		backoff *= 2
	}
	if rw.tryWLock(self) {
		return
	}

	rw.table.Block(rw.lock, self, Writer, rw.currentOwner)
	rw.mu.Lock()
	rw.heldWriter = true
	rw.writer = self
	rw.writerWant = false
	rw.mu.Unlock()
}

// RUnlock releases a read hold. Panics (NotOwner) if self never held it.
func (rw *RWMutex) RUnlock(self Actor) {
	rw.mu.Lock()
	if _, ok := rw.readers[self.ActorID()]; !ok {
		rw.mu.Unlock()
		kerrors.Fatal(rw.table.log, kerrors.NotOwner, "rwlock RUnlock by non-reader actor %d", self.ActorID())
		return
	}
	delete(rw.readers, self.ActorID())
	remaining := len(rw.readers)
	rw.mu.Unlock()

	// Readers never donate or receive priority (only the exclusive writer
	// is resolved as an owner for PI purposes), but un-inheriting here is
	// harmless and keeps the climb stack consistent if this reader was
	// ever promoted through some other path.
	rw.table.UnwindInheritance(rw.lock, self)

	if remaining == 0 {
		rw.wakeAfterRelease()
	}
}

// Unlock releases an exclusive hold, directly handing off to the next
// writer when present and no higher-priority readers are waiting,
// otherwise waking every reader whose priority >= the highest waiting
// writer (spec §4.7's direct-handoff unlock policy).
func (rw *RWMutex) Unlock(self Actor) {
	rw.mu.Lock()
	if !rw.heldWriter || rw.writer == nil || rw.writer.ActorID() != self.ActorID() {
		rw.mu.Unlock()
		kerrors.Fatal(rw.table.log, kerrors.NotOwner, "rwlock Unlock by non-owner actor %d", self.ActorID())
		return
	}
	rw.heldWriter = false
	rw.writer = nil
	rw.mu.Unlock()

	rw.table.UnwindInheritance(rw.lock, self)

	rw.wakeAfterRelease()
}

func (rw *RWMutex) wakeAfterRelease() {
	writerPrio, hasWriter := rw.table.HighestWaiting(rw.lock, Writer)
	readerPrio, hasReader := rw.table.HighestWaiting(rw.lock, Reader)

	if hasWriter && (!hasReader || writerPrio >= readerPrio) {
		if woken, ok := rw.table.WakeOne(rw.lock, Writer); ok {
			rw.mu.Lock()
			rw.heldWriter = true
			rw.writer = woken
			rw.mu.Unlock()
			return
		}
	}
	if hasReader {
		woken := rw.table.WakeAllReadersAtLeast(rw.lock, writerThresholdOrZero(hasWriter, writerPrio))
		if len(woken) > 0 {
			rw.mu.Lock()
			for _, a := range woken {
				rw.readers[a.ActorID()] = a
			}
			rw.mu.Unlock()
		}
	}
}

// lockFor/unlockFor implement the Locker interface using the exclusive
// (writer) hold, the conventional pairing for a condvar.
func (rw *RWMutex) lockFor(self Actor)   { rw.Lock(self) }
func (rw *RWMutex) unlockFor(self Actor) { rw.Unlock(self) }

func writerThresholdOrZero(hasWriter bool, writerPrio int) int {
	if hasWriter {
		return writerPrio
	}
	return 0
}
