// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmos-go/kcore/pkg/kerrors"
)

// MutexBackoffMax caps the exponential spin-backoff before a blocker gives
// up spinning and parks on the turnstile (spec §4.6: "Exponential backoff
// up to MUTEX_BACKOFF_MAX (2^22)").
const MutexBackoffMax = 1 << 22

// Mutex is a priority-inheriting mutual-exclusion lock (spec §4.6). Unlike
// sync.Mutex it tracks its owner Actor so blocked waiters can climb the
// priority-inheritance chain through it.
type Mutex struct {
	table *Table
	lock  LockID

	mu         sync.Mutex // guards owner/held below; stands in for the lock word's HELD bit
	owner      Actor
	held       bool
	ownerEpoch uint64 // bumped on every owner change, for backoff reset counting
}

func NewMutex(table *Table) *Mutex {
	m := &Mutex{table: table, lock: NextLockID()}
	table.RegisterOwnerResolver(m.lock, m.currentOwner)
	return m
}

func (m *Mutex) currentOwner() (Actor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held || m.owner == nil {
		return nil, false
	}
	return m.owner, true
}

// TryLock attempts the fast-path CAS-style acquire without blocking.
func (m *Mutex) TryLock(self Actor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return false
	}
	m.held = true
	m.owner = self
	m.ownerEpoch++
	return true
}

// Lock acquires the mutex, spin-backing off while the owner is observed
// actively running (approximated here as "owner changed recently"), then
// falling back to a turnstile block with priority inheritance (spec §4.6
// steps 1-5).
func (m *Mutex) Lock(self Actor) {
	if m.TryLock(self) {
		return
	}

	backoff := time.Microsecond
	startEpoch := m.epoch()
	changes := 0
	for {
		if m.TryLock(self) {
			return
		}
		if m.epoch() != startEpoch {
			startEpoch = m.epoch()
			changes++
			if changes >= runtimeCoreCountHint() {
				backoff = time.Microsecond
				changes = 0
			}
		}
		if backoff >= MutexBackoffMax*time.Nanosecond {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) / 6 + 1)) // ~15%
		time.Sleep(backoff + jitter)
		backoff *= 2
	}

	// Slowpath: re-verify the owner is still set, then block on the writer
	// queue (spec §4.6 step 4; the waiter bit itself is represented here by
	// the turnstile table's own waiter count rather than a field on Mutex).
	m.mu.Lock()
	if !m.held {
		m.held = true
		m.owner = self
		m.ownerEpoch++
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.table.Block(m.lock, self, Writer, m.currentOwner)

	// On wake the owner has transferred the lock word to us (Unlock does
	// this before waking); mark ourselves the PI inheritor explicitly.
	m.mu.Lock()
	m.owner = self
	m.held = true
	m.mu.Unlock()
}

func (m *Mutex) epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ownerEpoch
}

// Unlock releases the mutex. If a waiter bit was set, the lock is handed
// directly to exactly one woken writer-queue waiter (spec §4.6: "mutex
// unlock clears the lock word; if the waiter bit was set, wake exactly
// one thread from the writer queue").
func (m *Mutex) Unlock(self Actor) {
	m.mu.Lock()
	if !m.held || m.owner == nil || m.owner.ActorID() != self.ActorID() {
		m.mu.Unlock()
		kerrors.Fatal(m.table.log, kerrors.NotOwner, "mutex unlock by non-owner actor %d", self.ActorID())
		return
	}
	m.mu.Unlock()

	m.table.UnwindInheritance(m.lock, self)

	if woken, ok := m.table.WakeOne(m.lock, Writer); ok {
		m.mu.Lock()
		m.owner = woken
		m.held = true
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	m.held = false
	m.owner = nil
	m.ownerEpoch++
	m.mu.Unlock()
}

// lockFor/unlockFor implement the Locker interface so a Mutex can be
// passed directly to Cond.Wait/WaitTimeout.
func (m *Mutex) lockFor(self Actor)   { m.Lock(self) }
func (m *Mutex) unlockFor(self Actor) { m.Unlock(self) }

var coreCountHint atomic.Int64

// SetCoreCountHint lets the bootstrap layer tell the mutex backoff
// algorithm the simulated core count, per spec §4.6 "reset backoff after
// core_count owner changes."
func SetCoreCountHint(n int) { coreCountHint.Store(int64(n)) }

func runtimeCoreCountHint() int {
	if n := coreCountHint.Load(); n > 0 {
		return int(n)
	}
	return 4
}
