// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/charmos-go/kcore/pkg/ksync"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDonor struct {
	lock uint64
	prio int
}

type fakeActor struct {
	id       uint64
	mu       sync.Mutex
	prio     int
	basePrio int
	climb    []fakeDonor
	onLockID uint64
	blocked  bool
}

func newFakeActor(id uint64, prio int) *fakeActor { return &fakeActor{id: id, prio: prio} }

func (a *fakeActor) ActorID() uint64 { return a.id }
func (a *fakeActor) EffectivePriority() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.prio
}
func (a *fakeActor) SetEffectivePriority(p int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prio = p
}
func (a *fakeActor) BlockedOn() (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.onLockID, a.blocked
}

func (a *fakeActor) Inherit(lock uint64, prio int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.climb) == 0 {
		a.basePrio = a.prio
	}
	a.climb = append(a.climb, fakeDonor{lock: lock, prio: prio})
	if prio > a.prio {
		a.prio = prio
	}
}

func (a *fakeActor) Uninherit(lock uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.climb[:0]
	for _, d := range a.climb {
		if d.lock != lock {
			kept = append(kept, d)
		}
	}
	a.climb = kept
	if len(a.climb) == 0 {
		a.prio = a.basePrio
		return
	}
	max := a.climb[0].prio
	for _, d := range a.climb[1:] {
		if d.prio > max {
			max = d.prio
		}
	}
	a.prio = max
}

func TestMutexMutualExclusion(t *testing.T) {
	table := ksync.NewTable(logr.Discard(), nil)
	m := ksync.NewMutex(table)
	a := newFakeActor(1, 10)
	b := newFakeActor(2, 10)

	m.Lock(a)
	locked := make(chan struct{})
	go func() {
		m.Lock(b)
		close(locked)
		m.Unlock(b)
	}()

	select {
	case <-locked:
		t.Fatal("second lock acquired while first still held")
	case <-time.After(20 * time.Millisecond):
	}

	m.Unlock(a)
	select {
	case <-locked:
	case <-time.After(2 * time.Second):
		t.Fatal("second lock never acquired after unlock")
	}
}

func TestMutexPriorityInheritanceBoostsOwner(t *testing.T) {
	table := ksync.NewTable(logr.Discard(), nil)
	m := ksync.NewMutex(table)
	low := newFakeActor(1, 1)
	high := newFakeActor(2, 100)

	m.Lock(low)
	done := make(chan struct{})
	go func() {
		m.Lock(high)
		close(done)
		m.Unlock(high)
	}()

	require.Eventually(t, func() bool {
		return low.EffectivePriority() == 100
	}, time.Second, time.Millisecond, "owner should inherit the blocker's priority")

	m.Unlock(low)
	<-done
}

func TestMutexUnlockUninheritsBackToOwnPriority(t *testing.T) {
	table := ksync.NewTable(logr.Discard(), nil)
	m := ksync.NewMutex(table)
	low := newFakeActor(1, 1)
	high := newFakeActor(2, 100)

	m.Lock(low)
	done := make(chan struct{})
	go func() {
		m.Lock(high)
		close(done)
		m.Unlock(high)
	}()

	require.Eventually(t, func() bool {
		return low.EffectivePriority() == 100
	}, time.Second, time.Millisecond, "owner should inherit the blocker's priority")

	m.Unlock(low)
	<-done

	assert.Equal(t, 1, low.EffectivePriority(), "owner should fall back to its own priority once unlocked")
}

func TestMutexUnlockFallsBackToNextHighestDonor(t *testing.T) {
	table := ksync.NewTable(logr.Discard(), nil)
	m1 := ksync.NewMutex(table)
	m2 := ksync.NewMutex(table)
	owner := newFakeActor(1, 1)
	midPrio := newFakeActor(2, 50)
	highPrio := newFakeActor(3, 100)

	m1.Lock(owner)
	m2.Lock(owner)

	done1 := make(chan struct{})
	go func() {
		m1.Lock(midPrio)
		close(done1)
		m1.Unlock(midPrio)
	}()
	require.Eventually(t, func() bool {
		return owner.EffectivePriority() == 50
	}, time.Second, time.Millisecond, "owner should inherit the first blocker's priority")

	done2 := make(chan struct{})
	go func() {
		m2.Lock(highPrio)
		close(done2)
		m2.Unlock(highPrio)
	}()
	require.Eventually(t, func() bool {
		return owner.EffectivePriority() == 100
	}, time.Second, time.Millisecond, "owner should inherit the second, higher blocker's priority")

	// Releasing m2 should fall back to m1's still-pending donor (50), not
	// straight to the owner's own base priority (1).
	m2.Unlock(owner)
	require.Equal(t, 50, owner.EffectivePriority(), "should fall back to the next-highest remaining donor")

	m1.Unlock(owner)
	<-done1
	<-done2
	require.Equal(t, 1, owner.EffectivePriority(), "should fall back to the owner's own priority once every donor is gone")
}

func TestRWMutexAllowsConcurrentReaders(t *testing.T) {
	table := ksync.NewTable(logr.Discard(), nil)
	rw := ksync.NewRWMutex(table, 0)
	a := newFakeActor(1, 1)
	b := newFakeActor(2, 1)

	rw.RLock(a)
	rlocked := make(chan struct{})
	go func() {
		rw.RLock(b)
		close(rlocked)
	}()
	select {
	case <-rlocked:
	case <-time.After(time.Second):
		t.Fatal("second reader never acquired alongside first")
	}
	rw.RUnlock(a)
	rw.RUnlock(b)
}

func TestRWMutexWriterExcludesReaders(t *testing.T) {
	table := ksync.NewTable(logr.Discard(), nil)
	rw := ksync.NewRWMutex(table, 0)
	w := newFakeActor(1, 1)
	r := newFakeActor(2, 1)

	rw.Lock(w)
	rlocked := make(chan struct{})
	go func() {
		rw.RLock(r)
		close(rlocked)
	}()
	select {
	case <-rlocked:
		t.Fatal("reader acquired while writer held the lock")
	case <-time.After(20 * time.Millisecond):
	}
	rw.Unlock(w)
	select {
	case <-rlocked:
	case <-time.After(time.Second):
		t.Fatal("reader never acquired after writer released")
	}
	rw.RUnlock(r)
}

func TestCondSignalWakesOneWaiter(t *testing.T) {
	table := ksync.NewTable(logr.Discard(), nil)
	m := ksync.NewMutex(table)
	cv := ksync.NewCond()
	self := newFakeActor(1, 1)

	m.Lock(self)
	woke := make(chan ksync.WakeReason, 1)
	go func() {
		reason := cv.Wait(self, m)
		woke <- reason
		m.Unlock(self)
	}()

	time.Sleep(50 * time.Millisecond) // let the waiter register before signaling
	cv.Signal()

	select {
	case reason := <-woke:
		assert.Equal(t, ksync.WakeSignal, reason)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after Signal")
	}
}

func TestCondWaitTimeoutFiresWithoutSignal(t *testing.T) {
	table := ksync.NewTable(logr.Discard(), nil)
	m := ksync.NewMutex(table)
	cv := ksync.NewCond()
	self := newFakeActor(1, 1)

	m.Lock(self)
	reason := cv.WaitTimeout(self, m, 10*time.Millisecond)
	assert.Equal(t, ksync.WakeTimeout, reason)
	m.Unlock(self)
}

func TestSemaphorePostAllowsWait(t *testing.T) {
	sem := ksync.NewSemaphore(1)
	require.NoError(t, sem.Wait(context.Background()))
	assert.False(t, sem.TryWait())
	sem.Post()
	assert.True(t, sem.TryWait())
}
