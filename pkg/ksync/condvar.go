// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import (
	"sync"
	"time"
)

// WakeReason reports why condvar_wait returned (spec §4.8).
type WakeReason int

const (
	WakeNone WakeReason = iota
	WakeSignal
	WakeTimeout
)

type condWaiter struct {
	actor Actor
	ch    chan WakeReason
}

// Cond is the condition variable of spec §4.8: wait atomically releases
// the caller's lock and blocks on the condvar's own waiter queue; signal
// pops one waiter, broadcast wakes all.
type Cond struct {
	mu      sync.Mutex
	waiters []*condWaiter
}

func NewCond() *Cond { return &Cond{} }

// Locker matches the subset of Mutex/RWMutex a condvar needs to release
// and reacquire around a wait.
type Locker interface {
	unlockFor(self Actor)
	lockFor(self Actor)
}

// Wait atomically releases lock, blocks until signaled or broadcast, then
// reacquires lock before returning. Wait is the untimed variant, always
// returning WakeSignal (or WakeNone if woken with no pending signal, which
// cannot happen via this API — included for symmetry with WaitTimeout).
func (c *Cond) Wait(self Actor, lock Locker) WakeReason {
	w := &condWaiter{actor: self, ch: make(chan WakeReason, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	lock.unlockFor(self)
	reason := <-w.ch
	lock.lockFor(self)
	return reason
}

// WaitTimeout is the timed variant: it arms a deferred wake after d,
// returning WakeTimeout if no signal arrived first (spec §4.8: "timed
// variant arms a deferred event").
func (c *Cond) WaitTimeout(self Actor, lock Locker, d time.Duration) WakeReason {
	w := &condWaiter{actor: self, ch: make(chan WakeReason, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	lock.unlockFor(self)
	timer := time.NewTimer(d)
	defer timer.Stop()

	var reason WakeReason
	select {
	case reason = <-w.ch:
	case <-timer.C:
		c.mu.Lock()
		for i, cur := range c.waiters {
			if cur == w {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		select {
		case reason = <-w.ch:
		default:
			reason = WakeTimeout
		}
	}
	lock.lockFor(self)
	return reason
}

// Signal wakes the single longest-waiting waiter, if any.
func (c *Cond) Signal() {
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		return
	}
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.mu.Unlock()
	w.ch <- WakeSignal
}

// Broadcast wakes every current waiter.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	ws := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range ws {
		w.ch <- WakeSignal
	}
}
