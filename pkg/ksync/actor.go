// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ksync implements the kernel core's concurrency primitives (spec
// §3.4, §4.5-4.8): a sharded turnstile hash table with pairing-heap wait
// queues and priority-inheritance chain walking, built on top of it a
// Mutex and RWMutex, plus a Cond and a Semaphore. Every primitive here
// blocks the calling goroutine directly — in this simulation a kernel
// thread IS a goroutine (see the repo's top-level design note), so a real
// Go-level block is the correct analogue of thread_block/scheduler_wake.
package ksync

import "sync/atomic"

// Actor is the minimal view a blocking actor (a simulated kernel thread)
// must present to the turnstile table for priority-inheritance chain
// walking. pkg/sched.Thread implements this.
type Actor interface {
	ActorID() uint64
	EffectivePriority() int
	SetEffectivePriority(p int)
	// BlockedOn reports the LockID of the turnstile this actor is
	// currently waiting on, if any, so a PI chain walk can continue past
	// an owner that is itself blocked.
	BlockedOn() (lockID uint64, blocked bool)
	// Inherit and Uninherit apply and withdraw a priority-inheritance
	// donation keyed by the donating lock, so an actor boosted by more
	// than one contended lock at once falls back to the next-highest
	// remaining donor rather than its own priority when just one of them
	// is released (spec §9's climbTree).
	Inherit(lock uint64, prio int)
	Uninherit(lock uint64)
}

// LockID identifies a lock object in the turnstile table. Callers mint
// one via NextLockID at construction time; it plays the role of "hash the
// lock address into a bucket" from spec §3.4 without needing raw pointers.
type LockID uint64

var lockIDCounter atomic.Uint64

func NextLockID() LockID {
	return LockID(lockIDCounter.Add(1))
}

// Kind distinguishes a turnstile's reader and writer wait queues.
type Kind int

const (
	Reader Kind = iota
	Writer
)
