// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ksync

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Semaphore is the counting semaphore of spec §4.9/§6 (semaphore_{init,
// wait, post}), built directly on golang.org/x/sync/semaphore.Weighted —
// a suspension point per spec §5, so Wait takes a context for the
// INTERRUPTIBLE-timeout case the real kernel implements with a deferred
// wake event.
type Semaphore struct {
	w *semaphore.Weighted
}

func NewSemaphore(n int64) *Semaphore {
	return &Semaphore{w: semaphore.NewWeighted(n)}
}

// Wait blocks until a unit is available or ctx is done.
func (s *Semaphore) Wait(ctx context.Context) error {
	return s.w.Acquire(ctx, 1)
}

// TryWait attempts a non-blocking acquire, returning false if none are
// available (the Busy error kind of spec §7).
func (s *Semaphore) TryWait() bool {
	return s.w.TryAcquire(1)
}

// Post releases one unit.
func (s *Semaphore) Post() {
	s.w.Release(1)
}
