// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package topology

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCallingGoroutine locks the calling goroutine to its current OS thread
// and, best-effort, restricts that thread to a single real CPU so a
// simulated CPU's driving goroutine behaves like a pinned kernel CPU loop.
// Mirrors the teacher's ebpf core manager's runtime.GOOS guard: this is a
// best-effort affinity hint, not a correctness requirement, so failures
// are swallowed rather than propagated.
func PinCallingGoroutine(hwCPU int) func() {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(hwCPU % runtime.NumCPU())
	_ = unix.SchedSetaffinity(0, &set)
	return runtime.UnlockOSThread
}
