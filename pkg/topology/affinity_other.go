// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !linux

package topology

// PinCallingGoroutine is a no-op on non-Linux platforms: real CPU affinity
// pinning is a Linux-only best-effort hint (see affinity_linux.go).
func PinCallingGoroutine(hwCPU int) func() {
	return func() {}
}
