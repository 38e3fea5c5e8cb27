// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmos-go/kcore/pkg/journal"
	"github.com/charmos-go/kcore/pkg/kernel"
	"github.com/charmos-go/kcore/pkg/sched"
	"github.com/charmos-go/kcore/pkg/slab"
	"github.com/charmos-go/kcore/pkg/topology"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func testConfig() kernel.Config {
	return kernel.Config{
		Topology: topology.Shape{Packages: 1, DomainsPerPkg: 2, CoresPerDomain: 2, SMTPerCore: 1},
	}
}

func TestNewWiresEveryBootstage(t *testing.T) {
	k, err := kernel.New(logr.Discard(), testConfig())
	require.NoError(t, err)
	defer k.Close()

	require.Equal(t, 4, k.Topology.NumCPU())
	require.Equal(t, 2, k.Topology.NumDomains())
	require.Len(t, k.Workqueues, 4)
	require.NotNil(t, k.Heap)
	require.NotNil(t, k.Sched)
	require.NotNil(t, k.Journal)
	require.NotNil(t, k.Metrics)
}

func TestDispatchLoopRunsAThreadToCompletion(t *testing.T) {
	k, err := kernel.New(logr.Discard(), testConfig())
	require.NoError(t, err)
	defer k.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	k.Start(ctx)

	var ran atomic.Bool
	th, err := sched.NewThread(k.IDs, sched.Config{
		Name:  "test-worker",
		Class: sched.ClassTimeshare,
		Entry: func(self *sched.Thread) {
			ran.Store(true)
			self.MarkExiting()
		},
	})
	require.NoError(t, err)

	s := k.Sched.Scheduler(topology.CPUID(0))
	s.Enqueue(th)

	require.Eventually(t, ran.Load, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return th.State() == sched.StateTerminated
	}, time.Second, time.Millisecond)
}

func TestDispatchLoopRequeuesAThreadThatYieldsRepeatedly(t *testing.T) {
	k, err := kernel.New(logr.Discard(), testConfig())
	require.NoError(t, err)
	defer k.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	k.Start(ctx)

	var runs atomic.Int32
	var th *sched.Thread
	th, err = sched.NewThread(k.IDs, sched.Config{
		Name:  "repeat-worker",
		Class: sched.ClassTimeshare,
		Entry: func(self *sched.Thread) {
			if runs.Add(1) >= 5 {
				self.MarkExiting()
			}
		},
	})
	require.NoError(t, err)

	s := k.Sched.Scheduler(topology.CPUID(1))
	s.Enqueue(th)

	require.Eventually(t, func() bool {
		return runs.Load() >= 5
	}, 2*time.Second, time.Millisecond)
}

func TestHeapAllocAndFreeThroughKernel(t *testing.T) {
	k, err := kernel.New(logr.Discard(), testConfig())
	require.NoError(t, err)
	defer k.Close()

	addr, err := k.Heap.Kmalloc(topology.CPUID(0), 64, slab.Flags{}, slab.BehaviorMayFault)
	require.NoError(t, err)
	require.NotZero(t, addr)
	require.NoError(t, k.Heap.Kfree(topology.CPUID(0), addr))
}

func TestWorkqueuesRunEnqueuedWork(t *testing.T) {
	k, err := kernel.New(logr.Discard(), testConfig())
	require.NoError(t, err)
	defer k.Close()

	var ran atomic.Bool
	k.Workqueues[topology.CPUID(0)].EnqueueOneshot(func() { ran.Store(true) })

	require.Eventually(t, ran.Load, time.Second, time.Millisecond)
}

func TestJournalRecordsStealAndMigrateEvents(t *testing.T) {
	k, err := kernel.New(logr.Discard(), testConfig())
	require.NoError(t, err)
	defer k.Close()

	k.Journal.Record(journal.KindSteal, 0, 0, "test steal", nil)

	require.Eventually(t, func() bool {
		entries, err := k.Journal.Recent(1)
		return err == nil && len(entries) == 1
	}, time.Second, time.Millisecond)
}
