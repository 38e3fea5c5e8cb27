// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"testing"

	"github.com/charmos-go/kcore/pkg/idalloc"
	"github.com/charmos-go/kcore/pkg/topology"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func newTestTopology(t *testing.T) *topology.Topology {
	t.Helper()
	shape := topology.Shape{Packages: 1, DomainsPerPkg: 2, CoresPerDomain: 2, SMTPerCore: 1}
	shape.ApplyDefaults()
	topo, err := topology.New(shape)
	require.NoError(t, err)
	return topo
}

func newTestThread(t *testing.T, ids *idalloc.Allocator, name string, class Class) *Thread {
	t.Helper()
	th, err := NewThread(ids, Config{Name: name, Class: class})
	require.NoError(t, err)
	return th
}

func TestEnqueuePicksHighestPriorityClassFirst(t *testing.T) {
	topo := newTestTopology(t)
	s := NewScheduler(logr.Discard(), topo, topo.CPUs()[0].ID)
	ids := idalloc.New(1024)

	bg := newTestThread(t, ids, "bg", ClassBackground)
	ts := newTestThread(t, ids, "ts", ClassTimeshare)
	rt := newTestThread(t, ids, "rt", ClassRT)
	urgent := newTestThread(t, ids, "urgent", ClassUrgent)

	s.Enqueue(bg)
	s.Enqueue(ts)
	s.Enqueue(rt)
	s.Enqueue(urgent)

	require.Same(t, urgent, s.PickNext())
	require.Same(t, rt, s.PickNext())
	require.Same(t, ts, s.PickNext())
	require.Same(t, bg, s.PickNext())
}

func TestPickNextFallsBackToIdleThreadAndMarksCPUIdle(t *testing.T) {
	topo := newTestTopology(t)
	cpu := topo.CPUs()[0].ID
	s := NewScheduler(logr.Discard(), topo, cpu)
	ids := idalloc.New(1024)

	idle := newTestThread(t, ids, "idle", ClassBackground)
	s.SetIdleThread(idle)

	require.Same(t, idle, s.PickNext())
	require.True(t, topo.IsIdle(cpu))
}

func TestEnqueueOpensPeriodAndAssignsBudgetToTimeshareThreads(t *testing.T) {
	topo := newTestTopology(t)
	s := NewScheduler(logr.Discard(), topo, topo.CPUs()[0].ID)
	ids := idalloc.New(1024)

	ts := newTestThread(t, ids, "ts", ClassTimeshare)
	s.Enqueue(ts)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.Greater(t, int64(ts.budget), int64(0))
	require.Greater(t, int64(ts.timesliceLen), int64(0))
}

func TestTwoTimeshareThreadsOrderedByEffectivePriority(t *testing.T) {
	topo := newTestTopology(t)
	s := NewScheduler(logr.Discard(), topo, topo.CPUs()[0].ID)
	ids := idalloc.New(1024)

	low := newTestThread(t, ids, "low", ClassTimeshare)
	high := newTestThread(t, ids, "high", ClassTimeshare)
	high.mu.Lock()
	high.dynamicDelta = 500
	high.mu.Unlock()

	s.Enqueue(low)
	s.Enqueue(high)

	require.Same(t, high, s.PickNext())
	require.Same(t, low, s.PickNext())
}

func TestRequeueSendsExhaustedBudgetToCompletedTree(t *testing.T) {
	topo := newTestTopology(t)
	s := NewScheduler(logr.Discard(), topo, topo.CPUs()[0].ID)
	ids := idalloc.New(1024)

	a := newTestThread(t, ids, "a", ClassTimeshare)
	b := newTestThread(t, ids, "b", ClassTimeshare)
	s.Enqueue(a)
	s.Enqueue(b)

	first := s.PickNext()
	first.mu.Lock()
	first.virtualRuntime = first.virtualBudget // exhaust budget
	first.mu.Unlock()
	s.Requeue(first)

	// The other thread (still in threadRBT) must come out before the
	// exhausted one, which only lives in completedRBT now.
	second := s.PickNext()
	require.NotSame(t, first, second)

	third := s.PickNext()
	require.Same(t, first, third)
}

func TestMigrateRemovesThreadFromSourceAndEnqueuesOnDest(t *testing.T) {
	topo := newTestTopology(t)
	cpus := topo.CPUs()
	src := NewScheduler(logr.Discard(), topo, cpus[0].ID)
	dst := NewScheduler(logr.Discard(), topo, cpus[1].ID)
	ids := idalloc.New(1024)

	th := newTestThread(t, ids, "mover", ClassBackground)
	src.Enqueue(th)

	require.Equal(t, 2, src.Load())

	Migrate(src, dst, th)

	require.Equal(t, 0, src.Load())
	require.Equal(t, 2, dst.Load())

	th.mu.Lock()
	gotCPU := th.currentCPU
	th.mu.Unlock()
	require.Equal(t, dst.CPU(), gotCPU)
}

func TestMigrateOfTimeshareThreadRemovesFromRBT(t *testing.T) {
	topo := newTestTopology(t)
	cpus := topo.CPUs()
	src := NewScheduler(logr.Discard(), topo, cpus[0].ID)
	dst := NewScheduler(logr.Discard(), topo, cpus[1].ID)
	ids := idalloc.New(1024)

	stay := newTestThread(t, ids, "stay", ClassTimeshare)
	mover := newTestThread(t, ids, "mover", ClassTimeshare)
	src.Enqueue(stay)
	src.Enqueue(mover)

	Migrate(src, dst, mover)

	// src should only have "stay" left; popping twice should never
	// return mover again (would indicate a stale rb-tree entry).
	got := src.PickNext()
	require.Same(t, stay, got)
	require.Nil(t, src.PickNext())
}

func TestWakeAppliesBoostAndReenqueues(t *testing.T) {
	topo := newTestTopology(t)
	s := NewScheduler(logr.Discard(), topo, topo.CPUs()[0].ID)
	ids := idalloc.New(1024)

	th := newTestThread(t, ids, "sleeper", ClassTimeshare)
	th.Block("cond-wait", WaitInterruptible, "")
	th.Yield()

	ok := s.Wake(th, "cond-signal", ClassTimeshare, "")
	require.True(t, ok)
	require.Same(t, th, s.PickNext())
}

func TestWakeRejectsMismatchedSourceOnUninterruptibleWait(t *testing.T) {
	topo := newTestTopology(t)
	s := NewScheduler(logr.Discard(), topo, topo.CPUs()[0].ID)
	ids := idalloc.New(1024)

	th := newTestThread(t, ids, "sleeper", ClassTimeshare)
	th.Block("disk-io", WaitUninterruptible, "disk-completion")
	th.Yield()

	ok := s.Wake(th, "spurious-signal", ClassTimeshare, "some-other-source")
	require.False(t, ok, "a wake from the wrong source must be rejected on an UNINTERRUPTIBLE wait")
	require.Equal(t, StateBlocked, th.State())

	ok = s.Wake(th, "disk-completion", ClassTimeshare, "disk-completion")
	require.True(t, ok, "a wake matching the expected source must still succeed")
}
