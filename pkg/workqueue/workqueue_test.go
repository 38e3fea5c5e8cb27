// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package workqueue_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmos-go/kcore/pkg/ksync"
	"github.com/charmos-go/kcore/pkg/topology"
	"github.com/charmos-go/kcore/pkg/workqueue"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func TestEnqueueOneshotRunsOnAWorker(t *testing.T) {
	table := ksync.NewTable(logr.Discard(), nil)
	q := workqueue.New(logr.Discard(), topology.CPUID(0), table, workqueue.Attrs{MinWorkers: 1})
	defer q.Close()

	done := make(chan struct{})
	q.EnqueueOneshot(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("one-shot work never ran")
	}
}

func TestEnqueuePersistentWorkRuns(t *testing.T) {
	table := ksync.NewTable(logr.Discard(), nil)
	q := workqueue.New(logr.Discard(), topology.CPUID(0), table, workqueue.Attrs{MinWorkers: 1})
	defer q.Close()

	var ran atomic.Bool
	q.Enqueue(&workqueue.Work{Fn: func() { ran.Store(true) }})

	require.Eventually(t, ran.Load, time.Second, time.Millisecond)
}

func TestAutoSpawnGrowsWorkersUnderLoad(t *testing.T) {
	table := ksync.NewTable(logr.Discard(), nil)
	q := workqueue.New(logr.Discard(), topology.CPUID(0), table, workqueue.Attrs{
		MinWorkers: 1,
		MaxWorkers: 4,
		AutoSpawn:  true,
		SpawnDelay: 0,
	})
	defer q.Close()

	block := make(chan struct{})
	for i := 0; i < 4; i++ {
		q.EnqueueOneshot(func() { <-block })
	}

	require.Eventually(t, func() bool {
		return q.NumWorkers() > 1
	}, time.Second, time.Millisecond, "auto-spawn should grow the worker pool under sustained load")

	close(block)
}

func TestNonPermanentWorkerExitsAfterIdleTimeout(t *testing.T) {
	table := ksync.NewTable(logr.Discard(), nil)
	q := workqueue.New(logr.Discard(), topology.CPUID(0), table, workqueue.Attrs{
		MinWorkers:  1,
		MaxWorkers:  2,
		AutoSpawn:   true,
		SpawnDelay:  0,
		IdleTimeout: 20 * time.Millisecond,
	})
	defer q.Close()

	block := make(chan struct{})
	q.EnqueueOneshot(func() { <-block })
	q.EnqueueOneshot(func() {})

	require.Eventually(t, func() bool {
		return q.NumWorkers() == 2
	}, time.Second, time.Millisecond)

	close(block)

	require.Eventually(t, func() bool {
		return q.NumWorkers() == 1
	}, 2*time.Second, time.Millisecond, "the transient second worker should exit once idle past its timeout")
}

func TestDeferEnqueuePostsAfterDelay(t *testing.T) {
	table := ksync.NewTable(logr.Discard(), nil)
	q := workqueue.New(logr.Discard(), topology.CPUID(0), table, workqueue.Attrs{MinWorkers: 1})
	defer q.Close()

	done := make(chan time.Time, 1)
	start := time.Now()
	q.DeferEnqueue(func() { done <- time.Now() }, 30*time.Millisecond)

	select {
	case fired := <-done:
		require.GreaterOrEqual(t, fired.Sub(start), 25*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("deferred work never fired")
	}
}

func TestOneshotRingOverflowFallsBackToPersistentList(t *testing.T) {
	table := ksync.NewTable(logr.Discard(), nil)
	q := workqueue.New(logr.Discard(), topology.CPUID(0), table, workqueue.Attrs{
		MinWorkers:      1,
		OneshotRingSize: 1,
	})
	defer q.Close()

	block := make(chan struct{})
	var ranCount atomic.Int32
	q.EnqueueOneshot(func() { <-block })
	for i := 0; i < 8; i++ {
		q.EnqueueOneshot(func() { ranCount.Add(1) })
	}
	close(block)

	require.Eventually(t, func() bool {
		return ranCount.Load() == 8
	}, time.Second, time.Millisecond, "overflow work queued past the ring capacity should still run")
}
