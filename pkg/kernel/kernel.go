// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kernel assembles every other package into one bootable instance
// (spec §13, ambient — not in spec.md): topology, the per-domain buddy
// allocators, the slab heap, a scheduler per simulated CPU, a workqueue per
// simulated CPU, and the diagnostics journal, plus the per-CPU dispatch
// loop that actually drives simulated threads.
//
// kcore does not boot real hardware. Each simulated CPU is a long-lived
// goroutine loop (an "M") that asks its Scheduler which Thread ("G") to
// run next and calls that thread's entry function directly on the M's
// goroutine, so a thread genuinely occupies the M for as long as the
// scheduler lets it and must cooperatively call into sched/ksync
// suspension points to give it back.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmos-go/kcore/pkg/buddy"
	"github.com/charmos-go/kcore/pkg/domain"
	"github.com/charmos-go/kcore/pkg/idalloc"
	"github.com/charmos-go/kcore/pkg/journal"
	"github.com/charmos-go/kcore/pkg/ksync"
	"github.com/charmos-go/kcore/pkg/sched"
	"github.com/charmos-go/kcore/pkg/slab"
	"github.com/charmos-go/kcore/pkg/topology"
	"github.com/charmos-go/kcore/pkg/vmm"
	"github.com/charmos-go/kcore/pkg/workqueue"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"
)

// Kernel is one fully wired kcore instance.
type Kernel struct {
	log logr.Logger
	cfg Config

	Topology   *topology.Topology
	IDs        *idalloc.Allocator
	Table      *ksync.Table
	Domains    *domain.Set
	Heap       *slab.Heap
	Arena      *vmm.Arena
	Sched      *sched.Set
	Journal    *journal.Journal
	Metrics    *Metrics
	Workqueues map[topology.CPUID]*workqueue.Queue

	idleThreads map[topology.CPUID]*sched.Thread

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New wires every bootstage in order: the journal (so later stages can
// record into it), topology, then per-domain buddy/domain (independent of
// each other, so failures are collected rather than short-circuited on the
// first one), then slab, scheduler, and workqueue.
func New(log logr.Logger, cfg Config) (*Kernel, error) {
	cfg.ApplyDefaults()
	log = log.WithName("kernel")

	j, err := journal.New(log)
	if err != nil {
		return nil, fmt.Errorf("kernel: journal: %w", err)
	}

	topo, err := topology.New(cfg.Topology)
	if err != nil {
		j.Close()
		return nil, fmt.Errorf("kernel: topology: %w", err)
	}

	ids := idalloc.New(cfg.IDLimit)
	table := ksync.NewTable(log, j)

	var errs error
	domains := make(map[topology.DomainID]*domain.Domain, topo.NumDomains())
	for _, id := range topo.Domains() {
		cores := topo.CPUsInDomain(id)
		ranges := []buddy.UsableRange{{
			StartPFN: buddy.PFN(uint64(id) * cfg.DomainPages),
			NumPages: cfg.DomainPages,
		}}
		d, err := domain.New(log, id, cores, ranges, cfg.Domain)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("kernel: domain %d: %w", id, err))
			continue
		}
		domains[id] = d
	}
	if errs != nil {
		j.Close()
		return nil, errs
	}
	domSet := domain.NewSet(topo, domains)

	arena := vmm.New(arenaBase, cfg.ArenaSize)
	heap := slab.New(log, topo, domSet, arena, cfg.Slab)

	schedulers := make(map[topology.CPUID]*sched.Scheduler, topo.NumCPU())
	idleThreads := make(map[topology.CPUID]*sched.Thread, topo.NumCPU())
	for _, cpu := range topo.CPUs() {
		s := sched.NewScheduler(log, topo, cpu.ID)
		idle, err := sched.NewThread(ids, sched.Config{
			Name:  fmt.Sprintf("idle/%d", cpu.ID),
			Class: sched.ClassBackground,
			Entry: idleEntry,
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("kernel: idle thread for cpu %d: %w", cpu.ID, err))
			continue
		}
		s.SetIdleThread(idle)
		schedulers[cpu.ID] = s
		idleThreads[cpu.ID] = idle
	}
	if errs != nil {
		j.Close()
		return nil, errs
	}
	schedSet := sched.NewSet(topo, schedulers, cfg.MaxConcurrentStealers)

	workqueues := make(map[topology.CPUID]*workqueue.Queue, topo.NumCPU())
	for _, cpu := range topo.CPUs() {
		workqueues[cpu.ID] = workqueue.New(log, cpu.ID, table, cfg.Workqueue)
	}

	metrics := newMetrics()

	k := &Kernel{
		log:         log,
		cfg:         cfg,
		Topology:    topo,
		IDs:         ids,
		Table:       table,
		Domains:     domSet,
		Heap:        heap,
		Arena:       arena,
		Sched:       schedSet,
		Journal:     j,
		Metrics:     metrics,
		Workqueues:  workqueues,
		idleThreads: idleThreads,
	}

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		metrics.observeJournal(j.Subscribe(nil))
	}()

	return k, nil
}

// arenaBase keeps every live allocation's address nonzero, since Kfree
// and friends treat addr==0 as a null sentinel.
const arenaBase = 1 << 30

// idleEntry is the idle thread's body: it never does real work, just
// yields the instant PickNext hands it the CPU so the dispatch loop
// immediately looks for something better to run.
func idleEntry(t *sched.Thread) { t.Yield() }

// Start launches one dispatch-loop goroutine per simulated CPU. It returns
// immediately; the loops run until ctx is canceled or Close is called.
func (k *Kernel) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	for _, cpu := range k.Topology.CPUs() {
		k.wg.Add(1)
		go k.runCPU(ctx, cpu.ID)
	}
}

// runCPU is one simulated CPU's M: pick a thread, run it to its next
// suspension point, then decide what happens to it next.
func (k *Kernel) runCPU(ctx context.Context, cpu topology.CPUID) {
	defer k.wg.Done()

	s := k.Sched.Scheduler(cpu)
	idle := k.idleThreads[cpu]
	lastBalance := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t := s.PickNext()
		if t == idle || t == nil {
			if time.Since(lastBalance) >= k.cfg.BalanceInterval {
				k.Sched.StealWork(s)
				lastBalance = time.Now()
			}
			idle.Run()
			time.Sleep(time.Millisecond)
			continue
		}

		t.Run()
		// The dispatch loop, not the thread, confirms the handoff: Wake's
		// spin-wait on yieldedAfterWait is how a waker knows this M has
		// genuinely given the thread back.
		t.Yield()
		k.Metrics.contextSwitch.Inc()
		k.Metrics.idleCPUs.Set(float64(len(k.Topology.IdleCPUs())))

		if t.Exiting() {
			t.Terminate()
			continue
		}

		switch t.State() {
		case sched.StateBlocked, sched.StateSleeping:
			// Something else (a ksync primitive, a deferred wake) owns
			// re-enqueueing this thread; the dispatch loop leaves it alone.
		case sched.StateTerminated, sched.StateZombie, sched.StateHalted:
			// Already retired; nothing to reschedule.
		default:
			k.requeue(s, t)
		}

		if time.Since(lastBalance) >= k.cfg.BalanceInterval {
			k.Sched.IdlePush(s)
			lastBalance = time.Now()
		}
	}
}

// requeue puts a still-runnable thread back on its scheduler, accounting
// for a completed tick on the way. Requeue is TIMESHARE-only bookkeeping
// (it assumes budget/virtual-runtime fields Tick maintains), so URGENT/RT/
// BACKGROUND threads go back through a plain Enqueue instead.
func (k *Kernel) requeue(s *sched.Scheduler, t *sched.Thread) {
	if s.ClassOf(t) != sched.ClassTimeshare {
		s.Enqueue(t)
		return
	}
	s.Tick(t, k.cfg.TickInterval)
	s.Requeue(t)
}

// Close stops every dispatch loop and tears down the workqueues and
// journal. Idempotent.
func (k *Kernel) Close() {
	k.closeOnce.Do(func() {
		if k.cancel != nil {
			k.cancel()
		}
		k.wg.Wait()
		for _, q := range k.Workqueues {
			q.Close()
		}
		k.Journal.Close()
	})
}
