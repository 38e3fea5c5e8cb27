// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"time"

	"github.com/charmos-go/kcore/pkg/domain"
	"github.com/charmos-go/kcore/pkg/slab"
	"github.com/charmos-go/kcore/pkg/topology"
	"github.com/charmos-go/kcore/pkg/workqueue"
)

// Config bootstraps an entire Kernel: the simulated machine's shape, the
// per-domain page ranges carved out of it, and the tunables every bootstage
// (buddy/domain, slab, scheduler, workqueue) needs.
type Config struct {
	Topology topology.Shape

	// DomainPages is how many physical pages each NUMA domain owns. Every
	// domain gets an equally sized, non-overlapping PFN range.
	DomainPages uint64
	Domain      domain.Config

	Slab slab.Config

	// MaxConcurrentStealers caps how many CPUs may run StealWork at once
	// (spec §4.4 "Load balancing").
	MaxConcurrentStealers int32

	// BalanceInterval is how often each CPU's dispatch loop runs a
	// StealWork pass while otherwise idle.
	BalanceInterval time.Duration

	// TickInterval is the simulated scheduler tick granularity Tick is
	// driven at for a running TIMESHARE thread.
	TickInterval time.Duration

	Workqueue workqueue.Attrs

	// ArenaSize is the byte span of the virtual memory arena slab draws
	// its object backing from.
	ArenaSize uintptr

	// IDLimit bounds the thread-id space handed out by idalloc.
	IDLimit uint64
}

const (
	defaultDomainPages     = 1 << 16 // 65536 pages per domain
	defaultMaxStealers     = 2
	defaultBalanceInterval = 5 * time.Millisecond
	defaultTickInterval    = time.Millisecond
	defaultArenaSize       = 1 << 32 // 4 GiB of simulated address space
	defaultIDLimit         = 1 << 20
)

// ApplyDefaults fills in every zero-valued field with the kernel's default
// tuning, the same "construct once, default, validate" shape the
// teacher's performance.Manager constructor used for its ManagerOptions.
func (c *Config) ApplyDefaults() {
	c.Topology.ApplyDefaults()
	if c.DomainPages == 0 {
		c.DomainPages = defaultDomainPages
	}
	if c.MaxConcurrentStealers <= 0 {
		c.MaxConcurrentStealers = defaultMaxStealers
	}
	if c.BalanceInterval <= 0 {
		c.BalanceInterval = defaultBalanceInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.ArenaSize == 0 {
		c.ArenaSize = defaultArenaSize
	}
	if c.IDLimit == 0 {
		c.IDLimit = defaultIDLimit
	}
	c.Domain.DomainPages = c.DomainPages
}
