// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package topology enumerates the simulated machine's package / LLC / NUMA
// domain / core / SMT hierarchy and provides the dynamic CPU bitmasks the
// scheduler and allocator use for affinity and idle tracking.
package topology

import (
	"fmt"
)

// CPUID identifies one simulated logical CPU.
type CPUID int

// DomainID identifies one NUMA domain.
type DomainID int

// Shape describes how many of each topology level to synthesize.
type Shape struct {
	Packages     int
	DomainsPerPkg int
	CoresPerDomain int
	SMTPerCore   int
}

func (s *Shape) ApplyDefaults() {
	if s.Packages == 0 {
		s.Packages = 1
	}
	if s.DomainsPerPkg == 0 {
		s.DomainsPerPkg = 1
	}
	if s.CoresPerDomain == 0 {
		s.CoresPerDomain = 4
	}
	if s.SMTPerCore == 0 {
		s.SMTPerCore = 1
	}
}

// CPU is one simulated logical CPU's position in the hierarchy.
type CPU struct {
	ID       CPUID
	Package  int
	Domain   DomainID
	Core     int
	SMT      int
}

// Topology is the immutable, published-once machine description. Per
// DESIGN NOTES "Global mutable state", it is constructed during bootstrap
// and never mutated afterward; only the shared idle-CPU mask mutates,
// under the Mask's own lock.
type Topology struct {
	shape  Shape
	cpus   []CPU
	domains []DomainID

	// idleCPU is a single bitmask of the CPUs currently idle: the
	// scheduler's PickNext sets a CPU's bit, Enqueue clears it (from any
	// CPU's goroutine), and load balancing reads it through IdleCPUs.
	idleCPU *Mask
}

func New(shape Shape) (*Topology, error) {
	shape.ApplyDefaults()
	if shape.Packages <= 0 || shape.DomainsPerPkg <= 0 || shape.CoresPerDomain <= 0 || shape.SMTPerCore <= 0 {
		return nil, fmt.Errorf("topology: shape fields must be positive, got %+v", shape)
	}

	t := &Topology{shape: shape}
	id := CPUID(0)
	for pkg := 0; pkg < shape.Packages; pkg++ {
		for d := 0; d < shape.DomainsPerPkg; d++ {
			domain := DomainID(pkg*shape.DomainsPerPkg + d)
			t.domains = append(t.domains, domain)
			for core := 0; core < shape.CoresPerDomain; core++ {
				for smt := 0; smt < shape.SMTPerCore; smt++ {
					t.cpus = append(t.cpus, CPU{
						ID:      id,
						Package: pkg,
						Domain:  domain,
						Core:    core,
						SMT:     smt,
					})
					id++
				}
			}
		}
	}
	t.idleCPU = NewMask(len(t.cpus))
	return t, nil
}

func (t *Topology) NumCPU() int          { return len(t.cpus) }
func (t *Topology) CPUs() []CPU          { return t.cpus }
func (t *Topology) Domains() []DomainID  { return t.domains }
func (t *Topology) NumDomains() int      { return len(t.domains) }

func (t *Topology) CPU(id CPUID) CPU {
	return t.cpus[id]
}

func (t *Topology) DomainOf(id CPUID) DomainID {
	return t.cpus[id].Domain
}

// CPUsInDomain returns every CPU belonging to domain d, in ID order.
func (t *Topology) CPUsInDomain(d DomainID) []CPUID {
	var out []CPUID
	for _, c := range t.cpus {
		if c.Domain == d {
			out = append(out, c.ID)
		}
	}
	return out
}

// Distance returns a synthetic NUMA distance between two domains: 0 for
// the same domain, 10 for domains sharing a package, 20 otherwise. This
// stands in for the real ACPI SLIT table the original kernel reads, which
// is explicitly out of scope (spec §1 non-goals).
func (t *Topology) Distance(a, b DomainID) int {
	if a == b {
		return 0
	}
	pa := t.packageOfDomain(a)
	pb := t.packageOfDomain(b)
	if pa == pb {
		return 10
	}
	return 20
}

func (t *Topology) packageOfDomain(d DomainID) int {
	for _, c := range t.cpus {
		if c.Domain == d {
			return c.Package
		}
	}
	return -1
}

// SetIdle and ClearIdle update the global idle-CPU bitmask. The scheduler
// calls SetIdle when PickNext falls through to the idle thread, and
// ClearIdle as soon as a real thread is enqueued onto that CPU again
// (spec §4.4 "mark this CPU idle in all ancestor topology bitmasks").
func (t *Topology) SetIdle(id CPUID)   { t.idleCPU.Set(int(id)) }
func (t *Topology) ClearIdle(id CPUID) { t.idleCPU.Clear(int(id)) }
func (t *Topology) IsIdle(id CPUID) bool { return t.idleCPU.Test(int(id)) }

// IdleCPUs returns every CPU currently marked idle, in ID order.
func (t *Topology) IdleCPUs() []CPUID {
	var out []CPUID
	t.idleCPU.Range(func(i int) {
		out = append(out, CPUID(i))
	})
	return out
}
