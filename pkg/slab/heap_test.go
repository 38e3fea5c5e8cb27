// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package slab_test

import (
	"testing"

	"github.com/charmos-go/kcore/pkg/buddy"
	"github.com/charmos-go/kcore/pkg/domain"
	"github.com/charmos-go/kcore/pkg/slab"
	"github.com/charmos-go/kcore/pkg/topology"
	"github.com/charmos-go/kcore/pkg/vmm"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T, numDomains, coresPerDomain int) (*slab.Heap, *topology.Topology) {
	t.Helper()
	topo, err := topology.New(topology.Shape{
		Packages:       1,
		DomainsPerPkg:  numDomains,
		CoresPerDomain: coresPerDomain,
		SMTPerCore:     1,
	})
	require.NoError(t, err)

	domains := make(map[topology.DomainID]*domain.Domain, numDomains)
	for _, id := range topo.Domains() {
		cores := topo.CPUsInDomain(id)
		d, err := domain.New(logr.Discard(), id, cores, []buddy.UsableRange{
			{StartPFN: buddy.PFN(int(id) * 1 << 20), NumPages: 4096},
		}, domain.Config{DomainPages: 4096})
		require.NoError(t, err)
		domains[id] = d
	}
	domSet := domain.NewSet(topo, domains)
	arena := vmm.New(1<<30, 1<<30)
	return slab.New(logr.Discard(), topo, domSet, arena, slab.Config{}), topo
}

func TestKmallocReturnsDistinctAddressesAndKfreeSucceeds(t *testing.T) {
	h, topo := newTestHeap(t, 1, 2)
	cpu := topo.CPUs()[0].ID

	addrs := make(map[uint64]bool)
	for i := 0; i < 50; i++ {
		addr, err := h.Kmalloc(cpu, 48, slab.Flags{}, slab.BehaviorMayFault)
		require.NoError(t, err)
		require.False(t, addrs[addr], "kmalloc returned a duplicate live address")
		addrs[addr] = true
	}

	for addr := range addrs {
		require.NoError(t, h.Kfree(cpu, addr))
	}
}

func TestKfreeOfUnknownAddressErrors(t *testing.T) {
	h, topo := newTestHeap(t, 1, 1)
	cpu := topo.CPUs()[0].ID

	err := h.Kfree(cpu, 0xdeadbeef)
	require.Error(t, err)
}

func TestKfreeOfNilIsNoop(t *testing.T) {
	h, topo := newTestHeap(t, 1, 1)
	cpu := topo.CPUs()[0].ID

	require.NoError(t, h.Kfree(cpu, 0))
}

func TestLargeAllocationRoutesThroughPageArena(t *testing.T) {
	h, topo := newTestHeap(t, 1, 1)
	cpu := topo.CPUs()[0].ID

	addr, err := h.Kmalloc(cpu, 8192, slab.Flags{}, slab.BehaviorMayFault)
	require.NoError(t, err)
	require.NotZero(t, addr)
	require.NoError(t, h.Kfree(cpu, addr))
}

func TestAllocAndFreeManyObjectsReusesSlabs(t *testing.T) {
	h, topo := newTestHeap(t, 1, 1)
	cpu := topo.CPUs()[0].ID

	var live []uint64
	for i := 0; i < 200; i++ {
		addr, err := h.Kmalloc(cpu, 16, slab.Flags{}, slab.BehaviorMayFault)
		require.NoError(t, err)
		live = append(live, addr)
	}
	for _, addr := range live {
		require.NoError(t, h.Kfree(cpu, addr))
	}

	// Allocating again after freeing everything should still succeed,
	// reusing slab/magazine capacity rather than exhausting the domain.
	addr, err := h.Kmalloc(cpu, 16, slab.Flags{}, slab.BehaviorMayFault)
	require.NoError(t, err)
	require.NotZero(t, addr)
}
