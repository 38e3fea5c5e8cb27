// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package domain

import (
	"sort"
	"sync"

	"github.com/charmos-go/kcore/pkg/topology"
)

// zoneEntry is one row of a domain's zonelist (spec §3.1). Rows are sorted
// by distance, ties broken by domain id; a row does not store free pages,
// and scoredOrder reads each domain's live free-page count instead.
type zoneEntry struct {
	domain   topology.DomainID
	distance int
}

// Set owns every domain in the system and the per-CPU interleave cursors
// used by CLASS_INTERLEAVED requests.
type Set struct {
	topo    *topology.Topology
	domains map[topology.DomainID]*Domain
	zones   map[topology.DomainID][]zoneEntry

	cursorMu sync.Mutex
	cursor   map[topology.CPUID]int
}

// NewSet builds the zonelist for every domain from topo's distance table.
func NewSet(topo *topology.Topology, domains map[topology.DomainID]*Domain) *Set {
	s := &Set{
		topo:    topo,
		domains: domains,
		zones:   make(map[topology.DomainID][]zoneEntry, len(domains)),
		cursor:  make(map[topology.CPUID]int),
	}
	for from := range domains {
		var zl []zoneEntry
		for to := range domains {
			zl = append(zl, zoneEntry{domain: to, distance: topo.Distance(from, to)})
		}
		sort.Slice(zl, func(i, j int) bool {
			if zl[i].distance != zl[j].distance {
				return zl[i].distance < zl[j].distance
			}
			return zl[i].domain < zl[j].domain
		})
		s.zones[from] = zl
	}
	return s
}

func (s *Set) domainOf(cpu topology.CPUID) *Domain {
	return s.domains[s.topo.DomainOf(cpu)]
}

func (s *Set) nextInterleaveDomain(cpu topology.CPUID) topology.DomainID {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	zl := s.zones[s.topo.DomainOf(cpu)]
	if len(zl) == 0 {
		return s.topo.DomainOf(cpu)
	}
	i := s.cursor[cpu] % len(zl)
	s.cursor[cpu] = (s.cursor[cpu] + 1) % len(zl)
	return zl[i].domain
}

// scoredOrder implements spec §4.2 step 5: limit the zonelist scan to
// (locality_degree+1)*count/MAX entries (or the full list when FLEXIBLE),
// score candidates by distance·W_D − free_pages·W_F, skip domains without
// enough free pages (approximated here as any free page, since the caller
// already knows the requested order), pick ascending score, tie-break by
// zonelist (address) order.
func (s *Set) scoredOrder(from topology.DomainID, flags AllocFlags) []topology.DomainID {
	zl := s.zones[from]
	if len(zl) == 0 {
		return nil
	}
	scanLen := len(zl)
	if !flags.FlexibleLocality {
		loc := flags.Locality
		if loc < LocalityMin {
			loc = LocalityMin
		}
		if loc > LocalityMax {
			loc = LocalityMax
		}
		scanLen = (loc + 1) * len(zl) / LocalityMax
		if scanLen < 1 {
			scanLen = 1
		}
		if scanLen > len(zl) {
			scanLen = len(zl)
		}
	}

	wD := float64(distanceWeight)
	if flags.FlexibleLocality {
		wD /= flexibleWeightDivide
	}

	type scored struct {
		domain topology.DomainID
		score  float64
	}
	var cands []scored
	for _, z := range zl[:scanLen] {
		d := s.domains[z.domain]
		if d == nil {
			continue
		}
		free := d.FreePages()
		if free == 0 {
			continue
		}
		score := float64(z.distance)*wD - float64(free)*freePagesWeight
		cands = append(cands, scored{domain: z.domain, score: score})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score < cands[j].score })

	out := make([]topology.DomainID, len(cands))
	for i, c := range cands {
		out[i] = c.domain
	}
	return out
}

// AllDomains returns every domain id in the set, for bootstrap iteration.
func (s *Set) AllDomains() []topology.DomainID {
	ids := make([]topology.DomainID, 0, len(s.domains))
	for id := range s.domains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Set) Domain(id topology.DomainID) *Domain { return s.domains[id] }

// TotalFreePages sums free pages across every domain, for diagnostics and
// the slab allocator's emergency-GC decision.
func (s *Set) TotalFreePages() uint64 {
	var total uint64
	for _, d := range s.domains {
		total += d.FreePages()
	}
	return total
}
