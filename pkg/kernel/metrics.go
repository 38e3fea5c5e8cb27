// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kernel

import (
	"github.com/charmos-go/kcore/pkg/journal"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the kernel's diagnostics as prometheus series. It never
// drives scheduling or allocation decisions itself — it only mirrors what
// the journal already recorded and what the dispatch loop observes, the
// same observational-only boundary pkg/journal is built to.
type Metrics struct {
	Registry *prometheus.Registry

	journalEvents  *prometheus.CounterVec
	contextSwitch  prometheus.Counter
	stolenThreads  prometheus.Counter
	idleCPUs       prometheus.Gauge
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		journalEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kcore",
			Name:      "journal_events_total",
			Help:      "Diagnostics journal entries recorded, by kind.",
		}, []string{"kind"}),
		contextSwitch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kcore",
			Name:      "context_switches_total",
			Help:      "Dispatch-loop thread handoffs across every simulated CPU.",
		}),
		stolenThreads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kcore",
			Name:      "sched_stolen_threads_total",
			Help:      "Threads migrated by work-stealing or idle-push load balancing.",
		}),
		idleCPUs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kcore",
			Name:      "topology_idle_cpus",
			Help:      "Simulated CPUs currently marked idle.",
		}),
	}
	reg.MustRegister(m.journalEvents, m.contextSwitch, m.stolenThreads, m.idleCPUs)
	return m
}

// observeJournal runs in its own goroutine for the Kernel's lifetime,
// mirroring every recorded entry into the journalEvents counter and
// bumping stolenThreads on migrate/steal kinds.
func (m *Metrics) observeJournal(ch <-chan journal.Entry) {
	for e := range ch {
		m.journalEvents.WithLabelValues(e.Kind.String()).Inc()
		if e.Kind == journal.KindSteal || e.Kind == journal.KindMigrate {
			m.stolenThreads.Inc()
		}
	}
}
