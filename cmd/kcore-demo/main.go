// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmos-go/kcore/pkg/kernel"
	"github.com/charmos-go/kcore/pkg/sched"
	"github.com/charmos-go/kcore/pkg/slab"
	"github.com/charmos-go/kcore/pkg/topology"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	packages       = flag.Int("packages", 1, "Simulated CPU packages")
	domainsPerPkg  = flag.Int("domains-per-pkg", 2, "NUMA domains per package")
	coresPerDomain = flag.Int("cores-per-domain", 4, "Cores per NUMA domain")
	smtPerCore     = flag.Int("smt-per-core", 1, "SMT threads per core")
	threads        = flag.Int("threads", 32, "Number of simulated worker threads to spawn")
	duration       = flag.Duration("duration", 10*time.Second, "How long to run before shutting down")
	metricsAddr    = flag.String("metrics-addr", ":9090", "Address to serve Prometheus metrics on")
	verbose        = flag.Bool("v", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	var zapLogger *zap.Logger
	var err error
	if *verbose {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	logger := zapr.NewLogger(zapLogger)

	cfg := kernel.Config{
		Topology: topology.Shape{
			Packages:       *packages,
			DomainsPerPkg:  *domainsPerPkg,
			CoresPerDomain: *coresPerDomain,
			SMTPerCore:     *smtPerCore,
		},
	}

	k, err := kernel.New(logger, cfg)
	if err != nil {
		log.Fatalf("kernel bootstrap failed: %v", err)
	}
	defer k.Close()

	http.Handle("/metrics", promhttp.HandlerFor(k.Metrics.Registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "metrics server exited")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	k.Start(ctx)

	var completed atomic.Int64
	ncpu := k.Topology.NumCPU()
	for i := 0; i < *threads; i++ {
		cpu := topology.CPUID(i % ncpu)
		spawnWorkload(k, cpu, &completed)
	}

	fmt.Printf("running %d workload threads across %d simulated CPUs for %s...\n", *threads, ncpu, *duration)
	<-ctx.Done()

	fmt.Printf("completed %d thread runs\n", completed.Load())
}

// spawnWorkload creates one thread that allocates and frees through the
// slab heap once per Entry call, returning between iterations so the
// dispatch loop's requeue is the thing driving it forward rather than a
// loop inside the entry function itself — Entry returning is the only
// real suspension point in this execution model.
func spawnWorkload(k *kernel.Kernel, cpu topology.CPUID, completed *atomic.Int64) {
	remaining := 5 + rand.Intn(10)

	th, err := sched.NewThread(k.IDs, sched.Config{
		Name:  fmt.Sprintf("workload-%d", cpu),
		Class: sched.ClassTimeshare,
		Entry: func(self *sched.Thread) {
			if remaining <= 0 {
				completed.Add(1)
				self.MarkExiting()
				return
			}
			addr, err := k.Heap.Kmalloc(cpu, 64+remaining*8, slab.Flags{}, slab.BehaviorMayFault)
			if err == nil {
				_ = k.Heap.Kfree(cpu, addr)
			}
			remaining--
		},
	})
	if err != nil {
		return
	}
	k.Sched.Scheduler(cpu).Enqueue(th)
}
