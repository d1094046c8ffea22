// Package report formats a run's merged ConnectionStats into the final
// human-readable report and the optional --save flat-file dump, spec.md
// §6's external interfaces.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	bs "github.com/inhies/go-bytesize"

	"github.com/memcached/mcperf-go/internal/cpustat"
	"github.com/memcached/mcperf-go/internal/sampler"
)

// Print writes the final human-readable report to w: throughput, hit
// rate, the standard latency percentiles for each sampler, and byte
// counters formatted with go-bytesize (grounded on
// dbainbri-ciena-etcd-tester's use of the same dependency for its final
// report line).
func Print(w io.Writer, cs *sampler.ConnectionStats, cpu *cpustat.Stats) {
	elapsed := cs.Stop.Sub(cs.Start).Seconds()
	fmt.Fprintf(w, "Total QPS = %.1f (%d gets, %d sets, %d misses)\n", cs.QPS(), cs.Gets, cs.Sets, cs.GetMisses)
	if cs.Gets > 0 {
		fmt.Fprintf(w, "Hit rate = %.2f%%\n", 100*float64(cs.Gets-cs.GetMisses)/float64(cs.Gets))
	}
	if cs.Skips > 0 {
		fmt.Fprintf(w, "Skipped = %d\n", cs.Skips)
	}

	printSampler(w, "get", cs.GetSampler)
	printSampler(w, "set", cs.SetSampler)
	if cs.OpQSampler.Count() > 0 {
		printSampler(w, "op_q", cs.OpQSampler)
	}

	if elapsed > 0 {
		fmt.Fprintf(w, "RX = %v (%v/s)\n", bs.New(float64(cs.RxBytes)), bs.New(float64(cs.RxBytes)/elapsed))
		fmt.Fprintf(w, "TX = %v (%v/s)\n", bs.New(float64(cs.TxBytes)), bs.New(float64(cs.TxBytes)/elapsed))
	} else {
		fmt.Fprintf(w, "RX = %v\n", bs.New(float64(cs.RxBytes)))
		fmt.Fprintf(w, "TX = %v\n", bs.New(float64(cs.TxBytes)))
	}

	if cpu != nil {
		fmt.Fprintf(w, "CPU = avg %.1f%% min %.1f%% max %.1f%%\n", cpu.Avg, cpu.Min, cpu.Max)
	}
}

func printSampler(w io.Writer, label string, s *sampler.Sampler) {
	if s.Count() == 0 {
		return
	}
	const usPerNs = 1000.0
	fmt.Fprintf(w, "%-5s avg %8.1fus  p50 %8.1fus  p90 %8.1fus  p99 %8.1fus  max %8.1fus  (n=%d)\n",
		label,
		s.GetAvg()/usPerNs,
		s.GetNth(50)/usPerNs,
		s.GetNth(90)/usPerNs,
		s.GetNth(99)/usPerNs,
		s.GetNth(100)/usPerNs,
		s.Count(),
	)
}

// Save writes the --save PATH flat-file dump: one GET sample per line,
// whitespace-separated start-time-relative-to-boot and duration, both in
// floating-point seconds, in reservoir order, spec.md §6. boot is the
// reference instant every start time is measured against -- mirroring
// mcperf.cc's own boot_time, captured once at process start -- so the file
// matches the format mcperf.cc:843 writes
// (fprintf(file, "%f %f\n", i->start_time - boot_time, i->time())).
func Save(path string, cs *sampler.ConnectionStats, boot time.Time) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: save %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, op := range cs.GetSampler.Samples() {
		fmt.Fprintf(bw, "%f %f\n", op.Start.Sub(boot).Seconds(), op.Duration().Seconds())
	}
	return bw.Flush()
}
