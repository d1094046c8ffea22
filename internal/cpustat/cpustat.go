// Package cpustat restores the original mcperf.cc's cpu_stat_thread, a
// supplemental feature the spec.md distillation dropped entirely but
// which SPEC_FULL.md §2 reinstates: a background sampler reporting process
// CPU utilization avg/min/max over a run. Grounded on
// lightstep-lightstep-benchmarks' shirou/gopsutil/v3 dependency in the
// retrieval pack.
package cpustat

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Interval matches the original's sampling cadence closely enough for
// report-time avg/min/max to be meaningful without perturbing the
// measurement it's running alongside.
const Interval = 200 * time.Millisecond

// Stats is the {Avg, Min, Max} percentage triple SPEC_FULL.md §3 defines.
type Stats struct {
	Avg, Min, Max float64
}

// Sampler runs a background ticker sampling this process's CPU percentage.
type Sampler struct {
	proc   *process.Process
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	samples []float64
}

// Start begins sampling immediately and returns a Sampler; call Stop to
// halt it and compute the final Stats.
func Start() (*Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sampler{proc: proc, cancel: cancel, done: make(chan struct{})}
	go s.run(ctx)
	return s, nil
}

func (s *Sampler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pct, err := s.proc.Percent(0)
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.samples = append(s.samples, pct)
			s.mu.Unlock()
		}
	}
}

// Stop halts sampling and returns the avg/min/max CPU percentage observed,
// printed in the final report exactly as the original tool's
// cpu_stat_thread did (SPEC_FULL.md §3).
func (s *Sampler) Stop() Stats {
	s.cancel()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) == 0 {
		return Stats{}
	}
	min, max, sum := s.samples[0], s.samples[0], 0.0
	for _, v := range s.samples {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	return Stats{Avg: sum / float64(len(s.samples)), Min: min, Max: max}
}
