package metadrive

import (
	"github.com/memcached/mcperf-go/internal/config"
	"github.com/memcached/mcperf-go/internal/sampler"
)

// Constants preserved verbatim from spec.md §4.5/§9, named rather than
// inlined so the search algorithm below reads the same way the original
// mcperf.cc's do_mcperf_search does.
const (
	highLowRatio  = 1.02 // binary search stops once high <= low*highLowRatio
	peakFloorFrac = 0.01 // neither phase starts another probe once cur <= peak*peakFloorFrac
	lowFloorFrac  = 0.90 // fine-tune stops once cur <= low*lowFloorFrac
	fineTuneStep  = 0.99 // fine-tune shrinks cur by this factor each step
)

// Result is one Search outcome: the discovered peak, the final candidate
// QPS the algorithm settled on, its measured stats, and whether the
// fine-tune phase gave up on a floor rather than actually meeting the SLO.
type Result struct {
	PeakQPS    float64
	CurQPS     float64
	Stats      *sampler.ConnectionStats
	Degenerate bool
}

// Search binary-searches for the highest QPS meeting the "N:X" latency SLO
// spec's search argument names, per spec.md §4.5.
func Search(opts *config.Options, spec string, run Runner) (Result, error) {
	nSpec, targetUS, err := parseSearchSpec(spec)
	if err != nil {
		return Result{}, err
	}
	targetNS := targetUS * 1000

	peakOpts := withQPS(opts, 0)
	peakStats, err := run(peakOpts)
	if err != nil {
		return Result{}, err
	}
	peakQPS := peakStats.QPS()
	nth, err := nthLatency(peakStats, nSpec)
	if err != nil {
		return Result{}, err
	}
	if nth <= targetNS {
		return Result{PeakQPS: peakQPS, CurQPS: peakQPS, Stats: peakStats}, nil
	}

	low, high := 1.0, peakQPS
	cur := peakQPS
	var curStats *sampler.ConnectionStats

	for high > low*highLowRatio && cur > peakQPS*peakFloorFrac {
		cur = (high + low) / 2
		stats, err := run(withQPS(opts, int(cur)))
		if err != nil {
			return Result{}, err
		}
		curStats = stats
		nth, err = nthLatency(stats, nSpec)
		if err != nil {
			return Result{}, err
		}
		if nth > targetNS {
			high = cur
		} else {
			low = cur
		}
	}

	for nth > targetNS && cur > peakQPS*peakFloorFrac && cur > low*lowFloorFrac {
		cur *= fineTuneStep
		stats, err := run(withQPS(opts, int(cur)))
		if err != nil {
			return Result{}, err
		}
		curStats = stats
		nth, err = nthLatency(stats, nSpec)
		if err != nil {
			return Result{}, err
		}
	}

	degenerate := nth > targetNS
	if curStats == nil {
		curStats = peakStats
	}
	return Result{PeakQPS: peakQPS, CurQPS: cur, Stats: curStats, Degenerate: degenerate}, nil
}
