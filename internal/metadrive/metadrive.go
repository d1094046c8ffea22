// Package metadrive implements the adaptive search and scan meta-drivers
// spec.md §4.5 describes: each repeatedly invokes a full load-generation
// run at a chosen target QPS and adjusts that target based on the
// measured latency, looking for the point where a latency SLO is met.
package metadrive

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/memcached/mcperf-go/internal/config"
	"github.com/memcached/mcperf-go/internal/sampler"
)

// Runner executes one full warmup+measurement cycle at the QPS carried by
// opts and returns the merged ConnectionStats, however that cycle is
// assembled (a single internal/loadgen.Driver locally, or one fronted by
// internal/coordinate.Master across a fleet of agents). Search and Scan
// are agnostic to which; cmd/mcperf supplies the closure.
type Runner func(opts *config.Options) (*sampler.ConnectionStats, error)

// nthLatency reads spec N ("avg" or an integer percentile) off cs's GET
// sampler, since spec.md §4.5's SLO is defined against read latency.
func nthLatency(cs *sampler.ConnectionStats, spec string) (float64, error) {
	if spec == "avg" {
		return cs.GetSampler.GetAvg(), nil
	}
	p, err := strconv.ParseFloat(spec, 64)
	if err != nil {
		return 0, fmt.Errorf("metadrive: bad percentile %q: %w", spec, err)
	}
	return cs.GetSampler.GetNth(p), nil
}

// parseSearchSpec splits the "N:X" search argument spec.md §4.5 and §6
// define: N is an integer percentile or the literal "avg"; X is a target
// latency in microseconds.
func parseSearchSpec(spec string) (nSpec string, targetUS float64, err error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("metadrive: search spec %q must be N:X", spec)
	}
	targetUS, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return "", 0, fmt.Errorf("metadrive: search spec %q: bad target: %w", spec, err)
	}
	return parts[0], targetUS, nil
}

// parseScanSpec splits the "min:max:step" scan argument.
func parseScanSpec(spec string) (min, max, step int, err error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("metadrive: scan spec %q must be min:max:step", spec)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("metadrive: scan spec %q: %w", spec, err)
		}
		vals[i] = n
	}
	if vals[2] <= 0 {
		return 0, 0, 0, fmt.Errorf("metadrive: scan spec %q: step must be positive", spec)
	}
	return vals[0], vals[1], vals[2], nil
}

func withQPS(opts *config.Options, qps int) *config.Options {
	o := opts.Clone()
	o.QPS = qps
	o.RecomputeLambda()
	return o
}
