package metadrive

import (
	"github.com/memcached/mcperf-go/internal/config"
	"github.com/memcached/mcperf-go/internal/sampler"
)

// ScanRow is one row of a scan's output, spec.md §4.5: the full stats for
// one run, the QPS it actually achieved, and the QPS it targeted.
type ScanRow struct {
	Stats       *sampler.ConnectionStats
	AchievedQPS float64
	TargetQPS   int
}

// Scan runs one full measurement at every QPS in {min, min+step, ...,
// <=max} and returns one ScanRow per run, in ascending QPS order.
func Scan(opts *config.Options, spec string, run Runner) ([]ScanRow, error) {
	min, max, step, err := parseScanSpec(spec)
	if err != nil {
		return nil, err
	}

	var rows []ScanRow
	for q := min; q <= max; q += step {
		o := withQPS(opts, q)
		stats, err := run(o)
		if err != nil {
			return rows, err
		}
		rows = append(rows, ScanRow{Stats: stats, AchievedQPS: stats.QPS(), TargetQPS: q})
	}
	return rows, nil
}
