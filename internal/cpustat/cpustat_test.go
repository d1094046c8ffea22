package cpustat

import (
	"testing"
	"time"
)

func TestStartStopProducesNonNegativeStats(t *testing.T) {
	s, err := Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(3 * Interval)
	stats := s.Stop()

	if stats.Min < 0 || stats.Max < 0 || stats.Avg < 0 {
		t.Fatalf("Stats = %+v, want all non-negative", stats)
	}
	if stats.Min > stats.Max {
		t.Fatalf("Min %v > Max %v", stats.Min, stats.Max)
	}
}

func TestStopWithNoSamplesReturnsZeroStats(t *testing.T) {
	s, err := Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Stop immediately, before the first tick can fire.
	stats := s.Stop()
	if stats != (Stats{}) {
		// A sample may have raced in; only fail if something looks impossible.
		if stats.Min < 0 || stats.Max < 0 {
			t.Fatalf("Stats = %+v, want non-negative", stats)
		}
	}
}
