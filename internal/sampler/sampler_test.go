package sampler

import (
	"testing"
	"time"
)

func opOf(d time.Duration) Operation {
	start := time.Unix(0, 0)
	return Operation{Start: start, End: start.Add(d), Kind: KindGet}
}

func TestSamplerPercentilesAndAvg(t *testing.T) {
	s := New(100)
	for i := 1; i <= 100; i++ {
		s.Sample(opOf(time.Duration(i) * time.Millisecond))
	}
	if got := s.GetNth(0); got != float64(time.Millisecond) {
		t.Errorf("GetNth(0) = %v, want %v", got, time.Millisecond)
	}
	if got := s.GetNth(100); got != float64(100*time.Millisecond) {
		t.Errorf("GetNth(100) = %v, want %v", got, 100*time.Millisecond)
	}
	if avg := s.GetAvg(); avg <= 0 {
		t.Errorf("GetAvg() = %v, want > 0", avg)
	}
}

func TestSamplerReservoirCapsAtCapacity(t *testing.T) {
	s := New(10)
	for i := 0; i < 1000; i++ {
		s.Sample(opOf(time.Millisecond))
	}
	if len(s.Samples()) != 10 {
		t.Fatalf("reservoir holds %d samples, want 10", len(s.Samples()))
	}
	if s.Count() != 1000 {
		t.Fatalf("Count() = %d, want 1000", s.Count())
	}
}

func TestSamplerMergeConcatenatesSamplesAndCounts(t *testing.T) {
	a := New(50)
	b := New(50)
	for i := 0; i < 20; i++ {
		a.Sample(opOf(time.Duration(i) * time.Microsecond))
	}
	for i := 20; i < 40; i++ {
		b.Sample(opOf(time.Duration(i) * time.Microsecond))
	}
	a.Merge(b)
	if a.Count() != 40 {
		t.Fatalf("merged Count() = %d, want 40", a.Count())
	}
	if len(a.Samples()) != 40 {
		t.Fatalf("merged Samples() = %d, want 40", len(a.Samples()))
	}
}

func TestConnectionStatsMergeAndQPS(t *testing.T) {
	a := NewConnectionStats()
	a.Gets = 100
	a.Start = time.Unix(100, 0)
	a.Stop = time.Unix(110, 0)

	b := NewConnectionStats()
	b.Gets = 50
	b.Start = time.Unix(95, 0)
	b.Stop = time.Unix(108, 0)

	a.Merge(b)
	if a.Gets != 150 {
		t.Fatalf("Gets = %d, want 150", a.Gets)
	}
	if !a.Start.Equal(time.Unix(95, 0)) {
		t.Fatalf("Start = %v, want min", a.Start)
	}
	if !a.Stop.Equal(time.Unix(110, 0)) {
		t.Fatalf("Stop = %v, want max", a.Stop)
	}
	if qps := a.QPS(); qps <= 0 {
		t.Fatalf("QPS() = %v, want > 0", qps)
	}
}
