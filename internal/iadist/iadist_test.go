package iadist

import (
	"testing"
	"time"
)

func TestExpGenZeroLambda(t *testing.T) {
	g := New(Exponential, 1)
	if d := g.Next(0); d != 0 {
		t.Fatalf("Next(0) = %v, want 0", d)
	}
}

func TestExpGenMeanIsApproximatelyRight(t *testing.T) {
	g := New(Exponential, 42)
	const lambda = 1000.0 // 1000 ops/sec, mean 1ms
	var total time.Duration
	const n = 20000
	for i := 0; i < n; i++ {
		total += g.Next(lambda)
	}
	mean := total / time.Duration(n)
	want := time.Millisecond
	if mean < want/2 || mean > want*2 {
		t.Fatalf("mean inter-arrival = %v, want close to %v", mean, want)
	}
}

func TestUniformGenMeanIsApproximatelyRight(t *testing.T) {
	g := New(Uniform, 7)
	const lambda = 500.0 // mean 2ms
	var total time.Duration
	const n = 20000
	for i := 0; i < n; i++ {
		d := g.Next(lambda)
		if d < 0 {
			t.Fatalf("uniform draw went negative: %v", d)
		}
		total += d
	}
	mean := total / time.Duration(n)
	want := 2 * time.Millisecond
	if mean < want/2 || mean > want*2 {
		t.Fatalf("mean inter-arrival = %v, want close to %v", mean, want)
	}
}

func TestUniformGenZeroLambda(t *testing.T) {
	g := New(Uniform, 1)
	if d := g.Next(0); d != 0 {
		t.Fatalf("Next(0) = %v, want 0", d)
	}
}

func TestFixedGenIsExact(t *testing.T) {
	g := New(Fixed, 0)
	const lambda = 200.0 // mean 5ms, exact every time
	want := time.Duration(float64(time.Second) / lambda)
	for i := 0; i < 5; i++ {
		if got := g.Next(lambda); got != want {
			t.Fatalf("Next(%v) = %v, want exactly %v", lambda, got, want)
		}
	}
}

func TestFixedGenZeroLambda(t *testing.T) {
	g := New(Fixed, 0)
	if d := g.Next(0); d != 0 {
		t.Fatalf("Next(0) = %v, want 0", d)
	}
}

func TestFixedGenTracksRateChangesExactly(t *testing.T) {
	g := New(Fixed, 0)
	if got, want := g.Next(100), time.Duration(float64(time.Second)/100); got != want {
		t.Fatalf("Next(100) = %v, want %v", got, want)
	}
	if got, want := g.Next(250), time.Duration(float64(time.Second)/250); got != want {
		t.Fatalf("Next(250) = %v, want %v", got, want)
	}
}

func TestNewDefaultsToExponential(t *testing.T) {
	g := New(Tag("bogus"), 1)
	if _, ok := g.(*expGen); !ok {
		t.Fatalf("New with unknown tag = %T, want *expGen", g)
	}
}
