// Package iadist implements the inter-arrival distributions spec.md §3
// calls for: exponential, uniform, and fixed, each producing nonnegative
// durations with a configured mean of 1/lambda.
package iadist

import (
	"math/rand"
	"time"
)

// Generator produces successive inter-arrival durations for one
// Connection's issue schedule.
type Generator interface {
	// Next returns the duration until the next scheduled issue instant,
	// given the connection's current lambda (ops/sec, per-connection mean
	// rate; 0 means "closed loop," callers should not invoke Next in that
	// case).
	Next(lambda float64) time.Duration
}

// Tag identifies which distribution family a Generator was built from,
// mirroring the --iadist CLI token.
type Tag string

const (
	Exponential Tag = "exp"
	Uniform     Tag = "uniform"
	Fixed       Tag = "fixed"
)

// New builds the Generator named by tag, seeded from seed so that runs
// are reproducible across repeated --search/--scan iterations.
func New(tag Tag, seed int64) Generator {
	switch tag {
	case Uniform:
		return &uniformGen{r: rand.New(rand.NewSource(seed))}
	case Fixed:
		return &fixedGen{}
	default:
		return &expGen{r: rand.New(rand.NewSource(seed))}
	}
}

// expGen draws from an exponential distribution with the requested mean,
// the default used by mcperf.cc (Poisson arrivals, the standard open-loop
// model for a request stream).
type expGen struct{ r *rand.Rand }

func (g *expGen) Next(lambda float64) time.Duration {
	if lambda <= 0 {
		return 0
	}
	// ExpFloat64 draws from Exp(1); scale by the mean (1/lambda).
	mean := 1.0 / lambda
	return time.Duration(g.r.ExpFloat64() * mean * float64(time.Second))
}

// uniformGen draws uniformly over [0, 2/lambda), which has the same mean
// as the exponential case but bounded jitter instead of a heavy tail.
type uniformGen struct{ r *rand.Rand }

func (g *uniformGen) Next(lambda float64) time.Duration {
	if lambda <= 0 {
		return 0
	}
	mean := 1.0 / lambda
	return time.Duration(g.r.Float64() * 2 * mean * float64(time.Second))
}

// fixedGen issues at an exact, unjittered cadence: every interval is
// 1/lambda, with no jitter term. The teacher's pkg/ratectrl/config.go paces
// issuance the same way by blocking a per-connection goroutine on a
// go.uber.org/ratelimit.Limiter's Take(), but this generator's Next is
// called from a single Worker's non-blocking tick loop shared across many
// Connections (spec.md §5: "Connection code never blocks on arbitrary
// syscalls"); blocking inside Next would stall every other connection that
// Worker owns, so the interval is computed directly instead of through a
// blocking limiter.
type fixedGen struct{}

func (g *fixedGen) Next(lambda float64) time.Duration {
	if lambda <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / lambda)
}
