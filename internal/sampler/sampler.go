// Package sampler implements the adaptive reservoir latency sampler
// spec.md §4.3 calls for: bounded memory, arbitrary percentile and mean
// queries, and associative/commutative Merge across goroutines and
// processes.
//
// jamiealquiza/tachymeter (the teacher's own sampling dependency, used in
// pkg/ratectrl) is not reused here: it has no Merge and no way to read
// back retained samples in capture order, both of which the coordinator
// and --save require. See DESIGN.md.
package sampler

import (
	"math/rand"
	"sort"
	"time"
)

// Kind identifies what an Operation measured, per spec.md's Connection
// data model (get, set, op_q).
type Kind int

const (
	KindGet Kind = iota
	KindSet
	KindOpQ
)

// Operation is the tiny record spec.md §2 calls for.
type Operation struct {
	Start time.Time
	End   time.Time
	Kind  Kind
}

func (o Operation) Duration() time.Duration { return o.End.Sub(o.Start) }

// Sampler is a fixed-capacity reservoir (Vitter's Algorithm R) over
// observed Operation latencies.
type Sampler struct {
	capacity int
	count    int64 // total observations ever offered, including evicted ones
	samples  []Operation
	rng      *rand.Rand
}

// DefaultCapacity matches the teacher's rough sizing heuristic in
// pkg/ratectrl/config.go ("samples := conf.RPS * conf.ConnCount; if
// samples < 1000 { samples = 1000 }"), generalized to a single constant
// floor since a sampler can also be given an explicit capacity via New.
const DefaultCapacity = 4096

func New(capacity int) *Sampler {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sampler{
		capacity: capacity,
		samples:  make([]Operation, 0, capacity),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Sample records one observed operation, evicting a uniformly random
// existing sample once the reservoir is full so that percentile estimates
// remain unbiased regardless of run length.
func (s *Sampler) Sample(op Operation) {
	s.count++
	if len(s.samples) < s.capacity {
		s.samples = append(s.samples, op)
		return
	}
	j := s.rng.Int63n(s.count)
	if j < int64(s.capacity) {
		s.samples[j] = op
	}
}

// Samples returns the retained samples in reservoir order, for --save:
// capture order until the reservoir fills; after that a new sample takes
// the slot of the one it replaced, so the slice is no longer in capture
// order, and merged samples follow the receiver's own.
func (s *Sampler) Samples() []Operation {
	out := make([]Operation, len(s.samples))
	copy(out, s.samples)
	return out
}

// Count returns the total number of Sample calls, including ones evicted
// from the reservoir.
func (s *Sampler) Count() int64 { return s.count }

func (s *Sampler) durations() []float64 {
	d := make([]float64, len(s.samples))
	for i, op := range s.samples {
		d[i] = float64(op.Duration())
	}
	sort.Float64s(d)
	return d
}

// GetNth returns the p-th percentile (0-100) latency in nanoseconds.
// GetNth(0) is the minimum observed sample, GetNth(100) the maximum, per
// spec.md §8's round-trip law.
func (s *Sampler) GetNth(p float64) float64 {
	d := s.durations()
	if len(d) == 0 {
		return 0
	}
	if p <= 0 {
		return d[0]
	}
	if p >= 100 {
		return d[len(d)-1]
	}
	idx := int(p/100*float64(len(d)-1) + 0.5)
	if idx >= len(d) {
		idx = len(d) - 1
	}
	return d[idx]
}

// GetAvg returns the mean latency in nanoseconds across retained samples.
func (s *Sampler) GetAvg() float64 {
	if len(s.samples) == 0 {
		return 0
	}
	var total float64
	for _, op := range s.samples {
		total += float64(op.Duration())
	}
	return total / float64(len(s.samples))
}

// Merge folds other's samples into s. The combined reservoir may exceed
// capacity and stays that size (later Sample calls only replace slots
// below capacity, they never shrink it); since the coordinator
// only merges at report time, not mid-run, exact reservoir semantics
// aren't required here beyond keeping every retained sample available for
// percentile/mean queries and --save, which simple concatenation achieves.
func (s *Sampler) Merge(other *Sampler) {
	if other == nil {
		return
	}
	s.samples = append(s.samples, other.samples...)
	s.count += other.count
}

// ConnectionStats is the mergeable aggregate spec.md §3 defines.
type ConnectionStats struct {
	GetSampler *Sampler
	SetSampler *Sampler
	OpQSampler *Sampler

	Gets       uint64
	Sets       uint64
	GetMisses  uint64
	Skips      uint64
	RxBytes    uint64
	TxBytes    uint64
	Start      time.Time
	Stop       time.Time
}

func NewConnectionStats() *ConnectionStats {
	return &ConnectionStats{
		GetSampler: New(DefaultCapacity),
		SetSampler: New(DefaultCapacity),
		OpQSampler: New(DefaultCapacity),
	}
}

// Merge is associative and commutative: samplers concatenate, counters
// add, Start = min, Stop = max (spec.md §3).
func (cs *ConnectionStats) Merge(other *ConnectionStats) {
	if other == nil {
		return
	}
	cs.GetSampler.Merge(other.GetSampler)
	cs.SetSampler.Merge(other.SetSampler)
	cs.OpQSampler.Merge(other.OpQSampler)

	cs.Gets += other.Gets
	cs.Sets += other.Sets
	cs.GetMisses += other.GetMisses
	cs.Skips += other.Skips
	cs.RxBytes += other.RxBytes
	cs.TxBytes += other.TxBytes

	if cs.Start.IsZero() || (!other.Start.IsZero() && other.Start.Before(cs.Start)) {
		cs.Start = other.Start
	}
	if other.Stop.After(cs.Stop) {
		cs.Stop = other.Stop
	}
}

// QPS reports total (gets+sets) throughput over [Start, Stop].
func (cs *ConnectionStats) QPS() float64 {
	elapsed := cs.Stop.Sub(cs.Start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(cs.Gets+cs.Sets) / elapsed
}

// Reset clears accumulated stats, used between warmup and measurement
// (spec.md §4.1's Connection.reset()).
func (cs *ConnectionStats) Reset() {
	*cs = *NewConnectionStats()
}
