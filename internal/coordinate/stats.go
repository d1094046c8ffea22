package coordinate

import (
	"io"
	"time"

	"github.com/memcached/mcperf-go/internal/sampler"
)

// AgentStats is the subset of sampler.ConnectionStats transmitted across
// processes, spec.md §3: all counters plus Start/Stop, but no sampler
// contents -- the master only ever reports its own local latency
// distributions (spec.md §4.4's explicit design choice, unchanged here).
type AgentStats struct {
	Gets, Sets, GetMisses, Skips uint64
	RxBytes, TxBytes             uint64
	Start, Stop                  time.Time
}

// FromConnectionStats projects the transmissible subset out of a local
// ConnectionStats, for an agent's FINISH-phase reply.
func FromConnectionStats(cs *sampler.ConnectionStats) AgentStats {
	return AgentStats{
		Gets:      cs.Gets,
		Sets:      cs.Sets,
		GetMisses: cs.GetMisses,
		Skips:     cs.Skips,
		RxBytes:   cs.RxBytes,
		TxBytes:   cs.TxBytes,
		Start:     cs.Start,
		Stop:      cs.Stop,
	}
}

// MergeInto folds an AgentStats into the master's local ConnectionStats,
// per spec.md §3's Merge law (associative, Start=min, Stop=max); the
// samplers are left untouched since AgentStats carries no sample data.
func (as AgentStats) MergeInto(cs *sampler.ConnectionStats) {
	cs.Gets += as.Gets
	cs.Sets += as.Sets
	cs.GetMisses += as.GetMisses
	cs.Skips += as.Skips
	cs.RxBytes += as.RxBytes
	cs.TxBytes += as.TxBytes
	if cs.Start.IsZero() || (!as.Start.IsZero() && as.Start.Before(cs.Start)) {
		cs.Start = as.Start
	}
	if as.Stop.After(cs.Stop) {
		cs.Stop = as.Stop
	}
}

// EncodeAgentStats writes the FINISH-phase blob, spec.md §4.4.
func EncodeAgentStats(w io.Writer, s AgentStats) error {
	bw := &binWriter{}
	bw.u64(s.Gets)
	bw.u64(s.Sets)
	bw.u64(s.GetMisses)
	bw.u64(s.Skips)
	bw.u64(s.RxBytes)
	bw.u64(s.TxBytes)
	bw.u64(uint64(s.Start.UnixNano()))
	bw.u64(uint64(s.Stop.UnixNano()))
	return bw.flush(w)
}

// DecodeAgentStats reads the blob EncodeAgentStats wrote.
func DecodeAgentStats(r io.Reader) (AgentStats, error) {
	br, err := readFrame(r)
	if err != nil {
		return AgentStats{}, wrapIOErr("decode agent stats", err)
	}
	var s AgentStats
	s.Gets = br.u64()
	s.Sets = br.u64()
	s.GetMisses = br.u64()
	s.Skips = br.u64()
	s.RxBytes = br.u64()
	s.TxBytes = br.u64()
	s.Start = time.Unix(0, int64(br.u64()))
	s.Stop = time.Unix(0, int64(br.u64()))
	return s, nil
}
