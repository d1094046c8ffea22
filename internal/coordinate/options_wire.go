package coordinate

import (
	"io"

	"github.com/memcached/mcperf-go/internal/config"
	"github.com/memcached/mcperf-go/internal/iadist"
)

// EncodeOptions writes o as the length-prefixed little-endian frame
// SPEC_FULL.md §4.4 specifies for the PREPARATION phase's Options blob.
// The Servers field is deliberately omitted from the frame: spec.md §4.4
// sends the server list as its own separately-acked message sequence
// (step 3), so Options travels without it to avoid encoding the same data
// twice on the wire.
func EncodeOptions(w io.Writer, o *config.Options) error {
	bw := &binWriter{}
	bw.i32(int32(o.QPS))
	bw.i32(int32(o.Connections))
	bw.i32(int32(o.Threads))
	bw.f64(o.LambdaMul)
	bw.i32(int32(o.Depth))
	bw.f64(o.Update)
	bw.i32(int32(o.Time))
	bw.i32(int32(o.Warmup))
	bw.i32(int32(o.Wait))
	bw.str(string(o.IADist))
	bw.i32(int32(o.KeySizeMin))
	bw.i32(int32(o.KeySizeMax))
	bw.i32(int32(o.ValueSizeMin))
	bw.i32(int32(o.ValueSizeMax))
	bw.i32(int32(o.Records))
	bw.str(o.KeyPrefix)

	bw.bool(o.Binary)
	bw.bool(o.SASL)
	bw.str(o.Username)
	bw.str(o.Password)
	bw.bool(o.NoNodelay)
	bw.bool(o.Blocking)
	bw.bool(o.RoundRobin)
	bw.bool(o.LoadOnly)
	bw.bool(o.NoLoad)
	bw.bool(o.Moderate)
	bw.bool(o.Skip)
	bw.bool(o.OOBThread)

	bw.f64(o.GetqFreq)
	bw.i32(int32(o.GetqSize))

	bw.bool(o.Affinity)
	bw.u64(uint64(o.RngSeed))

	bw.i32(int32(o.AgentPort))
	bw.i32(int32(o.MeasureConnections))
	bw.i32(int32(o.MeasureQPS))
	bw.i32(int32(o.MeasureDepth))

	return bw.flush(w)
}

// DecodeOptions reads an Options frame written by EncodeOptions. The
// returned Options has an empty Servers slice; the caller (the agent
// session loop) populates it from the subsequent server-list messages.
func DecodeOptions(r io.Reader) (*config.Options, error) {
	br, err := readFrame(r)
	if err != nil {
		return nil, wrapIOErr("decode options", err)
	}
	o := &config.Options{}
	o.QPS = int(br.i32())
	o.Connections = int(br.i32())
	o.Threads = int(br.i32())
	o.LambdaMul = br.f64()
	o.Depth = int(br.i32())
	o.Update = br.f64()
	o.Time = int(br.i32())
	o.Warmup = int(br.i32())
	o.Wait = int(br.i32())
	o.IADist = iadist.Tag(br.str())
	o.KeySizeMin = int(br.i32())
	o.KeySizeMax = int(br.i32())
	o.ValueSizeMin = int(br.i32())
	o.ValueSizeMax = int(br.i32())
	o.Records = int(br.i32())
	o.KeyPrefix = br.str()

	o.Binary = br.boolean()
	o.SASL = br.boolean()
	o.Username = br.str()
	o.Password = br.str()
	o.NoNodelay = br.boolean()
	o.Blocking = br.boolean()
	o.RoundRobin = br.boolean()
	o.LoadOnly = br.boolean()
	o.NoLoad = br.boolean()
	o.Moderate = br.boolean()
	o.Skip = br.boolean()
	o.OOBThread = br.boolean()

	o.GetqFreq = br.f64()
	o.GetqSize = int(br.i32())

	o.Affinity = br.boolean()
	o.RngSeed = int64(br.u64())

	o.AgentPort = int(br.i32())
	o.MeasureConnections = int(br.i32())
	o.MeasureQPS = int(br.i32())
	o.MeasureDepth = int(br.i32())

	return o, nil
}

// EncodeServerList writes the PREPARATION server list as one frame: a
// count, then each server string. The strings are not acknowledged one by
// one: the caller reads the single "ack" the agent (Session.Prepare) sends
// once it has decoded the whole list.
func EncodeServerList(w io.Writer, servers []string) error {
	bw := &binWriter{}
	bw.strs(servers)
	return bw.flush(w)
}

// DecodeServerList reads the frame EncodeServerList wrote.
func DecodeServerList(r io.Reader) ([]string, error) {
	br, err := readFrame(r)
	if err != nil {
		return nil, wrapIOErr("decode server list", err)
	}
	return br.strs(), nil
}
