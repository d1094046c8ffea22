package coordinate

import (
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/memcached/mcperf-go/internal/config"
	"github.com/memcached/mcperf-go/internal/iadist"
	"github.com/memcached/mcperf-go/internal/logging"
	"github.com/memcached/mcperf-go/internal/sampler"
)

// TestOptionsRoundTrip exercises spec.md §8's round-trip law: "Options
// blob written by the master and read by an agent reproduces the exact
// Options value" (minus Servers, sent as its own message sequence).
func TestOptionsRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	want := &config.Options{
		QPS: 3000, Connections: 2, Threads: 4, LambdaMul: 2.5,
		Depth: 8, Update: 0.1, Time: 30, Warmup: 5, Wait: 1,
		IADist: iadist.Uniform, KeySizeMin: 16, KeySizeMax: 32,
		ValueSizeMin: 100, ValueSizeMax: 1024, Records: 5000,
		KeyPrefix: "mcperf:", Binary: true, SASL: true,
		Username: "u", Password: "p", NoNodelay: true, Blocking: true,
		RoundRobin: true, LoadOnly: false, NoLoad: true, Moderate: true,
		Skip: true, OOBThread: false, GetqFreq: 0.2, GetqSize: 10,
		Affinity: true, RngSeed: 42, AgentPort: 11400,
		MeasureConnections: 3, MeasureQPS: 900, MeasureDepth: 4,
	}

	done := make(chan error, 1)
	go func() { done <- EncodeOptions(client, want) }()

	got, err := DecodeOptions(server)
	if err != nil {
		t.Fatalf("DecodeOptions: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("EncodeOptions: %v", err)
	}

	got.Servers = want.Servers // not carried by this frame, per doc comment
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", *got, *want)
	}
}

// TestServerListRoundTrip covers spec.md §4.4 step 3's server-list frame.
func TestServerListRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	want := []string{"a:11211", "b:11211", "c:11211"}
	done := make(chan error, 1)
	go func() { done <- EncodeServerList(client, want) }()

	got, err := DecodeServerList(server)
	if err != nil {
		t.Fatalf("DecodeServerList: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("EncodeServerList: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestAgentStatsRoundTrip covers the FINISH-phase blob.
func TestAgentStatsRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	want := AgentStats{
		Gets: 100, Sets: 20, GetMisses: 3, Skips: 1,
		RxBytes: 4096, TxBytes: 2048,
		Start: time.Unix(1000, 0), Stop: time.Unix(1010, 0),
	}
	done := make(chan error, 1)
	go func() { done <- EncodeAgentStats(client, want) }()

	got, err := DecodeAgentStats(server)
	if err != nil {
		t.Fatalf("DecodeAgentStats: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("EncodeAgentStats: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

// TestAgentStatsMergeIntoAddsCountersAndWidensWindow checks one MergeInto
// against the transmitted subset specifically (AgentStats carries no
// sampler, only the additive counters plus min/max Start/Stop): counters
// add, Start takes the minimum and Stop the maximum.
func TestAgentStatsMergeIntoAddsCountersAndWidensWindow(t *testing.T) {
	cs := sampler.NewConnectionStats()
	cs.Gets = 10
	cs.Start = time.Unix(100, 0)
	cs.Stop = time.Unix(200, 0)

	as := AgentStats{Gets: 5, Start: time.Unix(50, 0), Stop: time.Unix(250, 0)}
	as.MergeInto(cs)

	if cs.Gets != 15 {
		t.Fatalf("Gets = %d, want 15", cs.Gets)
	}
	if !cs.Start.Equal(time.Unix(50, 0)) {
		t.Fatalf("Start = %v, want min(100,50)=50", cs.Start)
	}
	if !cs.Stop.Equal(time.Unix(250, 0)) {
		t.Fatalf("Stop = %v, want max(200,250)=250", cs.Stop)
	}
}

// newLoopback starts a real TCP listener on 127.0.0.1, returning its
// address and a dial func, grounded on the session protocol's reliance on
// real net.Conn deadlines (net.Pipe's synthetic conn doesn't implement
// the same backpressure/deadline semantics as a real socket).
func newLoopback(t *testing.T) (addr string, accept func() net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	acceptedCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			acceptedCh <- conn
		}
	}()
	return ln.Addr().String(), func() net.Conn { return <-acceptedCh }
}

// TestMasterAgentFullCycle drives PREPARATION, the two MEASUREMENT
// barriers, and FINISH end to end between a Master and a Session over a
// real TCP loopback connection, exercising spec.md §4.4's full message
// schedule and §8's "no worker observes measurement_start before every
// live agent has sent sync" barrier-ordering property.
func TestMasterAgentFullCycle(t *testing.T) {
	addr, accept := newLoopback(t)
	host, port := splitAddr(t, addr)

	log := logging.New(0, true)
	cfg := Config{PollTimeout: 2 * time.Second, PrepSleep: time.Millisecond}

	var sess *Session
	sessReady := make(chan *config.Options, 1)
	go func() {
		conn := accept()
		sess = NewSession(conn, cfg, log)
		opts, err := sess.Prepare()
		if err != nil {
			t.Errorf("agent Prepare: %v", err)
			return
		}
		sessReady <- opts
	}()

	opts := &config.Options{
		QPS: 3000, Connections: 1, Threads: 1, LambdaMul: 2,
		Servers: []string{"10.0.0.1:11211"}, Depth: 1, IADist: iadist.Exponential,
	}

	m, err := NewMaster(cfg, []string{host}, mustAtoi(t, port), log)
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	defer m.Close()

	denom, err := m.Prepare(opts)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	// Master (weight 1) + one agent (weight lambda_mul=2) over a single
	// server/thread/connection, spec.md §8 scenario 4's arithmetic.
	if denom != 3 {
		t.Fatalf("lambda_denom = %d, want 3", denom)
	}

	agentOpts := <-sessReady
	if agentOpts.LambdaDenom != denom {
		t.Fatalf("agent's lambda_denom = %d, want %d", agentOpts.LambdaDenom, denom)
	}
	if len(agentOpts.Servers) != 1 || agentOpts.Servers[0] != "10.0.0.1:11211" {
		t.Fatalf("agent's Servers = %v, want [10.0.0.1:11211]", agentOpts.Servers)
	}

	barrierDone := make(chan error, 1)
	go func() { barrierDone <- sess.HandleBarrier() }()
	if err := m.SyncAgents(); err != nil {
		t.Fatalf("SyncAgents: %v", err)
	}
	if err := <-barrierDone; err != nil {
		t.Fatalf("agent HandleBarrier: %v", err)
	}

	statsDone := make(chan error, 1)
	go func() { statsDone <- sess.SendStats(AgentStats{Gets: 42}) }()
	total := m.CollectStats()
	if err := <-statsDone; err != nil {
		t.Fatalf("agent SendStats: %v", err)
	}
	if total.Gets != 42 {
		t.Fatalf("collected Gets = %d, want 42", total.Gets)
	}
	if m.SyncErrors != 0 {
		t.Fatalf("SyncErrors = %d, want 0 on a clean run", m.SyncErrors)
	}
}

// TestMasterMarksUnresponsiveAgentFailedAndContinues exercises spec.md
// §7's agent-failure policy: a peer that never answers is removed from the
// active set rather than hanging the run (here already during PREPARATION,
// when its reply to the Options blob times out), SyncErrors counts the
// event, and a later barrier with no live agent left reports an error.
func TestMasterMarksUnresponsiveAgentFailedAndContinues(t *testing.T) {
	addr, accept := newLoopback(t)
	host, port := splitAddr(t, addr)
	log := logging.New(0, true)
	cfg := Config{PollTimeout: 50 * time.Millisecond, PrepSleep: time.Millisecond}

	go func() {
		conn := accept()
		defer conn.Close()
		// Accept the connection but never speak the protocol: simulates
		// an agent that stopped responding before finishing prep.
		time.Sleep(time.Second)
	}()

	m, err := NewMaster(cfg, []string{host}, mustAtoi(t, port), log)
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	defer m.Close()

	opts := &config.Options{Connections: 1, Threads: 1, Servers: []string{"x:11211"}}
	if _, err := m.Prepare(opts); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !m.AllFailed() {
		t.Fatalf("expected the sole agent to be marked failed after a silent peer")
	}
	if m.SyncErrors == 0 {
		t.Fatalf("SyncErrors = 0, want > 0 after a recv timeout")
	}
	if err := m.SyncAgents(); err == nil {
		t.Fatalf("SyncAgents succeeded with no live agents, want an error")
	}
}

func splitAddr(t *testing.T, addr string) (host, port string) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	return host, port
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Fatalf("not a port number: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n
}
