package coordinate

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memcached/mcperf-go/internal/config"
	"github.com/memcached/mcperf-go/internal/logging"
)

// Config tunes the coordinator's socket behavior, spec.md §4.4/§9.
type Config struct {
	// PollTimeout bounds every send/recv to an agent; exceeding it marks
	// the peer failed (spec.md §5's "caller-configurable poll budget").
	PollTimeout time.Duration
	// PrepSleep is the brief pause spec.md §4.4 step 6 calls for, giving
	// agents time to dial memcached before the master releases them.
	PrepSleep time.Duration
}

// DefaultConfig matches mcperf.cc's defaults closely enough for this
// load generator's purposes.
func DefaultConfig() Config {
	return Config{PollTimeout: 5 * time.Second, PrepSleep: 500 * time.Millisecond}
}

// agentConn is one master-held connection to an agent process, tagged with
// a UUID for log correlation (SPEC_FULL.md §4.4), grounded on
// dbainbri-ciena-etcd-tester's github.com/google/uuid dependency.
type agentConn struct {
	id     uuid.UUID
	addr   string
	conn   net.Conn
	failed bool
}

// Master holds the sockets to every configured agent and drives the
// PREPARATION/MEASUREMENT/FINISH phases spec.md §4.4 describes.
type Master struct {
	cfg    Config
	log    *logging.Logger
	agents []*agentConn

	// SyncErrors counts barrier failures across the whole run, spec.md
	// §7: "the master reports a nonzero synchronization-error count."
	SyncErrors int

	// MasterLambda and HasMasterLambda carry the master's own
	// measurement-phase lambda override when opts.MeasureQPS is set --
	// set by Prepare, read back by the caller once it returns. See
	// Prepare's doc comment.
	MasterLambda    float64
	HasMasterLambda bool
}

// NewMaster dials every agent at host:agentPort, sequentially, per
// spec.md §4.4 ("per agent, sequentially").
func NewMaster(cfg Config, hosts []string, agentPort int, log *logging.Logger) (*Master, error) {
	m := &Master{cfg: cfg, log: log}
	for _, host := range hosts {
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", agentPort))
		conn, err := net.DialTimeout("tcp", addr, cfg.PollTimeout)
		if err != nil {
			return nil, fmt.Errorf("coordinate: dial agent %s: %w", addr, err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetLinger(10)
		}
		m.agents = append(m.agents, &agentConn{id: uuid.New(), addr: addr, conn: conn})
		log.I("dialed agent", zap.String("addr", addr))
	}
	return m, nil
}

// live returns every agent not yet marked failed.
func (m *Master) live() []*agentConn {
	out := make([]*agentConn, 0, len(m.agents))
	for _, a := range m.agents {
		if !a.failed {
			out = append(out, a)
		}
	}
	return out
}

// AllFailed reports whether every configured agent has dropped out,
// spec.md §7: "aborts if every agent has failed."
func (m *Master) AllFailed() bool { return len(m.agents) > 0 && len(m.live()) == 0 }

func (m *Master) markFailed(a *agentConn, reason string, err error) {
	a.failed = true
	m.SyncErrors++
	_ = a.conn.Close()
	m.log.W("agent failure detected", zap.String("agent", a.id.String()), zap.String("reason", reason), zap.Error(err))
}

// Prepare runs the PREPARATION phase, spec.md §4.4, against every live
// agent and returns the fleet-wide lambda_denom.
//
// The master's own connection weight is never scaled by opts.LambdaMul:
// with a single CLI invocation driving the whole fleet, opts.LambdaMul is
// the weight an operator assigns to *agent* hardware relative to the
// master's baseline of 1 (end-to-end scenario 4 of SPEC_FULL.md §8 fixes
// this reading: master lambda_mul=2 on the CLI yields the agent's lambda
// doubled, not the master's own).
//
// opts.MeasureConnections, when set, stands in for opts.Connections in the
// master's own denom contribution only -- agents still weigh in with their
// real opts.Connections, matching mcperf.cc's prep_agent():
// "sum = args.measure_connections_arg * options.server_given *
// options.threads". opts.MeasureQPS, when set, is subtracted from the QPS
// broadcast to agents and drives an independent MasterLambda the caller
// should use in place of the fleet-wide lambda for its own local run
// (mcperf.cc: "options.qps -= args.measure_qps_arg" then
// "master_lambda = (double) args.measure_qps_arg / master_sum").
func (m *Master) Prepare(opts *config.Options) (lambdaDenom int, err error) {
	serverWeight := func(servers int, num int) int {
		if opts.RoundRobin {
			if servers > num {
				return servers
			}
			return num
		}
		return servers * num
	}

	masterConns := opts.Connections
	if opts.MeasureConnections > 0 {
		masterConns = opts.MeasureConnections
	}
	sum := masterConns * serverWeight(len(opts.Servers), opts.Threads)
	masterSum := sum

	broadcastOpts := opts
	if opts.MeasureQPS > 0 {
		sum = 0
		if opts.QPS > 0 {
			clone := opts.Clone()
			clone.QPS -= opts.MeasureQPS
			broadcastOpts = clone
		}
	}

	for _, a := range m.live() {
		if err := m.sendOptions(a, broadcastOpts); err != nil {
			m.markFailed(a, "send options", err)
			continue
		}
		num, err := m.recvNum(a)
		if err != nil {
			m.markFailed(a, "recv num", err)
			continue
		}
		if err := m.sendServerList(a, opts.Servers); err != nil {
			m.markFailed(a, "send server list", err)
			continue
		}
		sum += opts.Connections * serverWeight(len(opts.Servers), num)
	}

	for _, a := range m.live() {
		if err := m.sendLambdaDenom(a, sum); err != nil {
			m.markFailed(a, "send lambda_denom", err)
		}
	}

	if opts.MeasureQPS > 0 {
		m.MasterLambda = float64(opts.MeasureQPS) / float64(masterSum)
		m.HasMasterLambda = true
	}

	time.Sleep(m.cfg.PrepSleep)
	return sum, nil
}

func (m *Master) sendOptions(a *agentConn, opts *config.Options) error {
	setTimeout(a.conn, m.cfg.PollTimeout)
	return EncodeOptions(a.conn, opts)
}

func (m *Master) recvNum(a *agentConn) (int, error) {
	setTimeout(a.conn, m.cfg.PollTimeout)
	br, err := readFrame(a.conn)
	if err != nil {
		return 0, err
	}
	return int(br.i32()), nil
}

func (m *Master) sendServerList(a *agentConn, servers []string) error {
	setTimeout(a.conn, m.cfg.PollTimeout)
	if err := EncodeServerList(a.conn, servers); err != nil {
		return err
	}
	tok, err := readToken(a.conn)
	if err != nil {
		return err
	}
	if tok != tokAck {
		return fmt.Errorf("coordinate: expected ack for server list, got %q", tok)
	}
	return nil
}

func (m *Master) sendLambdaDenom(a *agentConn, denom int) error {
	setTimeout(a.conn, m.cfg.PollTimeout)
	bw := &binWriter{}
	bw.i32(int32(denom))
	if err := bw.flush(a.conn); err != nil {
		return err
	}
	tok, err := readToken(a.conn)
	if err != nil {
		return err
	}
	if tok != tokThanks {
		return fmt.Errorf("coordinate: expected THANKS, got %q", tok)
	}
	return nil
}

// SyncAgents runs one barrier exchange against every live agent, spec.md
// §4.4's "sync_agent routine". Called from the master process's Worker 0
// between its two local barrier arrivals.
func (m *Master) SyncAgents() error {
	for _, a := range m.live() {
		setTimeout(a.conn, m.cfg.PollTimeout)
		if err := writeToken(a.conn, tokSyncReq); err != nil {
			m.markFailed(a, "send sync_req", err)
			continue
		}
		tok, err := readToken(a.conn)
		if err != nil || tok != tokSync {
			m.markFailed(a, "recv sync", err)
			continue
		}
		if err := writeToken(a.conn, tokProceed); err != nil {
			m.markFailed(a, "send proceed", err)
			continue
		}
		tok, err = readToken(a.conn)
		if err != nil || tok != tokAck {
			m.markFailed(a, "recv ack", err)
			continue
		}
	}
	if m.AllFailed() {
		return fmt.Errorf("coordinate: all agents failed during barrier sync")
	}
	return nil
}

// CollectStats runs the FINISH phase against every live agent and returns
// their merged AgentStats, spec.md §4.4.
func (m *Master) CollectStats() AgentStats {
	var total AgentStats
	merged := false
	for _, a := range m.live() {
		setTimeout(a.conn, m.cfg.PollTimeout)
		if err := writeToken(a.conn, tokStats); err != nil {
			m.markFailed(a, "send stats", err)
			continue
		}
		s, err := DecodeAgentStats(a.conn)
		if err != nil {
			m.markFailed(a, "recv stats", err)
			continue
		}
		if !merged {
			total = s
			merged = true
			continue
		}
		total.Gets += s.Gets
		total.Sets += s.Sets
		total.GetMisses += s.GetMisses
		total.Skips += s.Skips
		total.RxBytes += s.RxBytes
		total.TxBytes += s.TxBytes
		if s.Start.Before(total.Start) {
			total.Start = s.Start
		}
		if s.Stop.After(total.Stop) {
			total.Stop = s.Stop
		}
	}
	return total
}

// Close tears down every agent socket.
func (m *Master) Close() {
	for _, a := range m.agents {
		_ = a.conn.Close()
	}
}
