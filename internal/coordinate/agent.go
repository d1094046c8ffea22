package coordinate

import (
	"fmt"
	"math"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/memcached/mcperf-go/internal/config"
	"github.com/memcached/mcperf-go/internal/logging"
)

// Listen opens the agent's control port, spec.md §6's --agent_port. The
// listen backlog spec.md §4.4 specifies (max(100, 2*(conns+1)*(threads+1)))
// has no equivalent knob in the standard library's net.Listen -- Go's
// runtime picks its own backlog and exposes no hook to override it before
// the accept loop starts -- so it's logged as an informational target
// rather than applied; this is the one documented gap versus spec.md's
// socket-configuration paragraph.
func Listen(addr string, opts *config.Options, log *logging.Logger) (net.Listener, error) {
	backlog := 100
	if want := 2 * (opts.Connections + 1) * (opts.Threads + 1); want > backlog {
		backlog = want
	}
	log.I("agent listening", zap.String("addr", addr), zap.Int("target_backlog", backlog))
	return net.Listen("tcp", addr)
}

// msgKind tags one token read off an agent's control socket, dispatched
// through msgCh the way cmd/server's loaderManager dispatched worker
// updates through a single consumer channel -- once PREPARATION's framed
// reads are done, a single goroutine owns the socket read side for the
// rest of the session, and HandleBarrier/SendStats block on msgCh rather
// than reading the socket directly, so a slow/stuck local barrier wait
// never races the reader goroutine against the control flow.
type msgKind int

const (
	msgToken msgKind = iota
	msgErr
)

type agentMsg struct {
	kind msgKind
	tok  string
	err  error
}

// Session is the agent-process half of the master/agent protocol: it
// responds to PREPARATION, the MEASUREMENT barrier, and FINISH exactly as
// spec.md §4.4 schedules, with the master always speaking first.
type Session struct {
	conn net.Conn
	cfg  Config
	log  *logging.Logger
	msgCh chan agentMsg
}

// NewSession wraps an accepted master connection. The control-token
// reader goroutine is not started here: PREPARATION (spec.md §4.4 steps
// 1-5) reads its Options/server-list frames directly off conn, and
// starting readLoop this early would race it for the same bytes. Prepare
// starts readLoop itself once those frames are fully consumed, just
// before the first control token (the MEASUREMENT barrier's "sync_req")
// can arrive.
func NewSession(conn net.Conn, cfg Config, log *logging.Logger) *Session {
	return &Session{conn: conn, cfg: cfg, log: log, msgCh: make(chan agentMsg, 1)}
}

// readLoop is the socket's single reader; every control token it sees is
// handed to msgCh for Prepare/HandleBarrier/SendStats to consume in
// protocol order.
func (s *Session) readLoop() {
	for {
		tok, err := readToken(s.conn)
		if err != nil {
			s.msgCh <- agentMsg{kind: msgErr, err: err}
			return
		}
		s.msgCh <- agentMsg{kind: msgToken, tok: tok}
	}
}

func (s *Session) awaitToken(want string) error {
	setTimeout(s.conn, s.cfg.PollTimeout)
	select {
	case m := <-s.msgCh:
		if m.kind == msgErr {
			return m.err
		}
		if m.tok != want {
			return fmt.Errorf("coordinate: expected %q, got %q", want, m.tok)
		}
		return nil
	case <-time.After(s.cfg.PollTimeout):
		return fmt.Errorf("coordinate: timed out waiting for %q", want)
	}
}

// Prepare runs the PREPARATION phase responder, spec.md §4.4 steps 1-5,
// and returns the Options the master broadcast, with Servers, LambdaDenom
// and Lambda filled in once step 4 completes.
func (s *Session) Prepare() (*config.Options, error) {
	setTimeout(s.conn, s.cfg.PollTimeout)
	opts, err := DecodeOptions(s.conn)
	if err != nil {
		return nil, fmt.Errorf("coordinate: agent: decode options: %w", err)
	}

	num := int32(math.Round(float64(opts.Threads) * opts.LambdaMul))
	bw := &binWriter{}
	bw.i32(num)
	if err := bw.flush(s.conn); err != nil {
		return nil, fmt.Errorf("coordinate: agent: send num: %w", err)
	}

	servers, err := DecodeServerList(s.conn)
	if err != nil {
		return nil, fmt.Errorf("coordinate: agent: decode server list: %w", err)
	}
	opts.Servers = servers
	if err := writeToken(s.conn, tokAck); err != nil {
		return nil, fmt.Errorf("coordinate: agent: ack server list: %w", err)
	}

	setTimeout(s.conn, s.cfg.PollTimeout)
	br, err := readFrame(s.conn)
	if err != nil {
		return nil, fmt.Errorf("coordinate: agent: recv lambda_denom: %w", err)
	}
	opts.LambdaDenom = int(br.i32())
	opts.RecomputeLambda()
	if err := writeToken(s.conn, tokThanks); err != nil {
		return nil, fmt.Errorf("coordinate: agent: send THANKS: %w", err)
	}

	s.log.I("agent prepared", zap.Int("lambda_denom", opts.LambdaDenom), zap.Float64("lambda", opts.Lambda))
	go s.readLoop()
	return opts, nil
}

// HandleBarrier answers one sync_req/proceed exchange, spec.md §4.4's
// measurement barrier, called by the agent's local Worker 0 in lockstep
// with its own cross-worker barrier arrivals.
func (s *Session) HandleBarrier() error {
	if err := s.awaitToken(tokSyncReq); err != nil {
		return fmt.Errorf("coordinate: agent: await sync_req: %w", err)
	}
	if err := writeToken(s.conn, tokSync); err != nil {
		return fmt.Errorf("coordinate: agent: send sync: %w", err)
	}
	if err := s.awaitToken(tokProceed); err != nil {
		return fmt.Errorf("coordinate: agent: await proceed: %w", err)
	}
	if err := writeToken(s.conn, tokAck); err != nil {
		return fmt.Errorf("coordinate: agent: send ack: %w", err)
	}
	return nil
}

// SendStats answers the FINISH phase's "stats" token with s's AgentStats
// blob.
func (s *Session) SendStats(stats AgentStats) error {
	if err := s.awaitToken(tokStats); err != nil {
		return fmt.Errorf("coordinate: agent: await stats: %w", err)
	}
	return EncodeAgentStats(s.conn, stats)
}

// Close releases the underlying socket.
func (s *Session) Close() error { return s.conn.Close() }
