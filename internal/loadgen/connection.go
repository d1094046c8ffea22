package loadgen

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/memcached/mcperf-go/internal/config"
	"github.com/memcached/mcperf-go/internal/iadist"
	"github.com/memcached/mcperf-go/internal/keyval"
	"github.com/memcached/mcperf-go/internal/logging"
	"github.com/memcached/mcperf-go/internal/sampler"
	"github.com/memcached/mcperf-go/internal/wire"
)

// ReadState enumerates the states a Connection's write/read machine can
// occupy, spec.md §3's Connection data model.
type ReadState int

const (
	InitRead ReadState = iota
	ConnSetup
	Idle
	WaitingForGet
	WaitingForSet
	WaitingForGetqNoop
	Loading
)

func (s ReadState) String() string {
	switch s {
	case InitRead:
		return "init_read"
	case ConnSetup:
		return "conn_setup"
	case Idle:
		return "idle"
	case WaitingForGet:
		return "waiting_for_get"
	case WaitingForSet:
		return "waiting_for_set"
	case WaitingForGetqNoop:
		return "waiting_for_getq_noop"
	case Loading:
		return "loading"
	default:
		return "unknown"
	}
}

var errDecode = errors.New("loadgen: protocol decode failure")

// pendingOp is one FIFO entry: an issued-but-unreplied operation.
type pendingOp struct {
	kind      sampler.Kind
	start     time.Time
	key       string
	batchSize int
}

// Connection is one (server, slot) state machine, spec.md §4.1. It owns a
// TCP socket, buffered I/O, a FIFO of in-flight operations, and drives
// itself via Worker-invoked ticks rather than libevent callbacks (see
// SPEC_FULL.md §2's note on why: idiomatic Go has no per-thread reactor
// library in the retrieval pack, so the Worker's poll loop plays that
// role).
type Connection struct {
	opts  *config.Options
	codec wire.Codec
	log   *logging.Logger

	host, port string
	conn       net.Conn
	bw         *bufio.Writer
	br         *bufio.Reader

	state     ReadState
	fifo      []pendingOp
	nextIssue time.Time
	startTime time.Time
	windowEnd time.Time

	iaGen iadist.Generator
	rng   *rand.Rand

	entries []keyval.Entry

	isLead bool
	dead   bool

	Stats *sampler.ConnectionStats
}

// NewConnection dials host:port and brings the connection up through
// ConnSetup (and a SASL handshake, if configured) to Idle, per spec.md
// §4.1's lifecycle. Go's DialTimeout replaces the original's non-blocking
// connect-then-callback sequence, tried up to dialAttempts times before the
// connect failure is returned; once connected the Connection is driven
// exclusively by its owning Worker's ticks, never by a fresh goroutine.
func NewConnection(host, port string, opts *config.Options, entries []keyval.Entry, iaGen iadist.Generator, isLead bool, log *logging.Logger) (*Connection, error) {
	const dialAttempts = 3
	addr := net.JoinHostPort(host, port)
	var conn net.Conn
	var err error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if conn, err = net.DialTimeout("tcp", addr, 5*time.Second); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("loadgen: dial %s (%d attempts): %w", addr, dialAttempts, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok && !opts.NoNodelay {
		_ = tc.SetNoDelay(true)
	}

	c := &Connection{
		opts:      opts,
		codec:     wire.New(opts.Binary),
		log:       log,
		host:      host,
		port:      port,
		conn:      conn,
		bw:        bufio.NewWriter(conn),
		br:        bufio.NewReader(conn),
		state:     ConnSetup,
		iaGen:     iaGen,
		rng:       rand.New(rand.NewSource(opts.RngSeed ^ int64(len(host)))),
		entries:   entries,
		isLead:    isLead,
		Stats:     sampler.NewConnectionStats(),
		startTime: time.Now(),
	}

	if opts.SASL {
		if err := c.saslHandshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("loadgen: sasl handshake with %s: %w", addr, err)
		}
	}
	c.state = Idle
	return c, nil
}

// saslHandshake performs a minimal binary-protocol PLAIN SASL exchange, the
// one in-flight handshake spec.md §3's invariant allows to precede Idle.
// The wire.Codec contract (spec.md: "its contract is summarized where
// needed") only covers GET/SET/multi-get, so SASL framing is written
// directly here rather than folded into that interface; text-protocol
// memcached has no SASL support, so this is a no-op (logged) unless
// --binary is also set.
func (c *Connection) saslHandshake() error {
	if !c.opts.Binary {
		c.log.W("sasl requested without --binary; skipping handshake")
		return nil
	}
	mech := []byte("PLAIN")
	authz := fmt.Sprintf("\x00%s\x00%s", c.opts.Username, c.opts.Password)

	const opSASLAuth = 0x21
	hdr := make([]byte, 24+len(mech)+len(authz))
	hdr[0] = 0x80
	hdr[1] = opSASLAuth
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(mech)))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(mech)+len(authz)))
	copy(hdr[24:24+len(mech)], mech)
	copy(hdr[24+len(mech):], authz)

	if _, err := c.conn.Write(hdr); err != nil {
		return err
	}
	resp := make([]byte, 24)
	if _, err := ioReadFull(c.conn, resp); err != nil {
		return err
	}
	status := binary.BigEndian.Uint16(resp[6:8])
	bodyLen := binary.BigEndian.Uint32(resp[8:12])
	if bodyLen > 0 {
		drain := make([]byte, bodyLen)
		if _, err := ioReadFull(c.conn, drain); err != nil {
			return err
		}
	}
	if status != 0 {
		return fmt.Errorf("sasl auth failed: status 0x%x", status)
	}
	return nil
}

func ioReadFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// StartLoading issues SET operations for every generated entry
// synchronously (the load phase runs during the Worker's blocking setup
// sequence, not the ticked measurement loop) and returns to Idle once the
// last SET is acknowledged, per spec.md §4.1.
func (c *Connection) StartLoading() error {
	c.state = Loading
	_ = c.conn.SetDeadline(time.Time{})
	for _, e := range c.entries {
		n, err := c.codec.EncodeSet(c.bw, e.Key, e.Value, 0, 0)
		if err != nil {
			return fmt.Errorf("loadgen: load set %q: %w", e.Key, err)
		}
		c.Stats.TxBytes += uint64(n)
		n, err = c.codec.DecodeSetReply(c.br)
		if err != nil {
			return fmt.Errorf("loadgen: load set ack %q: %w", e.Key, err)
		}
		c.Stats.RxBytes += uint64(n)
		c.Stats.Sets++
	}
	c.state = Idle
	return nil
}

// BeginWindow resets the connection's issue schedule to start at start and
// run until start+dur, used at the top of warmup and measurement.
func (c *Connection) BeginWindow(start time.Time, dur time.Duration) {
	c.startTime = start
	c.windowEnd = start.Add(dur)
	c.nextIssue = start
	c.Stats.Start = start
}

// StampStop records now as this connection's window end for QPS
// accounting, called once CheckExitCondition first reports true.
func (c *Connection) StampStop(now time.Time) {
	if now.After(c.Stats.Stop) {
		c.Stats.Stop = now
	}
}

// CheckExitCondition reports whether this connection's window has elapsed
// and its FIFO has drained, spec.md §4.1.
func (c *Connection) CheckExitCondition(now time.Time) bool {
	return !now.Before(c.windowEnd) && len(c.fifo) == 0
}

// Reset clears accumulated stats and the FIFO between warmup and
// measurement, spec.md §4.1.
func (c *Connection) Reset() {
	c.Stats = sampler.NewConnectionStats()
	c.fifo = c.fifo[:0]
}

// Dead reports whether this connection was torn down after a fatal I/O or
// protocol error during measurement (spec.md §7: its partial stats are
// discarded and the run continues without it).
func (c *Connection) Dead() bool { return c.dead }

func (c *Connection) fail(err error) {
	c.dead = true
	c.log.W("connection failed, discarding stats", zap.Error(err))
	_ = c.conn.Close()
}

// DriveWriteMachine is the tick function: it issues as many operations as
// the rate schedule and pipeline depth currently permit, spec.md §4.1's
// rate-shaping algorithm. Once the window set by BeginWindow has elapsed
// it issues nothing more, so the FIFO can drain for CheckExitCondition.
func (c *Connection) DriveWriteMachine(now time.Time) {
	if c.dead || c.state == Loading {
		return
	}
	if !c.windowEnd.IsZero() && !now.Before(c.windowEnd) {
		return
	}
	if c.opts.Lambda <= 0 {
		for len(c.fifo) < c.opts.Depth {
			if err := c.issueAt(now); err != nil {
				c.fail(err)
				return
			}
		}
		return
	}
	for {
		if c.nextIssue.IsZero() {
			c.nextIssue = now
		}
		if now.Before(c.nextIssue) {
			return
		}
		if len(c.fifo) >= c.opts.Depth {
			if c.opts.Skip {
				c.Stats.Skips++
				c.nextIssue = c.nextIssue.Add(c.iaGen.Next(c.opts.Lambda))
				continue
			}
			return // backlog: nextIssue unchanged, fires as soon as depth frees
		}
		issueAt := c.nextIssue
		if err := c.issueAt(issueAt); err != nil {
			c.fail(err)
			return
		}
		c.nextIssue = c.nextIssue.Add(c.iaGen.Next(c.opts.Lambda))
	}
}

// issueAt enqueues and encodes one operation stamped with start time t,
// choosing GET vs SET by opts.Update and optionally upgrading a GET into a
// quiet multi-get batch per opts.GetqFreq/GetqSize.
func (c *Connection) issueAt(t time.Time) error {
	if c.opts.GetqFreq > 0 && c.rng.Float64() < c.opts.GetqFreq {
		return c.issueGetqBatch(t)
	}
	if c.rng.Float64() < c.opts.Update {
		return c.issueSet(t)
	}
	return c.issueGet(t)
}

func (c *Connection) pickEntry() keyval.Entry {
	if len(c.entries) == 0 {
		return keyval.Entry{Key: "mcperf:missing"}
	}
	return c.entries[c.rng.Intn(len(c.entries))]
}

func (c *Connection) issueGet(t time.Time) error {
	e := c.pickEntry()
	n, err := c.codec.EncodeGet(c.bw, e.Key)
	if err != nil {
		return err
	}
	c.Stats.TxBytes += uint64(n)
	c.fifo = append(c.fifo, pendingOp{kind: sampler.KindGet, start: t, key: e.Key})
	c.state = WaitingForGet
	return nil
}

func (c *Connection) issueSet(t time.Time) error {
	e := c.pickEntry()
	n, err := c.codec.EncodeSet(c.bw, e.Key, e.Value, 0, 0)
	if err != nil {
		return err
	}
	c.Stats.TxBytes += uint64(n)
	c.fifo = append(c.fifo, pendingOp{kind: sampler.KindSet, start: t, key: e.Key})
	c.state = WaitingForSet
	return nil
}

func (c *Connection) issueGetqBatch(t time.Time) error {
	size := c.opts.GetqSize
	if size < 1 {
		size = 1
	}
	keys := make([]string, size)
	for i := range keys {
		keys[i] = c.pickEntry().Key
	}
	n, err := c.codec.EncodeGetqBatch(c.bw, keys)
	if err != nil {
		return err
	}
	c.Stats.TxBytes += uint64(n)
	c.fifo = append(c.fifo, pendingOp{kind: sampler.KindOpQ, start: t, batchSize: size})
	c.state = WaitingForGetqNoop
	return nil
}

// PollRead attempts to drain and match as many complete replies as are
// currently available, per spec.md §4.1's response-matching algorithm. In
// non-blocking mode (the default) it arms a read deadline pollWait ahead
// and treats os.ErrDeadlineExceeded as "no data yet"; --blocking disables
// the deadline so Read blocks, trading loop concurrency for latency
// precision (SPEC_FULL.md §4.2). Once the first byte of a reply is
// available the deadline is cleared, so the decoder waits for the rest of
// that reply instead of failing on a reply split across reads.
func (c *Connection) PollRead(now time.Time) {
	const pollWait = 100 * time.Microsecond
	if c.dead {
		return
	}
	for len(c.fifo) > 0 {
		if c.opts.Blocking {
			_ = c.conn.SetReadDeadline(time.Time{})
		} else {
			_ = c.conn.SetReadDeadline(time.Now().Add(pollWait))
		}
		if _, err := c.br.Peek(1); err != nil {
			if isTimeout(err) {
				return
			}
			c.fail(fmt.Errorf("%w: %v", errDecode, err))
			return
		}
		_ = c.conn.SetReadDeadline(time.Time{})

		head := c.fifo[0]
		var n int
		var err error
		switch head.kind {
		case sampler.KindGet:
			var hit bool
			hit, n, err = c.codec.DecodeGetReply(c.br, head.key)
			if err == nil {
				c.Stats.Gets++
				if !hit {
					c.Stats.GetMisses++
				}
				c.Stats.GetSampler.Sample(sampler.Operation{Start: head.start, End: now, Kind: sampler.KindGet})
			}
		case sampler.KindSet:
			n, err = c.codec.DecodeSetReply(c.br)
			if err == nil {
				c.Stats.Sets++
				c.Stats.SetSampler.Sample(sampler.Operation{Start: head.start, End: now, Kind: sampler.KindSet})
			}
		case sampler.KindOpQ:
			var hits int
			hits, n, err = c.codec.DecodeGetqBatchReply(c.br, head.batchSize)
			if err == nil {
				c.Stats.Gets += uint64(head.batchSize)
				c.Stats.GetMisses += uint64(head.batchSize - hits)
				c.Stats.OpQSampler.Sample(sampler.Operation{Start: head.start, End: now, Kind: sampler.KindOpQ})
			}
		}
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", errDecode, err))
			return
		}
		c.Stats.RxBytes += uint64(n)
		c.fifo = c.fifo[1:]
		c.refreshState()
	}
}

func (c *Connection) refreshState() {
	if len(c.fifo) == 0 {
		c.state = Idle
		return
	}
	switch c.fifo[0].kind {
	case sampler.KindGet:
		c.state = WaitingForGet
	case sampler.KindSet:
		c.state = WaitingForSet
	case sampler.KindOpQ:
		c.state = WaitingForGetqNoop
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
