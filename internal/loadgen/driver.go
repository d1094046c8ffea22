package loadgen

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/memcached/mcperf-go/internal/affinity"
	"github.com/memcached/mcperf-go/internal/config"
	"github.com/memcached/mcperf-go/internal/iadist"
	"github.com/memcached/mcperf-go/internal/keyval"
	"github.com/memcached/mcperf-go/internal/logging"
	"github.com/memcached/mcperf-go/internal/sampler"
)

// Driver accepts parsed Options, builds Connections across Workers, and
// runs the barrier-synchronized warmup/measurement windows, spec.md §2/§4.2.
type Driver struct {
	opts *config.Options
	log  *logging.Logger

	workers []*Worker
}

// NewDriver constructs a Driver bound to opts; call Build with the run's
// keyspace before Run.
func NewDriver(opts *config.Options, log *logging.Logger) *Driver {
	return &Driver{opts: opts, log: log}
}

// Build constructs every Worker and its Connections, per spec.md §4.2 step
// 1 and the "Round-robin mode"/"Lead connection" glossary entries.
func (d *Driver) Build(entries []keyval.Entry) error {
	opts := d.opts
	servers := opts.Servers
	if len(servers) == 0 {
		return fmt.Errorf("loadgen: no servers configured")
	}

	d.workers = make([]*Worker, opts.Threads)
	leadSeen := make(map[string]bool)

	for t := 0; t < opts.Threads; t++ {
		var conns []*Connection

		targets := serversForWorker(servers, t, opts.Connections, opts.RoundRobin)
		for _, target := range targets {
			host, port := splitHostPort(target)
			isLead := !leadSeen[target]
			leadSeen[target] = true

			iaGen := iadist.New(opts.IADist, opts.RngSeed+int64(t)+int64(len(conns)))
			c, err := NewConnection(host, port, opts, entries, iaGen, isLead, d.log)
			if err != nil {
				return fmt.Errorf("loadgen: worker %d: %w", t, err)
			}
			conns = append(conns, c)
		}
		d.workers[t] = NewWorker(t, opts, conns, d.log)
	}
	return nil
}

// serversForWorker enumerates the (possibly repeated) targets one Worker
// should dial: opts.Connections per server normally, or one connection per
// slot selected round-robin across servers when opts.RoundRobin is set
// (glossary: "each connection targets exactly one server selected by
// (thread_index + k) mod |servers|").
func serversForWorker(servers []string, threadIndex, connsPerServer int, roundRobin bool) []string {
	if !roundRobin {
		out := make([]string, 0, len(servers)*connsPerServer)
		for _, s := range servers {
			for i := 0; i < connsPerServer; i++ {
				out = append(out, s)
			}
		}
		return out
	}
	out := make([]string, 0, connsPerServer)
	for k := 0; k < connsPerServer; k++ {
		idx := (threadIndex + k) % len(servers)
		out = append(out, servers[idx])
	}
	return out
}

// splitHostPort parses a "host:port" server spec, defaulting to
// memcached's standard port when none is given (spec.md §6's --servers
// glossary entry).
func splitHostPort(target string) (host, port string) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return target, "11211"
	}
	return host, port
}

// Run executes the full setup → (optional load) → warmup → measurement
// sequence described in spec.md §4.2, coordinating with syncAgents (nil
// for a standalone process; internal/coordinate.Master.SyncAgents for a
// master with agents; internal/coordinate.Session.HandleBarrier for an
// agent process) at each barrier point. It returns the merged
// ConnectionStats across every live Connection on every live Worker.
//
// One goroutine runs each Worker's entire lifecycle (spec.md §5: "one
// goroutine per Worker"), so that an --affinity pin taken at the top of
// that goroutine (runtime.LockOSThread) stays in effect for every phase,
// rather than being re-taken, and potentially dropped, between phases
// spawned as separate goroutines.
func (d *Driver) Run(ctx context.Context, syncAgents func() error) (*sampler.ConnectionStats, error) {
	opts := d.opts
	barrier := NewBarrier(len(d.workers))

	g, _ := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		w := w
		g.Go(func() error { return d.runWorker(w, barrier, syncAgents) })
	}
	if err := g.Wait(); err != nil {
		d.closeAll()
		return nil, err
	}
	if opts.LoadOnly {
		d.closeAll()
		return nil, nil
	}

	merged := sampler.NewConnectionStats()
	for _, w := range d.workers {
		merged.Merge(w.Stats())
	}
	d.closeAll()
	return merged, nil
}

func (d *Driver) runWorker(w *Worker, barrier *Barrier, syncAgents func() error) error {
	opts := d.opts
	if opts.Affinity {
		if err := affinity.PinNext(w.Index); err != nil {
			d.log.W("affinity pin failed", zap.Int("worker", w.Index), zap.Error(err))
		}
	}

	if err := w.DrainToIdle(); err != nil {
		return err
	}
	if !opts.NoLoad {
		if err := w.LoadLeadConnections(); err != nil {
			return err
		}
	}
	if opts.LoadOnly {
		return nil
	}

	var sync func() error
	if w.IsMaster() {
		sync = syncAgents
	}

	if opts.Warmup > 0 {
		if err := w.RunWindow(barrier, sync, time.Duration(opts.Warmup)*time.Second); err != nil {
			return fmt.Errorf("loadgen: warmup: %w", err)
		}
		w.DrainFifos(idleDrainTimeout)
		w.ResetConnections()
	}

	if err := w.RunWindow(barrier, sync, time.Duration(opts.Time)*time.Second); err != nil {
		return fmt.Errorf("loadgen: measurement: %w", err)
	}
	w.DrainFifos(idleDrainTimeout)
	return nil
}

func (d *Driver) closeAll() {
	for _, w := range d.workers {
		w.Close()
	}
}

// Stats returns the merged ConnectionStats across every live Connection on
// every Worker without waiting for a run, for callers that want to inspect
// partial state.
func (d *Driver) Stats() *sampler.ConnectionStats {
	merged := sampler.NewConnectionStats()
	for _, w := range d.workers {
		merged.Merge(w.Stats())
	}
	return merged
}

// Workers exposes the constructed Workers, primarily for tests.
func (d *Driver) Workers() []*Worker { return d.workers }
