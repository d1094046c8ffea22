package loadgen

import (
	"fmt"
	"time"

	"github.com/memcached/mcperf-go/internal/config"
	"github.com/memcached/mcperf-go/internal/logging"
	"github.com/memcached/mcperf-go/internal/sampler"
)

// idleDrainTimeout bounds the setup/load drain phases, the Go translation
// of spec.md §9's loopexit deadlock guard: rather than an event-loop
// wakeup, the Worker simply checks the Idle predicate on a tight poll and
// gives up after this long if connections never settle.
const idleDrainTimeout = 5 * time.Second

// Worker runs one poll loop over a disjoint subset of Connections, spec.md
// §4.2. Worker index 0 is the "master thread" (distinct from the master
// *process*) and is the only one permitted to drive coordinator sync.
type Worker struct {
	Index       int
	opts        *config.Options
	log         *logging.Logger
	Connections []*Connection
}

// NewWorker constructs a Worker bound to the given connections. Affinity
// pinning, if requested, happens later: once inside the goroutine that
// will run this Worker's whole lifecycle (internal/loadgen.Driver.Run),
// since runtime.LockOSThread only has effect on the calling goroutine's
// own OS thread.
func NewWorker(index int, opts *config.Options, conns []*Connection, log *logging.Logger) *Worker {
	return &Worker{Index: index, opts: opts, log: log, Connections: conns}
}

// IsMaster reports whether this Worker owns the process-wide barrier
// arrivals and coordinator sync duties (spec.md §4.2: "Thread 0... owns
// the global barrier arrivals").
func (w *Worker) IsMaster() bool { return w.Index == 0 }

// DrainToIdle polls until every connection's state is Idle (or it has
// died), bounded by idleDrainTimeout.
func (w *Worker) DrainToIdle() error {
	deadline := time.Now().Add(idleDrainTimeout)
	for {
		allIdle := true
		now := time.Now()
		for _, c := range w.Connections {
			if c.Dead() {
				continue
			}
			c.PollRead(now)
			if c.state != Idle {
				allIdle = false
			}
		}
		if allIdle {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("loadgen: worker %d: connections did not reach idle within %s", w.Index, idleDrainTimeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// LoadLeadConnections runs StartLoading on every lead connection this
// Worker owns, then re-drains to Idle, spec.md §4.2 step 3.
func (w *Worker) LoadLeadConnections() error {
	for _, c := range w.Connections {
		if !c.isLead || c.Dead() {
			continue
		}
		if err := c.StartLoading(); err != nil {
			return fmt.Errorf("loadgen: load phase on lead connection %s:%s: %w", c.host, c.port, err)
		}
	}
	return w.DrainToIdle()
}

// RunWindow executes one barrier-synchronized measurement (or warmup)
// window: arrive at barrier, let the master Worker run syncAgents (if
// non-nil) between the two barrier arrivals, then tick every owned
// connection until all have met CheckExitCondition, spec.md §4.2 steps 5-6.
func (w *Worker) RunWindow(barrier *Barrier, syncAgents func() error, dur time.Duration) error {
	barrier.Wait()
	if w.IsMaster() && syncAgents != nil {
		if err := syncAgents(); err != nil {
			return err
		}
	}
	barrier.Wait()
	return w.runFor(dur)
}

func (w *Worker) runFor(dur time.Duration) error {
	start := time.Now()
	for _, c := range w.Connections {
		if !c.Dead() {
			c.BeginWindow(start, dur)
		}
	}
	for {
		now := time.Now()
		allDone := true
		for _, c := range w.Connections {
			if c.Dead() {
				continue
			}
			c.PollRead(now)
			c.DriveWriteMachine(now)
			if !c.Dead() {
				if c.CheckExitCondition(now) {
					c.StampStop(now)
				} else {
					allDone = false
				}
			}
		}
		if allDone {
			return nil
		}
		if w.opts.Moderate {
			time.Sleep(200 * time.Microsecond)
		}
	}
}

// DrainFifos keeps polling reads (without issuing new work) until every
// live connection's FIFO is empty, used after a window closes so a
// trailing Reset() doesn't discard unreplied operations mid-flight.
func (w *Worker) DrainFifos(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		now := time.Now()
		drained := true
		for _, c := range w.Connections {
			if c.Dead() {
				continue
			}
			c.PollRead(now)
			if len(c.fifo) > 0 {
				drained = false
			}
		}
		if drained || now.After(deadline) {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// ResetConnections clears every live connection's stats and FIFO, used
// between the warmup and measurement windows.
func (w *Worker) ResetConnections() {
	for _, c := range w.Connections {
		if !c.Dead() {
			c.Reset()
		}
	}
}

// Stats merges the ConnectionStats of every live connection this Worker
// owns (dead connections' partial stats are discarded per spec.md §7).
func (w *Worker) Stats() *sampler.ConnectionStats {
	merged := sampler.NewConnectionStats()
	for _, c := range w.Connections {
		if c.Dead() {
			continue
		}
		merged.Merge(c.Stats)
	}
	return merged
}

// Close tears down every connection this Worker owns.
func (w *Worker) Close() {
	for _, c := range w.Connections {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}
