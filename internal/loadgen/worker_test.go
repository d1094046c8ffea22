package loadgen

import (
	"testing"
	"time"
)

// TestRunWindowCompletesOncePerConnectionDrains drives one Worker over a
// single connection against a responsive fake server and checks that
// RunWindow returns once the window elapses and the FIFO empties, per
// spec.md §4.2 step 6.
func TestRunWindowCompletesOncePerConnectionDrains(t *testing.T) {
	addr := fakeTextServer(t, 0)
	opts := testOpts()
	opts.Depth = 2
	opts.Time = 1
	c := newTestConnection(t, addr, opts)

	w := NewWorker(0, opts, []*Connection{c}, c.log)
	b := NewBarrier(1)

	done := make(chan error, 1)
	go func() { done <- w.RunWindow(b, nil, 50*time.Millisecond) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunWindow: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunWindow did not return within the window plus drain budget")
	}

	if len(c.fifo) != 0 {
		t.Fatalf("fifo len = %d after RunWindow, want 0", len(c.fifo))
	}
}

// TestRunWindowInvokesSyncAgentsBetweenBarrierArrivals asserts the master
// Worker's syncAgents callback runs strictly between the two barrier
// arrivals RunWindow makes (spec.md §4.2 step 6: barrier, sync, barrier).
func TestRunWindowInvokesSyncAgentsBetweenBarrierArrivals(t *testing.T) {
	addr := fakeTextServer(t, 0)
	opts := testOpts()
	opts.Time = 1
	c := newTestConnection(t, addr, opts)

	w := NewWorker(0, opts, []*Connection{c}, c.log)
	b := NewBarrier(1)

	called := false
	sync := func() error {
		called = true
		return nil
	}

	if err := w.RunWindow(b, sync, 10*time.Millisecond); err != nil {
		t.Fatalf("RunWindow: %v", err)
	}
	if !called {
		t.Fatalf("syncAgents was never invoked by the master Worker")
	}
}

// TestWorkerStatsDiscardsDeadConnections checks spec.md §7's "a failed
// connection's partial stats are discarded and the run continues"
// contract at the Worker.Stats() merge point.
func TestWorkerStatsDiscardsDeadConnections(t *testing.T) {
	addr := fakeTextServer(t, 0)
	opts := testOpts()
	c1 := newTestConnection(t, addr, opts)
	c2 := newTestConnection(t, addr, opts)

	c1.Stats.Gets = 10
	c2.Stats.Gets = 5
	c2.dead = true

	w := NewWorker(0, opts, []*Connection{c1, c2}, c1.log)
	merged := w.Stats()
	if merged.Gets != 10 {
		t.Fatalf("merged Gets = %d, want 10 (dead connection's stats discarded)", merged.Gets)
	}
}
