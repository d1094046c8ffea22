// Package loadgen implements the per-process load-generation engine:
// Connection state machines, Worker poll loops, and the Driver that
// sequences setup/warmup/measurement across them (spec.md §4.1, §4.2).
package loadgen

import "sync"

// Barrier is a cyclic, fixed-arrival-count synchronization point. No
// library in the retrieval pack supplies a reusable cyclic barrier (unlike
// pthread_barrier_t in the original), so it's built directly on sync
// primitives, grounded on spec.md §4.2's "cross-worker barrier" and the
// concurrency model in spec.md §5.
//
// A Barrier with an arrival count of 1 never blocks its single caller,
// matching the --threads 1 boundary behavior in spec.md §8.
type Barrier struct {
	mu    sync.Mutex
	n     int
	count int
	ch    chan struct{}
}

// NewBarrier returns a Barrier that releases every waiter once n
// goroutines have called Wait.
func NewBarrier(n int) *Barrier {
	if n < 1 {
		n = 1
	}
	return &Barrier{n: n, ch: make(chan struct{})}
}

// Wait blocks until n callers of the current generation have arrived, then
// releases them all simultaneously and resets for the next generation.
func (b *Barrier) Wait() {
	b.mu.Lock()
	b.count++
	if b.count == b.n {
		b.count = 0
		release := b.ch
		b.ch = make(chan struct{})
		b.mu.Unlock()
		close(release)
		return
	}
	ch := b.ch
	b.mu.Unlock()
	<-ch
}
