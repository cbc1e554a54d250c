// Package ringbuffer implements the optional bus-drain offload queue
// (spec.md §4.9): a single-producer/single-consumer bounded FIFO of
// deferred closures. The Consumer's bus-drain path pushes a closure that
// invokes doTask instead of calling it inline; a dedicated goroutine pops
// and runs them in order. This decouples the bus-read path from however
// long a handler takes to run, at the cost of an extra queue hop the
// daemon can disable entirely.
package ringbuffer

import "sync"

// Ring is a bounded FIFO of func() closures. The zero value is not usable;
// construct with New. A Ring is safe for one producer and one consumer
// goroutine to use concurrently; it is not safe for multiple producers or
// multiple consumers.
type Ring struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []func()
	head   int
	size   int
	idle   bool // true once the consumer has drained and is waiting
	closed bool
}

// New returns a Ring with room for up to capacity pending closures.
// capacity must be positive.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Ring{buf: make([]func(), capacity), idle: true}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Push enqueues fn. It returns false without blocking if the ring is
// full; per spec.md §4.9 the producer must then fall back to running fn
// inline rather than wait for room. Push after Close is also rejected.
func (r *Ring) Push(fn func()) bool {
	r.mu.Lock()
	if r.closed || r.size == len(r.buf) {
		r.mu.Unlock()
		return false
	}
	tail := (r.head + r.size) % len(r.buf)
	r.buf[tail] = fn
	r.size++
	wasIdle := r.idle
	r.idle = false
	r.mu.Unlock()

	if wasIdle {
		r.cond.Signal()
	}
	return true
}

// Pop blocks until a closure is available or the ring is closed. ok is
// false only once the ring is closed and drained, signaling the consumer
// goroutine to exit.
func (r *Ring) Pop() (fn func(), ok bool) {
	r.mu.Lock()
	for r.size == 0 && !r.closed {
		r.idle = true
		r.cond.Wait()
	}
	if r.size == 0 {
		r.mu.Unlock()
		return nil, false
	}
	r.idle = false
	fn = r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	r.mu.Unlock()
	return fn, true
}

// Close unblocks any goroutine parked in Pop once the ring drains, and
// causes further Push calls to fail. Idempotent.
func (r *Ring) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Idle reports whether the consumer is currently parked waiting for work.
func (r *Ring) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idle
}

// Len reports the number of closures currently queued.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Run pops and executes closures in order until the ring is closed and
// drained. Intended to be the body of the dedicated consumer goroutine
// (spec.md §4.9, "Consumer: a dedicated thread that pops and runs
// closures").
func (r *Ring) Run() {
	for {
		fn, ok := r.Pop()
		if !ok {
			return
		}
		fn()
	}
}
