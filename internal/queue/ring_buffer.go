// Package queue provides the bounded hand-off buffer between listeners
// and normalization workers.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"refinery-siem/internal/normalize"
)

var (
	// ErrFull is returned when pushing to a buffer at capacity.
	ErrFull = errors.New("queue is full")
	// ErrEmpty is returned when popping from an empty buffer.
	ErrEmpty = errors.New("queue is empty")
	// ErrClosed is returned once the buffer has been closed.
	ErrClosed = errors.New("queue is closed")
)

// RingBuffer is a fixed-capacity circular buffer of envelopes. Push never
// blocks: a full buffer rejects, and listeners surface that backpressure
// to their clients instead of stalling accept loops.
//
// The occupied region starts at head and wraps around the slot array; its
// end is derived from head and length rather than tracked separately.
type RingBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots  []*normalize.Envelope
	head   int
	length int
	closed bool

	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
}

// NewRingBuffer creates a buffer with the given capacity. Non-positive
// capacities fall back to 10000.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10_000
	}
	rb := &RingBuffer{slots: make([]*normalize.Envelope, size)}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push enqueues an envelope. A full buffer returns ErrFull and counts the
// drop; the envelope is the caller's to retry or reject upstream.
func (rb *RingBuffer) Push(env *normalize.Envelope) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrClosed
	}
	if rb.length == len(rb.slots) {
		rb.dropped.Add(1)
		return ErrFull
	}

	rb.slots[(rb.head+rb.length)%len(rb.slots)] = env
	rb.length++
	rb.pushed.Add(1)

	rb.cond.Signal()
	return nil
}

// Pop dequeues the oldest envelope without waiting.
func (rb *RingBuffer) Pop() (*normalize.Envelope, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.length == 0 {
		if rb.closed {
			return nil, ErrClosed
		}
		return nil, ErrEmpty
	}
	return rb.popLocked(), nil
}

// PopBlocking dequeues the oldest envelope, waiting until one is available.
// After Close it keeps returning buffered envelopes until the buffer is
// drained, then ErrClosed.
func (rb *RingBuffer) PopBlocking() (*normalize.Envelope, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.length == 0 && !rb.closed {
		rb.cond.Wait()
	}
	if rb.length == 0 {
		return nil, ErrClosed
	}
	return rb.popLocked(), nil
}

// PopWithTimeout behaves like PopBlocking but gives up after the timeout,
// returning ErrEmpty.
func (rb *RingBuffer) PopWithTimeout(timeout time.Duration) (*normalize.Envelope, error) {
	deadline := time.Now().Add(timeout)
	wake := time.AfterFunc(timeout, func() {
		rb.mu.Lock()
		rb.cond.Broadcast()
		rb.mu.Unlock()
	})
	defer wake.Stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.length == 0 && !rb.closed {
		if !time.Now().Before(deadline) {
			return nil, ErrEmpty
		}
		rb.cond.Wait()
	}
	if rb.length == 0 {
		return nil, ErrClosed
	}
	return rb.popLocked(), nil
}

// popLocked removes the head envelope. Callers hold the lock and have
// checked length > 0.
func (rb *RingBuffer) popLocked() *normalize.Envelope {
	env := rb.slots[rb.head]
	rb.slots[rb.head] = nil
	rb.head = (rb.head + 1) % len(rb.slots)
	rb.length--
	rb.popped.Add(1)
	return env
}

// Len returns the number of buffered envelopes.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.length
}

// Cap returns the buffer capacity.
func (rb *RingBuffer) Cap() int {
	return len(rb.slots)
}

// Close stops the buffer accepting pushes and wakes all waiting consumers.
// Buffered envelopes remain poppable.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics reports the cumulative buffer counters and the current depth.
func (rb *RingBuffer) Metrics() Metrics {
	m := Metrics{Depth: rb.Len(), Capacity: rb.Cap()}
	m.Pushed = rb.pushed.Load()
	m.Popped = rb.popped.Load()
	m.Dropped = rb.dropped.Load()
	return m
}

// Metrics is a point-in-time snapshot of the buffer counters.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
