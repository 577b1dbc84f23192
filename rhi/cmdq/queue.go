// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package cmdq

import (
	"context"
	"fmt"
	"sync"
)

// DefaultMaxPending is the number of submitted buffers a queue accepts
// before treating the backlog as a runaway producer.
const DefaultMaxPending = 1000

// Options configures a Queue.
type Options struct {
	// BufferSize is the byte budget of every buffer handed out.
	BufferSize int

	// MaxPending limits buffers waiting for execution.
	MaxPending int

	// Fatal handles arena exhaustion and queue overflow.
	Fatal FatalFunc

	// OnSubmit is called after a buffer was made visible to the consumer.
	// It runs on the submitting goroutine without the queue lock held.
	OnSubmit func()
}

// Stats is a snapshot of queue bookkeeping.
type Stats struct {
	TotalBuffers int
	FreeBuffers  int
	Pending      int
	Submitted    uint64
	Executed     uint64
}

// Queue carries command buffers from any number of producers to a
// single consumer in submission order. Executed buffers are cleared
// and kept on a free list for reuse.
type Queue[A any] struct {
	opts Options
	wake chan struct{}

	mu        sync.Mutex
	free      []*CommandBuffer[A]
	pending   []*CommandBuffer[A]
	total     int
	submitted uint64
	executed  uint64
}

// NewQueue creates an empty queue.
func NewQueue[A any](opts Options) *Queue[A] {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.Fatal == nil {
		opts.Fatal = PanicOnFatal
	}
	return &Queue[A]{
		opts: opts,
		wake: make(chan struct{}, 1),
	}
}

// Allocate returns an empty buffer, reusing a recycled one if possible.
func (q *Queue[A]) Allocate() *CommandBuffer[A] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.allocateLocked()
}

func (q *Queue[A]) allocateLocked() *CommandBuffer[A] {
	if n := len(q.free); n > 0 {
		buf := q.free[n-1]
		q.free[n-1] = nil
		q.free = q.free[:n-1]
		return buf
	}
	q.total++
	return NewCommandBuffer[A](q.opts.BufferSize, q.opts.Fatal)
}

// Submit appends buf to the execution FIFO. Empty buffers are
// recycled right away. Ownership of buf passes to the queue.
func (q *Queue[A]) Submit(buf *CommandBuffer[A]) {
	if buf == nil {
		return
	}
	q.mu.Lock()
	if buf.IsEmpty() {
		q.free = append(q.free, buf)
		q.mu.Unlock()
		return
	}
	if len(q.pending) >= q.opts.MaxPending {
		pending := len(q.pending)
		q.mu.Unlock()
		q.opts.Fatal(fmt.Errorf("%w: %d buffers", ErrQueueOverflow, pending))
		return
	}
	q.pending = append(q.pending, buf)
	q.submitted++
	q.mu.Unlock()

	q.Signal()
	if q.opts.OnSubmit != nil {
		q.opts.OnSubmit()
	}
}

// Signal wakes a consumer blocked in Wait. Signals do not accumulate:
// any number of them before the next Wait wake it once.
func (q *Queue[A]) Signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until Signal is called or ctx is done. It returns
// immediately if buffers are already pending.
func (q *Queue[A]) Wait(ctx context.Context) error {
	if q.Len() > 0 {
		return nil
	}
	select {
	case <-q.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop removes the oldest submitted buffer, or returns nil.
func (q *Queue[A]) Pop() *CommandBuffer[A] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	buf := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	if len(q.pending) == 0 {
		// Reset so the backing array does not creep forward forever.
		q.pending = q.pending[:0:0]
	}
	return buf
}

// Recycle clears an executed buffer and returns it to the free list.
func (q *Queue[A]) Recycle(buf *CommandBuffer[A]) {
	if buf == nil {
		return
	}
	buf.Clear()
	q.mu.Lock()
	q.free = append(q.free, buf)
	q.executed++
	q.mu.Unlock()
}

// ExecutePending pops and executes buffers until the queue is empty.
// The lock is not held while commands run, so producers can keep
// submitting. Returns the number of buffers executed.
func (q *Queue[A]) ExecutePending(arg A, onErr func(Command[A], error)) int {
	executed := 0
	for buf := q.Pop(); buf != nil; buf = q.Pop() {
		buf.Execute(arg, onErr)
		q.Recycle(buf)
		executed++
	}
	return executed
}

// Len returns the number of buffers waiting for execution.
func (q *Queue[A]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns a snapshot of the queue bookkeeping.
func (q *Queue[A]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		TotalBuffers: q.total,
		FreeBuffers:  len(q.free),
		Pending:      len(q.pending),
		Submitted:    q.submitted,
		Executed:     q.executed,
	}
}

// Options returns the configuration the queue was built with.
func (q *Queue[A]) Options() Options {
	return q.opts
}
