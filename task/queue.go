// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package task

import (
	"sync"
	"time"
)

// Queue holds pending tasks. It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending []*Task
	closed  bool
	wake    chan struct{}
	now     func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Submit queues t. It fails if t is running or already queued, or if
// the queue was closed.
func (q *Queue) Submit(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if err := t.enqueue(); err != nil {
		return err
	}
	q.pending = append(q.pending, t)
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wake is signalled when tasks may have become runnable.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// GetNextToExec removes and returns the first runnable task, marked
// InProgress, or nil. Tasks asking to be removed are dropped during the
// scan and notified as canceled.
func (q *Queue) GetNextToExec() *Task {
	var dropped []*Task
	q.mu.Lock()
	now := q.now()
	var next *Task
	kept := q.pending[:0]
	for _, t := range q.pending {
		if next != nil {
			kept = append(kept, t)
			continue
		}
		runnable, mustRemove := t.CanStart(now)
		switch {
		case mustRemove:
			dropped = append(dropped, t)
		case runnable:
			t.state.Store(int32(InProgress))
			next = t
		default:
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	if next != nil && len(kept) > 0 {
		q.signal()
	}
	q.mu.Unlock()

	for _, t := range dropped {
		t.finish(Canceled, ErrCanceled)
	}
	return next
}

// Close rejects further submissions and notifies every pending task as
// canceled.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, t := range pending {
		t.finish(Canceled, ErrCanceled)
	}
}
