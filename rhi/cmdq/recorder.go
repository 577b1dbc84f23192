// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package cmdq

import "sync"

// Recorder is the producer side of a Queue for a single goroutine.
// Commands are recorded into a private buffer that becomes visible to
// the consumer only on Commit.
type Recorder[A any] struct {
	queue *Queue[A]
	buf   *CommandBuffer[A]
}

// Recorder creates a producer bound to q.
func (q *Queue[A]) Recorder() *Recorder[A] {
	return &Recorder[A]{
		queue: q,
		buf:   q.Allocate(),
	}
}

// Enqueue records a command. Exhausting the buffer is fatal.
func (r *Recorder[A]) Enqueue(kind Kind, run Func[A]) bool {
	return r.buf.Enqueue(kind, run)
}

// Len returns the number of commands recorded since the last Commit.
func (r *Recorder[A]) Len() int {
	return r.buf.Len()
}

// Remaining returns how many more commands fit before Commit is needed.
func (r *Recorder[A]) Remaining() int {
	return r.buf.Remaining()
}

// Commit submits the recorded commands and starts a fresh buffer.
func (r *Recorder[A]) Commit() {
	buf := r.buf
	r.buf = r.queue.Allocate()
	r.queue.Submit(buf)
}

// Discard drops everything recorded since the last Commit.
func (r *Recorder[A]) Discard() {
	r.buf.Clear()
}

// Stream is a producer shared by many goroutines. Unlike Recorder it
// never hits the arena limit: a full buffer is submitted and recording
// continues in a new one, which keeps the global order intact.
type Stream[A any] struct {
	queue *Queue[A]

	mu  sync.Mutex
	buf *CommandBuffer[A]
}

// Stream creates a shared producer bound to q.
func (q *Queue[A]) Stream() *Stream[A] {
	return &Stream[A]{
		queue: q,
		buf:   q.Allocate(),
	}
}

// Enqueue appends a command to the shared buffer.
func (s *Stream[A]) Enqueue(kind Kind, run Func[A]) {
	s.mu.Lock()
	if s.buf.Remaining() == 0 {
		full := s.buf
		s.buf = s.queue.Allocate()
		s.queue.Submit(full)
	}
	s.buf.Enqueue(kind, run)
	s.mu.Unlock()

	if s.queue.opts.OnSubmit != nil {
		s.queue.opts.OnSubmit()
	}
}

// Flush submits whatever the shared buffer holds.
func (s *Stream[A]) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.IsEmpty() {
		return
	}
	full := s.buf
	s.buf = s.queue.Allocate()
	s.queue.Submit(full)
}
