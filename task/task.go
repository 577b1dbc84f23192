// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package task schedules background work. A Queue hands out tasks whose
// start condition holds, a Pool drains a queue with worker goroutines.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Package errors
var (
	ErrInProgress    = errors.New("task: in progress")
	ErrAlreadyQueued = errors.New("task: already queued")
	ErrClosed        = errors.New("task: queue closed")
	ErrCanceled      = errors.New("task: canceled")
)

// State is the lifecycle state of a Task.
type State int32

// Task states
const (
	Created State = iota
	Queued
	InProgress
	Finished
	Canceled
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Queued:
		return "Queued"
	case InProgress:
		return "InProgress"
	case Finished:
		return "Finished"
	case Canceled:
		return "Canceled"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Func is the work of a task.
type Func func(ctx context.Context) error

// StartFunc decides whether a task may start now. mustRemove drops the
// task from its queue, it is then notified as canceled.
type StartFunc func(now time.Time) (runnable, mustRemove bool)

// Option configures a Task.
type Option func(*Task)

// WithName names the task in logs.
func WithName(name string) Option {
	return func(t *Task) { t.name = name }
}

// WithCanStart gates the task on fn.
func WithCanStart(fn StartFunc) Option {
	return func(t *Task) { t.canStart = fn }
}

// WithNotBefore keeps the task queued until at.
func WithNotBefore(at time.Time) Option {
	return func(t *Task) { t.notBefore = at }
}

// OnCanceled registers fn to be called when the task is dropped
// without running.
func OnCanceled(fn func(*Task)) Option {
	return func(t *Task) { t.onCanceled = fn }
}

// Task is a unit of background work. A task may be submitted again
// once it finished or was canceled.
type Task struct {
	name       string
	fn         Func
	canStart   StartFunc
	notBefore  time.Time
	onCanceled func(*Task)

	state     atomic.Int32
	cancelled atomic.Bool

	// mu guards done and err, and orders resubmission against finish.
	mu   sync.Mutex
	done chan struct{}
	err  error
}

// New creates a task running fn.
func New(fn Func, opts ...Option) *Task {
	t := &Task{fn: fn, done: make(chan struct{})}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// State returns the current state.
func (t *Task) State() State { return State(t.state.Load()) }

// Cancel asks for the task to be dropped at the next queue scan. It has
// no effect on a running task.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
}

// CanStart reports whether the task may start at now and whether it
// should be dropped instead.
func (t *Task) CanStart(now time.Time) (runnable, mustRemove bool) {
	if t.cancelled.Load() {
		return false, true
	}
	if now.Before(t.notBefore) {
		return false, false
	}
	if t.canStart != nil {
		return t.canStart(now)
	}
	return true, false
}

// Err returns the result of the last completed run.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the current submission finished or was canceled.
func (t *Task) Wait(ctx context.Context) error {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	select {
	case <-done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue moves the task to Queued unless it is queued or running.
func (t *Task) enqueue() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.State() {
	case Queued:
		return ErrAlreadyQueued
	case InProgress:
		return ErrInProgress
	case Finished, Canceled:
		t.done = make(chan struct{})
		t.err = nil
		t.cancelled.Store(false)
	}
	t.state.Store(int32(Queued))
	return nil
}

func (t *Task) finish(s State, err error) {
	t.mu.Lock()
	t.err = err
	t.state.Store(int32(s))
	close(t.done)
	t.mu.Unlock()
	if s == Canceled && t.onCanceled != nil {
		t.onCanceled(t)
	}
}

// Run executes the task on the calling goroutine. It is called by a
// Pool for tasks taken from GetNextToExec.
func (t *Task) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %q panicked: %v", t.name, r)
		}
		t.finish(Finished, err)
	}()
	return t.fn(ctx)
}
