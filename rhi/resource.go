// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package rhi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Resource is a reference counted handle to a GPU object. Handles are
// returned before the GPU object exists and can be used in recorded
// commands right away: the driver guarantees creation runs first.
//
// Everything except Native and SetNative is safe from any goroutine.
type Resource interface {
	// ID returns a number that uniquely identifies the resource
	// within its driver.
	ID() uint64

	// Type returns the kind of the resource.
	Type() ResourceType

	// State returns the current lifecycle state.
	State() State

	// AddRef takes an additional reference.
	AddRef()

	// Release drops a reference. Dropping the last one schedules
	// destruction on the execution thread and returns immediately.
	Release()

	// RefCount returns the current number of references.
	RefCount() int32

	// Ready returns a channel that is closed once creation on the
	// execution thread has finished, successfully or not.
	Ready() <-chan struct{}

	// IsReady reports whether the GPU object exists.
	IsReady() bool

	// Err returns the last deferred error recorded for the resource.
	Err() error

	// Native returns the backend object. Execution thread only.
	Native() interface{}

	// SetNative stores the backend object. Execution thread only.
	SetNative(v interface{})

	base() *resource
}

// WaitReady blocks until r has been created on the execution thread or
// ctx is done. It returns the creation error, if any.
func WaitReady(ctx context.Context, r Resource) error {
	select {
	case <-r.Ready():
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type resource struct {
	id     uint64
	typ    ResourceType
	refs   atomic.Int32
	state  atomic.Int32
	driver *Driver
	self   Resource

	settled    chan struct{}
	settleOnce sync.Once

	mu  sync.Mutex
	err error

	native interface{}

	// onDestroyed runs on the execution thread after the backend
	// released the native object, or on the releasing goroutine once
	// the driver stopped accepting work.
	onDestroyed func()
}

func (r *resource) setup(d *Driver, self Resource, typ ResourceType) {
	r.id = d.nextID.Add(1)
	r.typ = typ
	r.driver = d
	r.self = self
	r.settled = make(chan struct{})
	r.refs.Store(1)
	r.state.Store(int32(StateCreated))
}

func (r *resource) base() *resource { return r }

func (r *resource) ID() uint64 { return r.id }

func (r *resource) Type() ResourceType { return r.typ }

func (r *resource) State() State { return State(r.state.Load()) }

func (r *resource) RefCount() int32 { return r.refs.Load() }

func (r *resource) AddRef() {
	if r.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("rhi: AddRef on released %s %d", r.typ, r.id))
	}
}

func (r *resource) Release() {
	switch n := r.refs.Add(-1); {
	case n < 0:
		panic(fmt.Sprintf("rhi: %s %d released more times than referenced", r.typ, r.id))
	case n == 0:
		r.state.Store(int32(StatePendingDestroy))
		r.driver.scheduleDestroy(r.self)
	}
}

func (r *resource) Ready() <-chan struct{} { return r.settled }

func (r *resource) IsReady() bool { return r.State() == StateReady }

func (r *resource) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *resource) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *resource) Native() interface{} { return r.native }

func (r *resource) SetNative(v interface{}) { r.native = v }

func (r *resource) settle() {
	r.settleOnce.Do(func() { close(r.settled) })
}

func (r *resource) destroyed() {
	r.state.Store(int32(StateDestroyed))
	r.settle()
	if r.onDestroyed != nil {
		r.onDestroyed()
	}
}

// transition moves the state forward only if it still is from.
func (r *resource) transition(from, to State) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

func (r *resource) String() string {
	return fmt.Sprintf("%s#%d(%s)", r.typ, r.id, r.State())
}
