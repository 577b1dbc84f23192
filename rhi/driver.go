// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package rhi

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/koru3d/rhi/rhi/cmdq"
	"github.com/sirupsen/logrus"
)

// Mode selects where the execution loop runs.
type Mode int

// Execution modes
const (
	// ModeDedicated runs the loop on its own goroutine locked to an
	// OS thread. The loop sleeps while there is nothing to execute.
	ModeDedicated Mode = iota

	// ModeCooperative runs the loop on the host's thread, one drain
	// per Tick. Used when the native context must stay on the main thread.
	ModeCooperative
)

func (m Mode) String() string {
	switch m {
	case ModeDedicated:
		return "dedicated"
	case ModeCooperative:
		return "cooperative"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts a configuration name into a Mode.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "dedicated", "":
		return ModeDedicated, nil
	case "cooperative":
		return ModeCooperative, nil
	}
	return ModeDedicated, fmt.Errorf("%w: unknown execution mode %q", ErrInvalidArgument, name)
}

// DriverState is the state of the execution loop.
type DriverState int32

// Driver states
const (
	DriverNew DriverState = iota
	DriverIdle
	DriverDraining
	DriverStopping

	// DriverFinishing accepts destructions only. The loop executes
	// what is left and then shuts the backend down.
	DriverFinishing
	DriverStopped
)

func (s DriverState) String() string {
	switch s {
	case DriverNew:
		return "New"
	case DriverIdle:
		return "Idle"
	case DriverDraining:
		return "Draining"
	case DriverStopping:
		return "Stopping"
	case DriverFinishing:
		return "Finishing"
	case DriverStopped:
		return "Stopped"
	}
	return fmt.Sprintf("DriverState(%d)", int32(s))
}

// Config configures a Driver.
type Config struct {
	Mode Mode

	// BufferSize is the byte budget of each command buffer.
	BufferSize int

	// MaxPending limits submitted command lists waiting for execution.
	MaxPending int

	// Logger receives driver diagnostics. Defaults to the logrus
	// standard logger.
	Logger logrus.FieldLogger

	// OnFatal handles a lost graphics context. Defaults to logging
	// at fatal level, which exits the process.
	OnFatal func(err error)

	// OnOverflow handles command arena exhaustion and queue overflow.
	// Defaults to panicking.
	OnOverflow cmdq.FatalFunc
}

// Stats counts work done by the execution loop.
type Stats struct {
	Ticks            uint64
	CommandLists     uint64
	Commands         uint64
	DeferredCommands uint64
	Failures         uint64
	Queue            cmdq.Stats
	Deferred         cmdq.Stats
}

// Driver owns a backend and the loop that executes work on it.
// Resources are created through the Device returned by Device.
type Driver struct {
	backend Backend
	context Context
	cfg     Config
	log     logrus.FieldLogger

	// commands carries submitted command lists, deferred carries
	// resource creation and destruction. Both are drained by the loop.
	commands *cmdq.Queue[Context]
	deferred *cmdq.Queue[Backend]
	stream   *cmdq.Stream[Backend]

	// lifeMu orders state changes against producers queueing work.
	lifeMu sync.RWMutex
	state  atomic.Int32
	lost   atomic.Bool

	caps   Caps
	device *Device
	nextID atomic.Uint64

	tickMu sync.Mutex
	done   chan struct{}

	ticks            atomic.Uint64
	lists            atomic.Uint64
	executed         atomic.Uint64
	deferredExecuted atomic.Uint64
	failures         atomic.Uint64
}

// NewDriver creates a stopped driver around backend.
func NewDriver(backend Backend, cfg Config) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.OnOverflow == nil {
		cfg.OnOverflow = cmdq.PanicOnFatal
	}
	d := &Driver{
		backend: backend,
		cfg:     cfg,
		log: cfg.Logger.WithFields(logrus.Fields{
			"component": "rhi",
			"backend":   backend.Type().String(),
		}),
		done: make(chan struct{}),
	}
	if cfg.OnFatal == nil {
		d.cfg.OnFatal = func(err error) {
			d.log.WithError(err).Fatal("Graphics context lost")
		}
	}
	d.commands = cmdq.NewQueue[Context](cmdq.Options{
		BufferSize: cfg.BufferSize,
		MaxPending: cfg.MaxPending,
		Fatal:      cfg.OnOverflow,
	})
	d.deferred = cmdq.NewQueue[Backend](cmdq.Options{
		BufferSize: cfg.BufferSize,
		Fatal:      cfg.OnOverflow,
		OnSubmit:   d.commands.Signal,
	})
	d.stream = d.deferred.Stream()
	d.device = &Device{driver: d}
	return d
}

// Device returns the resource factory of the driver.
func (d *Driver) Device() *Device {
	return d.device
}

// Mode returns the configured execution mode.
func (d *Driver) Mode() Mode {
	return d.cfg.Mode
}

// IsInSeparateThreadMode reports whether the loop runs on its own thread.
func (d *Driver) IsInSeparateThreadMode() bool {
	return d.cfg.Mode == ModeDedicated
}

// State returns the current loop state.
func (d *Driver) State() DriverState {
	return DriverState(d.state.Load())
}

// Caps returns the backend capabilities. Valid after Start.
func (d *Driver) Caps() Caps {
	return d.caps
}

// Done returns a channel closed once the driver has stopped.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// Stats returns a snapshot of the loop counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Ticks:            d.ticks.Load(),
		CommandLists:     d.lists.Load(),
		Commands:         d.executed.Load(),
		DeferredCommands: d.deferredExecuted.Load(),
		Failures:         d.failures.Load(),
		Queue:            d.commands.Stats(),
		Deferred:         d.deferred.Stats(),
	}
}

// accepting reports whether producers may queue work. Callers hold lifeMu.
func (d *Driver) accepting() bool {
	switch d.State() {
	case DriverIdle, DriverDraining, DriverStopping:
		return !d.lost.Load()
	}
	return false
}

// acceptsDestroy is accepting extended to the final drain. Callers hold lifeMu.
func (d *Driver) acceptsDestroy() bool {
	if d.State() == DriverFinishing {
		return !d.lost.Load()
	}
	return d.accepting()
}

// creating reports whether new resources may be queued. Callers hold lifeMu.
func (d *Driver) creating() bool {
	return d.accepting() && d.State() != DriverStopping
}

// checkCreating fails fast before a description is checked against caps,
// which are unset until Start.
func (d *Driver) checkCreating() error {
	d.lifeMu.RLock()
	defer d.lifeMu.RUnlock()
	if !d.creating() {
		return ErrDriverStopped
	}
	return nil
}

func (d *Driver) create(self Resource, typ ResourceType) error {
	r := self.base()
	d.lifeMu.RLock()
	defer d.lifeMu.RUnlock()
	if !d.creating() {
		return ErrDriverStopped
	}
	r.setup(d, self, typ)
	r.transition(StateCreated, StatePendingGPUInit)
	d.stream.Enqueue(cmdq.KindCreate, func(b Backend) error {
		return d.initialize(b, r)
	})
	return nil
}

func (d *Driver) initialize(b Backend, r *resource) error {
	defer r.settle()
	if r.State() != StatePendingGPUInit {
		// Released before it was ever created.
		return nil
	}
	if err := b.Initialize(r.self); err != nil {
		r.setErr(err)
		if p, ok := r.self.(*Program); ok {
			p.status.Store(int32(CompilationFailed))
		}
		return fmt.Errorf("initialize %s: %w", r, err)
	}
	if p, ok := r.self.(*Program); ok {
		p.status.Store(int32(CompilationCompiled))
	}
	r.transition(StatePendingGPUInit, StateReady)
	return nil
}

func (d *Driver) scheduleDestroy(self Resource) {
	r := self.base()
	d.lifeMu.RLock()
	if d.acceptsDestroy() {
		d.stream.Enqueue(cmdq.KindDestroy, func(b Backend) error {
			b.Release(self)
			r.native = nil
			r.destroyed()
			return nil
		})
		d.lifeMu.RUnlock()
		return
	}
	d.lifeMu.RUnlock()

	// The backend releases everything on shutdown. onDestroyed may
	// release attachments, so it runs without lifeMu held.
	r.destroyed()
}

func (d *Driver) onCommandError(kind cmdq.Kind, err error) {
	d.failures.Add(1)
	d.log.WithError(err).WithField("command", kind.String()).Warn("Command failed")
	if IsContextLost(err) && d.lost.CompareAndSwap(false, true) {
		d.cfg.OnFatal(err)
	}
}

// IsContextLost reports whether err means the native context is gone.
func IsContextLost(err error) bool {
	return errors.Is(err, ErrContextLost)
}
