// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package rhi

import (
	"context"
	"runtime"

	"github.com/koru3d/rhi/rhi/cmdq"
	"github.com/sirupsen/logrus"
)

// Start initializes the backend and starts the execution loop. In
// dedicated mode the backend is initialized on the loop's own thread,
// in cooperative mode on the calling thread, which must then be the
// one calling Tick.
func (d *Driver) Start() error {
	d.lifeMu.Lock()
	if d.State() != DriverNew {
		d.lifeMu.Unlock()
		return ErrDriverRunning
	}
	d.lifeMu.Unlock()

	if d.cfg.Mode == ModeCooperative {
		return d.init()
	}

	ready := make(chan error, 1)
	go d.run(ready)
	return <-ready
}

func (d *Driver) init() error {
	caps, err := d.backend.Init()
	if err != nil {
		d.log.WithError(err).Error("Backend initialization failed")
		d.state.Store(int32(DriverStopped))
		close(d.done)
		return err
	}
	caps.Type = d.backend.Type()
	d.caps = caps
	d.context = d.backend.Context()

	d.lifeMu.Lock()
	d.state.Store(int32(DriverIdle))
	d.lifeMu.Unlock()

	d.log.WithFields(logrus.Fields{
		"name":    caps.Name,
		"mode":    d.cfg.Mode.String(),
		"formats": len(caps.TextureFormats),
	}).Info("Driver started")
	return nil
}

func (d *Driver) run(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := d.init(); err != nil {
		ready <- err
		return
	}
	ready <- nil

	for {
		d.drain()
		if d.lost.Load() || d.State() == DriverStopping {
			break
		}
		// Never canceled: Stop wakes the loop through Signal.
		_ = d.commands.Wait(context.Background())
	}
	d.finish()
}

// Tick drains all pending work once. It is the cooperative mode entry
// point and must be called from the thread that called Start.
func (d *Driver) Tick() error {
	if d.cfg.Mode != ModeCooperative {
		return nil
	}
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	switch d.State() {
	case DriverNew, DriverStopped:
		return ErrDriverStopped
	}
	d.drain()
	if d.lost.Load() {
		d.finish()
		return ErrContextLost
	}
	return nil
}

// drain executes submitted command lists until none is left. Before
// each list runs the deferred queue is flushed, so every resource
// created before the list was submitted exists when it executes.
func (d *Driver) drain() {
	d.ticks.Add(1)
	d.setBusy(true)
	defer d.setBusy(false)

	for !d.lost.Load() {
		buf := d.commands.Pop()
		d.drainDeferred()
		if buf == nil || d.lost.Load() {
			if buf != nil {
				d.commands.Recycle(buf)
			}
			return
		}
		n := buf.Execute(d.context, func(cmd cmdq.Command[Context], err error) {
			d.onCommandError(cmd.Kind, err)
		})
		d.commands.Recycle(buf)
		d.executed.Add(uint64(n))
		d.lists.Add(1)
	}
}

func (d *Driver) drainDeferred() {
	for {
		d.stream.Flush()
		executed := 0
		for buf := d.deferred.Pop(); buf != nil; buf = d.deferred.Pop() {
			n := buf.Execute(d.backend, func(cmd cmdq.Command[Backend], err error) {
				d.onCommandError(cmd.Kind, err)
			})
			d.deferred.Recycle(buf)
			d.deferredExecuted.Add(uint64(n))
			executed += n
		}
		if executed == 0 {
			return
		}
	}
}

func (d *Driver) setBusy(busy bool) {
	if busy {
		d.state.CompareAndSwap(int32(DriverIdle), int32(DriverDraining))
	} else {
		d.state.CompareAndSwap(int32(DriverDraining), int32(DriverIdle))
	}
}

// finish runs on the execution thread after the last drain. New lists
// and resources are turned away first, then the loop keeps draining until
// no destruction is left before the backend shuts down.
func (d *Driver) finish() {
	if !d.lost.Load() {
		d.drain()
	}

	d.lifeMu.Lock()
	d.state.Store(int32(DriverFinishing))
	d.lifeMu.Unlock()

	// Commands release resources, so lifeMu is not held while draining.
	for !d.lost.Load() {
		d.drain()
		if d.closeQueues() {
			break
		}
	}
	d.lifeMu.Lock()
	d.state.Store(int32(DriverStopped))
	d.lifeMu.Unlock()
	d.backend.Shutdown()

	stats := d.Stats()
	d.log.WithFields(logrus.Fields{
		"lists":    stats.CommandLists,
		"commands": stats.Commands + stats.DeferredCommands,
		"failures": stats.Failures,
	}).Info("Driver stopped")
	close(d.done)
}

// closeQueues stops the driver if nothing is left to execute.
func (d *Driver) closeQueues() bool {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	d.stream.Flush()
	if d.deferred.Len() > 0 || d.commands.Len() > 0 {
		return false
	}
	d.state.Store(int32(DriverStopped))
	return true
}

// Stop drains everything queued, shuts the backend down and waits for
// the loop to exit. In cooperative mode the final drain runs on the
// calling thread. Stop must not be called from a command.
func (d *Driver) Stop() {
	d.lifeMu.Lock()
	switch d.State() {
	case DriverNew:
		d.state.Store(int32(DriverStopped))
		close(d.done)
		fallthrough
	case DriverStopped, DriverStopping, DriverFinishing:
		d.lifeMu.Unlock()
		<-d.done
		return
	}
	d.state.Store(int32(DriverStopping))
	d.lifeMu.Unlock()

	if d.cfg.Mode == ModeCooperative {
		d.tickMu.Lock()
		if d.State() != DriverStopped {
			d.finish()
		}
		d.tickMu.Unlock()
		return
	}
	d.commands.Signal()
	<-d.done
}

// Sync blocks until every command list submitted and every resource
// created before the call has been executed. In cooperative mode Sync
// drives the loop itself and must be called from the Tick thread.
func (d *Driver) Sync(ctx context.Context) error {
	fence := make(chan struct{})

	d.lifeMu.RLock()
	if !d.accepting() {
		d.lifeMu.RUnlock()
		return ErrDriverStopped
	}
	buf := d.commands.Allocate()
	buf.Enqueue(cmdq.KindSync, func(Context) error {
		close(fence)
		return nil
	})
	d.commands.Submit(buf)
	d.lifeMu.RUnlock()

	if d.cfg.Mode == ModeCooperative {
		for {
			select {
			case <-fence:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := d.Tick(); err != nil {
				return err
			}
		}
	}

	select {
	case <-fence:
		return nil
	case <-d.done:
		select {
		case <-fence:
			return nil
		default:
			return ErrDriverStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
