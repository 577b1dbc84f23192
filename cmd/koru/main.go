// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/gobuffalo/packr"
	"github.com/koru3d/rhi/core"
	"github.com/koru3d/rhi/rhi"
	"github.com/koru3d/rhi/rhi/shaderpack"
	"github.com/koru3d/rhi/rhi/soft"
	"github.com/koru3d/rhi/rhi/vulkan"
	"github.com/koru3d/rhi/task"
	"github.com/sirupsen/logrus"
	"github.com/veandco/go-sdl2/sdl"
)

func init() {
	runtime.LockOSThread()
}

const programName = "quad"

// windowSurface presents finished frames into an SDL window. Frames may
// arrive on the execution thread, they are blitted on the main thread.
type windowSurface struct {
	window *sdl.Window
	log    logrus.FieldLogger

	mu            sync.Mutex
	width, height int
	pix           []byte
	fresh         bool
	extent        [2]int
}

// resize samples the window size. Main thread only.
func (s *windowSurface) resize() {
	w, h := s.window.GetSize()
	s.mu.Lock()
	s.extent = [2]int{int(w), int(h)}
	s.mu.Unlock()
}

func (s *windowSurface) Extent() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extent[0], s.extent[1]
}

func (s *windowSurface) store(width, height int, pix []byte) {
	s.mu.Lock()
	s.width, s.height = width, height
	s.pix = append(s.pix[:0], pix...)
	s.fresh = true
	s.mu.Unlock()
}

// flip blits the last stored frame. Main thread only.
func (s *windowSurface) flip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fresh || len(s.pix) == 0 {
		return
	}
	s.fresh = false
	frame, err := sdl.CreateRGBSurfaceWithFormatFrom(unsafe.Pointer(&s.pix[0]),
		int32(s.width), int32(s.height), 32, int32(s.width*4), sdl.PIXELFORMAT_ABGR8888)
	if err != nil {
		s.log.WithError(err).Warn("Frame surface")
		return
	}
	defer frame.Free()
	dst, err := s.window.GetSurface()
	if err != nil {
		s.log.WithError(err).Warn("Window surface")
		return
	}
	if err := frame.BlitScaled(nil, dst, nil); err != nil {
		s.log.WithError(err).Warn("Blit")
		return
	}
	s.window.UpdateSurface()
}

func newBackend(typ rhi.Type, cfg core.Configuration, log logrus.FieldLogger, s *windowSurface) (rhi.Backend, error) {
	switch typ {
	case rhi.TypeSoftware:
		return soft.New(soft.Options{
			Logger:  log,
			Present: func(f soft.Frame) { s.store(f.Width, f.Height, f.Pix) },
		}), nil
	case rhi.TypeVulkan:
		return vulkan.New(vulkan.Options{
			Logger:      log,
			Debug:       cfg.RHI.Debug,
			DeviceIndex: cfg.RHI.DeviceIndex,
			Present:     func(f vulkan.Frame) { s.store(f.Width, f.Height, f.Pix) },
		}), nil
	}
	return nil, fmt.Errorf("backend %s: %w", typ, rhi.ErrUnsupported)
}

// loadProgram schedules loading the built in program on the task queue.
func loadProgram(dev *rhi.Device, q *task.Queue, box packr.Box, programs chan<- *rhi.Program) error {
	return q.Submit(task.New(func(ctx context.Context) error {
		desc, err := shaderpack.Load(programName, box.List(), box.Find)
		if err != nil {
			return err
		}
		p, err := dev.CreateProgram(desc)
		if err != nil {
			return err
		}
		select {
		case programs <- p:
			return nil
		case <-ctx.Done():
			p.Release()
			return ctx.Err()
		}
	}, task.WithName("load "+programName)))
}

func main() {
	configPath := flag.String("config", core.DefaultConfigPath, "configuration file")
	flag.Parse()

	cfg, err := core.LoadConfiguration(*configPath, ".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := core.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Koru exited")
	}
}

func run(cfg core.Configuration, log *logrus.Logger) error {
	typ, driverCfg, err := cfg.DriverConfig()
	if err != nil {
		return err
	}
	driverCfg.Logger = log

	if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_EVENTS); err != nil {
		return err
	}
	defer sdl.Quit()

	window, err := sdl.CreateWindow(cfg.Window.Title,
		sdl.WINDOWPOS_UNDEFINED,
		sdl.WINDOWPOS_UNDEFINED,
		int32(cfg.Window.Width),
		int32(cfg.Window.Height),
		sdl.WINDOW_SHOWN)
	if err != nil {
		return err
	}
	defer window.Destroy()
	surface := &windowSurface{window: window, log: log}
	surface.resize()

	backend, err := newBackend(typ, cfg, log, surface)
	if err != nil {
		return err
	}
	driver := rhi.NewDriver(backend, driverCfg)
	if err := driver.Start(); err != nil {
		return err
	}
	defer driver.Stop()
	dev := driver.Device()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue := task.NewQueue()
	defer queue.Close()
	go task.NewPool(queue, task.PoolOptions{Workers: cfg.Tasks.Workers, Logger: log}).Run(ctx)

	scene, err := newQuad(dev, log)
	if err != nil {
		return err
	}
	defer scene.release()

	programs := make(chan *rhi.Program, 1)
	if err := loadProgram(dev, queue, packr.NewBox("./shaders"), programs); err != nil {
		return err
	}

	var reloads <-chan shaderpack.Reload
	if cfg.Shaders.Watch && cfg.Shaders.Directory != "" {
		watcher, err := shaderpack.NewWatcher(dev, queue, cfg.Shaders.Directory, shaderpack.WatcherOptions{Logger: log})
		if err != nil {
			return err
		}
		defer watcher.Close()
		go watcher.Run(ctx)
		reloads = watcher.Reloads()
	}

	clock := core.NewTime(cfg.Time)
	defer clock.Stop()
	clip := dev.ClipMatrix()

	for {
		select {
		case <-driver.Done():
			return fmt.Errorf("driver stopped: %w", rhi.ErrContextLost)
		case p := <-programs:
			scene.setProgram(p)
		case r := <-reloads:
			if r.Err != nil {
				log.WithError(r.Err).WithField("program", r.Name).Warn("Reload failed")
				continue
			}
			scene.setProgram(r.Program)
		case <-clock.EventTicker().C:
			if quit := pollEvents(); quit {
				log.WithFields(logrus.Fields{
					"frames": clock.Frames(),
					"fps":    clock.AverageFps(),
				}).Info("Event loop exited")
				return nil
			}
		case now := <-clock.FpsTicker().C:
			clock.Frame(now)
			surface.resize()
			list := dev.CreateCmdList()
			if err := scene.record(list, surface, clip, clock.Elapsed()); err != nil {
				list.Discard()
				log.WithError(err).Warn("Frame dropped")
				continue
			}
			if err := list.Submit(); err != nil {
				return err
			}
			if err := driver.Tick(); err != nil {
				return err
			}
			if driver.IsInSeparateThreadMode() {
				syncCtx, syncCancel := context.WithTimeout(ctx, time.Second)
				err := driver.Sync(syncCtx)
				syncCancel()
				if err != nil {
					log.WithError(err).Warn("Frame sync")
				}
			}
			surface.flip()
		}
	}
}

func pollEvents() bool {
	for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
		switch et := event.(type) {
		case *sdl.KeyboardEvent:
			if et.Keysym.Sym == sdl.K_ESCAPE {
				return true
			}
		case *sdl.QuitEvent:
			return true
		}
	}
	return false
}
