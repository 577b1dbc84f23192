// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package shaderpack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/koru3d/rhi/rhi"
	"github.com/koru3d/rhi/task"
	"github.com/sirupsen/logrus"
)

var errEmptySource = errors.New("shaderpack: empty shader file")

// Reload is the outcome of reloading one program. On success Program
// holds a reference owned by the receiver.
type Reload struct {
	Name    string
	Program *rhi.Program
	Err     error
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce is how long a program has to stay unchanged before it
	// is reloaded. 100ms if zero.
	Debounce time.Duration

	// MaxRetry bounds how long reading a half written file is retried.
	// 2s if zero.
	MaxRetry time.Duration

	Logger logrus.FieldLogger
}

// Watcher reloads programs whose shader files change in a directory.
// Reloads run as tasks on the given queue, a later change to the same
// program supersedes a reload that did not start yet.
type Watcher struct {
	dir    string
	device *rhi.Device
	queue  *task.Queue
	opts   WatcherOptions
	log    logrus.FieldLogger
	fs     *fsnotify.Watcher
	out    chan Reload

	mu     sync.Mutex
	latest map[string]*task.Task
}

// NewWatcher starts watching dir. Programs are created on dev.
func NewWatcher(dev *rhi.Device, q *task.Queue, dir string, opts WatcherOptions) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, fmt.Errorf("shaderpack: watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:    dir,
		device: dev,
		queue:  q,
		opts:   opts,
		log:    opts.Logger.WithFields(logrus.Fields{"component": "shaderpack", "dir": dir}),
		fs:     fs,
		out:    make(chan Reload, 8),
		latest: make(map[string]*task.Task),
	}, nil
}

// Reloads delivers reloaded programs.
func (w *Watcher) Reloads() <-chan Reload {
	return w.out
}

// Run dispatches file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if f, ok := ParseName(ev.Name); ok {
				w.Schedule(f.Program)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("Watch error")
		}
	}
}

// Schedule queues a reload of program after the debounce interval.
func (w *Watcher) Schedule(program string) {
	at := time.Now().Add(w.opts.Debounce)
	var t *task.Task
	t = task.New(
		func(ctx context.Context) error { return w.reload(ctx, program) },
		task.WithName("reload "+program),
		task.WithCanStart(func(now time.Time) (bool, bool) {
			if !w.isLatest(program, t) {
				return false, true
			}
			return !now.Before(at), false
		}),
		task.OnCanceled(func(*task.Task) {
			w.log.WithField("program", program).Debug("Reload superseded")
		}),
	)

	w.mu.Lock()
	w.latest[program] = t
	w.mu.Unlock()
	if err := w.queue.Submit(t); err != nil {
		w.log.WithError(err).WithField("program", program).Warn("Reload not scheduled")
	}
}

func (w *Watcher) isLatest(program string, t *task.Task) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest[program] == t
}

func (w *Watcher) reload(ctx context.Context, program string) error {
	desc, err := w.loadWithRetry(ctx, program)
	if err != nil {
		return w.deliver(ctx, Reload{Name: program, Err: err})
	}
	p, err := w.device.CreateProgram(desc)
	if err != nil {
		return w.deliver(ctx, Reload{Name: program, Err: err})
	}
	if err := rhi.WaitReady(ctx, p); err != nil {
		p.Release()
		return w.deliver(ctx, Reload{Name: program, Err: err})
	}
	w.log.WithField("program", program).Info("Program reloaded")
	return w.deliver(ctx, Reload{Name: program, Program: p})
}

// loadWithRetry reads the program again while an editor is still
// writing one of its files.
func (w *Watcher) loadWithRetry(ctx context.Context, program string) (rhi.ProgramDesc, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = w.opts.MaxRetry
	return backoff.RetryWithData(func() (rhi.ProgramDesc, error) {
		names, err := listDirectory(w.dir)
		if err != nil {
			return rhi.ProgramDesc{}, err
		}
		desc, err := Load(program, names, readSource)
		if errors.Is(err, ErrNoProgram) || errors.Is(err, ErrMixedLanguages) {
			return desc, backoff.Permanent(err)
		}
		return desc, err
	}, backoff.WithContext(b, ctx))
}

func (w *Watcher) deliver(ctx context.Context, r Reload) error {
	select {
	case w.out <- r:
		return r.Err
	case <-ctx.Done():
		if r.Program != nil {
			r.Program.Release()
		}
		return ctx.Err()
	}
}

// Close stops watching. Queued reloads still run.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

func readSource(name string) ([]byte, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errEmptySource
	}
	return data, nil
}
