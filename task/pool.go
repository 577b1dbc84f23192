// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package task

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Workers is the number of goroutines, GOMAXPROCS if zero.
	Workers int

	// Rescan is how often idle workers look at the queue without being
	// woken, so time gated tasks start. 50ms if zero.
	Rescan time.Duration

	Logger logrus.FieldLogger
}

// Pool runs tasks taken from a queue on worker goroutines.
type Pool struct {
	queue *Queue
	opts  PoolOptions
	log   logrus.FieldLogger
}

// NewPool creates a pool draining q.
func NewPool(q *Queue, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Rescan <= 0 {
		opts.Rescan = 50 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Pool{
		queue: q,
		opts:  opts,
		log:   opts.Logger.WithField("component", "task"),
	}
}

// Run executes tasks until ctx is done, then waits for the running
// tasks to return. Tasks still queued are left in the queue.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(p.opts.Workers)
	for i := 0; i < p.opts.Workers; i++ {
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	p.log.WithField("workers", p.opts.Workers).Debug("Task pool started")
	wg.Wait()
	p.log.Debug("Task pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	ticker := time.NewTicker(p.opts.Rescan)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		if t := p.queue.GetNextToExec(); t != nil {
			if err := t.Run(ctx); err != nil {
				p.log.WithError(err).WithFields(logrus.Fields{
					"task":   t.Name(),
					"worker": id,
				}).Warn("Task failed")
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.queue.Wake():
		case <-ticker.C:
		}
	}
}
