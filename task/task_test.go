// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package task_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koru3d/rhi/task"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

func TestSubmitStates(t *testing.T) {
	q := task.NewQueue()
	tk := task.New(noop, task.WithName("noop"))
	assert.Equal(t, task.Created, tk.State())

	require.NoError(t, q.Submit(tk))
	assert.Equal(t, task.Queued, tk.State())
	assert.ErrorIs(t, q.Submit(tk), task.ErrAlreadyQueued)

	next := q.GetNextToExec()
	require.Same(t, tk, next)
	assert.Equal(t, task.InProgress, tk.State())
	assert.ErrorIs(t, q.Submit(tk), task.ErrInProgress)
	assert.Nil(t, q.GetNextToExec())

	require.NoError(t, tk.Run(context.Background()))
	assert.Equal(t, task.Finished, tk.State())
	require.NoError(t, q.Submit(tk), "finished tasks may run again")
	assert.Equal(t, 1, q.Len())
}

func TestGetNextToExecSkipsAndDrops(t *testing.T) {
	q := task.NewQueue()
	var canceled []string
	onCanceled := task.OnCanceled(func(tk *task.Task) { canceled = append(canceled, tk.Name()) })

	blocked := task.New(noop, task.WithName("blocked"), onCanceled,
		task.WithCanStart(func(time.Time) (bool, bool) { return false, false }))
	stale := task.New(noop, task.WithName("stale"), onCanceled,
		task.WithCanStart(func(time.Time) (bool, bool) { return true, true }))
	later := task.New(noop, task.WithName("later"), onCanceled,
		task.WithNotBefore(time.Now().Add(time.Hour)))
	ready := task.New(noop, task.WithName("ready"), onCanceled)
	after := task.New(noop, task.WithName("after"), onCanceled)

	for _, tk := range []*task.Task{blocked, stale, later, ready, after} {
		require.NoError(t, q.Submit(tk))
	}

	assert.Same(t, ready, q.GetNextToExec())
	assert.Equal(t, []string{"stale"}, canceled)
	assert.Equal(t, task.Canceled, stale.State())
	assert.ErrorIs(t, stale.Err(), task.ErrCanceled)
	assert.Equal(t, 3, q.Len())

	assert.Same(t, after, q.GetNextToExec())
	assert.Nil(t, q.GetNextToExec())
	assert.Equal(t, 2, q.Len())
}

func TestCancelDropsAtNextScan(t *testing.T) {
	q := task.NewQueue()
	var notified atomic.Int32
	tk := task.New(noop, task.OnCanceled(func(*task.Task) { notified.Add(1) }))
	require.NoError(t, q.Submit(tk))
	tk.Cancel()

	assert.Nil(t, q.GetNextToExec())
	assert.Equal(t, int32(1), notified.Load())
	assert.Zero(t, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, tk.Wait(ctx), task.ErrCanceled)

	require.NoError(t, q.Submit(tk), "resubmission re-arms a canceled task")
	assert.Same(t, tk, q.GetNextToExec())
}

func TestCloseNotifiesEveryPendingTask(t *testing.T) {
	const pending = 17
	q := task.NewQueue()
	var notified atomic.Int32
	for i := 0; i < pending; i++ {
		require.NoError(t, q.Submit(task.New(noop, task.OnCanceled(func(*task.Task) { notified.Add(1) }))))
	}
	q.Close()
	assert.Equal(t, int32(pending), notified.Load())
	assert.Zero(t, q.Len())
	assert.ErrorIs(t, q.Submit(task.New(noop)), task.ErrClosed)
	q.Close()
	assert.Equal(t, int32(pending), notified.Load())
}

func TestAtMostOnceDispatch(t *testing.T) {
	const (
		submitters = 8
		rounds     = 500
	)
	q := task.NewQueue()
	tasks := make([]*task.Task, 32)
	for i := range tasks {
		tasks[i] = task.New(noop)
	}

	var (
		wg         sync.WaitGroup
		dispatched sync.Map
		duplicates atomic.Int32
		stop       = make(chan struct{})
	)
	for s := 0; s < submitters; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				for _, tk := range tasks {
					_ = q.Submit(tk)
				}
			}
		}()
	}

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for {
			tk := q.GetNextToExec()
			if tk == nil {
				select {
				case <-stop:
					return
				default:
					continue
				}
			}
			// A task stays InProgress until Run, so a second dispatch of
			// the same submission would be seen here.
			if _, loaded := dispatched.LoadOrStore(tk, true); loaded {
				duplicates.Add(1)
			}
			dispatched.Delete(tk)
			assert.NoError(t, tk.Run(context.Background()))
		}
	}()

	wg.Wait()
	close(stop)
	<-consumed
	assert.Zero(t, duplicates.Load())
	for _, tk := range tasks {
		assert.NotEqual(t, task.InProgress, tk.State())
	}
}

func TestPoolRunsTasks(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	q := task.NewQueue()
	pool := task.NewPool(q, task.PoolOptions{Workers: 3, Rescan: 5 * time.Millisecond, Logger: log})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(stopped)
	}()

	var ran atomic.Int32
	work := func(context.Context) error {
		ran.Add(1)
		return nil
	}
	boom := errors.New("boom")
	var tasks []*task.Task
	for i := 0; i < 10; i++ {
		tasks = append(tasks, task.New(work))
	}
	failing := task.New(func(context.Context) error { return boom })
	gated := task.New(work, task.WithNotBefore(time.Now().Add(20*time.Millisecond)))
	panicking := task.New(func(context.Context) error { panic("kaboom") })
	tasks = append(tasks, failing, gated, panicking)
	for _, tk := range tasks {
		require.NoError(t, q.Submit(tk))
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	for _, tk := range tasks[:10] {
		require.NoError(t, tk.Wait(waitCtx))
	}
	assert.ErrorIs(t, failing.Wait(waitCtx), boom)
	require.NoError(t, gated.Wait(waitCtx))
	assert.ErrorContains(t, panicking.Wait(waitCtx), "kaboom")
	assert.Equal(t, int32(11), ran.Load())

	cancel()
	<-stopped
}
