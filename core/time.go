// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core

import (
	"time"
)

// NewTime creates a new time service
func NewTime(cfg TimeConfiguration) *Time {
	var interval time.Duration
	if cfg.FramesPerSecond <= 0 {
		interval = time.Millisecond
	} else {
		interval = time.Second / time.Duration(cfg.FramesPerSecond)
	}
	eventDelay := time.Duration(cfg.EventPollDelay) * time.Millisecond
	if eventDelay <= 0 {
		eventDelay = 10 * time.Millisecond
	}

	now := time.Now()
	return &Time{
		fps:         cfg.FramesPerSecond,
		fpsTicker:   time.NewTicker(interval),
		eventTicker: time.NewTicker(eventDelay),
		start:       now,
		last:        now,
	}
}

// Time contains all the time services and tickers
type Time struct {
	fps       int
	fpsTicker *time.Ticker

	eventTicker *time.Ticker

	start  time.Time
	last   time.Time
	frames uint64
}

// Fps gets the set frames per second
func (t *Time) Fps() int {
	return t.fps
}

// FpsTicker gets the initialized fps ticker
func (t *Time) FpsTicker() *time.Ticker {
	return t.fpsTicker
}

// EventTicker gets the initialized event ticker for the event loop
func (t *Time) EventTicker() *time.Ticker {
	return t.eventTicker
}

// Frame marks the start of a frame at now. It returns the time passed
// since the previous frame.
func (t *Time) Frame(now time.Time) time.Duration {
	delta := now.Sub(t.last)
	t.last = now
	t.frames++
	return delta
}

// Frames returns the number of frames marked so far.
func (t *Time) Frames() uint64 {
	return t.frames
}

// Elapsed returns the time between creation and the last frame.
func (t *Time) Elapsed() time.Duration {
	return t.last.Sub(t.start)
}

// AverageFps returns the measured frame rate.
func (t *Time) AverageFps() float64 {
	elapsed := t.Elapsed()
	if elapsed <= 0 {
		return 0
	}
	return float64(t.frames) / elapsed.Seconds()
}

// Stop releases the tickers.
func (t *Time) Stop() {
	t.fpsTicker.Stop()
	t.eventTicker.Stop()
}
