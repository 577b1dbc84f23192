// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package cmdq implements fixed budget command buffers and the
// multi-producer single-consumer queue that carries them to the
// thread executing them.
//
// A CommandBuffer owns a preallocated run of command slots sized from
// a byte budget. Recording never grows it: running out of slots is a
// configuration error and is reported through a fatal handler instead
// of silently dropping work, since a lost command would break ordering.
package cmdq

import (
	"errors"
	"fmt"
	"unsafe"
)

// package errors
var (
	ErrArenaExhausted = errors.New("command buffer arena exhausted")
	ErrQueueOverflow  = errors.New("too many command buffers pending execution")
)

// DefaultBufferSize is the byte budget of a single buffer.
const DefaultBufferSize = 10 * 1024

// Kind tags what a command does. The execution side treats all kinds
// uniformly, the tag exists for statistics, logging and tests.
type Kind uint8

// Command kinds
const (
	KindCreate Kind = iota
	KindUpdate
	KindDraw
	KindDestroy
	KindSync
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDraw:
		return "draw"
	case KindDestroy:
		return "destroy"
	case KindSync:
		return "sync"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Func is the type erased body of a command.
type Func[A any] func(arg A) error

// Command is a single deferred unit of work.
type Command[A any] struct {
	Kind Kind
	Run  Func[A]
}

// FatalFunc is called when a buffer or queue hits a hard limit.
// It is not expected to return; if it does, the offending operation
// is abandoned.
type FatalFunc func(err error)

// PanicOnFatal is the default FatalFunc.
func PanicOnFatal(err error) {
	panic(err)
}

// SlotSize returns the number of bytes one command occupies in
// a buffer of commands taking A.
func SlotSize[A any]() int {
	return int(unsafe.Sizeof(Command[A]{}))
}

// CommandBuffer is an ordered list of commands stored in a fixed
// slot arena. It is not safe for concurrent use: a buffer is owned
// by one producer while recording and by the consumer while executing.
type CommandBuffer[A any] struct {
	slots []Command[A]
	size  int
	fatal FatalFunc
}

// NewCommandBuffer allocates a buffer with the given byte budget.
// A budget smaller than one slot still yields a single slot.
func NewCommandBuffer[A any](size int, fatal FatalFunc) *CommandBuffer[A] {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if fatal == nil {
		fatal = PanicOnFatal
	}
	capacity := size / SlotSize[A]()
	if capacity < 1 {
		capacity = 1
	}
	return &CommandBuffer[A]{
		slots: make([]Command[A], 0, capacity),
		size:  size,
		fatal: fatal,
	}
}

// Enqueue appends a command. Returns false if the arena is exhausted,
// after the fatal handler has been invoked.
func (b *CommandBuffer[A]) Enqueue(kind Kind, run Func[A]) bool {
	if len(b.slots) == cap(b.slots) {
		b.fatal(fmt.Errorf("%w: %d of %d bytes used by %d commands",
			ErrArenaExhausted, b.Used(), b.size, len(b.slots)))
		return false
	}
	b.slots = append(b.slots, Command[A]{Kind: kind, Run: run})
	return true
}

// Commands returns the recorded commands in enqueue order.
// The slice aliases the arena and is only valid until Clear.
func (b *CommandBuffer[A]) Commands() []Command[A] {
	return b.slots
}

// IsEmpty reports whether nothing is recorded.
func (b *CommandBuffer[A]) IsEmpty() bool {
	return len(b.slots) == 0
}

// Len returns the number of recorded commands.
func (b *CommandBuffer[A]) Len() int {
	return len(b.slots)
}

// Cap returns the number of commands the arena can hold.
func (b *CommandBuffer[A]) Cap() int {
	return cap(b.slots)
}

// Remaining returns the number of free slots.
func (b *CommandBuffer[A]) Remaining() int {
	return cap(b.slots) - len(b.slots)
}

// Used returns the number of arena bytes occupied.
func (b *CommandBuffer[A]) Used() int {
	return len(b.slots) * SlotSize[A]()
}

// Size returns the byte budget of the buffer.
func (b *CommandBuffer[A]) Size() int {
	return b.size
}

// Execute runs every command in order. Errors are handed to onErr
// and do not stop execution of the following commands.
func (b *CommandBuffer[A]) Execute(arg A, onErr func(Command[A], error)) int {
	for _, cmd := range b.slots {
		if err := cmd.Run(arg); err != nil && onErr != nil {
			onErr(cmd, err)
		}
	}
	return len(b.slots)
}

// Clear releases all commands at once and makes the whole budget
// available again. Must not run concurrently with Enqueue.
func (b *CommandBuffer[A]) Clear() {
	clear(b.slots)
	b.slots = b.slots[:0]
}
