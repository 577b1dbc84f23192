// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package rhi

import (
	"errors"
	"fmt"
)

// package errors
var (
	ErrInvalidDesc     = errors.New("invalid resource description")
	ErrInvalidState    = errors.New("invalid command list state")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDriverStopped   = errors.New("driver is stopped")
	ErrDriverRunning   = errors.New("driver is already running")
	ErrContextLost     = errors.New("graphics context lost")
	ErrNotReady        = errors.New("resource is not ready")
	ErrUnsupported     = errors.New("unsupported by backend")
	ErrDiscarded       = errors.New("command list discarded")
)

// CompileError is returned by a backend when a program fails to build.
// The driver stores Log as the program's compiler message.
type CompileError struct {
	Program string
	Stage   ShaderType
	Log     string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("program %s: %s stage failed to compile: %s", e.Program, e.Stage, e.Log)
}

func invalidDesc(typ ResourceType, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidDesc, typ, fmt.Sprintf(format, args...))
}

func invalidArg(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func invalidState(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
