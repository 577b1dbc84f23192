// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package rhi_test

import (
	"context"
	"io"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koru3d/rhi/rhi"
	"github.com/koru3d/rhi/rhi/soft"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type surface struct{ w, h int }

func (s surface) Extent() (int, int) { return s.w, s.h }

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// goid parses the current goroutine id out of its stack header.
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))
	id, _ := strconv.ParseUint(fields[0], 10, 64)
	return id
}

// tracingBackend records which goroutine touched native objects.
type tracingBackend struct {
	*soft.Backend

	mu        sync.Mutex
	initOn    map[uint64]uint64
	releaseOn map[uint64]uint64
	order     []string
}

func newTracingBackend() *tracingBackend {
	return &tracingBackend{
		Backend:   soft.New(soft.Options{Logger: quietLogger()}),
		initOn:    make(map[uint64]uint64),
		releaseOn: make(map[uint64]uint64),
	}
}

func (b *tracingBackend) Initialize(r rhi.Resource) error {
	b.mu.Lock()
	b.initOn[r.ID()] = goid()
	b.order = append(b.order, "init:"+r.Type().String())
	b.mu.Unlock()
	return b.Backend.Initialize(r)
}

func (b *tracingBackend) Release(r rhi.Resource) {
	b.mu.Lock()
	b.releaseOn[r.ID()] = goid()
	b.order = append(b.order, "release:"+r.Type().String())
	b.mu.Unlock()
	b.Backend.Release(r)
}

func (b *tracingBackend) releasedOn(id uint64) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.releaseOn[id]
	return g, ok
}

func startDriver(t *testing.T, backend rhi.Backend, cfg rhi.Config) *rhi.Driver {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	d := rhi.NewDriver(backend, cfg)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d
}

func startSoft(t *testing.T, mode rhi.Mode) (*rhi.Driver, *soft.Backend) {
	t.Helper()
	backend := soft.New(soft.Options{Logger: quietLogger()})
	return startDriver(t, backend, rhi.Config{Mode: mode}), backend
}

func syncDriver(t *testing.T, d *rhi.Driver) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Sync(ctx))
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func bytesUpTo(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)
	}
	return out
}

const vertexShader = `#version 450
layout(location = 0) in vec2 position;
void main() { gl_Position = vec4(position, 0.0, 1.0); }
`

const fragmentShader = `#version 450
layout(location = 0) out vec4 color;
void main() { color = vec4(1.0); }
`

func glslProgram(name string) rhi.ProgramDesc {
	return rhi.ProgramDesc{
		Name:     name,
		Language: rhi.LanguageGLSL,
		Stages: []rhi.ShaderStage{
			{Type: rhi.ShaderVertex, Source: []byte(vertexShader)},
			{Type: rhi.ShaderFragment, Source: []byte(fragmentShader)},
		},
	}
}
