// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package soft implements an in-memory rhi backend. It keeps buffer and
// texture contents in host memory, validates every command the way a
// GPU driver would and presents cleared frames through a callback.
// It needs no graphics hardware and is used headless and in tests.
package soft

import (
	"fmt"
	"sync/atomic"

	"github.com/koru3d/rhi/rhi"
	"github.com/sirupsen/logrus"
)

// Frame is a finished scene surface in RGBA8.
type Frame struct {
	Width, Height int
	Pix           []byte
	Index         uint64
}

// Options configures a Backend.
type Options struct {
	Logger logrus.FieldLogger

	// Present receives every finished scene. The frame is only valid
	// during the call.
	Present func(Frame)

	// MaxTextureSize limits texture extents, 8192 if zero.
	MaxTextureSize int
}

// Stats counts work done by the backend.
type Stats struct {
	Live      int64
	Created   uint64
	Destroyed uint64
	Scenes    uint64
	Passes    uint64
	Draws     uint64
	Vertices  uint64
	Uploaded  uint64
}

// Backend is the software rhi.Backend.
type Backend struct {
	opts Options
	log  logrus.FieldLogger
	ctx  *context

	lost      atomic.Bool
	live      atomic.Int64
	created   atomic.Uint64
	destroyed atomic.Uint64
	scenes    atomic.Uint64
	passes    atomic.Uint64
	draws     atomic.Uint64
	vertices  atomic.Uint64
	uploaded  atomic.Uint64

	onRelease func(rhi.Resource)
}

// New creates a software backend.
func New(opts Options) *Backend {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxTextureSize <= 0 {
		opts.MaxTextureSize = 8192
	}
	b := &Backend{
		opts: opts,
		log:  opts.Logger.WithField("component", "rhi/soft"),
	}
	b.ctx = &context{backend: b}
	return b
}

// Type implements rhi.Backend.
func (b *Backend) Type() rhi.Type {
	return rhi.TypeSoftware
}

// Init implements rhi.Backend.
func (b *Backend) Init() (rhi.Caps, error) {
	b.log.Debug("Software backend initialized")
	return rhi.Caps{
		Name: "koru software rasterizer",
		TextureFormats: []rhi.TextureFormat{
			rhi.FormatR8, rhi.FormatRG8, rhi.FormatRGBA8, rhi.FormatBGRA8,
			rhi.FormatR32F, rhi.FormatRGBA16F, rhi.FormatRGBA32F,
			rhi.FormatDepth24Stencil8, rhi.FormatDepth32F,
		},
		ShaderLanguages:      []rhi.ShaderLanguage{rhi.LanguageGLSL, rhi.LanguageSPIRV},
		MaxTextureSize:       b.opts.MaxTextureSize,
		MaxColorAttachments:  8,
		MaxVertexAttributes:  16,
		MaxUniformBufferSize: 64 * 1024,
		MaxTextureSlots:      16,
	}, nil
}

// Context implements rhi.Backend.
func (b *Backend) Context() rhi.Context {
	return b.ctx
}

// Shutdown implements rhi.Backend.
func (b *Backend) Shutdown() {
	b.log.WithField("live", b.live.Load()).Debug("Software backend shut down")
	b.ctx.reset()
}

// LoseContext makes every following command fail with rhi.ErrContextLost.
func (b *Backend) LoseContext() {
	b.lost.Store(true)
}

// OnRelease registers a hook called on the execution thread for every
// released resource.
func (b *Backend) OnRelease(fn func(rhi.Resource)) {
	b.onRelease = fn
}

// Stats returns a snapshot of the backend counters. Safe from any goroutine.
func (b *Backend) Stats() Stats {
	return Stats{
		Live:      b.live.Load(),
		Created:   b.created.Load(),
		Destroyed: b.destroyed.Load(),
		Scenes:    b.scenes.Load(),
		Passes:    b.passes.Load(),
		Draws:     b.draws.Load(),
		Vertices:  b.vertices.Load(),
		Uploaded:  b.uploaded.Load(),
	}
}

func (b *Backend) checkLost() error {
	if b.lost.Load() {
		return rhi.ErrContextLost
	}
	return nil
}

// Initialize implements rhi.Backend.
func (b *Backend) Initialize(r rhi.Resource) error {
	if err := b.checkLost(); err != nil {
		return err
	}
	var (
		native interface{}
		err    error
	)
	switch res := r.(type) {
	case *rhi.VertexBuffer:
		native = newBuffer(res.Size(), res.Desc().Data)
	case *rhi.IndexBuffer:
		native = newBuffer(res.Size(), res.Desc().Data)
	case *rhi.UniformBuffer:
		native = newBuffer(res.Size(), res.Desc().Data)
	case *rhi.Texture:
		native, err = newTexture(res.Desc())
	case *rhi.Sampler:
		desc := res.Desc()
		native = &desc
	case *rhi.Program:
		native, err = compile(res.Desc())
	case *rhi.RenderTarget:
		native, err = newTarget(res.Desc())
	default:
		err = fmt.Errorf("%w: resource %T", rhi.ErrUnsupported, r)
	}
	if err != nil {
		return err
	}
	r.SetNative(native)
	b.live.Add(1)
	b.created.Add(1)
	return nil
}

// Release implements rhi.Backend.
func (b *Backend) Release(r rhi.Resource) {
	if b.onRelease != nil {
		b.onRelease(r)
	}
	if r.Native() == nil {
		return
	}
	b.ctx.unbind(r)
	r.SetNative(nil)
	b.live.Add(-1)
	b.destroyed.Add(1)
}
