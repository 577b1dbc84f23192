// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package rhi

import (
	"errors"
	"sync/atomic"
)

// Buffer is implemented by every buffer resource.
type Buffer interface {
	Resource

	// Size returns the buffer size in bytes.
	Size() int
}

// VertexBuffer holds per-vertex data.
type VertexBuffer struct {
	resource
	desc VertexBufferDesc
}

// Desc returns the description the buffer was created with.
func (b *VertexBuffer) Desc() VertexBufferDesc { return b.desc }

// Size returns the buffer size in bytes.
func (b *VertexBuffer) Size() int { return b.desc.Size }

// IndexBuffer holds vertex indices.
type IndexBuffer struct {
	resource
	desc IndexBufferDesc
}

// Desc returns the description the buffer was created with.
func (b *IndexBuffer) Desc() IndexBufferDesc { return b.desc }

// Size returns the buffer size in bytes.
func (b *IndexBuffer) Size() int { return b.desc.Size }

// Count returns how many indices fit into the buffer.
func (b *IndexBuffer) Count() int { return b.desc.Size / b.desc.Type.Size() }

// UniformBuffer holds shader constants.
type UniformBuffer struct {
	resource
	desc UniformBufferDesc
}

// Desc returns the description the buffer was created with.
func (b *UniformBuffer) Desc() UniformBufferDesc { return b.desc }

// Size returns the buffer size in bytes.
func (b *UniformBuffer) Size() int { return b.desc.Size }

// Texture is a 2D image with an optional mip chain.
type Texture struct {
	resource
	desc TextureDesc
}

// Desc returns the description the texture was created with.
func (t *Texture) Desc() TextureDesc { return t.desc }

// Extent returns the size of the base level.
func (t *Texture) Extent() (width, height int) { return t.desc.Width, t.desc.Height }

// Sampler holds texture sampling state.
type Sampler struct {
	resource
	desc SamplerDesc
}

// Desc returns the description the sampler was created with.
func (s *Sampler) Desc() SamplerDesc { return s.desc }

// Program is a linked set of shader stages.
type Program struct {
	resource
	desc   ProgramDesc
	status atomic.Int32
}

// Desc returns the description the program was created with.
func (p *Program) Desc() ProgramDesc { return p.desc }

// Name returns the program name.
func (p *Program) Name() string { return p.desc.Name }

// Status returns the compilation status.
func (p *Program) Status() CompilationStatus { return CompilationStatus(p.status.Load()) }

// Message returns the compiler output of a failed compilation.
func (p *Program) Message() string {
	err := p.Err()
	if err == nil {
		return ""
	}
	var compileErr *CompileError
	if errors.As(err, &compileErr) {
		return compileErr.Log
	}
	return err.Error()
}

// RenderTarget is a set of textures rendered into together. It holds
// a reference on each attachment until it is destroyed.
type RenderTarget struct {
	resource
	desc RenderTargetDesc
}

// Desc returns the attachments of the render target.
func (t *RenderTarget) Desc() RenderTargetDesc {
	desc := t.desc
	desc.Colors = append([]*Texture(nil), t.desc.Colors...)
	return desc
}

// Extent returns the size shared by all attachments.
func (t *RenderTarget) Extent() (width, height int) {
	if len(t.desc.Colors) > 0 {
		return t.desc.Colors[0].Extent()
	}
	return t.desc.DepthStencil.Extent()
}

func (t *RenderTarget) attachments() []*Texture {
	all := append([]*Texture(nil), t.desc.Colors...)
	if t.desc.DepthStencil != nil {
		all = append(all, t.desc.DepthStencil)
	}
	return all
}
