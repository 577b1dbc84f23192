// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package rhi

import (
	"bytes"

	"github.com/go-gl/mathgl/mgl32"
)

// VertexAttribute describes one input of the vertex stage.
type VertexAttribute struct {
	Location   int
	Components int
	Offset     int
}

// VertexBufferDesc describes a vertex buffer.
type VertexBufferDesc struct {
	Size       int
	Usage      BufferUsage
	Stride     int
	Attributes []VertexAttribute

	// Data is optional initial content, at most Size bytes.
	Data []byte
}

// Validate checks the description without touching any backend.
func (d *VertexBufferDesc) Validate() error {
	if d.Size <= 0 {
		return invalidDesc(ResourceVertexBuffer, "size must be positive, got %d", d.Size)
	}
	if len(d.Data) > d.Size {
		return invalidDesc(ResourceVertexBuffer, "%d bytes of initial data exceed size %d", len(d.Data), d.Size)
	}
	if d.Stride < 0 {
		return invalidDesc(ResourceVertexBuffer, "negative stride %d", d.Stride)
	}
	for _, attr := range d.Attributes {
		if attr.Components < 1 || attr.Components > 4 {
			return invalidDesc(ResourceVertexBuffer, "attribute %d has %d components", attr.Location, attr.Components)
		}
		if attr.Offset < 0 || (d.Stride > 0 && attr.Offset >= d.Stride) {
			return invalidDesc(ResourceVertexBuffer, "attribute %d offset %d outside stride %d", attr.Location, attr.Offset, d.Stride)
		}
	}
	return nil
}

// IndexBufferDesc describes an index buffer.
type IndexBufferDesc struct {
	Size  int
	Usage BufferUsage
	Type  IndexType
	Data  []byte
}

// Validate checks the description without touching any backend.
func (d *IndexBufferDesc) Validate() error {
	if d.Size <= 0 {
		return invalidDesc(ResourceIndexBuffer, "size must be positive, got %d", d.Size)
	}
	if d.Type != IndexUint16 && d.Type != IndexUint32 {
		return invalidDesc(ResourceIndexBuffer, "unknown index type %d", d.Type)
	}
	if d.Size%d.Type.Size() != 0 {
		return invalidDesc(ResourceIndexBuffer, "size %d is not a multiple of the index size", d.Size)
	}
	if len(d.Data) > d.Size {
		return invalidDesc(ResourceIndexBuffer, "%d bytes of initial data exceed size %d", len(d.Data), d.Size)
	}
	return nil
}

// UniformBufferDesc describes a uniform buffer.
type UniformBufferDesc struct {
	Size  int
	Usage BufferUsage
	Data  []byte
}

// Validate checks the description without touching any backend.
func (d *UniformBufferDesc) Validate() error {
	if d.Size <= 0 {
		return invalidDesc(ResourceUniformBuffer, "size must be positive, got %d", d.Size)
	}
	if len(d.Data) > d.Size {
		return invalidDesc(ResourceUniformBuffer, "%d bytes of initial data exceed size %d", len(d.Data), d.Size)
	}
	return nil
}

// TextureDesc describes a 2D texture.
type TextureDesc struct {
	Width     int
	Height    int
	MipLevels int
	Format    TextureFormat
	Usage     TextureUsage

	// Data is optional content of the base level, tightly packed.
	Data []byte
}

// MaxMipLevels returns the length of the full mip chain for a size.
func MaxMipLevels(width, height int) int {
	levels := 1
	for width > 1 || height > 1 {
		width /= 2
		height /= 2
		levels++
	}
	return levels
}

// Validate checks the description without touching any backend.
func (d *TextureDesc) Validate() error {
	if d.Width <= 0 || d.Height <= 0 {
		return invalidDesc(ResourceTexture, "extent %dx%d must be positive", d.Width, d.Height)
	}
	if !d.Format.valid() {
		return invalidDesc(ResourceTexture, "unknown format %d", d.Format)
	}
	if d.MipLevels < 0 || d.MipLevels > MaxMipLevels(d.Width, d.Height) {
		return invalidDesc(ResourceTexture, "%d mip levels for %dx%d", d.MipLevels, d.Width, d.Height)
	}
	if d.Usage == 0 {
		return invalidDesc(ResourceTexture, "no usage flags")
	}
	if d.Format.IsDepth() && d.Usage&TextureColorAttachment != 0 {
		return invalidDesc(ResourceTexture, "depth format %s used as color attachment", d.Format)
	}
	if d.Data != nil && len(d.Data) != d.Width*d.Height*d.Format.BytesPerPixel() {
		return invalidDesc(ResourceTexture, "initial data is %d bytes, want %d",
			len(d.Data), d.Width*d.Height*d.Format.BytesPerPixel())
	}
	return nil
}

// Levels returns the mip level count with 0 resolved to 1.
func (d *TextureDesc) Levels() int {
	if d.MipLevels == 0 {
		return 1
	}
	return d.MipLevels
}

// SamplerDesc describes texture sampling state.
type SamplerDesc struct {
	MinFilter     Filter
	MagFilter     Filter
	MipFilter     Filter
	WrapU         WrapMode
	WrapV         WrapMode
	WrapW         WrapMode
	MaxAnisotropy float32
	Compare       bool
	CompareFunc   CompareFunction
	BorderColor   mgl32.Vec4
}

// Validate checks the description without touching any backend.
func (d *SamplerDesc) Validate() error {
	if d.MaxAnisotropy < 0 {
		return invalidDesc(ResourceSampler, "negative anisotropy %f", d.MaxAnisotropy)
	}
	for _, w := range []WrapMode{d.WrapU, d.WrapV, d.WrapW} {
		if w < WrapRepeat || w > WrapClampToBorder {
			return invalidDesc(ResourceSampler, "unknown wrap mode %d", w)
		}
	}
	if d.Compare && (d.CompareFunc < CompareNever || d.CompareFunc > CompareAlways) {
		return invalidDesc(ResourceSampler, "unknown compare function %d", d.CompareFunc)
	}
	return nil
}

// ShaderStage is the source of one stage of a program.
type ShaderStage struct {
	Type   ShaderType
	Source []byte
}

// ProgramDesc describes a shader program.
type ProgramDesc struct {
	Name     string
	Language ShaderLanguage
	Stages   []ShaderStage
}

// Stage returns the stage of the given type, if present.
func (d *ProgramDesc) Stage(t ShaderType) (ShaderStage, bool) {
	for _, s := range d.Stages {
		if s.Type == t {
			return s, true
		}
	}
	return ShaderStage{}, false
}

// Validate checks the description without touching any backend.
func (d *ProgramDesc) Validate() error {
	if len(d.Stages) == 0 {
		return invalidDesc(ResourceProgram, "program %q has no stages", d.Name)
	}
	seen := make(map[ShaderType]bool, len(d.Stages))
	for _, s := range d.Stages {
		if seen[s.Type] {
			return invalidDesc(ResourceProgram, "program %q has duplicate %s stage", d.Name, s.Type)
		}
		seen[s.Type] = true
		if len(bytes.TrimSpace(s.Source)) == 0 {
			return invalidDesc(ResourceProgram, "program %q has empty %s stage", d.Name, s.Type)
		}
	}
	if seen[ShaderCompute] && len(d.Stages) > 1 {
		return invalidDesc(ResourceProgram, "program %q mixes compute and graphics stages", d.Name)
	}
	if !seen[ShaderCompute] && !seen[ShaderVertex] {
		return invalidDesc(ResourceProgram, "program %q has no vertex stage", d.Name)
	}
	return nil
}

// RenderTargetDesc lists the attachments of an offscreen render target.
// The render target keeps a reference on every attachment.
type RenderTargetDesc struct {
	Colors       []*Texture
	DepthStencil *Texture
}

// Validate checks the description without touching any backend.
func (d *RenderTargetDesc) Validate() error {
	if len(d.Colors) == 0 && d.DepthStencil == nil {
		return invalidDesc(ResourceRenderTarget, "no attachments")
	}
	w, h := -1, -1
	check := func(t *Texture, depth bool) error {
		if t == nil {
			return invalidDesc(ResourceRenderTarget, "nil attachment")
		}
		if t.State() >= StatePendingDestroy {
			return invalidDesc(ResourceRenderTarget, "attachment %d is %s", t.ID(), t.State())
		}
		desc := t.Desc()
		if depth != desc.Format.IsDepth() {
			return invalidDesc(ResourceRenderTarget, "attachment %d has format %s", t.ID(), desc.Format)
		}
		want := TextureColorAttachment
		if depth {
			want = TextureDepthStencilAttachment
		}
		if desc.Usage&want == 0 {
			return invalidDesc(ResourceRenderTarget, "attachment %d lacks attachment usage", t.ID())
		}
		if w < 0 {
			w, h = desc.Width, desc.Height
		} else if w != desc.Width || h != desc.Height {
			return invalidDesc(ResourceRenderTarget, "attachment %d is %dx%d, want %dx%d", t.ID(), desc.Width, desc.Height, w, h)
		}
		return nil
	}
	for _, c := range d.Colors {
		if err := check(c, false); err != nil {
			return err
		}
	}
	if d.DepthStencil != nil {
		return check(d.DepthStencil, true)
	}
	return nil
}

// PipelineState is the fixed function and program state of a draw.
type PipelineState struct {
	Program      *Program
	Primitives   PrimitivesType
	Polygon      PolygonMode
	Cull         CullMode
	DepthTest    bool
	DepthWrite   bool
	DepthCompare CompareFunction
	Blend        bool
}

// Viewport is a rectangle in framebuffer pixels.
type Viewport struct {
	X, Y          int
	Width, Height int
}

// RenderPass describes the target and clear values of a render pass.
type RenderPass struct {
	// Target is nil to render into the scene surface.
	Target *RenderTarget

	Clear        bool
	ClearColor   mgl32.Vec4
	ClearDepth   float32
	ClearStencil uint32

	// Viewport is the full target when Width or Height is zero.
	Viewport Viewport
}
