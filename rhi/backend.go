// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package rhi

// Caps lists what a backend supports. It is filled once by Backend.Init
// and read-only afterwards.
type Caps struct {
	Type                 Type             `json:"type"`
	Name                 string           `json:"name"`
	TextureFormats       []TextureFormat  `json:"textureFormats"`
	ShaderLanguages      []ShaderLanguage `json:"shaderLanguages"`
	MaxTextureSize       int              `json:"maxTextureSize"`
	MaxColorAttachments  int              `json:"maxColorAttachments"`
	MaxVertexAttributes  int              `json:"maxVertexAttributes"`
	MaxUniformBufferSize int              `json:"maxUniformBufferSize"`
	MaxTextureSlots      int              `json:"maxTextureSlots"`
}

// SupportsFormat reports whether f is in the supported format list.
func (c *Caps) SupportsFormat(f TextureFormat) bool {
	for _, s := range c.TextureFormats {
		if s == f {
			return true
		}
	}
	return false
}

// SupportsLanguage reports whether l is in the supported language list.
func (c *Caps) SupportsLanguage(l ShaderLanguage) bool {
	for _, s := range c.ShaderLanguages {
		if s == l {
			return true
		}
	}
	return false
}

// Surface is the window or swapchain a scene is presented to.
type Surface interface {
	Extent() (width, height int)
}

// Backend translates resource lifecycle events to a graphics API.
// All methods are called from the execution thread only.
type Backend interface {
	// Type returns the API the backend drives.
	Type() Type

	// Init creates the native context. It is called once, on the
	// execution thread, before any other method.
	Init() (Caps, error)

	// Initialize creates the native object of r and stores it with
	// SetNative. Returning an error leaves r unusable.
	Initialize(r Resource) error

	// Release destroys the native object of r. It must tolerate
	// resources whose Initialize failed or never ran.
	Release(r Resource)

	// Context returns the command translator of the backend.
	Context() Context

	// Shutdown destroys the native context.
	Shutdown()
}

// Region is a rectangle of texels.
type Region struct {
	X, Y          int
	Width, Height int
}

// Context executes recorded commands. Errors wrapping ErrContextLost
// stop the driver, any other error is logged and execution continues.
type Context interface {
	BeginScene(s Surface) error
	UpdateVertexBuffer(b *VertexBuffer, offset int, data []byte) error
	UpdateIndexBuffer(b *IndexBuffer, offset int, data []byte) error
	UpdateUniformBuffer(b *UniformBuffer, offset int, data []byte) error
	UpdateTexture2D(t *Texture, level int, region Region, data []byte) error
	GenerateMipMaps(t *Texture) error
	ReadBuffer(b Buffer, offset, size int) ([]byte, error)
	BeginRenderPass(p RenderPass) error
	BindPipelineState(p PipelineState) error
	BindVertexBuffers(buffers []*VertexBuffer) error
	BindIndexBuffer(b *IndexBuffer) error
	BindUniformBuffer(slot int, b *UniformBuffer) error
	BindTexture(slot int, t *Texture) error
	BindSampler(slot int, s *Sampler) error
	Draw(vertexCount, instanceCount, firstVertex int) error
	DrawIndexed(indexCount, instanceCount, firstIndex int) error
	EndRenderPass() error
	EndScene() error
}
