// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package rhi

import (
	"fmt"

	"github.com/barkimedes/go-deepcopy"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/sirupsen/logrus"
)

// Device creates resources and command lists. Every method is safe to
// call from any goroutine. Created resources are not ready yet: their
// GPU objects are made later on the execution thread.
type Device struct {
	driver *Driver
}

// DriverType returns the API of the underlying backend.
func (dev *Device) DriverType() Type {
	return dev.driver.backend.Type()
}

// Caps returns the backend capabilities.
func (dev *Device) Caps() Caps {
	return dev.driver.caps
}

// SupportedTextureFormats lists texture formats the backend accepts.
func (dev *Device) SupportedTextureFormats() []TextureFormat {
	return append([]TextureFormat(nil), dev.driver.caps.TextureFormats...)
}

// SupportedShaderLanguages lists program source languages the backend accepts.
func (dev *Device) SupportedShaderLanguages() []ShaderLanguage {
	return append([]ShaderLanguage(nil), dev.driver.caps.ShaderLanguages...)
}

// IsInSeparateThreadMode reports whether commands execute on a
// dedicated thread.
func (dev *Device) IsInSeparateThreadMode() bool {
	return dev.driver.IsInSeparateThreadMode()
}

// ClipMatrix converts OpenGL style clip space to the backend's. For
// Vulkan it flips Y and maps depth from [-1,1] to [0,1].
func (dev *Device) ClipMatrix() mgl32.Mat4 {
	if dev.DriverType() == TypeVulkan {
		return mgl32.Mat4{
			1, 0, 0, 0,
			0, -1, 0, 0,
			0, 0, 0.5, 0,
			0, 0, 0.5, 1,
		}
	}
	return mgl32.Ident4()
}

// CreateCmdList returns a new command list bound to the driver.
func (dev *Device) CreateCmdList() *CmdList {
	return newCmdList(dev.driver)
}

func (dev *Device) reject(typ ResourceType, err error) error {
	dev.driver.log.WithError(err).WithField("resource", typ.String()).Warn("Rejected resource description")
	return err
}

func copyDesc[T any](desc T) (T, error) {
	v, err := deepcopy.Anything(desc)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrInvalidDesc, err)
	}
	return v.(T), nil
}

// CreateVertexBuffer creates a vertex buffer, uploading desc.Data if set.
func (dev *Device) CreateVertexBuffer(desc VertexBufferDesc) (*VertexBuffer, error) {
	if err := dev.driver.checkCreating(); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, dev.reject(ResourceVertexBuffer, err)
	}
	if n := len(desc.Attributes); dev.driver.caps.MaxVertexAttributes > 0 && n > dev.driver.caps.MaxVertexAttributes {
		return nil, dev.reject(ResourceVertexBuffer,
			invalidDesc(ResourceVertexBuffer, "%d attributes exceed the limit of %d", n, dev.driver.caps.MaxVertexAttributes))
	}
	cp, err := copyDesc(desc)
	if err != nil {
		return nil, dev.reject(ResourceVertexBuffer, err)
	}
	b := &VertexBuffer{desc: cp}
	if err := dev.driver.create(b, ResourceVertexBuffer); err != nil {
		return nil, err
	}
	return b, nil
}

// CreateIndexBuffer creates an index buffer, uploading desc.Data if set.
func (dev *Device) CreateIndexBuffer(desc IndexBufferDesc) (*IndexBuffer, error) {
	if err := dev.driver.checkCreating(); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, dev.reject(ResourceIndexBuffer, err)
	}
	cp, err := copyDesc(desc)
	if err != nil {
		return nil, dev.reject(ResourceIndexBuffer, err)
	}
	b := &IndexBuffer{desc: cp}
	if err := dev.driver.create(b, ResourceIndexBuffer); err != nil {
		return nil, err
	}
	return b, nil
}

// CreateUniformBuffer creates a uniform buffer, uploading desc.Data if set.
func (dev *Device) CreateUniformBuffer(desc UniformBufferDesc) (*UniformBuffer, error) {
	if err := dev.driver.checkCreating(); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, dev.reject(ResourceUniformBuffer, err)
	}
	if limit := dev.driver.caps.MaxUniformBufferSize; limit > 0 && desc.Size > limit {
		return nil, dev.reject(ResourceUniformBuffer,
			invalidDesc(ResourceUniformBuffer, "size %d exceeds the limit of %d", desc.Size, limit))
	}
	cp, err := copyDesc(desc)
	if err != nil {
		return nil, dev.reject(ResourceUniformBuffer, err)
	}
	b := &UniformBuffer{desc: cp}
	if err := dev.driver.create(b, ResourceUniformBuffer); err != nil {
		return nil, err
	}
	return b, nil
}

// CreateTexture creates a 2D texture.
func (dev *Device) CreateTexture(desc TextureDesc) (*Texture, error) {
	if err := dev.driver.checkCreating(); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, dev.reject(ResourceTexture, err)
	}
	caps := &dev.driver.caps
	if !caps.SupportsFormat(desc.Format) {
		return nil, dev.reject(ResourceTexture, invalidDesc(ResourceTexture, "format %s is not supported", desc.Format))
	}
	if caps.MaxTextureSize > 0 && (desc.Width > caps.MaxTextureSize || desc.Height > caps.MaxTextureSize) {
		return nil, dev.reject(ResourceTexture,
			invalidDesc(ResourceTexture, "extent %dx%d exceeds the limit of %d", desc.Width, desc.Height, caps.MaxTextureSize))
	}
	cp, err := copyDesc(desc)
	if err != nil {
		return nil, dev.reject(ResourceTexture, err)
	}
	cp.MipLevels = cp.Levels()
	t := &Texture{desc: cp}
	if err := dev.driver.create(t, ResourceTexture); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateSampler creates a sampler.
func (dev *Device) CreateSampler(desc SamplerDesc) (*Sampler, error) {
	if err := dev.driver.checkCreating(); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, dev.reject(ResourceSampler, err)
	}
	s := &Sampler{desc: desc}
	if err := dev.driver.create(s, ResourceSampler); err != nil {
		return nil, err
	}
	return s, nil
}

// CreateProgram creates a program. Compilation happens on the execution
// thread, its outcome is reported by Program.Status.
func (dev *Device) CreateProgram(desc ProgramDesc) (*Program, error) {
	if err := dev.driver.checkCreating(); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, dev.reject(ResourceProgram, err)
	}
	if !dev.driver.caps.SupportsLanguage(desc.Language) {
		return nil, dev.reject(ResourceProgram,
			invalidDesc(ResourceProgram, "language %s is not supported", desc.Language))
	}
	cp, err := copyDesc(desc)
	if err != nil {
		return nil, dev.reject(ResourceProgram, err)
	}
	p := &Program{desc: cp}
	if err := dev.driver.create(p, ResourceProgram); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateRenderTarget creates an offscreen render target. The target
// takes a reference on each attachment and drops it once destroyed.
func (dev *Device) CreateRenderTarget(desc RenderTargetDesc) (*RenderTarget, error) {
	if err := dev.driver.checkCreating(); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, dev.reject(ResourceRenderTarget, err)
	}
	if limit := dev.driver.caps.MaxColorAttachments; limit > 0 && len(desc.Colors) > limit {
		return nil, dev.reject(ResourceRenderTarget,
			invalidDesc(ResourceRenderTarget, "%d color attachments exceed the limit of %d", len(desc.Colors), limit))
	}

	// Attachments are handles, so only the slice is copied.
	t := &RenderTarget{desc: RenderTargetDesc{
		Colors:       append([]*Texture(nil), desc.Colors...),
		DepthStencil: desc.DepthStencil,
	}}
	attachments := t.attachments()
	for _, a := range attachments {
		a.AddRef()
	}
	t.onDestroyed = func() {
		for _, a := range attachments {
			a.Release()
		}
	}
	if err := dev.driver.create(t, ResourceRenderTarget); err != nil {
		t.onDestroyed()
		return nil, err
	}
	dev.driver.log.WithFields(logrus.Fields{
		"id":          t.ID(),
		"attachments": len(attachments),
	}).Debug("Render target queued")
	return t, nil
}
