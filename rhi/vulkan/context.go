// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vulkan

import (
	"fmt"

	vk "github.com/devblok/vulkan"
	"github.com/koru3d/rhi/rhi"
)

// context records scene work into one primary command buffer that is
// submitted at the end of the scene. Host side writes and transfers
// flush the scene buffer first so they stay ordered with recorded draws.
type context struct {
	backend *Backend

	cmd      vk.CommandBuffer
	recorded bool
	scene    *target
	sceneTex *texture
	frames   uint64

	// graveyard holds destructions of objects the open scene buffer
	// may still reference.
	graveyard []func()

	inPass   bool
	pass     *target
	program  *program
	state    rhi.PipelineState
	dirty    bool
	vertices []*rhi.VertexBuffer
}

func (c *context) reset() {
	if c.cmd != nil {
		vk.FreeCommandBuffers(c.backend.device, c.backend.pool, 1, []vk.CommandBuffer{c.cmd})
		c.cmd = nil
	}
	c.buryAll()
	c.dropScene()
	c.inPass = false
	c.program = nil
	c.vertices = nil
}

func (c *context) dropScene() {
	if c.scene != nil {
		c.backend.dropPipelines(func(k pipelineKey) bool { return k.pass == c.scene.passes[passLoad] })
		c.scene.release()
		c.sceneTex.release()
		c.scene, c.sceneTex = nil, nil
	}
}

// bury destroys an object now, or once the open scene buffer has run.
func (c *context) bury(destroy func()) {
	if c.cmd == nil {
		destroy()
		return
	}
	c.graveyard = append(c.graveyard, destroy)
}

func (c *context) buryAll() {
	for _, destroy := range c.graveyard {
		destroy()
	}
	c.graveyard = nil
}

func (c *context) unbind(r rhi.Resource) {
	for i, vb := range c.vertices {
		if rhi.Resource(vb) == r {
			c.vertices[i] = nil
		}
	}
	if c.program != nil {
		if p, ok := r.(*rhi.Program); ok && p.Native() == c.program {
			c.program = nil
		}
	}
}

// flush submits the work recorded so far and reopens the scene buffer.
func (c *context) flush() error {
	if c.cmd == nil || !c.recorded {
		return nil
	}
	if c.inPass {
		return fmt.Errorf("%w: transfer inside a render pass", rhi.ErrInvalidState)
	}
	err := c.backend.endCommands(c.cmd)
	c.cmd = nil
	c.recorded = false
	c.buryAll()
	if err != nil {
		return err
	}
	c.cmd, err = c.backend.beginCommands()
	return err
}

func (c *context) ensureScene(w, h int) error {
	if c.scene != nil && c.scene.width == w && c.scene.height == h {
		return nil
	}
	c.dropScene()
	tex, err := c.backend.newTexture(rhi.TextureDesc{
		Width:  w,
		Height: h,
		Format: rhi.FormatRGBA8,
		Usage:  rhi.TextureColorAttachment | rhi.TextureTransferSrc,
	})
	if err != nil {
		return err
	}
	tgt, err := c.backend.framebuffer([]*texture{tex}, nil)
	if err != nil {
		tex.release()
		return err
	}
	c.scene, c.sceneTex = tgt, tex
	return nil
}

func (c *context) BeginScene(s rhi.Surface) error {
	if c.cmd != nil {
		return fmt.Errorf("%w: scene already begun", rhi.ErrInvalidState)
	}
	w, h := s.Extent()
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: surface extent %dx%d", rhi.ErrInvalidArgument, w, h)
	}
	if err := c.ensureScene(w, h); err != nil {
		return err
	}
	cmd, err := c.backend.beginCommands()
	if err != nil {
		return err
	}
	c.cmd = cmd
	c.recorded = false
	return nil
}

func (c *context) EndScene() error {
	if c.cmd == nil {
		return fmt.Errorf("%w: no scene", rhi.ErrInvalidState)
	}
	if c.inPass {
		return fmt.Errorf("%w: render pass still open", rhi.ErrInvalidState)
	}
	err := c.backend.endCommands(c.cmd)
	c.cmd = nil
	c.buryAll()
	if err != nil {
		return err
	}
	c.frames++
	if c.backend.opts.Present == nil {
		return nil
	}
	return c.present()
}

func (c *context) present() error {
	tex := c.sceneTex
	size := tex.width * tex.height * 4
	readback, err := c.backend.alloc.newBuffer(size, vk.BufferUsageTransferDstBit)
	if err != nil {
		return err
	}
	defer readback.release()
	err = c.backend.immediate(func(cmd vk.CommandBuffer) error {
		barrier(cmd, tex.image, tex.aspect, 0, 1, tex.rest, vk.ImageLayoutTransferSrcOptimal)
		copyImageToBuffer(cmd, tex.image, readback.buffer, tex.width, tex.height)
		barrier(cmd, tex.image, tex.aspect, 0, 1, vk.ImageLayoutTransferSrcOptimal, tex.rest)
		return nil
	})
	if err != nil {
		return err
	}
	c.backend.opts.Present(Frame{
		Width:  tex.width,
		Height: tex.height,
		Pix:    readback.mapped,
		Index:  c.frames,
	})
	return nil
}

func storage(r rhi.Resource) (*buffer, error) {
	b, ok := r.Native().(*buffer)
	if !ok {
		return nil, fmt.Errorf("%w: %s %d", rhi.ErrNotReady, r.Type(), r.ID())
	}
	return b, nil
}

func (c *context) update(r rhi.Buffer, offset int, data []byte) error {
	b, err := storage(r)
	if err != nil {
		return err
	}
	if err := c.flush(); err != nil {
		return err
	}
	if err := b.write(offset, data); err != nil {
		return fmt.Errorf("%w: %v", rhi.ErrInvalidArgument, err)
	}
	return nil
}

func (c *context) UpdateVertexBuffer(b *rhi.VertexBuffer, offset int, data []byte) error {
	return c.update(b, offset, data)
}

func (c *context) UpdateIndexBuffer(b *rhi.IndexBuffer, offset int, data []byte) error {
	return c.update(b, offset, data)
}

func (c *context) UpdateUniformBuffer(b *rhi.UniformBuffer, offset int, data []byte) error {
	return c.update(b, offset, data)
}

func textureStorage(t *rhi.Texture) (*texture, error) {
	native, ok := t.Native().(*texture)
	if !ok {
		return nil, fmt.Errorf("%w: texture %d", rhi.ErrNotReady, t.ID())
	}
	return native, nil
}

func (c *context) UpdateTexture2D(t *rhi.Texture, lvl int, region rhi.Region, data []byte) error {
	native, err := textureStorage(t)
	if err != nil {
		return err
	}
	if lvl < 0 || lvl >= native.levels {
		return fmt.Errorf("%w: mip level %d of %d", rhi.ErrInvalidArgument, lvl, native.levels)
	}
	w, h := mipExtent(native.width, lvl), mipExtent(native.height, lvl)
	if region.X < 0 || region.Y < 0 || region.X+region.Width > w || region.Y+region.Height > h {
		return fmt.Errorf("%w: region %+v outside %dx%d", rhi.ErrInvalidArgument, region, w, h)
	}
	if err := c.flush(); err != nil {
		return err
	}
	return c.backend.upload(native, lvl, region, data, native.rest)
}

func (c *context) GenerateMipMaps(t *rhi.Texture) error {
	native, err := textureStorage(t)
	if err != nil {
		return err
	}
	if err := c.flush(); err != nil {
		return err
	}
	return c.backend.generateMipMaps(native)
}

func (c *context) ReadBuffer(r rhi.Buffer, offset, size int) ([]byte, error) {
	b, err := storage(r)
	if err != nil {
		return nil, err
	}
	if err := c.flush(); err != nil {
		return nil, err
	}
	data, err := b.read(offset, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rhi.ErrInvalidArgument, err)
	}
	return data, nil
}

func (c *context) BeginRenderPass(p rhi.RenderPass) error {
	if c.cmd == nil || c.inPass {
		return fmt.Errorf("%w: render pass begin", rhi.ErrInvalidState)
	}
	tgt := c.scene
	if p.Target != nil {
		native, ok := p.Target.Native().(*target)
		if !ok {
			return fmt.Errorf("%w: render target %d", rhi.ErrNotReady, p.Target.ID())
		}
		tgt = native
	}

	pass := tgt.passes[passLoad]
	var clearValues []vk.ClearValue
	if p.Clear {
		pass = tgt.passes[passClear]
		clearValues = make([]vk.ClearValue, len(tgt.colors), len(tgt.colors)+1)
		for i := range clearValues {
			clearValues[i].SetColor(p.ClearColor[:])
		}
		if tgt.depth != nil {
			var depth vk.ClearValue
			depth.SetDepthStencil(p.ClearDepth, p.ClearStencil)
			clearValues = append(clearValues, depth)
		}
	}

	full := vk.Extent2D{Width: uint32(tgt.width), Height: uint32(tgt.height)}
	rpbi := vk.RenderPassBeginInfo{
		SType:           vk.StructureTypeRenderPassBeginInfo,
		RenderPass:      pass,
		Framebuffer:     tgt.framebuffer,
		RenderArea:      vk.Rect2D{Extent: full},
		ClearValueCount: uint32(len(clearValues)),
		PClearValues:    clearValues,
	}
	vk.CmdBeginRenderPass(c.cmd, &rpbi, vk.SubpassContentsInline)

	vp := p.Viewport
	if vp.Width == 0 || vp.Height == 0 {
		vp = rhi.Viewport{Width: tgt.width, Height: tgt.height}
	}
	vk.CmdSetViewport(c.cmd, 0, 1, []vk.Viewport{{
		X:        float32(vp.X),
		Y:        float32(vp.Y),
		Width:    float32(vp.Width),
		Height:   float32(vp.Height),
		MinDepth: 0,
		MaxDepth: 1,
	}})
	vk.CmdSetScissor(c.cmd, 0, 1, []vk.Rect2D{{
		Offset: vk.Offset2D{X: int32(vp.X), Y: int32(vp.Y)},
		Extent: vk.Extent2D{Width: uint32(vp.Width), Height: uint32(vp.Height)},
	}})

	c.inPass = true
	c.recorded = true
	c.pass = tgt
	c.program = nil
	c.vertices = nil
	c.dirty = true
	return nil
}

func (c *context) EndRenderPass() error {
	if !c.inPass {
		return fmt.Errorf("%w: no render pass", rhi.ErrInvalidState)
	}
	vk.CmdEndRenderPass(c.cmd)
	c.inPass = false
	c.pass = nil
	return nil
}

func (c *context) BindPipelineState(p rhi.PipelineState) error {
	prog, ok := p.Program.Native().(*program)
	if !ok {
		return fmt.Errorf("%w: program %q is %s", rhi.ErrNotReady, p.Program.Name(), p.Program.Status())
	}
	if prog.compute {
		return fmt.Errorf("%w: compute program %q in a render pass", rhi.ErrUnsupported, prog.name)
	}
	c.program = prog
	c.state = p
	c.dirty = true
	return nil
}

func (c *context) BindVertexBuffers(buffers []*rhi.VertexBuffer) error {
	if !c.inPass {
		return fmt.Errorf("%w: bind outside render pass", rhi.ErrInvalidState)
	}
	handles := make([]vk.Buffer, len(buffers))
	offsets := make([]vk.DeviceSize, len(buffers))
	for i, vb := range buffers {
		native, err := storage(vb)
		if err != nil {
			return err
		}
		handles[i] = native.buffer
	}
	vk.CmdBindVertexBuffers(c.cmd, 0, uint32(len(handles)), handles, offsets)
	c.vertices = append(c.vertices[:0], buffers...)
	c.dirty = true
	return nil
}

func (c *context) BindIndexBuffer(b *rhi.IndexBuffer) error {
	if !c.inPass {
		return fmt.Errorf("%w: bind outside render pass", rhi.ErrInvalidState)
	}
	native, err := storage(b)
	if err != nil {
		return err
	}
	typ := vk.IndexTypeUint16
	if b.Desc().Type == rhi.IndexUint32 {
		typ = vk.IndexTypeUint32
	}
	vk.CmdBindIndexBuffer(c.cmd, native.buffer, 0, typ)
	return nil
}

// unsupportedBinding is returned by the resource binding calls. Pipelines
// are built without descriptor set layouts, so programs only consume
// vertex input on this backend. The software backend binds all slots.
func unsupportedBinding(kind string, slot int) error {
	return fmt.Errorf("%w: %s binding at slot %d", rhi.ErrUnsupported, kind, slot)
}

func (c *context) BindUniformBuffer(slot int, b *rhi.UniformBuffer) error {
	if _, err := storage(b); err != nil {
		return err
	}
	return unsupportedBinding("uniform buffer", slot)
}

func (c *context) BindTexture(slot int, t *rhi.Texture) error {
	if _, err := textureStorage(t); err != nil {
		return err
	}
	return unsupportedBinding("texture", slot)
}

func (c *context) BindSampler(slot int, s *rhi.Sampler) error {
	if _, ok := s.Native().(*sampler); !ok {
		return fmt.Errorf("%w: sampler %d", rhi.ErrNotReady, s.ID())
	}
	return unsupportedBinding("sampler", slot)
}

func (c *context) prepareDraw() error {
	if !c.inPass {
		return fmt.Errorf("%w: draw outside render pass", rhi.ErrInvalidState)
	}
	if c.program == nil {
		return fmt.Errorf("%w: draw without program", rhi.ErrInvalidState)
	}
	for i, vb := range c.vertices {
		if vb == nil {
			return fmt.Errorf("%w: vertex buffer %d was destroyed", rhi.ErrInvalidState, i)
		}
	}
	if !c.dirty {
		return nil
	}
	p, err := c.backend.pipeline(c.program, c.state, c.pass, c.vertices)
	if err != nil {
		return err
	}
	vk.CmdBindPipeline(c.cmd, vk.PipelineBindPointGraphics, p)
	c.dirty = false
	return nil
}

func (c *context) Draw(vertexCount, instanceCount, firstVertex int) error {
	if err := c.prepareDraw(); err != nil {
		return err
	}
	vk.CmdDraw(c.cmd, uint32(vertexCount), uint32(instanceCount), uint32(firstVertex), 0)
	return nil
}

func (c *context) DrawIndexed(indexCount, instanceCount, firstIndex int) error {
	if err := c.prepareDraw(); err != nil {
		return err
	}
	vk.CmdDrawIndexed(c.cmd, uint32(indexCount), uint32(instanceCount), uint32(firstIndex), 0, 0)
	return nil
}
