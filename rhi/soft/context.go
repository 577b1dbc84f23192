// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package soft

import (
	"encoding/binary"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/koru3d/rhi/rhi"
)

// context tracks bound state between commands. It is only touched
// by the execution thread.
type context struct {
	backend *Backend

	inScene bool
	surface rhi.Surface
	frame   Frame

	inPass   bool
	pass     rhi.RenderPass
	program  *program
	pipeline rhi.PipelineState
	vertices []*rhi.VertexBuffer
	indices  *rhi.IndexBuffer
	uniforms map[int]*rhi.UniformBuffer
	textures map[int]*rhi.Texture
	samplers map[int]*rhi.Sampler
}

func (c *context) reset() {
	backend := c.backend
	*c = context{backend: backend}
}

// unbind forgets r if it is still bound.
func (c *context) unbind(r rhi.Resource) {
	for i, vb := range c.vertices {
		if rhi.Resource(vb) == r {
			c.vertices[i] = nil
		}
	}
	if c.indices != nil && rhi.Resource(c.indices) == r {
		c.indices = nil
	}
	for slot, ub := range c.uniforms {
		if rhi.Resource(ub) == r {
			delete(c.uniforms, slot)
		}
	}
	for slot, t := range c.textures {
		if rhi.Resource(t) == r {
			delete(c.textures, slot)
		}
	}
	for slot, s := range c.samplers {
		if rhi.Resource(s) == r {
			delete(c.samplers, slot)
		}
	}
	if c.pipeline.Program != nil && rhi.Resource(c.pipeline.Program) == r {
		c.pipeline = rhi.PipelineState{}
		c.program = nil
	}
}

func storage(r rhi.Resource) (*buffer, error) {
	b, ok := r.Native().(*buffer)
	if !ok {
		return nil, fmt.Errorf("%w: %s %d", rhi.ErrNotReady, r.Type(), r.ID())
	}
	return b, nil
}

func (c *context) BeginScene(s rhi.Surface) error {
	if err := c.backend.checkLost(); err != nil {
		return err
	}
	if c.inScene {
		return fmt.Errorf("%w: scene already begun", rhi.ErrInvalidState)
	}
	w, h := s.Extent()
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: surface extent %dx%d", rhi.ErrInvalidArgument, w, h)
	}
	if c.frame.Width != w || c.frame.Height != h {
		c.frame.Pix = make([]byte, w*h*4)
		c.frame.Width, c.frame.Height = w, h
	}
	c.inScene = true
	c.surface = s
	return nil
}

func (c *context) EndScene() error {
	if err := c.backend.checkLost(); err != nil {
		return err
	}
	if !c.inScene {
		return fmt.Errorf("%w: no scene", rhi.ErrInvalidState)
	}
	c.inScene = false
	c.surface = nil
	c.frame.Index = c.backend.scenes.Add(1)
	if c.backend.opts.Present != nil {
		c.backend.opts.Present(c.frame)
	}
	return nil
}

func (c *context) update(r rhi.Buffer, offset int, data []byte) error {
	if err := c.backend.checkLost(); err != nil {
		return err
	}
	b, err := storage(r)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(data) > len(b.data) {
		return fmt.Errorf("%w: write of %d bytes at %d into %d", rhi.ErrInvalidArgument, len(data), offset, len(b.data))
	}
	copy(b.data[offset:], data)
	c.backend.uploaded.Add(uint64(len(data)))
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
	if err := c.backend.checkLost(); err != nil {
		return err
	}
	native, err := textureStorage(t)
	if err != nil {
		return err
	}
	if err := native.write(lvl, region, data); err != nil {
		return err
	}
	c.backend.uploaded.Add(uint64(len(data)))
	return nil
}

func (c *context) GenerateMipMaps(t *rhi.Texture) error {
	if err := c.backend.checkLost(); err != nil {
		return err
	}
	native, err := textureStorage(t)
	if err != nil {
		return err
	}
	return native.generateMipMaps()
}

func (c *context) ReadBuffer(r rhi.Buffer, offset, size int) ([]byte, error) {
	if err := c.backend.checkLost(); err != nil {
		return nil, err
	}
	b, err := storage(r)
	if err != nil {
		return nil, err
	}
	if offset < 0 || size < 0 || offset+size > len(b.data) {
		return nil, fmt.Errorf("%w: read of %d bytes at %d from %d", rhi.ErrInvalidArgument, size, offset, len(b.data))
	}
	return append([]byte(nil), b.data[offset:offset+size]...), nil
}

func toRGBA8(v mgl32.Vec4) [4]byte {
	var out [4]byte
	for i, f := range v {
		out[i] = byte(mgl32.Clamp(f, 0, 1)*255 + 0.5)
	}
	return out
}

func (c *context) BeginRenderPass(p rhi.RenderPass) error {
	if err := c.backend.checkLost(); err != nil {
		return err
	}
	if !c.inScene || c.inPass {
		return fmt.Errorf("%w: render pass begin", rhi.ErrInvalidState)
	}
	var tgt *target
	if p.Target != nil {
		native, ok := p.Target.Native().(*target)
		if !ok {
			return fmt.Errorf("%w: render target %d", rhi.ErrNotReady, p.Target.ID())
		}
		tgt = native
	}
	if p.Clear {
		color := toRGBA8(p.ClearColor)
		if tgt == nil {
			for i := 0; i+4 <= len(c.frame.Pix); i += 4 {
				copy(c.frame.Pix[i:i+4], color[:])
			}
		} else {
			for _, attachment := range tgt.colors {
				attachment.fill(color)
			}
		}
	}
	c.inPass = true
	c.pass = p
	c.program = nil
	c.pipeline = rhi.PipelineState{}
	c.vertices = nil
	c.indices = nil
	c.uniforms = make(map[int]*rhi.UniformBuffer)
	c.textures = make(map[int]*rhi.Texture)
	c.samplers = make(map[int]*rhi.Sampler)
	c.backend.passes.Add(1)
	return nil
}

func (c *context) EndRenderPass() error {
	if err := c.backend.checkLost(); err != nil {
		return err
	}
	if !c.inPass {
		return fmt.Errorf("%w: no render pass", rhi.ErrInvalidState)
	}
	c.inPass = false
	return nil
}

func (c *context) BindPipelineState(p rhi.PipelineState) error {
	if err := c.backend.checkLost(); err != nil {
		return err
	}
	prog, ok := p.Program.Native().(*program)
	if !ok {
		return fmt.Errorf("%w: program %q is %s", rhi.ErrNotReady, p.Program.Name(), p.Program.Status())
	}
	c.program = prog
	c.pipeline = p
	return nil
}

func (c *context) BindVertexBuffers(buffers []*rhi.VertexBuffer) error {
	if err := c.backend.checkLost(); err != nil {
		return err
	}
	for _, b := range buffers {
		if _, err := storage(b); err != nil {
			return err
		}
	}
	c.vertices = append(c.vertices[:0], buffers...)
	return nil
}

func (c *context) BindIndexBuffer(b *rhi.IndexBuffer) error {
	if err := c.backend.checkLost(); err != nil {
		return err
	}
	if _, err := storage(b); err != nil {
		return err
	}
	c.indices = b
	return nil
}

func (c *context) BindUniformBuffer(slot int, b *rhi.UniformBuffer) error {
	if err := c.backend.checkLost(); err != nil {
		return err
	}
	if _, err := storage(b); err != nil {
		return err
	}
	c.uniforms[slot] = b
	return nil
}

func (c *context) BindTexture(slot int, t *rhi.Texture) error {
	if err := c.backend.checkLost(); err != nil {
		return err
	}
	if _, err := textureStorage(t); err != nil {
		return err
	}
	c.textures[slot] = t
	return nil
}

func (c *context) BindSampler(slot int, s *rhi.Sampler) error {
	if err := c.backend.checkLost(); err != nil {
		return err
	}
	if s.Native() == nil {
		return fmt.Errorf("%w: sampler %d", rhi.ErrNotReady, s.ID())
	}
	c.samplers[slot] = s
	return nil
}

// vertexCapacity returns how many vertices every bound buffer can
// supply, or -1 if no buffer declares a stride.
func (c *context) vertexCapacity() (int, error) {
	capacity := -1
	for i, vb := range c.vertices {
		if vb == nil {
			return 0, fmt.Errorf("%w: vertex buffer %d was destroyed", rhi.ErrInvalidState, i)
		}
		stride := vb.Desc().Stride
		if stride == 0 {
			continue
		}
		if n := vb.Size() / stride; capacity < 0 || n < capacity {
			capacity = n
		}
	}
	return capacity, nil
}

func (c *context) checkDraw() error {
	if err := c.backend.checkLost(); err != nil {
		return err
	}
	if !c.inPass {
		return fmt.Errorf("%w: draw outside render pass", rhi.ErrInvalidState)
	}
	if c.program == nil {
		return fmt.Errorf("%w: draw without program", rhi.ErrInvalidState)
	}
	return nil
}

func (c *context) Draw(vertexCount, instanceCount, firstVertex int) error {
	if err := c.checkDraw(); err != nil {
		return err
	}
	capacity, err := c.vertexCapacity()
	if err != nil {
		return err
	}
	if capacity >= 0 && firstVertex+vertexCount > capacity {
		return fmt.Errorf("%w: vertices %d..%d beyond %d", rhi.ErrInvalidArgument, firstVertex, firstVertex+vertexCount, capacity)
	}
	c.backend.draws.Add(1)
	c.backend.vertices.Add(uint64(vertexCount * instanceCount))
	return nil
}

func (c *context) DrawIndexed(indexCount, instanceCount, firstIndex int) error {
	if err := c.checkDraw(); err != nil {
		return err
	}
	if c.indices == nil {
		return fmt.Errorf("%w: no index buffer", rhi.ErrInvalidState)
	}
	ib, err := storage(c.indices)
	if err != nil {
		return err
	}
	typ := c.indices.Desc().Type
	size := typ.Size()
	if (firstIndex+indexCount)*size > len(ib.data) {
		return fmt.Errorf("%w: indices %d..%d beyond %d", rhi.ErrInvalidArgument, firstIndex, firstIndex+indexCount, len(ib.data)/size)
	}
	capacity, err := c.vertexCapacity()
	if err != nil {
		return err
	}
	if capacity >= 0 {
		for i := firstIndex; i < firstIndex+indexCount; i++ {
			var idx int
			if typ == rhi.IndexUint32 {
				idx = int(binary.LittleEndian.Uint32(ib.data[i*4:]))
			} else {
				idx = int(binary.LittleEndian.Uint16(ib.data[i*2:]))
			}
			if idx >= capacity {
				return fmt.Errorf("%w: index %d at %d beyond %d vertices", rhi.ErrInvalidArgument, idx, i, capacity)
			}
		}
	}
	c.backend.draws.Add(1)
	c.backend.vertices.Add(uint64(indexCount * instanceCount))
	return nil
}
