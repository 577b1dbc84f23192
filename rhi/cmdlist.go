// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package rhi

import (
	"context"
	"fmt"

	"github.com/koru3d/rhi/rhi/cmdq"
)

// CmdList records rendering commands from a client goroutine. Calls are
// validated immediately and executed later, in order, on the execution
// thread once the list is submitted. A list is not safe for concurrent
// use; give each producer goroutine its own.
//
// Every resource captured by a recorded command is referenced until
// that command has executed.
type CmdList struct {
	driver *Driver
	rec    *cmdq.Recorder[Context]

	// held are references taken by commands not yet submitted.
	held []Resource

	// reads resolve with an error if their commands are dropped.
	reads []*Readback

	inScene  bool
	inPass   bool
	pipeline bool
	indexed  bool
}

func newCmdList(d *Driver) *CmdList {
	return &CmdList{
		driver: d,
		rec:    d.commands.Recorder(),
	}
}

// Len returns the number of commands recorded since the last Submit.
func (l *CmdList) Len() int {
	return l.rec.Len()
}

func checkLive(r Resource) error {
	if r == nil {
		return invalidArg("nil resource")
	}
	if s := r.State(); s >= StatePendingDestroy {
		return invalidArg("%s %d is %s", r.Type(), r.ID(), s)
	}
	return nil
}

// record enqueues fn holding a reference on every resource in refs
// until it ran.
func (l *CmdList) record(kind cmdq.Kind, fn func(Context) error, refs ...Resource) error {
	for _, r := range refs {
		if err := checkLive(r); err != nil {
			return err
		}
	}
	for _, r := range refs {
		r.AddRef()
	}
	ok := l.rec.Enqueue(kind, func(c Context) error {
		defer func() {
			for _, r := range refs {
				r.Release()
			}
		}()
		return fn(c)
	})
	if !ok {
		for _, r := range refs {
			r.Release()
		}
		return fmt.Errorf("%w: %d commands recorded", cmdq.ErrArenaExhausted, l.rec.Len())
	}
	l.held = append(l.held, refs...)
	return nil
}

// BeginScene starts a frame presented to s.
func (l *CmdList) BeginScene(s Surface) error {
	if l.inScene {
		return invalidState("scene already begun")
	}
	if s == nil {
		return invalidArg("nil surface")
	}
	if err := l.record(cmdq.KindDraw, func(c Context) error {
		return c.BeginScene(s)
	}); err != nil {
		return err
	}
	l.inScene = true
	return nil
}

// EndScene finishes the current frame.
func (l *CmdList) EndScene() error {
	if !l.inScene {
		return invalidState("no scene to end")
	}
	if l.inPass {
		return invalidState("render pass still open")
	}
	if err := l.record(cmdq.KindDraw, func(c Context) error {
		return c.EndScene()
	}); err != nil {
		return err
	}
	l.inScene = false
	return nil
}

func copyData(b Buffer, offset int, data []byte) ([]byte, error) {
	if err := checkLive(b); err != nil {
		return nil, err
	}
	if offset < 0 || len(data) == 0 || offset+len(data) > b.Size() {
		return nil, invalidArg("update of %d bytes at %d outside %s %d of %d bytes",
			len(data), offset, b.Type(), b.ID(), b.Size())
	}
	return append([]byte(nil), data...), nil
}

// UpdateVertexBuffer writes data at offset. The data is copied.
func (l *CmdList) UpdateVertexBuffer(b *VertexBuffer, offset int, data []byte) error {
	if b == nil {
		return invalidArg("nil vertex buffer")
	}
	cp, err := copyData(b, offset, data)
	if err != nil {
		return err
	}
	return l.record(cmdq.KindUpdate, func(c Context) error {
		return recordErr(b, c.UpdateVertexBuffer(b, offset, cp))
	}, b)
}

// UpdateIndexBuffer writes data at offset. The data is copied.
func (l *CmdList) UpdateIndexBuffer(b *IndexBuffer, offset int, data []byte) error {
	if b == nil {
		return invalidArg("nil index buffer")
	}
	cp, err := copyData(b, offset, data)
	if err != nil {
		return err
	}
	return l.record(cmdq.KindUpdate, func(c Context) error {
		return recordErr(b, c.UpdateIndexBuffer(b, offset, cp))
	}, b)
}

// UpdateUniformBuffer writes data at offset. The data is copied.
func (l *CmdList) UpdateUniformBuffer(b *UniformBuffer, offset int, data []byte) error {
	if b == nil {
		return invalidArg("nil uniform buffer")
	}
	cp, err := copyData(b, offset, data)
	if err != nil {
		return err
	}
	return l.record(cmdq.KindUpdate, func(c Context) error {
		return recordErr(b, c.UpdateUniformBuffer(b, offset, cp))
	}, b)
}

// UpdateTexture2D writes tightly packed texels into region of a mip level.
func (l *CmdList) UpdateTexture2D(t *Texture, level int, region Region, data []byte) error {
	if t == nil {
		return invalidArg("nil texture")
	}
	if err := checkLive(t); err != nil {
		return err
	}
	desc := t.Desc()
	w, h := desc.Width>>uint(level), desc.Height>>uint(level)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	switch {
	case level < 0 || level >= desc.Levels():
		return invalidArg("mip level %d of %d", level, desc.Levels())
	case region.X < 0 || region.Y < 0 || region.Width <= 0 || region.Height <= 0,
		region.X+region.Width > w || region.Y+region.Height > h:
		return invalidArg("region %+v outside level %d of %dx%d", region, level, w, h)
	case len(data) != region.Width*region.Height*desc.Format.BytesPerPixel():
		return invalidArg("%d bytes for region %dx%d of %s", len(data), region.Width, region.Height, desc.Format)
	}
	cp := append([]byte(nil), data...)
	return l.record(cmdq.KindUpdate, func(c Context) error {
		return recordErr(t, c.UpdateTexture2D(t, level, region, cp))
	}, t)
}

// GenerateMipMaps fills all levels below the base from the base level.
func (l *CmdList) GenerateMipMaps(t *Texture) error {
	if t == nil {
		return invalidArg("nil texture")
	}
	return l.record(cmdq.KindUpdate, func(c Context) error {
		return recordErr(t, c.GenerateMipMaps(t))
	}, t)
}

// Readback is the pending result of ReadBuffer.
type Readback struct {
	done chan struct{}
	data []byte
	err  error
}

// Done returns a channel closed once the read has executed.
func (r *Readback) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the read has executed and returns its data.
func (r *Readback) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadBuffer copies size bytes at offset of b back to the client once
// every earlier command has executed.
func (l *CmdList) ReadBuffer(b Buffer, offset, size int) (*Readback, error) {
	if b == nil {
		return nil, invalidArg("nil buffer")
	}
	if err := checkLive(b); err != nil {
		return nil, err
	}
	if offset < 0 || size <= 0 || offset+size > b.Size() {
		return nil, invalidArg("read of %d bytes at %d outside %s %d of %d bytes",
			size, offset, b.Type(), b.ID(), b.Size())
	}
	rb := &Readback{done: make(chan struct{})}
	err := l.record(cmdq.KindSync, func(c Context) error {
		defer close(rb.done)
		rb.data, rb.err = c.ReadBuffer(b, offset, size)
		return rb.err
	}, b)
	if err != nil {
		return nil, err
	}
	l.reads = append(l.reads, rb)
	return rb, nil
}

// BeginRenderPass starts rendering into p.Target, or the scene surface
// if it is nil.
func (l *CmdList) BeginRenderPass(p RenderPass) error {
	if !l.inScene {
		return invalidState("render pass outside of a scene")
	}
	if l.inPass {
		return invalidState("render pass already begun")
	}
	if p.Viewport.Width < 0 || p.Viewport.Height < 0 {
		return invalidArg("negative viewport %+v", p.Viewport)
	}
	var refs []Resource
	if p.Target != nil {
		refs = append(refs, p.Target)
	}
	if err := l.record(cmdq.KindDraw, func(c Context) error {
		return c.BeginRenderPass(p)
	}, refs...); err != nil {
		return err
	}
	l.inPass = true
	l.pipeline = false
	l.indexed = false
	return nil
}

// EndRenderPass finishes the current render pass.
func (l *CmdList) EndRenderPass() error {
	if !l.inPass {
		return invalidState("no render pass to end")
	}
	if err := l.record(cmdq.KindDraw, func(c Context) error {
		return c.EndRenderPass()
	}); err != nil {
		return err
	}
	l.inPass = false
	return nil
}

func (l *CmdList) requirePass(op string) error {
	if !l.inPass {
		return invalidState("%s outside of a render pass", op)
	}
	return nil
}

// BindPipelineState sets the program and fixed function state.
func (l *CmdList) BindPipelineState(p PipelineState) error {
	if err := l.requirePass("BindPipelineState"); err != nil {
		return err
	}
	if p.Program == nil {
		return invalidArg("pipeline state without program")
	}
	if err := l.record(cmdq.KindDraw, func(c Context) error {
		return c.BindPipelineState(p)
	}, p.Program); err != nil {
		return err
	}
	l.pipeline = true
	return nil
}

// BindVertexBuffers binds buffers to consecutive vertex input slots.
func (l *CmdList) BindVertexBuffers(buffers ...*VertexBuffer) error {
	if err := l.requirePass("BindVertexBuffers"); err != nil {
		return err
	}
	if len(buffers) == 0 {
		return invalidArg("no vertex buffers")
	}
	refs := make([]Resource, 0, len(buffers))
	for _, b := range buffers {
		if b == nil {
			return invalidArg("nil vertex buffer")
		}
		refs = append(refs, b)
	}
	bound := append([]*VertexBuffer(nil), buffers...)
	return l.record(cmdq.KindDraw, func(c Context) error {
		return c.BindVertexBuffers(bound)
	}, refs...)
}

// BindIndexBuffer binds the buffer used by DrawIndexed.
func (l *CmdList) BindIndexBuffer(b *IndexBuffer) error {
	if err := l.requirePass("BindIndexBuffer"); err != nil {
		return err
	}
	if b == nil {
		return invalidArg("nil index buffer")
	}
	if err := l.record(cmdq.KindDraw, func(c Context) error {
		return c.BindIndexBuffer(b)
	}, b); err != nil {
		return err
	}
	l.indexed = true
	return nil
}

func (l *CmdList) checkSlot(slot int) error {
	limit := l.driver.caps.MaxTextureSlots
	if slot < 0 || (limit > 0 && slot >= limit) {
		return invalidArg("slot %d out of range", slot)
	}
	return nil
}

// BindUniformBuffer binds b to a uniform slot.
func (l *CmdList) BindUniformBuffer(slot int, b *UniformBuffer) error {
	if err := l.requirePass("BindUniformBuffer"); err != nil {
		return err
	}
	if b == nil {
		return invalidArg("nil uniform buffer")
	}
	if slot < 0 {
		return invalidArg("slot %d out of range", slot)
	}
	return l.record(cmdq.KindDraw, func(c Context) error {
		return c.BindUniformBuffer(slot, b)
	}, b)
}

// BindTexture binds t to a texture slot.
func (l *CmdList) BindTexture(slot int, t *Texture) error {
	if err := l.requirePass("BindTexture"); err != nil {
		return err
	}
	if t == nil {
		return invalidArg("nil texture")
	}
	if err := l.checkSlot(slot); err != nil {
		return err
	}
	return l.record(cmdq.KindDraw, func(c Context) error {
		return c.BindTexture(slot, t)
	}, t)
}

// BindSampler binds s to a texture slot.
func (l *CmdList) BindSampler(slot int, s *Sampler) error {
	if err := l.requirePass("BindSampler"); err != nil {
		return err
	}
	if s == nil {
		return invalidArg("nil sampler")
	}
	if err := l.checkSlot(slot); err != nil {
		return err
	}
	return l.record(cmdq.KindDraw, func(c Context) error {
		return c.BindSampler(slot, s)
	}, s)
}

// Draw draws non-indexed primitives.
func (l *CmdList) Draw(vertexCount, instanceCount, firstVertex int) error {
	if err := l.requirePass("Draw"); err != nil {
		return err
	}
	if !l.pipeline {
		return invalidState("Draw without pipeline state")
	}
	if vertexCount <= 0 || instanceCount <= 0 || firstVertex < 0 {
		return invalidArg("draw of %d vertices, %d instances from %d", vertexCount, instanceCount, firstVertex)
	}
	return l.record(cmdq.KindDraw, func(c Context) error {
		return c.Draw(vertexCount, instanceCount, firstVertex)
	})
}

// DrawIndexed draws primitives using the bound index buffer.
func (l *CmdList) DrawIndexed(indexCount, instanceCount, firstIndex int) error {
	if err := l.requirePass("DrawIndexed"); err != nil {
		return err
	}
	if !l.pipeline {
		return invalidState("DrawIndexed without pipeline state")
	}
	if !l.indexed {
		return invalidState("DrawIndexed without index buffer")
	}
	if indexCount <= 0 || instanceCount <= 0 || firstIndex < 0 {
		return invalidArg("draw of %d indices, %d instances from %d", indexCount, instanceCount, firstIndex)
	}
	return l.record(cmdq.KindDraw, func(c Context) error {
		return c.DrawIndexed(indexCount, instanceCount, firstIndex)
	})
}

// Submit hands the recorded commands to the driver. The list can be
// reused for recording right away. If the driver is stopped the
// recording is discarded.
func (l *CmdList) Submit() error {
	if l.inPass {
		return invalidState("submit with an open render pass")
	}
	d := l.driver
	d.lifeMu.RLock()
	if !d.accepting() {
		d.lifeMu.RUnlock()
		l.discardWith(ErrDriverStopped)
		return ErrDriverStopped
	}
	l.rec.Commit()
	d.lifeMu.RUnlock()
	l.held = l.held[:0]
	l.reads = l.reads[:0]
	return nil
}

// Discard drops everything recorded since the last Submit. Pending
// readbacks fail with ErrDiscarded.
func (l *CmdList) Discard() {
	l.discardWith(ErrDiscarded)
}

func (l *CmdList) discardWith(err error) {
	l.rec.Discard()
	for i, r := range l.held {
		r.Release()
		l.held[i] = nil
	}
	l.held = l.held[:0]
	for i, rb := range l.reads {
		rb.err = err
		close(rb.done)
		l.reads[i] = nil
	}
	l.reads = l.reads[:0]
	l.inScene = false
	l.inPass = false
	l.pipeline = false
	l.indexed = false
}

func recordErr(r Resource, err error) error {
	if err != nil && !IsContextLost(err) {
		r.base().setErr(err)
	}
	return err
}
