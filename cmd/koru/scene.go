// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"encoding/binary"
	"image"
	"image/color"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/koru3d/rhi/core"
	"github.com/koru3d/rhi/rhi"
	"github.com/sirupsen/logrus"
)

const (
	checkerSize = 64
	vertexSize  = 4 * 4
)

// quad is the demo scene: one textured, spinning quad.
type quad struct {
	log logrus.FieldLogger

	vertices *rhi.VertexBuffer
	indices  *rhi.IndexBuffer
	uniforms *rhi.UniformBuffer
	texture  *rhi.Texture
	sampler  *rhi.Sampler
	program  *rhi.Program
}

func float32Bytes(values ...float32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func checker(size int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if (x/8+y/8)%2 == 0 {
				img.Set(x, y, color.NRGBA{230, 230, 230, 255})
			} else {
				img.Set(x, y, color.NRGBA{40, 90, 160, 255})
			}
		}
	}
	return img
}

func newQuad(dev *rhi.Device, log logrus.FieldLogger) (*quad, error) {
	q := &quad{log: log}
	var err error

	q.vertices, err = dev.CreateVertexBuffer(rhi.VertexBufferDesc{
		Size:   4 * vertexSize,
		Stride: vertexSize,
		Attributes: []rhi.VertexAttribute{
			{Location: 0, Components: 2, Offset: 0},
			{Location: 1, Components: 2, Offset: 8},
		},
		Data: float32Bytes(
			-0.5, -0.5, 0, 0,
			0.5, -0.5, 1, 0,
			0.5, 0.5, 1, 1,
			-0.5, 0.5, 0, 1,
		),
	})
	if err != nil {
		return nil, err
	}

	idx := make([]byte, 12)
	for i, v := range []uint16{0, 1, 2, 2, 3, 0} {
		binary.LittleEndian.PutUint16(idx[i*2:], v)
	}
	q.indices, err = dev.CreateIndexBuffer(rhi.IndexBufferDesc{Size: len(idx), Type: rhi.IndexUint16, Data: idx})
	if err != nil {
		q.release()
		return nil, err
	}

	q.uniforms, err = dev.CreateUniformBuffer(rhi.UniformBufferDesc{Size: 64, Usage: rhi.BufferDynamic})
	if err != nil {
		q.release()
		return nil, err
	}

	q.texture, err = dev.CreateTexture(rhi.TextureDesc{
		Width:     checkerSize,
		Height:    checkerSize,
		MipLevels: rhi.MaxMipLevels(checkerSize, checkerSize),
		Format:    rhi.FormatRGBA8,
		Usage:     rhi.TextureSampled,
		Data:      core.GetPixels(checker(checkerSize), 0),
	})
	if err != nil {
		q.release()
		return nil, err
	}

	q.sampler, err = dev.CreateSampler(rhi.SamplerDesc{
		MinFilter: rhi.FilterLinear,
		MagFilter: rhi.FilterNearest,
		MipFilter: rhi.FilterLinear,
		WrapU:     rhi.WrapRepeat,
		WrapV:     rhi.WrapRepeat,
		WrapW:     rhi.WrapRepeat,
	})
	if err != nil {
		q.release()
		return nil, err
	}

	list := dev.CreateCmdList()
	if err := list.GenerateMipMaps(q.texture); err != nil {
		list.Discard()
		q.release()
		return nil, err
	}
	return q, list.Submit()
}

// setProgram swaps in a newly loaded program, taking over the reference.
func (q *quad) setProgram(p *rhi.Program) {
	if q.program != nil {
		q.program.Release()
	}
	q.program = p
	q.log.WithField("program", p.Name()).Info("Program in use")
}

func clearColor(elapsed time.Duration) mgl32.Vec4 {
	t := elapsed.Seconds()
	return mgl32.Vec4{
		float32(0.5 + 0.5*math.Sin(t)),
		float32(0.5 + 0.5*math.Sin(t+2)),
		float32(0.5 + 0.5*math.Sin(t+4)),
		1,
	}
}

// record records one frame into list. Uniforms are written before the
// render pass opens.
func (q *quad) record(list *rhi.CmdList, s rhi.Surface, clip mgl32.Mat4, elapsed time.Duration) error {
	drawable := q.program != nil && q.program.Status() == rhi.CompilationCompiled
	if err := list.BeginScene(s); err != nil {
		return err
	}
	if drawable {
		w, h := s.Extent()
		aspect := float32(w) / float32(h)
		mvp := clip.Mul4(mgl32.Ortho2D(-aspect, aspect, -1, 1)).
			Mul4(mgl32.HomogRotate3DZ(float32(elapsed.Seconds())))
		if err := list.UpdateUniformBuffer(q.uniforms, 0, float32Bytes(mvp[:]...)); err != nil {
			return err
		}
	}
	if err := list.BeginRenderPass(rhi.RenderPass{Clear: true, ClearColor: clearColor(elapsed)}); err != nil {
		return err
	}
	if drawable {
		if err := q.draw(list); err != nil {
			return err
		}
	}
	if err := list.EndRenderPass(); err != nil {
		return err
	}
	return list.EndScene()
}

func (q *quad) draw(list *rhi.CmdList) error {
	if err := list.BindPipelineState(rhi.PipelineState{
		Program:    q.program,
		Primitives: rhi.PrimitiveTriangles,
		Blend:      true,
	}); err != nil {
		return err
	}
	if err := list.BindVertexBuffers(q.vertices); err != nil {
		return err
	}
	if err := list.BindIndexBuffer(q.indices); err != nil {
		return err
	}
	if err := list.BindUniformBuffer(0, q.uniforms); err != nil {
		return err
	}
	if err := list.BindTexture(1, q.texture); err != nil {
		return err
	}
	if err := list.BindSampler(1, q.sampler); err != nil {
		return err
	}
	return list.DrawIndexed(6, 1, 0)
}

func (q *quad) release() {
	if q.vertices != nil {
		q.vertices.Release()
	}
	if q.indices != nil {
		q.indices.Release()
	}
	if q.uniforms != nil {
		q.uniforms.Release()
	}
	if q.texture != nil {
		q.texture.Release()
	}
	if q.sampler != nil {
		q.sampler.Release()
	}
	if q.program != nil {
		q.program.Release()
	}
}
