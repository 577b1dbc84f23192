// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package soft_test

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/koru3d/rhi/rhi"
	"github.com/koru3d/rhi/rhi/soft"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type surface struct{ w, h int }

func (s surface) Extent() (int, int) { return s.w, s.h }

func newDriver(t *testing.T, opts soft.Options) (*rhi.Driver, *soft.Backend) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	opts.Logger = log
	backend := soft.New(opts)
	d := rhi.NewDriver(backend, rhi.Config{Mode: rhi.ModeCooperative, Logger: log})
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d, backend
}

func TestPresentReceivesClearedFrame(t *testing.T) {
	var frames []soft.Frame
	d, _ := newDriver(t, soft.Options{
		Present: func(f soft.Frame) {
			f.Pix = append([]byte(nil), f.Pix...)
			frames = append(frames, f)
		},
	})

	list := d.Device().CreateCmdList()
	for i := 0; i < 2; i++ {
		require.NoError(t, list.BeginScene(surface{3, 2}))
		require.NoError(t, list.BeginRenderPass(rhi.RenderPass{
			Clear:      true,
			ClearColor: mgl32.Vec4{0, 0.5, 1, 1},
		}))
		require.NoError(t, list.EndRenderPass())
		require.NoError(t, list.EndScene())
	}
	require.NoError(t, list.Submit())
	require.NoError(t, d.Tick())

	require.Len(t, frames, 2)
	assert.Equal(t, uint64(1), frames[0].Index)
	assert.Equal(t, uint64(2), frames[1].Index)
	assert.Equal(t, 3, frames[1].Width)
	assert.Equal(t, 2, frames[1].Height)
	require.Len(t, frames[0].Pix, 3*2*4)
	for i := 0; i < len(frames[0].Pix); i += 4 {
		assert.Equal(t, []byte{0, 128, 255, 255}, frames[0].Pix[i:i+4])
	}
}

func TestGenerateMipMaps(t *testing.T) {
	d, backend := newDriver(t, soft.Options{})
	dev := d.Device()

	base := make([]byte, 4*4*4)
	for i := range base {
		base[i] = 200
	}
	tex, err := dev.CreateTexture(rhi.TextureDesc{
		Width: 4, Height: 4, MipLevels: rhi.MaxMipLevels(4, 4),
		Format: rhi.FormatRGBA8, Usage: rhi.TextureSampled | rhi.TextureTransferDst,
		Data: base,
	})
	require.NoError(t, err)
	defer tex.Release()
	assert.Equal(t, 3, tex.Desc().MipLevels)

	list := dev.CreateCmdList()
	require.NoError(t, list.GenerateMipMaps(tex))
	require.NoError(t, list.Submit())
	require.NoError(t, d.Tick())
	assert.NoError(t, tex.Err())
	assert.Zero(t, d.Stats().Failures)

	floatTex, err := dev.CreateTexture(rhi.TextureDesc{
		Width: 4, Height: 4, MipLevels: 2, Format: rhi.FormatR32F, Usage: rhi.TextureSampled,
	})
	require.NoError(t, err)
	defer floatTex.Release()
	require.NoError(t, list.GenerateMipMaps(floatTex))
	require.NoError(t, list.Submit())
	require.NoError(t, d.Tick())
	assert.ErrorIs(t, floatTex.Err(), rhi.ErrUnsupported)
	assert.Equal(t, uint64(1), d.Stats().Failures)
	assert.Equal(t, int64(2), backend.Stats().Live)
}

func TestRenderTargetClear(t *testing.T) {
	d, backend := newDriver(t, soft.Options{})
	dev := d.Device()

	color, err := dev.CreateTexture(rhi.TextureDesc{
		Width: 2, Height: 2, Format: rhi.FormatRGBA8, Usage: rhi.TextureColorAttachment,
	})
	require.NoError(t, err)
	defer color.Release()
	rt, err := dev.CreateRenderTarget(rhi.RenderTargetDesc{Colors: []*rhi.Texture{color}})
	require.NoError(t, err)
	defer rt.Release()

	list := dev.CreateCmdList()
	require.NoError(t, list.BeginScene(surface{2, 2}))
	require.NoError(t, list.BeginRenderPass(rhi.RenderPass{Target: rt, Clear: true, ClearColor: mgl32.Vec4{1, 1, 1, 1}}))
	require.NoError(t, list.EndRenderPass())
	require.NoError(t, list.EndScene())
	require.NoError(t, list.Submit())
	require.NoError(t, d.Tick())

	assert.Zero(t, d.Stats().Failures)
	assert.Equal(t, uint64(1), backend.Stats().Passes)
	assert.True(t, rt.IsReady())
}

func TestDrawIndexedRejectsOutOfRangeIndices(t *testing.T) {
	d, backend := newDriver(t, soft.Options{})
	dev := d.Device()

	vb, err := dev.CreateVertexBuffer(rhi.VertexBufferDesc{Size: 24, Stride: 8})
	require.NoError(t, err)
	defer vb.Release()
	indices := make([]byte, 12)
	for i, idx := range []uint32{0, 1, 3} {
		binary.LittleEndian.PutUint32(indices[i*4:], idx)
	}
	ib, err := dev.CreateIndexBuffer(rhi.IndexBufferDesc{Size: 12, Type: rhi.IndexUint32, Data: indices})
	require.NoError(t, err)
	defer ib.Release()
	prog, err := dev.CreateProgram(rhi.ProgramDesc{
		Name:     "tri",
		Language: rhi.LanguageGLSL,
		Stages:   []rhi.ShaderStage{{Type: rhi.ShaderVertex, Source: []byte("void main() {}")}},
	})
	require.NoError(t, err)
	defer prog.Release()

	list := dev.CreateCmdList()
	require.NoError(t, list.BeginScene(surface{1, 1}))
	require.NoError(t, list.BeginRenderPass(rhi.RenderPass{}))
	require.NoError(t, list.BindPipelineState(rhi.PipelineState{Program: prog}))
	require.NoError(t, list.BindVertexBuffers(vb))
	require.NoError(t, list.BindIndexBuffer(ib))
	require.NoError(t, list.DrawIndexed(2, 1, 0))
	require.NoError(t, list.DrawIndexed(3, 1, 0))
	require.NoError(t, list.Draw(4, 1, 0))
	require.NoError(t, list.EndRenderPass())
	require.NoError(t, list.EndScene())
	require.NoError(t, list.Submit())
	require.NoError(t, d.Tick())

	assert.Equal(t, uint64(2), d.Stats().Failures, "index 3 and vertex 4 are beyond 3 vertices")
	assert.Equal(t, uint64(1), backend.Stats().Draws)
}

func TestSpirvHeaderCheck(t *testing.T) {
	d, _ := newDriver(t, soft.Options{})
	dev := d.Device()

	module := make([]byte, 20)
	binary.LittleEndian.PutUint32(module, 0x07230203)
	good, err := dev.CreateProgram(rhi.ProgramDesc{
		Name:     "spv",
		Language: rhi.LanguageSPIRV,
		Stages:   []rhi.ShaderStage{{Type: rhi.ShaderCompute, Source: module}},
	})
	require.NoError(t, err)
	defer good.Release()

	bad, err := dev.CreateProgram(rhi.ProgramDesc{
		Name:     "glsl-as-spv",
		Language: rhi.LanguageSPIRV,
		Stages:   []rhi.ShaderStage{{Type: rhi.ShaderVertex, Source: []byte("void main() {}\n\n\n\n\n\n")}},
	})
	require.NoError(t, err)
	defer bad.Release()

	require.NoError(t, d.Tick())
	assert.Equal(t, rhi.CompilationCompiled, good.Status())
	assert.Equal(t, rhi.CompilationFailed, bad.Status())
	assert.Equal(t, "invalid SPIR-V module header", bad.Message())
}

func TestLostContextFailsCommands(t *testing.T) {
	var fatal []error
	log := logrus.New()
	log.SetOutput(io.Discard)
	backend := soft.New(soft.Options{Logger: log})
	d := rhi.NewDriver(backend, rhi.Config{
		Mode:    rhi.ModeCooperative,
		Logger:  log,
		OnFatal: func(err error) { fatal = append(fatal, err) },
	})
	require.NoError(t, d.Start())

	list := d.Device().CreateCmdList()
	require.NoError(t, list.BeginScene(surface{1, 1}))
	require.NoError(t, list.EndScene())
	require.NoError(t, list.Submit())
	backend.LoseContext()

	assert.ErrorIs(t, d.Tick(), rhi.ErrContextLost)
	require.Len(t, fatal, 1)
	assert.Equal(t, rhi.DriverStopped, d.State())
	assert.ErrorIs(t, d.Tick(), rhi.ErrDriverStopped)
	d.Stop()
}
