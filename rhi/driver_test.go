// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package rhi_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/koru3d/rhi/rhi"
	"github.com/koru3d/rhi/rhi/cmdq"
	"github.com/koru3d/rhi/rhi/soft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVertexBufferRoundTrip(t *testing.T) {
	for _, mode := range []rhi.Mode{rhi.ModeDedicated, rhi.ModeCooperative} {
		t.Run(mode.String(), func(t *testing.T) {
			d, _ := startSoft(t, mode)
			dev := d.Device()

			vb, err := dev.CreateVertexBuffer(rhi.VertexBufferDesc{Size: 256})
			require.NoError(t, err)
			defer vb.Release()

			list := dev.CreateCmdList()
			payload := bytesUpTo(256)
			require.NoError(t, list.UpdateVertexBuffer(vb, 0, payload))
			payload[0] = 0xff // recorded data must be a copy
			readback, err := list.ReadBuffer(vb, 0, 256)
			require.NoError(t, err)
			require.NoError(t, list.Submit())

			if mode == rhi.ModeCooperative {
				require.NoError(t, d.Tick())
			}
			data, err := readback.Wait(waitCtx(t))
			require.NoError(t, err)
			assert.Equal(t, bytesUpTo(256), data)
			assert.True(t, vb.IsReady())
		})
	}
}

func TestHandleIsUsableBeforeReady(t *testing.T) {
	d, _ := startSoft(t, rhi.ModeCooperative)
	dev := d.Device()

	ub, err := dev.CreateUniformBuffer(rhi.UniformBufferDesc{Size: 64, Data: bytesUpTo(16)})
	require.NoError(t, err)
	defer ub.Release()

	assert.Equal(t, rhi.StatePendingGPUInit, ub.State())
	assert.False(t, ub.IsReady())
	select {
	case <-ub.Ready():
		t.Fatal("resource settled before the loop ran")
	default:
	}

	list := dev.CreateCmdList()
	require.NoError(t, list.UpdateUniformBuffer(ub, 16, []byte{1, 2, 3, 4}))
	readback, err := list.ReadBuffer(ub, 0, 20)
	require.NoError(t, err)
	require.NoError(t, list.Submit())

	require.NoError(t, d.Tick())
	assert.Equal(t, rhi.StateReady, ub.State())
	require.NoError(t, rhi.WaitReady(waitCtx(t), ub))

	data, err := readback.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, append(bytesUpTo(16), 1, 2, 3, 4), data)
}

func TestCreationPrecedesUseAcrossProducers(t *testing.T) {
	const producers = 16
	d, _ := startSoft(t, rhi.ModeDedicated)
	dev := d.Device()

	var wg sync.WaitGroup
	errs := make(chan error, producers)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			vb, err := dev.CreateVertexBuffer(rhi.VertexBufferDesc{Size: 32})
			if err != nil {
				errs <- err
				return
			}
			defer vb.Release()

			list := dev.CreateCmdList()
			want := make([]byte, 32)
			for i := range want {
				want[i] = byte(p)
			}
			if err := list.UpdateVertexBuffer(vb, 0, want); err != nil {
				errs <- err
				return
			}
			readback, err := list.ReadBuffer(vb, 0, 32)
			if err != nil {
				errs <- err
				return
			}
			if err := list.Submit(); err != nil {
				errs <- err
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			got, err := readback.Wait(ctx)
			if err != nil {
				errs <- err
				return
			}
			if string(got) != string(want) {
				errs <- fmt.Errorf("producer %d read %v", p, got)
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Zero(t, d.Stats().Failures)
}

func TestInvalidDescQueuesNothing(t *testing.T) {
	d, _ := startSoft(t, rhi.ModeCooperative)
	dev := d.Device()

	_, err := dev.CreateVertexBuffer(rhi.VertexBufferDesc{Size: 0})
	assert.ErrorIs(t, err, rhi.ErrInvalidDesc)
	_, err = dev.CreateIndexBuffer(rhi.IndexBufferDesc{Size: 3, Type: rhi.IndexUint16})
	assert.ErrorIs(t, err, rhi.ErrInvalidDesc)
	_, err = dev.CreateTexture(rhi.TextureDesc{Width: 4, Height: 4, Format: rhi.FormatRGBA8})
	assert.ErrorIs(t, err, rhi.ErrInvalidDesc, "texture without usage")
	_, err = dev.CreateProgram(rhi.ProgramDesc{Name: "empty"})
	assert.ErrorIs(t, err, rhi.ErrInvalidDesc)
	_, err = dev.CreateRenderTarget(rhi.RenderTargetDesc{})
	assert.ErrorIs(t, err, rhi.ErrInvalidDesc)

	require.NoError(t, d.Tick())
	assert.Zero(t, d.Stats().DeferredCommands)
	assert.Zero(t, d.Stats().Deferred.Submitted)
}

func TestDestructionRunsOnExecutionThread(t *testing.T) {
	backend := newTracingBackend()
	d := startDriver(t, backend, rhi.Config{Mode: rhi.ModeDedicated})
	dev := d.Device()

	tex, err := dev.CreateTexture(rhi.TextureDesc{
		Width: 8, Height: 8, Format: rhi.FormatRGBA8, Usage: rhi.TextureSampled,
	})
	require.NoError(t, err)
	require.NoError(t, rhi.WaitReady(waitCtx(t), tex))

	caller := goid()
	tex.Release()
	assert.Contains(t, []rhi.State{rhi.StatePendingDestroy, rhi.StateDestroyed}, tex.State())

	syncDriver(t, d)
	assert.Equal(t, rhi.StateDestroyed, tex.State())

	releasedOn, ok := backend.releasedOn(tex.ID())
	require.True(t, ok)
	assert.NotEqual(t, caller, releasedOn)
	backend.mu.Lock()
	assert.Equal(t, backend.initOn[tex.ID()], releasedOn)
	backend.mu.Unlock()
	assert.Zero(t, backend.Stats().Live)
}

func TestReleaseWhileCommandsPending(t *testing.T) {
	d, backend := startSoft(t, rhi.ModeCooperative)
	dev := d.Device()

	vb, err := dev.CreateVertexBuffer(rhi.VertexBufferDesc{Size: 16})
	require.NoError(t, err)

	list := dev.CreateCmdList()
	require.NoError(t, list.UpdateVertexBuffer(vb, 0, bytesUpTo(16)))
	readback, err := list.ReadBuffer(vb, 8, 8)
	require.NoError(t, err)
	require.NoError(t, list.Submit())

	vb.Release()
	assert.Equal(t, int32(2), vb.RefCount(), "pending commands keep references")

	require.NoError(t, d.Tick())
	data, err := readback.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, bytesUpTo(16)[8:], data)
	assert.Equal(t, rhi.StateDestroyed, vb.State())
	assert.Equal(t, int64(0), backend.Stats().Live)

	_, err = list.ReadBuffer(vb, 0, 4)
	assert.ErrorIs(t, err, rhi.ErrInvalidArgument)
}

func TestReleaseBeforeCreationExecutes(t *testing.T) {
	d, backend := startSoft(t, rhi.ModeCooperative)
	s, err := d.Device().CreateSampler(rhi.SamplerDesc{MinFilter: rhi.FilterLinear})
	require.NoError(t, err)
	s.Release()

	require.NoError(t, d.Tick())
	assert.Equal(t, rhi.StateDestroyed, s.State())
	assert.Zero(t, backend.Stats().Created)
	<-s.Ready()
}

func TestOverReleasePanics(t *testing.T) {
	d, _ := startSoft(t, rhi.ModeCooperative)
	s, err := d.Device().CreateSampler(rhi.SamplerDesc{})
	require.NoError(t, err)
	s.Release()
	assert.Panics(t, s.Release)
	assert.Panics(t, s.AddRef)
}

func TestProgramCompilationFailure(t *testing.T) {
	d, _ := startSoft(t, rhi.ModeDedicated)
	dev := d.Device()

	desc := glslProgram("broken")
	desc.Stages[1].Source = []byte("#version 450\nvoid mian() {}\n")
	prog, err := dev.CreateProgram(desc)
	require.NoError(t, err, "compilation errors are deferred")
	defer prog.Release()

	err = rhi.WaitReady(waitCtx(t), prog)
	var compileErr *rhi.CompileError
	require.True(t, errors.As(err, &compileErr))
	assert.Equal(t, rhi.ShaderFragment, compileErr.Stage)
	assert.Equal(t, rhi.CompilationFailed, prog.Status())
	assert.Contains(t, prog.Message(), "'main'")
	assert.Equal(t, rhi.StatePendingGPUInit, prog.State())

	good, err := dev.CreateProgram(glslProgram("good"))
	require.NoError(t, err)
	defer good.Release()
	require.NoError(t, rhi.WaitReady(waitCtx(t), good))
	assert.Equal(t, rhi.CompilationCompiled, good.Status())
	assert.Empty(t, good.Message())
}

func TestUnsupportedLanguageRejected(t *testing.T) {
	d, _ := startSoft(t, rhi.ModeCooperative)
	desc := glslProgram("p")
	desc.Language = rhi.ShaderLanguage(99)
	_, err := d.Device().CreateProgram(desc)
	assert.ErrorIs(t, err, rhi.ErrInvalidDesc)
}

func TestRenderTargetKeepsAttachmentsAlive(t *testing.T) {
	d, backend := startSoft(t, rhi.ModeCooperative)
	dev := d.Device()

	color, err := dev.CreateTexture(rhi.TextureDesc{
		Width: 16, Height: 16, Format: rhi.FormatRGBA8,
		Usage: rhi.TextureColorAttachment | rhi.TextureSampled,
	})
	require.NoError(t, err)
	depth, err := dev.CreateTexture(rhi.TextureDesc{
		Width: 16, Height: 16, Format: rhi.FormatDepth24Stencil8,
		Usage: rhi.TextureDepthStencilAttachment,
	})
	require.NoError(t, err)

	rt, err := dev.CreateRenderTarget(rhi.RenderTargetDesc{
		Colors:       []*rhi.Texture{color},
		DepthStencil: depth,
	})
	require.NoError(t, err)
	w, h := rt.Extent()
	assert.Equal(t, 16, w)
	assert.Equal(t, 16, h)

	color.Release()
	depth.Release()
	require.NoError(t, d.Tick())
	assert.True(t, rt.IsReady())
	assert.True(t, color.IsReady(), "render target still references the attachment")
	assert.Equal(t, int64(3), backend.Stats().Live)

	rt.Release()
	require.NoError(t, d.Tick())
	assert.Equal(t, rhi.StateDestroyed, rt.State())
	assert.Equal(t, rhi.StateDestroyed, color.State())
	assert.Equal(t, rhi.StateDestroyed, depth.State())
	assert.Zero(t, backend.Stats().Live)
}

func TestRenderTargetRejectsMismatchedAttachments(t *testing.T) {
	d, _ := startSoft(t, rhi.ModeCooperative)
	dev := d.Device()
	a, err := dev.CreateTexture(rhi.TextureDesc{Width: 8, Height: 8, Format: rhi.FormatRGBA8, Usage: rhi.TextureColorAttachment})
	require.NoError(t, err)
	defer a.Release()
	b, err := dev.CreateTexture(rhi.TextureDesc{Width: 4, Height: 4, Format: rhi.FormatRGBA8, Usage: rhi.TextureColorAttachment})
	require.NoError(t, err)
	defer b.Release()

	_, err = dev.CreateRenderTarget(rhi.RenderTargetDesc{Colors: []*rhi.Texture{a, b}})
	assert.ErrorIs(t, err, rhi.ErrInvalidDesc)
	assert.Equal(t, int32(1), a.RefCount())
}

func TestContextLostStopsDriver(t *testing.T) {
	backend := soft.New(soft.Options{Logger: quietLogger()})
	fatal := make(chan error, 1)
	d := startDriver(t, backend, rhi.Config{
		Mode:    rhi.ModeDedicated,
		OnFatal: func(err error) { fatal <- err },
	})
	dev := d.Device()

	backend.LoseContext()
	_, err := dev.CreateVertexBuffer(rhi.VertexBufferDesc{Size: 4})
	require.NoError(t, err)

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, rhi.ErrContextLost)
	case <-time.After(5 * time.Second):
		t.Fatal("fatal handler was not called")
	}
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("driver kept running")
	}
	assert.Equal(t, rhi.DriverStopped, d.State())

	_, err = dev.CreateVertexBuffer(rhi.VertexBufferDesc{Size: 4})
	assert.ErrorIs(t, err, rhi.ErrDriverStopped)
}

func TestStopDrainsPendingWork(t *testing.T) {
	backend := soft.New(soft.Options{Logger: quietLogger()})
	d := rhi.NewDriver(backend, rhi.Config{Mode: rhi.ModeDedicated, Logger: quietLogger()})
	require.NoError(t, d.Start())
	assert.ErrorIs(t, d.Start(), rhi.ErrDriverRunning)
	dev := d.Device()

	var buffers []*rhi.IndexBuffer
	for i := 0; i < 50; i++ {
		ib, err := dev.CreateIndexBuffer(rhi.IndexBufferDesc{Size: 64, Type: rhi.IndexUint32})
		require.NoError(t, err)
		buffers = append(buffers, ib)
	}
	buffers[0].Release()

	d.Stop()
	assert.Equal(t, rhi.DriverStopped, d.State())
	for _, ib := range buffers[1:] {
		assert.True(t, ib.IsReady())
	}
	assert.Equal(t, rhi.StateDestroyed, buffers[0].State())

	_, err := dev.CreateSampler(rhi.SamplerDesc{})
	assert.ErrorIs(t, err, rhi.ErrDriverStopped)
	assert.ErrorIs(t, d.Sync(context.Background()), rhi.ErrDriverStopped)

	// Releasing after shutdown does not queue anything.
	buffers[1].Release()
	assert.Equal(t, rhi.StateDestroyed, buffers[1].State())
	d.Stop()
}

// shutdownHook runs fn when the driver shuts the backend down.
type shutdownHook struct {
	*soft.Backend
	fn func()
}

func (b *shutdownHook) Shutdown() {
	b.fn()
	b.Backend.Shutdown()
}

func TestReleaseDuringShutdownSettles(t *testing.T) {
	backend := &shutdownHook{Backend: soft.New(soft.Options{Logger: quietLogger()})}
	d := startDriver(t, backend, rhi.Config{Mode: rhi.ModeDedicated})
	dev := d.Device()

	color, err := dev.CreateTexture(rhi.TextureDesc{
		Width: 8, Height: 8, Format: rhi.FormatRGBA8, Usage: rhi.TextureColorAttachment,
	})
	require.NoError(t, err)
	rt, err := dev.CreateRenderTarget(rhi.RenderTargetDesc{Colors: []*rhi.Texture{color}})
	require.NoError(t, err)
	color.Release()
	require.NoError(t, rhi.WaitReady(waitCtx(t), rt))

	backend.fn = func() {
		released := make(chan struct{})
		go func() {
			defer close(released)
			rt.Release()
		}()
		<-released
	}
	d.Stop()

	assert.Equal(t, rhi.DriverStopped, d.State())
	assert.Equal(t, rhi.StateDestroyed, rt.State())
	assert.Equal(t, rhi.StateDestroyed, color.State(), "attachment released with its target")
	<-rt.Ready()
}

func TestReleaseRacingStopIsHonored(t *testing.T) {
	backend := newTracingBackend()
	d := startDriver(t, backend, rhi.Config{Mode: rhi.ModeDedicated})
	dev := d.Device()

	vb, err := dev.CreateVertexBuffer(rhi.VertexBufferDesc{Size: 16, Data: bytesUpTo(16)})
	require.NoError(t, err)
	var buffers []*rhi.IndexBuffer
	for i := 0; i < 64; i++ {
		ib, err := dev.CreateIndexBuffer(rhi.IndexBufferDesc{Size: 16, Type: rhi.IndexUint16})
		require.NoError(t, err)
		buffers = append(buffers, ib)
	}
	syncDriver(t, d)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, ib := range buffers {
		wg.Add(1)
		go func(ib *rhi.IndexBuffer) {
			defer wg.Done()
			<-start
			ib.Release()
		}(ib)
	}

	type result struct {
		submit error
		read   *rhi.Readback
	}
	reads := make(chan result, 16)
	for i := 0; i < cap(reads); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			list := dev.CreateCmdList()
			rb, err := list.ReadBuffer(vb, 0, 16)
			if !assert.NoError(t, err) {
				return
			}
			<-start
			reads <- result{submit: list.Submit(), read: rb}
		}()
	}

	close(start)
	d.Stop()
	wg.Wait()
	close(reads)

	for _, ib := range buffers {
		assert.Equal(t, rhi.StateDestroyed, ib.State())
	}
	for r := range reads {
		data, err := r.read.Wait(waitCtx(t))
		if r.submit != nil {
			assert.ErrorIs(t, r.submit, rhi.ErrDriverStopped)
			assert.ErrorIs(t, err, rhi.ErrDriverStopped)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, bytesUpTo(16), data)
	}
	vb.Release()
	assert.Equal(t, rhi.StateDestroyed, vb.State())
}

func TestCreateBeforeStartFails(t *testing.T) {
	d := rhi.NewDriver(soft.New(soft.Options{Logger: quietLogger()}), rhi.Config{Logger: quietLogger()})
	dev := d.Device()

	_, err := dev.CreateVertexBuffer(rhi.VertexBufferDesc{Size: 4})
	assert.ErrorIs(t, err, rhi.ErrDriverStopped)
	_, err = dev.CreateIndexBuffer(rhi.IndexBufferDesc{Size: 4, Type: rhi.IndexUint16})
	assert.ErrorIs(t, err, rhi.ErrDriverStopped)
	_, err = dev.CreateUniformBuffer(rhi.UniformBufferDesc{Size: 64})
	assert.ErrorIs(t, err, rhi.ErrDriverStopped)
	_, err = dev.CreateTexture(rhi.TextureDesc{Width: 4, Height: 4, Format: rhi.FormatRGBA8, Usage: rhi.TextureSampled})
	assert.ErrorIs(t, err, rhi.ErrDriverStopped, "checked before the unset caps")
	_, err = dev.CreateSampler(rhi.SamplerDesc{})
	assert.ErrorIs(t, err, rhi.ErrDriverStopped)
	_, err = dev.CreateProgram(glslProgram("early"))
	assert.ErrorIs(t, err, rhi.ErrDriverStopped, "checked before the unset caps")
	_, err = dev.CreateRenderTarget(rhi.RenderTargetDesc{})
	assert.ErrorIs(t, err, rhi.ErrDriverStopped)

	d.Stop()
	assert.Equal(t, rhi.DriverStopped, d.State())
}

func TestCmdListArenaExhaustionIsFatal(t *testing.T) {
	var fatal []error
	backend := soft.New(soft.Options{Logger: quietLogger()})
	d := startDriver(t, backend, rhi.Config{
		Mode:       rhi.ModeCooperative,
		BufferSize: 4 * cmdq.SlotSize[rhi.Context](),
		OnOverflow: func(err error) { fatal = append(fatal, err) },
	})
	list := d.Device().CreateCmdList()
	s := surface{4, 4}
	for i := 0; i < 2; i++ {
		require.NoError(t, list.BeginScene(s))
		require.NoError(t, list.EndScene())
	}
	assert.Empty(t, fatal)

	err := list.BeginScene(s)
	assert.ErrorIs(t, err, cmdq.ErrArenaExhausted)
	require.Len(t, fatal, 1)
	assert.ErrorIs(t, fatal[0], cmdq.ErrArenaExhausted)
	assert.Equal(t, 4, list.Len())

	require.NoError(t, list.Submit())
	require.NoError(t, d.Tick())
	assert.Equal(t, uint64(2), backend.Stats().Scenes)
}

func TestSyncWaitsForEarlierWork(t *testing.T) {
	d, backend := startSoft(t, rhi.ModeDedicated)
	dev := d.Device()
	for i := 0; i < 10; i++ {
		s, err := dev.CreateSampler(rhi.SamplerDesc{})
		require.NoError(t, err)
		defer s.Release()
	}
	syncDriver(t, d)
	assert.Equal(t, uint64(10), backend.Stats().Created)

	stats := d.Stats()
	assert.Equal(t, uint64(10), stats.DeferredCommands)
	assert.GreaterOrEqual(t, stats.Ticks, uint64(1))
}

func TestClipMatrix(t *testing.T) {
	d, _ := startSoft(t, rhi.ModeCooperative)
	dev := d.Device()
	assert.Equal(t, rhi.TypeSoftware, dev.DriverType())
	assert.False(t, dev.IsInSeparateThreadMode())
	assert.Equal(t, mgl32.Ident4(), dev.ClipMatrix())
	assert.Contains(t, dev.SupportedShaderLanguages(), rhi.LanguageSPIRV)
	assert.Contains(t, dev.SupportedTextureFormats(), rhi.FormatRGBA8)
}
